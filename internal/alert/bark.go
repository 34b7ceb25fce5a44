package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/lapso-labs/lapso-coordinator/internal/barkclient"
	"github.com/lapso-labs/lapso-coordinator/internal/crypto"
	"github.com/lapso-labs/lapso-coordinator/internal/model"
)

// Pusher sends one encrypted notification. *barkclient.Client satisfies it.
type Pusher interface {
	SendEncryptedPush(ctx context.Context, deviceKey, ciphertext, iv string) (*barkclient.CommonResponse[struct{}], error)
}

// BarkConfig configures a BarkSink.
type BarkConfig struct {
	DeviceKey string
	EncodeKey string
	IV        string
	// Rate is the sustained number of pushes per second; Burst the
	// number allowed back to back.
	Rate      float64
	Burst     int
	QueueSize int
}

// BarkSink pushes alerts to a Bark server as AES-encrypted notifications.
// Alerts are queued and delivered by a single worker throttled by a token
// bucket; when the queue is full new alerts are dropped and logged.
type BarkSink struct {
	pusher  Pusher
	cfg     BarkConfig
	limiter *rate.Limiter
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan model.Alert
	done   chan struct{}
	cancel context.CancelFunc
}

// NewBarkSink validates cfg and builds a sink. Call Run to start delivery.
func NewBarkSink(pusher Pusher, cfg BarkConfig, logger *slog.Logger) (*BarkSink, error) {
	if pusher == nil {
		return nil, errors.New("bark pusher is required")
	}
	if cfg.DeviceKey == "" {
		return nil, errors.New("bark device key is required")
	}
	if !crypto.ValidKeyLength([]byte(cfg.EncodeKey)) {
		return nil, errors.New("bark encode key must be 16, 24 or 32 characters")
	}
	if len(cfg.IV) != 16 {
		return nil, errors.New("bark iv must be 16 characters")
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BarkSink{
		pusher:  pusher,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		logger:  logger,
		queue:   make(chan model.Alert, cfg.QueueSize),
		done:    make(chan struct{}),
	}, nil
}

// Emit enqueues a for delivery without blocking.
func (s *BarkSink) Emit(_ context.Context, a model.Alert) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- a:
	default:
		s.logger.Warn("bark alert queue full, dropping alert",
			"type", string(a.Type),
			"device_id", a.DeviceID,
		)
	}
}

// Run delivers queued alerts until ctx is cancelled or Close drains the
// queue.
func (s *BarkSink) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-s.queue:
			if !ok {
				return
			}
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			if err := s.deliver(ctx, a); err != nil {
				s.logger.Error("bark alert push failed",
					"type", string(a.Type),
					"device_id", a.DeviceID,
					"error", err,
				)
			}
		}
	}
}

// Start runs the delivery loop in the background on its own context, so
// that process signals do not cut it short. Stop it with Shutdown.
func (s *BarkSink) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	go s.Run(ctx)
}

// Shutdown drains queued alerts until ctx expires, then stops the loop
// started by Start.
func (s *BarkSink) Shutdown(ctx context.Context) error {
	err := s.Close(ctx)
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return err
}

// Close stops accepting alerts and waits until Run has drained the queue
// or ctx expires.
func (s *BarkSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *BarkSink) deliver(ctx context.Context, a model.Alert) error {
	body, err := json.Marshal(map[string]string{
		"title": title(a.Type),
		"body":  a.Message,
		"group": "lapso",
	})
	if err != nil {
		return err
	}
	ciphertext, err := crypto.EncryptToBase64(body, []byte(s.cfg.EncodeKey), []byte(s.cfg.IV))
	if err != nil {
		return fmt.Errorf("encrypt alert: %w", err)
	}
	_, err = s.pusher.SendEncryptedPush(ctx, s.cfg.DeviceKey, ciphertext, s.cfg.IV)
	return err
}

func title(t model.AlertType) string {
	switch t {
	case model.AlertGeofenceEntry:
		return "Device entered geofence"
	case model.AlertGeofenceExit:
		return "Device left geofence"
	case model.AlertGeofenceAutoLock:
		return "Device locked after leaving geofence"
	case model.AlertSuspiciousActivity:
		return "Suspicious device activity"
	case model.AlertOwnershipMismatch:
		return "Rejected device ownership claim"
	}
	return string(t)
}
