package memory

import (
	"context"
	"testing"

	"github.com/lapso-labs/lapso-coordinator/internal/model"
	"github.com/lapso-labs/lapso-coordinator/internal/storage"
	"github.com/lapso-labs/lapso-coordinator/internal/storage/storagetest"
)

func TestStoreContract(t *testing.T) {
	storagetest.Run(t, func(*testing.T) storage.Store { return New() })
}

func TestReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.RegisterDevice(ctx, &model.Device{DeviceID: "d1", OwnerID: "alice"}); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	got, _ := s.GetDevice(ctx, "d1")
	got.Name = "tampered"
	again, _ := s.GetDevice(ctx, "d1")
	if again.Name != "" {
		t.Errorf("stored device mutated through returned pointer: %q", again.Name)
	}
}
