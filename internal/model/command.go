package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CommandKind enumerates the remote actions an agent can execute.
type CommandKind uint8

const (
	CommandLock CommandKind = iota + 1
	CommandUnlock
	CommandWipe
	CommandScreenshot
	CommandAlarm
	CommandMessage
	CommandLocate
)

var commandKindNames = map[CommandKind]string{
	CommandLock:       "LOCK",
	CommandUnlock:     "UNLOCK",
	CommandWipe:       "WIPE",
	CommandScreenshot: "SCREENSHOT",
	CommandAlarm:      "ALARM",
	CommandMessage:    "MESSAGE",
	CommandLocate:     "LOCATE",
}

// CommandKinds lists every kind in declaration order.
func CommandKinds() []CommandKind {
	return []CommandKind{
		CommandLock, CommandUnlock, CommandWipe, CommandScreenshot,
		CommandAlarm, CommandMessage, CommandLocate,
	}
}

// ParseCommandKind maps a case-insensitive name to its kind.
func ParseCommandKind(s string) (CommandKind, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for k, n := range commandKindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown command kind %q", s)
}

func (k CommandKind) String() string {
	if n, ok := commandKindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("CommandKind(%d)", uint8(k))
}

// Valid reports whether k is one of the declared kinds.
func (k CommandKind) Valid() bool {
	_, ok := commandKindNames[k]
	return ok
}

// MarshalText implements encoding.TextMarshaler.
func (k CommandKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid command kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *CommandKind) UnmarshalText(b []byte) error {
	parsed, err := ParseCommandKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// CommandStatus is a position in the command lifecycle.
type CommandStatus string

const (
	CommandPending   CommandStatus = "PENDING"
	CommandSent      CommandStatus = "SENT"
	CommandCompleted CommandStatus = "COMPLETED"
	CommandFailed    CommandStatus = "FAILED"
	CommandExpired   CommandStatus = "EXPIRED"
)

// Terminal reports whether no further transition is possible.
func (s CommandStatus) Terminal() bool {
	switch s {
	case CommandCompleted, CommandFailed, CommandExpired:
		return true
	}
	return false
}

// CanTransition reports whether s -> to is a lifecycle edge.
func (s CommandStatus) CanTransition(to CommandStatus) bool {
	switch s {
	case CommandPending:
		return to == CommandSent || to == CommandExpired
	case CommandSent:
		return to == CommandCompleted || to == CommandFailed || to == CommandExpired
	}
	return false
}

// Priority bounds. Higher values are dispatched first.
const (
	MinPriority = 1
	MaxPriority = 10
)

// Command is one administrator-issued remote action.
type Command struct {
	ID          string          `json:"id"`
	Seq         uint64          `json:"seq"`
	DeviceID    string          `json:"deviceId"`
	OwnerID     string          `json:"ownerId"`
	Kind        CommandKind     `json:"kind"`
	Params      json.RawMessage `json:"params,omitempty"`
	Priority    int             `json:"priority"`
	Status      CommandStatus   `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
	ExpiresAt   time.Time       `json:"expiresAt"`
	SentAt      *time.Time      `json:"sentAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Result      string          `json:"result,omitempty"`
}

// Expired reports whether the command's deadline has passed at now.
func (c *Command) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Transition moves the command to status to, stamping the matching
// timestamp. It returns an error for edges outside the lifecycle.
func (c *Command) Transition(to CommandStatus, at time.Time) error {
	if !c.Status.CanTransition(to) {
		return fmt.Errorf("command %s: illegal transition %s -> %s", c.ID, c.Status, to)
	}
	c.Status = to
	t := at
	switch to {
	case CommandSent:
		c.SentAt = &t
	case CommandCompleted, CommandFailed, CommandExpired:
		c.CompletedAt = &t
	}
	return nil
}

// Clone returns a deep copy.
func (c *Command) Clone() *Command {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Params != nil {
		cp.Params = append(json.RawMessage(nil), c.Params...)
	}
	cp.SentAt = clonePtr(c.SentAt)
	cp.CompletedAt = clonePtr(c.CompletedAt)
	return &cp
}
