// Package storagetest holds behaviour tests shared by every Store
// implementation.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lapso-labs/lapso-coordinator/internal/model"
	"github.com/lapso-labs/lapso-coordinator/internal/storage"
)

var epoch = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

// Run exercises newStore against the storage contract.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("RegisterDeviceOnce", func(t *testing.T) { testRegisterDeviceOnce(t, newStore(t)) })
	t.Run("RegisterDeviceRace", func(t *testing.T) { testRegisterDeviceRace(t, newStore(t)) })
	t.Run("UpdateDeviceKeepsBinding", func(t *testing.T) { testUpdateDeviceKeepsBinding(t, newStore(t)) })
	t.Run("ListDevicesByOwner", func(t *testing.T) { testListDevicesByOwner(t, newStore(t)) })
	t.Run("GeofenceCRUD", func(t *testing.T) { testGeofenceCRUD(t, newStore(t)) })
	t.Run("CommandSequence", func(t *testing.T) { testCommandSequence(t, newStore(t)) })
	t.Run("CommandUpdateAndDelete", func(t *testing.T) { testCommandUpdateAndDelete(t, newStore(t)) })
	t.Run("UpdateCommandsAllOrNothing", func(t *testing.T) { testUpdateCommandsAllOrNothing(t, newStore(t)) })
}

func testRegisterDeviceOnce(t *testing.T, s storage.Store) {
	ctx := context.Background()
	d := &model.Device{DeviceID: "d1", OwnerID: "alice", Name: "laptop", CreatedAt: epoch, UpdatedAt: epoch}
	if err := s.RegisterDevice(ctx, d); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	dup := &model.Device{DeviceID: "d1", OwnerID: "mallory"}
	if err := s.RegisterDevice(ctx, dup); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("second RegisterDevice: got %v, want ErrAlreadyExists", err)
	}
	got, err := s.GetDevice(ctx, "d1")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if got.OwnerID != "alice" {
		t.Errorf("owner: got %q, want alice", got.OwnerID)
	}
	if _, err := s.GetDevice(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetDevice missing: got %v, want ErrNotFound", err)
	}
}

func testRegisterDeviceRace(t *testing.T, s storage.Store) {
	ctx := context.Background()
	const n = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := &model.Device{DeviceID: "contested", OwnerID: fmt.Sprintf("owner-%d", i), CreatedAt: epoch}
			err := s.RegisterDevice(ctx, d)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, storage.ErrAlreadyExists) {
				t.Errorf("RegisterDevice: unexpected error %v", err)
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("winners: got %d, want 1", wins)
	}
}

func testUpdateDeviceKeepsBinding(t *testing.T, s storage.Store) {
	ctx := context.Background()
	d := &model.Device{DeviceID: "d1", OwnerID: "alice", FingerprintHash: "abc", CreatedAt: epoch}
	if err := s.RegisterDevice(ctx, d); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	battery := 42.0
	update := &model.Device{DeviceID: "d1", OwnerID: "mallory", BatteryLevel: &battery, Online: true, UpdatedAt: epoch.Add(time.Minute)}
	if err := s.UpdateDevice(ctx, update); err != nil {
		t.Fatalf("UpdateDevice: %v", err)
	}
	got, err := s.GetDevice(ctx, "d1")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if got.OwnerID != "alice" || got.FingerprintHash != "abc" {
		t.Errorf("binding changed: got owner=%q fingerprint=%q", got.OwnerID, got.FingerprintHash)
	}
	if got.BatteryLevel == nil || *got.BatteryLevel != 42 {
		t.Errorf("battery: got %v, want 42", got.BatteryLevel)
	}
	if !got.CreatedAt.Equal(epoch) {
		t.Errorf("createdAt: got %v, want %v", got.CreatedAt, epoch)
	}
	if err := s.UpdateDevice(ctx, &model.Device{DeviceID: "ghost"}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("UpdateDevice missing: got %v, want ErrNotFound", err)
	}
}

func testListDevicesByOwner(t *testing.T, s storage.Store) {
	ctx := context.Background()
	for _, d := range []*model.Device{
		{DeviceID: "b", OwnerID: "alice", CreatedAt: epoch},
		{DeviceID: "a", OwnerID: "alice", CreatedAt: epoch},
		{DeviceID: "c", OwnerID: "bob", CreatedAt: epoch},
	} {
		if err := s.RegisterDevice(ctx, d); err != nil {
			t.Fatalf("RegisterDevice %s: %v", d.DeviceID, err)
		}
	}
	got, err := s.ListDevicesByOwner(ctx, "alice")
	if err != nil {
		t.Fatalf("ListDevicesByOwner: %v", err)
	}
	if len(got) != 2 || got[0].DeviceID != "a" || got[1].DeviceID != "b" {
		t.Errorf("alice devices: got %v", deviceIDs(got))
	}
}

func testGeofenceCRUD(t *testing.T, s storage.Store) {
	ctx := context.Background()
	fences := []*model.Geofence{
		{ID: "g1", OwnerID: "alice", Name: "home", RadiusMeters: 100, Active: true, CreatedAt: epoch},
		{ID: "g2", OwnerID: "alice", Name: "office", RadiusMeters: 200, Active: false, CreatedAt: epoch.Add(time.Second)},
		{ID: "g3", OwnerID: "bob", Name: "gym", RadiusMeters: 50, Active: true, CreatedAt: epoch},
	}
	for _, f := range fences {
		if err := s.CreateGeofence(ctx, f); err != nil {
			t.Fatalf("CreateGeofence %s: %v", f.ID, err)
		}
	}
	if err := s.CreateGeofence(ctx, fences[0]); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Errorf("duplicate CreateGeofence: got %v, want ErrAlreadyExists", err)
	}

	active, err := s.ListGeofences(ctx, "alice", true)
	if err != nil {
		t.Fatalf("ListGeofences: %v", err)
	}
	if len(active) != 1 || active[0].ID != "g1" {
		t.Errorf("active alice fences: got %d", len(active))
	}
	all, err := s.ListGeofences(ctx, "alice", false)
	if err != nil {
		t.Fatalf("ListGeofences: %v", err)
	}
	if len(all) != 2 || all[0].ID != "g1" || all[1].ID != "g2" {
		t.Errorf("all alice fences: got %d", len(all))
	}

	g2 := *fences[1]
	g2.Active = true
	if err := s.UpdateGeofence(ctx, &g2); err != nil {
		t.Fatalf("UpdateGeofence: %v", err)
	}
	got, err := s.GetGeofence(ctx, "g2")
	if err != nil || !got.Active {
		t.Errorf("GetGeofence after update: got %+v, %v", got, err)
	}

	if err := s.DeleteGeofence(ctx, "g1"); err != nil {
		t.Fatalf("DeleteGeofence: %v", err)
	}
	if _, err := s.GetGeofence(ctx, "g1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetGeofence deleted: got %v, want ErrNotFound", err)
	}
	if err := s.DeleteGeofence(ctx, "g1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("DeleteGeofence twice: got %v, want ErrNotFound", err)
	}
}

func testCommandSequence(t *testing.T, s storage.Store) {
	ctx := context.Background()
	var last uint64
	for i := 0; i < 5; i++ {
		device := "d1"
		if i%2 == 1 {
			device = "d2"
		}
		cmd := &model.Command{
			ID:        fmt.Sprintf("c%d", i),
			DeviceID:  device,
			Kind:      model.CommandLocate,
			Priority:  5,
			Status:    model.CommandPending,
			CreatedAt: epoch,
			ExpiresAt: epoch.Add(time.Hour),
		}
		if err := s.CreateCommand(ctx, cmd); err != nil {
			t.Fatalf("CreateCommand: %v", err)
		}
		if cmd.Seq <= last {
			t.Fatalf("seq not increasing: got %d after %d", cmd.Seq, last)
		}
		last = cmd.Seq
	}

	d1, err := s.ListCommands(ctx, "d1")
	if err != nil {
		t.Fatalf("ListCommands: %v", err)
	}
	if len(d1) != 3 {
		t.Fatalf("d1 commands: got %d, want 3", len(d1))
	}
	for i := 1; i < len(d1); i++ {
		if d1[i-1].Seq >= d1[i].Seq {
			t.Errorf("ListCommands not ascending at %d", i)
		}
	}
	if d1[0].Kind != model.CommandLocate {
		t.Errorf("kind round trip: got %v", d1[0].Kind)
	}

	devices, err := s.ListCommandDevices(ctx)
	if err != nil {
		t.Fatalf("ListCommandDevices: %v", err)
	}
	if len(devices) != 2 {
		t.Errorf("command devices: got %v, want 2 entries", devices)
	}
	empty, err := s.ListCommands(ctx, "nobody")
	if err != nil || len(empty) != 0 {
		t.Errorf("ListCommands unknown device: got %d, %v", len(empty), err)
	}
}

func testCommandUpdateAndDelete(t *testing.T, s storage.Store) {
	ctx := context.Background()
	cmd := &model.Command{
		ID:        "c1",
		DeviceID:  "d1",
		Kind:      model.CommandLock,
		Params:    []byte(`{"reason":"lost"}`),
		Priority:  9,
		Status:    model.CommandPending,
		CreatedAt: epoch,
		ExpiresAt: epoch.Add(time.Hour),
	}
	if err := s.CreateCommand(ctx, cmd); err != nil {
		t.Fatalf("CreateCommand: %v", err)
	}
	if err := cmd.Transition(model.CommandSent, epoch.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateCommand(ctx, cmd); err != nil {
		t.Fatalf("UpdateCommand: %v", err)
	}
	got, err := s.GetCommand(ctx, "c1")
	if err != nil {
		t.Fatalf("GetCommand: %v", err)
	}
	if got.Status != model.CommandSent || got.SentAt == nil || !got.SentAt.Equal(epoch.Add(time.Minute)) {
		t.Errorf("after update: got status=%s sentAt=%v", got.Status, got.SentAt)
	}
	if string(got.Params) != `{"reason":"lost"}` {
		t.Errorf("params: got %s", got.Params)
	}
	if got.Seq != cmd.Seq {
		t.Errorf("seq: got %d, want %d", got.Seq, cmd.Seq)
	}

	if err := s.UpdateCommand(ctx, &model.Command{ID: "ghost", DeviceID: "d1"}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("UpdateCommand missing: got %v, want ErrNotFound", err)
	}

	if err := s.DeleteCommands(ctx, "d1", []string{"c1", "unknown"}); err != nil {
		t.Fatalf("DeleteCommands: %v", err)
	}
	if _, err := s.GetCommand(ctx, "c1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetCommand deleted: got %v, want ErrNotFound", err)
	}
	left, err := s.ListCommands(ctx, "d1")
	if err != nil || len(left) != 0 {
		t.Errorf("ListCommands after delete: got %d, %v", len(left), err)
	}
}

func testUpdateCommandsAllOrNothing(t *testing.T, s storage.Store) {
	ctx := context.Background()
	var cmds []*model.Command
	for _, id := range []string{"c1", "c2"} {
		cmd := &model.Command{
			ID:        id,
			DeviceID:  "d1",
			Kind:      model.CommandLocate,
			Priority:  5,
			Status:    model.CommandPending,
			CreatedAt: epoch,
			ExpiresAt: epoch.Add(time.Hour),
		}
		if err := s.CreateCommand(ctx, cmd); err != nil {
			t.Fatalf("CreateCommand(%s): %v", id, err)
		}
		if err := cmd.Transition(model.CommandSent, epoch.Add(time.Minute)); err != nil {
			t.Fatal(err)
		}
		cmds = append(cmds, cmd)
	}

	ghost := &model.Command{ID: "ghost", DeviceID: "d1", Status: model.CommandSent}
	err := s.UpdateCommands(ctx, []*model.Command{cmds[0], ghost, cmds[1]})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("UpdateCommands with missing: got %v, want ErrNotFound", err)
	}
	for _, id := range []string{"c1", "c2"} {
		got, err := s.GetCommand(ctx, id)
		if err != nil {
			t.Fatalf("GetCommand(%s): %v", id, err)
		}
		if got.Status != model.CommandPending {
			t.Errorf("%s after failed batch: got %s, want PENDING", id, got.Status)
		}
	}

	if err := s.UpdateCommands(ctx, cmds); err != nil {
		t.Fatalf("UpdateCommands: %v", err)
	}
	for _, id := range []string{"c1", "c2"} {
		got, err := s.GetCommand(ctx, id)
		if err != nil {
			t.Fatalf("GetCommand(%s): %v", id, err)
		}
		if got.Status != model.CommandSent {
			t.Errorf("%s after batch: got %s, want SENT", id, got.Status)
		}
	}
}

func deviceIDs(ds []*model.Device) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.DeviceID)
	}
	return out
}
