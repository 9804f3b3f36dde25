package device_test

import (
	"testing"
	"time"

	"github.com/fokusapp/fokusd/internal/device"
	"github.com/fokusapp/fokusd/internal/testutil"
)

func TestEnsureCreatesOnce(t *testing.T) {
	store := testutil.NewMockStore()

	d1, err := device.Ensure(store, "laptop")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if d1.ID == "" {
		t.Fatal("device created without ID")
	}
	if d1.Name != "laptop" {
		t.Errorf("name = %q, want laptop", d1.Name)
	}
	if d1.Platform == "" {
		t.Error("platform not recorded")
	}

	d2, err := device.Ensure(store, "laptop")
	if err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if d2.ID != d1.ID {
		t.Errorf("device ID changed across restarts: %q vs %q", d1.ID, d2.ID)
	}
}

func TestEnsureRename(t *testing.T) {
	store := testutil.NewMockStore()

	d1, err := device.Ensure(store, "old-name")
	if err != nil {
		t.Fatal(err)
	}
	d2, err := device.Ensure(store, "new-name")
	if err != nil {
		t.Fatal(err)
	}
	if d2.ID != d1.ID {
		t.Errorf("rename must keep the device ID")
	}
	if d2.Name != "new-name" {
		t.Errorf("name = %q, want new-name", d2.Name)
	}

	d3, err := device.Ensure(store, "")
	if err != nil {
		t.Fatal(err)
	}
	if d3.Name != "new-name" {
		t.Errorf("empty name must not clobber the stored name; got %q", d3.Name)
	}
}

func TestHeartbeatAdvancesLastSeen(t *testing.T) {
	store := testutil.NewMockStore()

	d, err := device.Ensure(store, "laptop")
	if err != nil {
		t.Fatal(err)
	}
	before := d.LastSeen
	time.Sleep(5 * time.Millisecond)

	if err := device.Heartbeat(store, d); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if !d.LastSeen.After(before) {
		t.Errorf("LastSeen not advanced: %s -> %s", before, d.LastSeen)
	}

	reloaded, err := device.Ensure(store, "")
	if err != nil {
		t.Fatal(err)
	}
	if !reloaded.LastSeen.Equal(d.LastSeen) {
		t.Errorf("heartbeat not persisted: %s vs %s", reloaded.LastSeen, d.LastSeen)
	}
}
