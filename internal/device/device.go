package device

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/fokusapp/fokusd/internal/storage"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// Device is this agent's registered device record.
type Device struct {
	ID       string    `msgpack:"id" json:"id"`
	Name     string    `msgpack:"name" json:"name"`
	Hostname string    `msgpack:"hostname" json:"hostname"`
	Platform string    `msgpack:"platform" json:"platform"`
	LastSeen time.Time `msgpack:"last_seen" json:"last_seen"`
}

// Ensure loads the persisted device record, creating one with a fresh UUID on
// first run. name overrides the default hostname-derived display name.
func Ensure(store storage.Store, name string) (*Device, error) {
	entry, err := store.CacheGet(storage.KeyDevice)
	if err != nil {
		return nil, fmt.Errorf("load device record: %w", err)
	}
	if entry != nil {
		var d Device
		if err := msgpack.Unmarshal(entry.Value, &d); err != nil {
			return nil, fmt.Errorf("unmarshal device record: %w", err)
		}
		if name != "" && d.Name != name {
			d.Name = name
			if err := save(store, &d); err != nil {
				return nil, err
			}
		}
		return &d, nil
	}

	hostname, _ := os.Hostname()
	if name == "" {
		name = hostname
	}
	d := Device{
		ID:       uuid.NewString(),
		Name:     name,
		Hostname: hostname,
		Platform: runtime.GOOS,
		LastSeen: time.Now().UTC(),
	}
	if err := save(store, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Heartbeat advances LastSeen and persists the record.
func Heartbeat(store storage.Store, d *Device) error {
	d.LastSeen = time.Now().UTC()
	return save(store, d)
}

func save(store storage.Store, d *Device) error {
	data, err := msgpack.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal device record: %w", err)
	}
	return store.CacheSet(storage.KeyDevice, data)
}
