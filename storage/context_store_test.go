// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/soothill/ewelink-bridge/device"
	bridgeerrors "github.com/soothill/ewelink-bridge/pkg/errors"
)

func TestNewContextStore(t *testing.T) {
	tempDir := filepath.Join(t.TempDir(), "contexts")

	store, err := NewContextStore(tempDir, time.Hour)
	if err != nil {
		t.Fatalf("NewContextStore() error = %v", err)
	}

	if store.dir != tempDir {
		t.Errorf("dir = %v, want %v", store.dir, tempDir)
	}
	if store.maxAge != time.Hour {
		t.Errorf("maxAge = %v, want %v", store.maxAge, time.Hour)
	}
	if _, err := os.Stat(tempDir); os.IsNotExist(err) {
		t.Error("Context directory was not created")
	}
}

func TestContextStore_SaveLoad(t *testing.T) {
	store, err := NewContextStore(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatalf("NewContextStore() error = %v", err)
	}

	dc := &DeviceContext{
		DeviceID:  "1000abcdef",
		Kind:      device.KindStrip,
		Encrypted: true,
		Name:      "Desk strip",
		Outlets:   []int{0, 1, 2, 3},
		Address:   device.Address{Host: "192.168.1.40", Port: 8081},
	}
	if err := store.Save(dc); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if dc.SavedAt.IsZero() {
		t.Error("Save() should stamp SavedAt")
	}

	got, err := store.Load("1000abcdef")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Kind != device.KindStrip || !got.Encrypted || len(got.Outlets) != 4 || got.Address != dc.Address {
		t.Errorf("Load() = %+v, want %+v", got, dc)
	}

	id := got.Identity("key-from-config")
	if id.DeviceKey != "key-from-config" || id.Kind != device.KindStrip || !id.Encrypted {
		t.Errorf("Identity() = %+v", id)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(filepath.Join(store.dir, "device_1000abcdef.json"))
		if err != nil {
			t.Fatalf("stat: %v", err)
		}
		if perm := info.Mode().Perm(); perm != 0600 {
			t.Errorf("perm = %o, want 600", perm)
		}
	}
}

func TestContextStore_NeverPersistsKey(t *testing.T) {
	store, err := NewContextStore(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatalf("NewContextStore() error = %v", err)
	}

	id := device.Identity{DeviceID: "1000abcdef", DeviceKey: "super-secret", Encrypted: true, Kind: device.KindPlug}
	if err := store.Save(&DeviceContext{DeviceID: id.DeviceID, Kind: id.Kind, Encrypted: id.Encrypted}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(store.dir, "device_1000abcdef.json"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "super-secret") {
		t.Error("device key leaked into context file")
	}
}

func TestContextStore_LoadMissing(t *testing.T) {
	store, err := NewContextStore(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatalf("NewContextStore() error = %v", err)
	}

	_, err = store.Load("1000ffffff")
	if !errors.Is(err, bridgeerrors.ErrDeviceNotFound) {
		t.Errorf("Load() error = %v, want ErrDeviceNotFound", err)
	}
}

func TestContextStore_RejectsUnsafeIDs(t *testing.T) {
	store, err := NewContextStore(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatalf("NewContextStore() error = %v", err)
	}

	for _, id := range []string{"", "../escape", "a/b", "dev ice", strings.Repeat("a", 65)} {
		if err := store.Save(&DeviceContext{DeviceID: id}); !bridgeerrors.IsConfigError(err) {
			t.Errorf("Save(%q) error = %v, want ConfigError", id, err)
		}
		if _, err := store.Load(id); !bridgeerrors.IsConfigError(err) {
			t.Errorf("Load(%q) error = %v, want ConfigError", id, err)
		}
	}
}

func TestContextStore_ListAndDelete(t *testing.T) {
	store, err := NewContextStore(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatalf("NewContextStore() error = %v", err)
	}

	for _, id := range []string{"1000cccccc", "1000aaaaaa", "1000bbbbbb"} {
		if err := store.Save(&DeviceContext{DeviceID: id, Kind: device.KindPlug}); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}
	// Unreadable files are skipped.
	if err := os.WriteFile(filepath.Join(store.dir, "device_broken.json"), []byte("{"), 0600); err != nil {
		t.Fatal(err)
	}

	list, err := store.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("List() returned %d contexts, want 3", len(list))
	}
	if list[0].DeviceID != "1000aaaaaa" || list[2].DeviceID != "1000cccccc" {
		t.Errorf("List() not sorted by id: %s, %s", list[0].DeviceID, list[2].DeviceID)
	}

	if err := store.Delete("1000bbbbbb"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := store.Delete("1000bbbbbb"); err != nil {
		t.Errorf("Delete() of missing context should succeed, got %v", err)
	}
	list, _ = store.List()
	if len(list) != 2 {
		t.Errorf("List() after delete = %d, want 2", len(list))
	}
}

func TestContextStore_CleanupOld(t *testing.T) {
	dir := t.TempDir()

	stale := DeviceContext{DeviceID: "1000aaaaaa", Kind: device.KindPlug, SavedAt: time.Now().Add(-2 * time.Hour)}
	data, _ := json.Marshal(stale)
	if err := os.WriteFile(filepath.Join(dir, "device_1000aaaaaa.json"), data, 0600); err != nil {
		t.Fatal(err)
	}

	store, err := NewContextStore(dir, time.Hour)
	if err != nil {
		t.Fatalf("NewContextStore() error = %v", err)
	}
	if err := store.Save(&DeviceContext{DeviceID: "1000bbbbbb", Kind: device.KindPlug}); err != nil {
		t.Fatal(err)
	}

	list, _ := store.List()
	if len(list) != 1 || list[0].DeviceID != "1000bbbbbb" {
		t.Errorf("stale context should have been removed on start, got %v", list)
	}
}
