// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/soothill/ewelink-bridge/device"
	bridgeerrors "github.com/soothill/ewelink-bridge/pkg/errors"
	"github.com/soothill/ewelink-bridge/pkg/logger"
	"github.com/soothill/ewelink-bridge/pkg/util"
)

const (
	defaultContextDir = "/var/lib/ewelink-bridge"
	contextFilePrefix = "device_"
	contextFileExt    = ".json"
	defaultMaxAge     = 30 * 24 * time.Hour
)

var validDeviceID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// DeviceContext is the per-device blob restored across restarts so the host
// sees the same accessories before discovery has run. The device key is
// never persisted; it comes from configuration.
type DeviceContext struct {
	DeviceID  string         `json:"device_id"`
	Kind      device.Kind    `json:"kind"`
	Encrypted bool           `json:"encrypted"`
	Name      string         `json:"name,omitempty"`
	Outlets   []int          `json:"outlets,omitempty"`
	Address   device.Address `json:"address"`
	SavedAt   time.Time      `json:"saved_at"`
}

// Identity rebuilds the device identity, taking the key from the caller.
func (c *DeviceContext) Identity(key string) device.Identity {
	return device.Identity{DeviceID: c.DeviceID, DeviceKey: key, Encrypted: c.Encrypted, Kind: c.Kind}
}

// ContextStore keeps one JSON file per device
type ContextStore struct {
	dir    string
	maxAge time.Duration
	mu     sync.Mutex
}

// NewContextStore creates the store directory and removes stale contexts
func NewContextStore(dir string, maxAge time.Duration) (*ContextStore, error) {
	if dir == "" {
		dir = defaultContextDir
	}
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create context directory: %w", err)
	}

	store := &ContextStore{dir: dir, maxAge: maxAge}

	if err := store.CleanupOld(); err != nil {
		logger.Warn().Err(err).Msg("Failed to cleanup old device contexts")
	}

	return store, nil
}

// Save writes a device context, replacing any previous one
func (cs *ContextStore) Save(dc *DeviceContext) error {
	filename, err := cs.filename(dc.DeviceID)
	if err != nil {
		return err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if dc.SavedAt.IsZero() {
		dc.SavedAt = time.Now()
	}
	data, err := json.MarshalIndent(dc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal device context: %w", err)
	}

	if err := util.WriteFileAtomic(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write device context: %w", err)
	}

	logger.Debug().
		Str("device_id", dc.DeviceID).
		Str("filename", filepath.Base(filename)).
		Msg("Saved device context")
	return nil
}

// Load reads the context of one device
func (cs *ContextStore) Load(deviceID string) (*DeviceContext, error) {
	filename, err := cs.filename(deviceID)
	if err != nil {
		return nil, err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	data, err := util.ReadFileSafely(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", bridgeerrors.ErrDeviceNotFound, deviceID)
		}
		return nil, fmt.Errorf("failed to read device context: %w", err)
	}

	var dc DeviceContext
	if err := json.Unmarshal(data, &dc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal device context: %w", err)
	}
	return &dc, nil
}

// List returns every stored context sorted by device id. Unreadable files
// are skipped.
func (cs *ContextStore) List() ([]*DeviceContext, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	files, err := cs.files()
	if err != nil {
		return nil, err
	}

	var contexts []*DeviceContext
	for _, file := range files {
		data, err := util.ReadFileSafely(file)
		if err != nil {
			logger.Warn().Err(err).Str("file", file).Msg("Failed to read device context")
			continue
		}

		var dc DeviceContext
		if err := json.Unmarshal(data, &dc); err != nil {
			logger.Warn().Err(err).Str("file", file).Msg("Failed to unmarshal device context")
			continue
		}
		contexts = append(contexts, &dc)
	}

	sort.Slice(contexts, func(i, j int) bool {
		return contexts[i].DeviceID < contexts[j].DeviceID
	})
	return contexts, nil
}

// Delete removes the context of one device
func (cs *ContextStore) Delete(deviceID string) error {
	filename, err := cs.filename(deviceID)
	if err != nil {
		return err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if err := os.Remove(filename); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete device context: %w", err)
	}
	logger.Debug().Str("device_id", deviceID).Msg("Deleted device context")
	return nil
}

// CleanupOld removes contexts not saved within maxAge
func (cs *ContextStore) CleanupOld() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	files, err := cs.files()
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-cs.maxAge)
	deletedCount := 0

	for _, file := range files {
		data, err := util.ReadFileSafely(file)
		if err != nil {
			continue
		}

		var dc DeviceContext
		if err := json.Unmarshal(data, &dc); err != nil {
			continue
		}

		if dc.SavedAt.Before(cutoff) {
			if err := os.Remove(file); err != nil {
				logger.Warn().Err(err).Str("file", file).Msg("Failed to delete stale device context")
				continue
			}
			deletedCount++
		}
	}

	if deletedCount > 0 {
		logger.Info().Int("count", deletedCount).Msg("Cleaned up stale device contexts")
	}

	return nil
}

func (cs *ContextStore) files() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(cs.dir, contextFilePrefix+"*"+contextFileExt))
	if err != nil {
		return nil, fmt.Errorf("failed to list device contexts: %w", err)
	}
	return files, nil
}

// filename maps a device id to its file, rejecting ids that could escape dir
func (cs *ContextStore) filename(deviceID string) (string, error) {
	if !validDeviceID.MatchString(deviceID) {
		return "", bridgeerrors.NewConfigError("device_id", deviceID, fmt.Errorf("invalid device id"))
	}
	return filepath.Join(cs.dir, contextFilePrefix+deviceID+contextFileExt), nil
}
