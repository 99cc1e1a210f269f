// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package controller runs the bridge event loop.
//
// Discovery events, host set requests and key table reloads are all handled
// by one goroutine in arrival order, so device models only ever have a
// single writer. Get paths read the models directly and never wait for the
// loop.
package controller

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/soothill/ewelink-bridge/accessory"
	"github.com/soothill/ewelink-bridge/device"
	"github.com/soothill/ewelink-bridge/discovery"
	"github.com/soothill/ewelink-bridge/lan"
	bridgeerrors "github.com/soothill/ewelink-bridge/pkg/errors"
	"github.com/soothill/ewelink-bridge/pkg/interfaces"
	"github.com/soothill/ewelink-bridge/pkg/logger"
	"github.com/soothill/ewelink-bridge/pkg/metrics"
	"github.com/soothill/ewelink-bridge/storage"
)

const (
	requestsBufferSize     = 16
	defaultHistoryBuffer   = 256
	alertContextTimeout    = 5 * time.Second
	historyContextTimeout  = 5 * time.Second
	defaultContextRefresh  = 24 * time.Hour
	decryptFailureReason   = "decrypt"
	unclassifiedFailReason = "other"
)

// DeviceKey is the static configuration of one device.
type DeviceKey struct {
	Key  string
	Name string
}

// Host is the accessory framework the devices are exposed through.
type Host interface {
	// Register is called once per device, before any Publish for it.
	Register(m accessory.Model, name string)
	// Publish pushes the current outlet states of a device.
	Publish(deviceID string, outlets []accessory.Outlet)
}

// ContextStore persists device contexts across restarts.
type ContextStore interface {
	Save(dc *storage.DeviceContext) error
	List() ([]*storage.DeviceContext, error)
}

// Option configures a Controller.
type Option func(*Controller)

// WithContextStore persists a context for every registered device.
func WithContextStore(cs ContextStore) Option {
	return func(c *Controller) { c.contexts = cs }
}

// WithHistory records outlet state changes.
func WithHistory(h interfaces.HistoryStore, buffer int) Option {
	return func(c *Controller) {
		c.history = h
		if buffer > 0 {
			c.historyBuffer = buffer
		}
	}
}

// WithNotifier sends an alert when a device is excluded.
func WithNotifier(n interfaces.Notifier) Option {
	return func(c *Controller) { c.notifier = n }
}

// WithHost exposes devices through a host framework.
func WithHost(h Host) Option {
	return func(c *Controller) { c.host = h }
}

// WithContextRefresh re-saves the context of an online device once its
// last save is older than d, so age-based cleanup never removes a device
// that stayed online. Zero disables the refresh.
func WithContextRefresh(d time.Duration) Option {
	return func(c *Controller) { c.contextRefresh = d }
}

// WithClock overrides the time source used for history points and context
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

type setRequest struct {
	deviceID string
	outlet   int
	on       bool
	reply    chan error
}

// Controller owns the device models.
type Controller struct {
	events   <-chan discovery.Event
	sender   lan.Sender
	contexts ContextStore
	history  interfaces.HistoryStore
	notifier interfaces.Notifier
	host     Host
	now      func() time.Time

	requests chan setRequest
	keyMu    sync.Mutex
	keys     chan map[string]DeviceKey

	historyBuffer int
	points        chan interfaces.StatePoint
	wg            sync.WaitGroup

	// Loop only.
	contextRefresh time.Duration
	lastSaved      map[string]time.Time

	// Written only by the loop; mu lets get paths read concurrently.
	mu       sync.RWMutex
	models   map[string]accessory.Model
	names    map[string]string
	excluded map[string]bool
	online   map[string]bool
	keyTable map[string]DeviceKey
}

// New creates a controller consuming the given discovery events.
func New(events <-chan discovery.Event, sender lan.Sender, keys map[string]DeviceKey, opts ...Option) *Controller {
	c := &Controller{
		events:         events,
		sender:         sender,
		now:            time.Now,
		requests:       make(chan setRequest, requestsBufferSize),
		keys:           make(chan map[string]DeviceKey, 1),
		historyBuffer:  defaultHistoryBuffer,
		contextRefresh: defaultContextRefresh,
		lastSaved:      make(map[string]time.Time),
		models:         make(map[string]accessory.Model),
		names:          make(map[string]string),
		excluded:       make(map[string]bool),
		online:         make(map[string]bool),
		keyTable:       copyKeys(keys),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.history != nil {
		c.points = make(chan interfaces.StatePoint, c.historyBuffer)
	}
	return c
}

// Restore recreates models from persisted contexts so devices are exposed
// before discovery sees them. Call before Run.
func (c *Controller) Restore() error {
	if c.contexts == nil {
		return nil
	}
	saved, err := c.contexts.List()
	if err != nil {
		return fmt.Errorf("failed to list device contexts: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, dc := range saved {
		id := dc.Identity(c.keyTable[dc.DeviceID].Key)
		if err := c.registerLocked(id, dc.Name); err != nil {
			logger.Warn().Err(err).Str("device_id", dc.DeviceID).Msg("Skipping saved device context")
			continue
		}
		if !dc.Address.IsZero() {
			c.models[dc.DeviceID].SetAddress(dc.Address)
		}
	}
	c.updateGaugesLocked()
	logger.Info().Int("count", len(c.models)).Msg("Restored device contexts")
	return nil
}

// Run handles events and requests until ctx is cancelled or the discovery
// stream closes.
func (c *Controller) Run(ctx context.Context) {
	if c.points != nil {
		c.wg.Add(1)
		go c.writeHistory()
		defer func() {
			close(c.points)
			c.wg.Wait()
		}()
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Controller shutting down")
			return
		case ev, ok := <-c.events:
			if !ok {
				logger.Info().Msg("Discovery stream closed, controller exiting")
				return
			}
			c.handleEvent(ctx, ev)
		case req := <-c.requests:
			req.reply <- c.handleSet(ctx, req)
		case keys := <-c.keys:
			c.applyKeys(keys)
		}
	}
}

// SetOn queues a set request and returns once the optimistic state is
// recorded and the command handed to the sender.
func (c *Controller) SetOn(ctx context.Context, deviceID string, outlet int, on bool) error {
	req := setRequest{deviceID: deviceID, outlet: outlet, on: on, reply: make(chan error, 1)}
	select {
	case c.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// On returns the optimistic state of an outlet without entering the loop.
func (c *Controller) On(deviceID string, outlet int) (bool, error) {
	m, ok := c.Model(deviceID)
	if !ok {
		return false, bridgeerrors.ErrDeviceNotFound
	}
	return m.On(outlet)
}

// Model returns the model of a device.
func (c *Controller) Model(deviceID string) (accessory.Model, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.models[deviceID]
	return m, ok
}

// Models returns all models ordered by device id.
func (c *Controller) Models() []accessory.Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]accessory.Model, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Identity().DeviceID < out[j].Identity().DeviceID
	})
	return out
}

// Name returns the display name of a device.
func (c *Controller) Name(deviceID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.names[deviceID]
}

// Online reports whether discovery currently sees the device.
func (c *Controller) Online(deviceID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online[deviceID]
}

// Excluded returns the ids of devices that cannot be controlled.
func (c *Controller) Excluded() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.excluded))
	for id := range c.excluded {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SetKeys replaces the static key table. Only the latest pending table is
// kept.
func (c *Controller) SetKeys(keys map[string]DeviceKey) {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	select {
	case <-c.keys:
	default:
	}
	c.keys <- copyKeys(keys)
}

func (c *Controller) handleEvent(ctx context.Context, ev discovery.Event) {
	log := logger.ForDevice(ev.DeviceID)

	switch ev.Kind {
	case discovery.Unavailable:
		c.mu.Lock()
		c.online[ev.DeviceID] = false
		c.mu.Unlock()
		log.Info().Msg("Device unavailable, keeping last known state")
		return
	case discovery.Available, discovery.Updated:
	default:
		log.Warn().Str("kind", string(ev.Kind)).Msg("Ignoring unknown discovery event")
		return
	}

	m, ok := c.ensureModel(ev)
	if !ok {
		return
	}

	c.mu.Lock()
	firstSighting := !c.online[ev.DeviceID]
	c.online[ev.DeviceID] = true
	c.mu.Unlock()

	addrChanged := false
	if addr, ok := ev.Record.Address(); ok && addr != m.Address() {
		m.SetAddress(addr)
		addrChanged = true
		log.Debug().Str("address", addr.String()).Msg("Device address updated")
	}

	before := m.Outlets()
	if err := m.Update(ev.Record); err != nil {
		metrics.DecodeErrors.WithLabelValues(failureReason(err)).Inc()
		log.Warn().Err(err).Msg("Dropping discovery update")
	} else {
		after := m.Outlets()
		c.recordChanges(m, before, after, interfaces.SourceDevice)
		if c.host != nil {
			c.host.Publish(ev.DeviceID, after)
		}
		if len(before) != len(after) {
			addrChanged = true
		}
	}

	if firstSighting || addrChanged || c.contextStale(ev.DeviceID) {
		c.saveContext(m)
	}
	if firstSighting && !m.Address().IsZero() {
		c.sender.Send(ctx, m.Identity(), m.Address(), lan.EndpointInfo, map[string]any{})
	}

	c.mu.Lock()
	c.updateGaugesLocked()
	c.mu.Unlock()
}

// ensureModel returns the model for the event's device, creating it on first
// sight. Encrypted devices without a key are excluded.
func (c *Controller) ensureModel(ev discovery.Event) (accessory.Model, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := c.keyTable[ev.DeviceID].Name
	if m, ok := c.models[ev.DeviceID]; ok {
		if m.Identity().Encrypted == ev.Record.Encrypted() {
			return m, true
		}
		// Identity is immutable, so a changed encryption mode needs a new model.
		logger.Warn().Str("device_id", ev.DeviceID).
			Bool("was_encrypted", m.Identity().Encrypted).
			Bool("encrypted", ev.Record.Encrypted()).
			Msg("Device encryption mode changed, rebuilding its model")
		if name == "" {
			name = c.names[ev.DeviceID]
		}
		delete(c.models, ev.DeviceID)
		delete(c.lastSaved, ev.DeviceID)
	}
	if c.excluded[ev.DeviceID] {
		return nil, false
	}

	kind, ok := ev.Record.Kind()
	if !ok {
		logger.Debug().Str("device_id", ev.DeviceID).Str("type", ev.Record.Text["type"]).
			Msg("Ignoring unsupported device type")
		return nil, false
	}

	dk := c.keyTable[ev.DeviceID]
	id := device.Identity{
		DeviceID:  ev.DeviceID,
		DeviceKey: dk.Key,
		Encrypted: ev.Record.Encrypted(),
		Kind:      kind,
	}
	if err := c.registerLocked(id, name); err != nil {
		return nil, false
	}
	return c.models[ev.DeviceID], true
}

// registerLocked creates and exposes a model. Callers hold mu.
func (c *Controller) registerLocked(id device.Identity, name string) error {
	if id.Encrypted && !id.HasKey() {
		err := bridgeerrors.NewDeviceConfigError("devices.key", id.DeviceID, bridgeerrors.ErrDeviceExcluded)
		c.exclude(id.DeviceID, err)
		return err
	}

	m, err := accessory.New(id, c.sender)
	if err != nil {
		return err
	}
	if name == "" {
		name = id.DeviceID
	}
	c.models[id.DeviceID] = m
	c.names[id.DeviceID] = name
	if c.host != nil {
		c.host.Register(m, name)
	}
	logger.Info().Str("device_id", id.DeviceID).Str("kind", string(id.Kind)).
		Bool("encrypted", id.Encrypted).Str("name", name).Msg("Registered device")
	return nil
}

// exclude marks a device as uncontrollable and alerts once. Callers hold mu.
func (c *Controller) exclude(deviceID string, err error) {
	if c.excluded[deviceID] {
		return
	}
	c.excluded[deviceID] = true
	metrics.DevicesExcluded.Set(float64(len(c.excluded)))
	logger.Error().Err(err).Str("device_id", deviceID).
		Msg("Device is encrypted but no device key is configured; excluding it from control")

	if c.notifier == nil || !c.notifier.IsEnabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), alertContextTimeout)
		defer cancel()
		msg := fmt.Sprintf("Device %s advertises encrypted state but has no key in the devices table. It will not be controllable until a key is added.", deviceID)
		if sendErr := c.notifier.SendAlert(ctx, interfaces.LevelWarning, "Device Excluded", msg); sendErr != nil {
			logger.Error().Err(sendErr).Msg("Failed to send device exclusion alert")
		}
	}()
}

func (c *Controller) handleSet(ctx context.Context, req setRequest) error {
	m, ok := c.Model(req.deviceID)
	if !ok {
		return bridgeerrors.ErrDeviceNotFound
	}

	before := m.Outlets()
	if err := m.SetOn(ctx, req.outlet, req.on); err != nil {
		logger.Warn().Err(err).Str("device_id", req.deviceID).Int("outlet", req.outlet).
			Msg("Set request rejected")
		return err
	}
	c.recordChanges(m, before, m.Outlets(), interfaces.SourceHost)
	return nil
}

func (c *Controller) applyKeys(keys map[string]DeviceKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.keyTable = keys
	for id := range c.excluded {
		if keys[id].Key != "" {
			// The next record for the device registers it with the new key.
			delete(c.excluded, id)
			logger.Info().Str("device_id", id).Msg("Device key configured, device will be registered on next discovery")
		}
	}
	metrics.DevicesExcluded.Set(float64(len(c.excluded)))
	logger.Info().Int("keys", len(keys)).Msg("Device key table reloaded")
}

// recordChanges updates outlet gauges and queues history points for every
// outlet whose state differs from before.
func (c *Controller) recordChanges(m accessory.Model, before, after []accessory.Outlet, source string) {
	id := m.Identity().DeviceID
	prev := make(map[int]bool, len(before))
	for _, o := range before {
		prev[o.Index] = o.On
	}

	rssi := m.SignalStrength()
	if rssi != 0 {
		metrics.SignalStrength.WithLabelValues(id).Set(float64(rssi))
	}

	now := c.now()
	for _, o := range after {
		metrics.OutletOn.WithLabelValues(id, strconv.Itoa(o.Index)).Set(boolToFloat(o.On))
		if was, seen := prev[o.Index]; seen && was == o.On {
			continue
		}
		c.queuePoint(interfaces.StatePoint{
			DeviceID:  id,
			Outlet:    o.Index,
			On:        o.On,
			RSSI:      rssi,
			Source:    source,
			Timestamp: now,
		})
	}
}

func (c *Controller) queuePoint(p interfaces.StatePoint) {
	if c.points == nil {
		return
	}
	select {
	case c.points <- p:
	default:
		metrics.HistoryWriteErrors.Inc()
		logger.Warn().Str("device_id", p.DeviceID).Msg("History buffer full, dropping state point")
	}
}

// writeHistory drains queued points so a slow history backend never blocks
// the loop.
func (c *Controller) writeHistory() {
	defer c.wg.Done()
	for p := range c.points {
		ctx, cancel := context.WithTimeout(context.Background(), historyContextTimeout)
		if err := c.history.WriteState(ctx, p); err != nil {
			logger.Debug().Err(err).Str("device_id", p.DeviceID).Int("outlet", p.Outlet).
				Msg("Failed to record outlet state")
		}
		cancel()
	}
	c.history.Flush()
}

// contextStale reports whether a device's context has not been saved in this
// run, or not within the refresh interval.
func (c *Controller) contextStale(deviceID string) bool {
	if c.contexts == nil {
		return false
	}
	last, ok := c.lastSaved[deviceID]
	if !ok {
		return true
	}
	return c.contextRefresh > 0 && c.now().Sub(last) >= c.contextRefresh
}

func (c *Controller) saveContext(m accessory.Model) {
	if c.contexts == nil {
		return
	}
	id := m.Identity()
	now := c.now()
	outlets := m.Outlets()
	dc := &storage.DeviceContext{
		DeviceID:  id.DeviceID,
		Kind:      id.Kind,
		Encrypted: id.Encrypted,
		Name:      c.Name(id.DeviceID),
		Outlets:   make([]int, 0, len(outlets)),
		Address:   m.Address(),
		SavedAt:   now,
	}
	for _, o := range outlets {
		dc.Outlets = append(dc.Outlets, o.Index)
	}
	if err := c.contexts.Save(dc); err != nil {
		logger.Error().Err(err).Str("device_id", id.DeviceID).Msg("Failed to save device context")
		return
	}
	c.lastSaved[id.DeviceID] = now
}

// updateGaugesLocked refreshes the device gauges. Callers hold mu.
func (c *Controller) updateGaugesLocked() {
	seeded := 0
	for _, m := range c.models {
		if m.Phase() != accessory.Uninitialized {
			seeded++
		}
	}
	metrics.DevicesKnown.Set(float64(len(c.models)))
	metrics.DevicesSeeded.Set(float64(seeded))
}

func failureReason(err error) string {
	if reason := bridgeerrors.DecodeReasonOf(err); reason != "" {
		return string(reason)
	}
	if bridgeerrors.IsDecryptError(err) {
		return decryptFailureReason
	}
	return unclassifiedFailReason
}

func copyKeys(keys map[string]DeviceKey) map[string]DeviceKey {
	out := make(map[string]DeviceKey, len(keys))
	for id, k := range keys {
		out[id] = k
	}
	return out
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
