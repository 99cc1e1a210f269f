// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package homekit exposes bridged devices as HomeKit outlets.
//
// Each device becomes one outlet accessory with one outlet service per
// outlet. Reads are answered from the device model; writes are handed to the
// controller. HAP has no way to add services to a published accessory, so
// the IP transport is rebuilt (debounced) whenever a device or outlet is
// added.
package homekit

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/brutella/hc"
	hcaccessory "github.com/brutella/hc/accessory"
	"github.com/brutella/hc/characteristic"
	"github.com/brutella/hc/service"
	"github.com/soothill/ewelink-bridge/accessory"
	"github.com/soothill/ewelink-bridge/device"
	"github.com/soothill/ewelink-bridge/pkg/logger"
)

const (
	manufacturer   = "eWeLink"
	bridgeID       = 1
	setTimeout     = 5 * time.Second
	rebuildSignals = 1
)

// Setter applies host writes.
type Setter interface {
	SetOn(ctx context.Context, deviceID string, outlet int, on bool) error
}

// Config holds the HAP server settings.
type Config struct {
	Name         string
	Pin          string
	Port         string
	StoragePath  string
	InitialDelay time.Duration // wait for the first discovery window
	Debounce     time.Duration // coalesce rebuilds
}

// TransportFactory creates a HAP transport.
type TransportFactory func(cfg hc.Config, a *hcaccessory.Accessory, as ...*hcaccessory.Accessory) (hc.Transport, error)

type outletAccessory struct {
	model   accessory.Model
	acc     *hcaccessory.Accessory
	outlets map[int]*service.Outlet
}

// Bridge is the HomeKit host for all devices.
type Bridge struct {
	cfg          Config
	setter       Setter
	newTransport TransportFactory
	bridge       *hcaccessory.Bridge

	mu        sync.Mutex
	devices   map[string]*outletAccessory
	transport hc.Transport
	rebuild   chan struct{}
}

// NewBridge creates the bridge accessory.
func NewBridge(cfg Config, setter Setter) *Bridge {
	if cfg.Name == "" {
		cfg.Name = "eWeLink Bridge"
	}
	return &Bridge{
		cfg:          cfg,
		setter:       setter,
		newTransport: hc.NewIPTransport,
		bridge: hcaccessory.NewBridge(hcaccessory.Info{
			Name:         cfg.Name,
			Manufacturer: manufacturer,
			Model:        "LAN Bridge",
			ID:           bridgeID,
		}),
		devices: make(map[string]*outletAccessory),
		rebuild: make(chan struct{}, rebuildSignals),
	}
}

// SetSetter wires the write path. Call before Run.
func (b *Bridge) SetSetter(s Setter) {
	b.setter = s
}

// Register adds a device accessory.
func (b *Bridge) Register(m accessory.Model, name string) {
	id := m.Identity()
	acc := hcaccessory.New(hcaccessory.Info{
		Name:         name,
		SerialNumber: id.DeviceID,
		Manufacturer: manufacturer,
		Model:        string(id.Kind),
		ID:           accessoryID(id.DeviceID),
	}, hcaccessory.TypeOutlet)

	oa := &outletAccessory{model: m, acc: acc, outlets: make(map[int]*service.Outlet)}
	if id.Kind == device.KindPlug {
		b.addOutlet(oa, 0, name)
	}
	for _, o := range m.Outlets() {
		if _, ok := oa.outlets[o.Index]; !ok {
			b.addOutlet(oa, o.Index, outletName(name, o.Index))
		}
	}

	b.mu.Lock()
	b.devices[id.DeviceID] = oa
	b.mu.Unlock()

	b.requestRebuild()
}

// Publish pushes outlet states into characteristic values, adding services
// for outlets seen for the first time.
func (b *Bridge) Publish(deviceID string, outlets []accessory.Outlet) {
	b.mu.Lock()
	defer b.mu.Unlock()
	oa, ok := b.devices[deviceID]
	if !ok {
		return
	}

	added := false
	for _, o := range outlets {
		svc, ok := oa.outlets[o.Index]
		if !ok {
			svc = b.addOutlet(oa, o.Index, outletName(oa.acc.Info.Name.GetValue(), o.Index))
			added = true
		}
		if svc.On.GetValue() != o.On {
			svc.On.SetValue(o.On)
		}
	}
	if added {
		b.requestRebuild()
	}
}

// addOutlet adds an outlet service. Callers hold mu once oa is registered.
func (b *Bridge) addOutlet(oa *outletAccessory, index int, name string) *service.Outlet {
	svc := service.NewOutlet()

	n := characteristic.NewName()
	n.SetValue(name)
	svc.AddCharacteristic(n.Characteristic)

	svc.OutletInUse.SetValue(oa.model.InUse(index))

	deviceID := oa.model.Identity().DeviceID
	model := oa.model
	svc.On.OnValueRemoteGet(func() bool {
		on, err := model.On(index)
		if err != nil {
			return false
		}
		return on
	})
	svc.On.OnValueRemoteUpdate(func(on bool) {
		b.onSet(deviceID, index, on)
	})

	oa.acc.AddService(svc.Service)
	oa.outlets[index] = svc
	return svc
}

func (b *Bridge) onSet(deviceID string, outlet int, on bool) {
	if b.setter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), setTimeout)
	defer cancel()
	if err := b.setter.SetOn(ctx, deviceID, outlet, on); err != nil {
		logger.Warn().Err(err).Str("device_id", deviceID).Int("outlet", outlet).Bool("on", on).
			Msg("HomeKit write rejected")
	}
}

func (b *Bridge) requestRebuild() {
	select {
	case b.rebuild <- struct{}{}:
	default:
	}
}

// Run publishes the bridge after the initial delay and rebuilds the
// transport when devices change, until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	select {
	case <-time.After(b.cfg.InitialDelay):
	case <-ctx.Done():
		return nil
	}
	if err := b.restart(); err != nil {
		return err
	}
	defer b.stop()

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.rebuild:
			debounce = time.After(b.cfg.Debounce)
		case <-debounce:
			debounce = nil
			if err := b.restart(); err != nil {
				logger.Error().Err(err).Msg("Failed to rebuild HomeKit transport")
			}
		}
	}
}

// restart replaces the running transport with one publishing the current
// accessories.
func (b *Bridge) restart() error {
	b.stop()

	accs := b.accessories()
	t, err := b.newTransport(hc.Config{
		Pin:         b.cfg.Pin,
		Port:        b.cfg.Port,
		StoragePath: b.cfg.StoragePath,
	}, b.bridge.Accessory, accs...)
	if err != nil {
		return fmt.Errorf("failed to create HomeKit transport: %w", err)
	}

	b.mu.Lock()
	b.transport = t
	b.mu.Unlock()

	go t.Start()
	logger.Info().Int("accessories", len(accs)).Str("port", b.cfg.Port).Msg("HomeKit bridge published")
	return nil
}

func (b *Bridge) stop() {
	b.mu.Lock()
	t := b.transport
	b.transport = nil
	b.mu.Unlock()
	if t != nil {
		<-t.Stop()
	}
}

// accessories returns the publishable accessories ordered by device id.
// Devices with no known outlet yet are left out.
func (b *Bridge) accessories() []*hcaccessory.Accessory {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]string, 0, len(b.devices))
	for id, oa := range b.devices {
		if len(oa.outlets) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	out := make([]*hcaccessory.Accessory, 0, len(ids))
	for _, id := range ids {
		out = append(out, b.devices[id].acc)
	}
	return out
}

// accessoryID derives a stable HAP accessory id so pairings survive
// rebuilds and restarts.
func accessoryID(deviceID string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(deviceID))
	id := h.Sum64()
	if id <= bridgeID {
		id += bridgeID + 1
	}
	return id
}

func outletName(name string, index int) string {
	return fmt.Sprintf("%s %d", name, index+1)
}
