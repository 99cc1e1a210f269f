// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package accessory

import (
	"context"
	"fmt"
	"sync"

	"github.com/soothill/ewelink-bridge/device"
	"github.com/soothill/ewelink-bridge/discovery"
	"github.com/soothill/ewelink-bridge/lan"
	bridgeerrors "github.com/soothill/ewelink-bridge/pkg/errors"
)

// plugPayload is the state a single-outlet device advertises. Absent fields
// keep their previous value.
type plugPayload struct {
	Switch     *string `json:"switch"`
	Startup    *string `json:"startup"`
	Pulse      *string `json:"pulse"`
	PulseWidth *int    `json:"pulseWidth"`
	RSSI       *int    `json:"rssi"`
	StaMac     *string `json:"staMac"`
	FWVersion  *string `json:"fwVersion"`
}

type plugCommand struct {
	Switch device.PowerState `json:"switch"`
}

// PlugModel is the state model of a single-outlet device.
type PlugModel struct {
	id     device.Identity
	sender lan.Sender

	mu    sync.RWMutex
	addr  device.Address
	phase Phase
	state device.PlugState
}

// NewPlugModel creates an uninitialized plug model.
func NewPlugModel(id device.Identity, sender lan.Sender) *PlugModel {
	return &PlugModel{id: id, sender: sender}
}

// Identity returns the device identity.
func (m *PlugModel) Identity() device.Identity { return m.id }

// Phase returns the lifecycle phase.
func (m *PlugModel) Phase() Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase
}

// State returns a copy of the plug state.
func (m *PlugModel) State() device.PlugState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Update assembles rec and applies the result.
func (m *PlugModel) Update(rec discovery.Record) error {
	p, err := discovery.Assemble(rec, m.id)
	if err != nil {
		return err
	}
	return m.Apply(p)
}

// Apply merges a decoded payload. The payload is validated in full before
// anything is written.
func (m *PlugModel) Apply(p *discovery.Payload) error {
	var in plugPayload
	if err := p.Decode(&in); err != nil {
		return bridgeerrors.NewDecodeError(bridgeerrors.MalformedJSON, m.id.DeviceID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.state
	if in.Switch == nil && m.phase == Uninitialized {
		return bridgeerrors.NewDecodeError(bridgeerrors.MalformedJSON, m.id.DeviceID,
			fmt.Errorf("payload carries no switch state"))
	}
	if in.Switch != nil {
		sw, err := parsePower("switch", m.id.DeviceID, *in.Switch)
		if err != nil {
			return err
		}
		next.Switch = sw
	}
	if in.Startup != nil {
		st, err := parseStartup("startup", m.id.DeviceID, *in.Startup)
		if err != nil {
			return err
		}
		next.Startup = st
	}
	if in.Pulse != nil {
		pulse, err := parsePower("pulse", m.id.DeviceID, *in.Pulse)
		if err != nil {
			return err
		}
		next.Pulse = pulse
	}
	if in.PulseWidth != nil {
		next.PulseWidthMs = *in.PulseWidth
	}
	if in.RSSI != nil {
		next.SignalStrength = *in.RSSI
	}
	if in.StaMac != nil {
		next.StationMAC = *in.StaMac
	}
	if in.FWVersion != nil {
		next.FirmwareVersion = *in.FWVersion
	}

	m.state = next
	m.phase = Seeded
	return nil
}

// Outlets returns the single outlet once seeded.
func (m *PlugModel) Outlets() []Outlet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.phase == Uninitialized {
		return nil
	}
	return []Outlet{{Index: 0, On: m.state.Switch.Bool()}}
}

// On returns the optimistic switch state. Only outlet 0 exists.
func (m *PlugModel) On(outlet int) (bool, error) {
	if outlet != 0 {
		return false, bridgeerrors.ErrUnknownOutlet
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.phase == Uninitialized {
		return false, bridgeerrors.ErrNotSeeded
	}
	return m.state.Switch.Bool(), nil
}

// SetOn records the switch state and sends it to /zeroconf/switch. The
// command only carries the switch field, so no prior state is needed.
func (m *PlugModel) SetOn(ctx context.Context, outlet int, on bool) error {
	if outlet != 0 {
		return bridgeerrors.ErrUnknownOutlet
	}
	if err := excluded(m.id); err != nil {
		return err
	}

	sw := device.PowerStateOf(on)

	m.mu.Lock()
	m.state.Switch = sw
	m.phase = Live
	addr := m.addr
	m.mu.Unlock()

	m.sender.Send(ctx, m.id, addr, lan.EndpointSwitch, plugCommand{Switch: sw})
	return nil
}

// InUse is always true.
func (m *PlugModel) InUse(int) bool { return true }

// SignalStrength returns the last reported RSSI.
func (m *PlugModel) SignalStrength() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.SignalStrength
}

// Address returns the last known address.
func (m *PlugModel) Address() device.Address {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.addr
}

// SetAddress records the device address.
func (m *PlugModel) SetAddress(addr device.Address) {
	m.mu.Lock()
	m.addr = addr
	m.mu.Unlock()
}
