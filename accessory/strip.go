// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package accessory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/soothill/ewelink-bridge/device"
	"github.com/soothill/ewelink-bridge/discovery"
	"github.com/soothill/ewelink-bridge/lan"
	bridgeerrors "github.com/soothill/ewelink-bridge/pkg/errors"
	"github.com/soothill/ewelink-bridge/pkg/logger"
)

type switchEntry struct {
	Switch device.PowerState `json:"switch"`
	Outlet int               `json:"outlet"`
}

type configureEntry struct {
	Startup device.StartupState `json:"startup"`
	Outlet  int                 `json:"outlet"`
}

type pulseEntry struct {
	Pulse  device.PowerState `json:"pulse"`
	Width  int               `json:"width"`
	Outlet int               `json:"outlet"`
}

// stripPayload is the state a multi-outlet device advertises.
type stripPayload struct {
	Switches []struct {
		Switch string `json:"switch"`
		Outlet *int   `json:"outlet"`
	} `json:"switches"`
	Configure []struct {
		Startup string `json:"startup"`
		Outlet  *int   `json:"outlet"`
	} `json:"configure"`
	Pulses []struct {
		Pulse  string `json:"pulse"`
		Width  int    `json:"width"`
		Outlet *int   `json:"outlet"`
	} `json:"pulses"`
	SledOnline *string `json:"sledOnline"`
	StaMac     *string `json:"staMac"`
}

// stripCommand is the full state sent to /zeroconf/switches.
type stripCommand struct {
	Switches   []switchEntry     `json:"switches"`
	Configure  []configureEntry  `json:"configure,omitempty"`
	Pulses     []pulseEntry      `json:"pulses,omitempty"`
	SledOnline device.PowerState `json:"sledOnline,omitempty"`
}

// StripModel is the state model of a multi-outlet device. The outlet set is
// learned from decoded payloads and only ever grows.
type StripModel struct {
	id     device.Identity
	sender lan.Sender

	mu    sync.RWMutex
	addr  device.Address
	phase Phase
	state device.StripState
}

// NewStripModel creates an uninitialized strip model.
func NewStripModel(id device.Identity, sender lan.Sender) *StripModel {
	return &StripModel{id: id, sender: sender}
}

// Identity returns the device identity.
func (m *StripModel) Identity() device.Identity { return m.id }

// Phase returns the lifecycle phase.
func (m *StripModel) Phase() Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase
}

// State returns a copy of the strip state.
func (m *StripModel) State() device.StripState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Clone()
}

// Update assembles rec and applies the result.
func (m *StripModel) Update(rec discovery.Record) error {
	p, err := discovery.Assemble(rec, m.id)
	if err != nil {
		return err
	}
	return m.Apply(p)
}

// Apply merges a decoded payload into a copy of the state and swaps it in
// only when every entry is valid. Outlets missing from the payload keep
// their last value.
func (m *StripModel) Apply(p *discovery.Payload) error {
	var in stripPayload
	if err := p.Decode(&in); err != nil {
		return bridgeerrors.NewDecodeError(bridgeerrors.MalformedJSON, m.id.DeviceID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(in.Switches) == 0 && m.phase == Uninitialized {
		return bridgeerrors.NewDecodeError(bridgeerrors.MalformedJSON, m.id.DeviceID,
			fmt.Errorf("payload carries no switches"))
	}

	next := m.state.Clone()
	for _, s := range in.Switches {
		idx, err := m.outletIndex("switches", s.Outlet)
		if err != nil {
			return err
		}
		sw, err := parsePower("switches", m.id.DeviceID, s.Switch)
		if err != nil {
			return err
		}
		upsertSwitch(&next, device.OutletSwitch{Index: idx, Switch: sw})
	}
	for _, c := range in.Configure {
		idx, err := m.outletIndex("configure", c.Outlet)
		if err != nil {
			return err
		}
		st, err := parseStartup("configure", m.id.DeviceID, c.Startup)
		if err != nil {
			return err
		}
		upsertStartup(&next, device.OutletStartup{Index: idx, Startup: st})
	}
	for _, pl := range in.Pulses {
		idx, err := m.outletIndex("pulses", pl.Outlet)
		if err != nil {
			return err
		}
		pulse, err := parsePower("pulses", m.id.DeviceID, pl.Pulse)
		if err != nil {
			return err
		}
		upsertPulse(&next, device.OutletPulse{Index: idx, Pulse: pulse, WidthMs: pl.Width})
	}
	if in.SledOnline != nil {
		led, err := parsePower("sledOnline", m.id.DeviceID, *in.SledOnline)
		if err != nil {
			return err
		}
		next.LEDIndicator = led
	}
	if in.StaMac != nil {
		next.StationMAC = *in.StaMac
	}

	if len(next.Outlets) < len(m.state.Outlets) {
		return fmt.Errorf("strip %s: outlet set shrank from %d to %d", m.id.DeviceID, len(m.state.Outlets), len(next.Outlets))
	}
	if n := len(in.Switches); n > 0 && n < len(next.Outlets) {
		logger.Debug().
			Str("device_id", m.id.DeviceID).
			Int("reported", n).
			Int("known", len(next.Outlets)).
			Msg("Partial outlet report, keeping unreported outlets")
	}

	m.state = next
	m.phase = Seeded
	return nil
}

func (m *StripModel) outletIndex(field string, outlet *int) (int, error) {
	if outlet == nil || *outlet < 0 {
		return 0, bridgeerrors.NewDecodeError(bridgeerrors.MalformedJSON, m.id.DeviceID,
			fmt.Errorf("%s: missing or negative outlet index", field))
	}
	return *outlet, nil
}

func upsertSwitch(s *device.StripState, e device.OutletSwitch) {
	if i, ok := s.Outlet(e.Index); ok {
		s.Outlets[i] = e
		return
	}
	s.Outlets = append(s.Outlets, e)
	sort.Slice(s.Outlets, func(i, j int) bool { return s.Outlets[i].Index < s.Outlets[j].Index })
}

func upsertStartup(s *device.StripState, e device.OutletStartup) {
	for i := range s.OutletConfig {
		if s.OutletConfig[i].Index == e.Index {
			s.OutletConfig[i] = e
			return
		}
	}
	s.OutletConfig = append(s.OutletConfig, e)
	sort.Slice(s.OutletConfig, func(i, j int) bool { return s.OutletConfig[i].Index < s.OutletConfig[j].Index })
}

func upsertPulse(s *device.StripState, e device.OutletPulse) {
	for i := range s.OutletPulseConfig {
		if s.OutletPulseConfig[i].Index == e.Index {
			s.OutletPulseConfig[i] = e
			return
		}
	}
	s.OutletPulseConfig = append(s.OutletPulseConfig, e)
	sort.Slice(s.OutletPulseConfig, func(i, j int) bool {
		return s.OutletPulseConfig[i].Index < s.OutletPulseConfig[j].Index
	})
}

// Outlets returns the known outlets in index order.
func (m *StripModel) Outlets() []Outlet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Outlet, 0, len(m.state.Outlets))
	for _, o := range m.state.Outlets {
		out = append(out, Outlet{Index: o.Index, On: o.Switch.Bool()})
	}
	return out
}

// On returns the optimistic state of one outlet.
func (m *StripModel) On(outlet int) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.phase == Uninitialized {
		return false, bridgeerrors.ErrNotSeeded
	}
	i, ok := m.state.Outlet(outlet)
	if !ok {
		return false, bridgeerrors.ErrUnknownOutlet
	}
	return m.state.Outlets[i].Switch.Bool(), nil
}

// SetOn updates one outlet and sends the entire strip state; the device has
// no single-outlet call. Two toggles close together each resend every
// outlet, so the later command wins for all of them.
func (m *StripModel) SetOn(ctx context.Context, outlet int, on bool) error {
	if err := excluded(m.id); err != nil {
		return err
	}

	m.mu.Lock()
	if m.phase == Uninitialized {
		m.mu.Unlock()
		return bridgeerrors.ErrNotSeeded
	}
	i, ok := m.state.Outlet(outlet)
	if !ok {
		m.mu.Unlock()
		return bridgeerrors.ErrUnknownOutlet
	}
	m.state.Outlets[i].Switch = device.PowerStateOf(on)
	m.phase = Live
	cmd := m.command()
	addr := m.addr
	m.mu.Unlock()

	m.sender.Send(ctx, m.id, addr, lan.EndpointSwitches, cmd)
	return nil
}

// command builds the full-state body. Callers hold mu.
func (m *StripModel) command() stripCommand {
	cmd := stripCommand{
		Switches:   make([]switchEntry, 0, len(m.state.Outlets)),
		SledOnline: m.state.LEDIndicator,
	}
	for _, o := range m.state.Outlets {
		cmd.Switches = append(cmd.Switches, switchEntry{Switch: o.Switch, Outlet: o.Index})
	}
	for _, c := range m.state.OutletConfig {
		cmd.Configure = append(cmd.Configure, configureEntry{Startup: c.Startup, Outlet: c.Index})
	}
	for _, p := range m.state.OutletPulseConfig {
		cmd.Pulses = append(cmd.Pulses, pulseEntry{Pulse: p.Pulse, Width: p.WidthMs, Outlet: p.Index})
	}
	return cmd
}

// InUse is always true.
func (m *StripModel) InUse(int) bool { return true }

// SignalStrength is not reported by strips.
func (m *StripModel) SignalStrength() int { return 0 }

// Address returns the last known address.
func (m *StripModel) Address() device.Address {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.addr
}

// SetAddress records the device address.
func (m *StripModel) SetAddress(addr device.Address) {
	m.mu.Lock()
	m.addr = addr
	m.mu.Unlock()
}
