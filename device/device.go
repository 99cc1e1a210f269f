// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package device defines the identity and state types shared by the
// discovery, LAN, and accessory layers.
package device

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Kind selects which state model drives a device.
type Kind string

const (
	// KindPlug is a single-outlet device.
	KindPlug Kind = "plug"
	// KindStrip is a multi-outlet device.
	KindStrip Kind = "strip"
)

// ParseKind maps the discovery "type" attribute onto a Kind.
func ParseKind(txtType string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(txtType)) {
	case "plug", "diy_plug", "enhanced_plug":
		return KindPlug, true
	case "strip":
		return KindStrip, true
	default:
		return "", false
	}
}

// Identity is created once per physical device and never mutated.
type Identity struct {
	DeviceID  string `json:"device_id"`
	DeviceKey string `json:"device_key,omitempty"`
	Encrypted bool   `json:"encrypted"`
	Kind      Kind   `json:"kind"`
}

// HasKey reports whether a device key is configured.
func (id Identity) HasKey() bool {
	return id.DeviceKey != ""
}

// Validate enforces that encrypted devices carry a key.
func (id Identity) Validate() error {
	if id.DeviceID == "" {
		return fmt.Errorf("device id is empty")
	}
	if id.Kind != KindPlug && id.Kind != KindStrip {
		return fmt.Errorf("unsupported device kind %q", id.Kind)
	}
	if id.Encrypted && !id.HasKey() {
		return fmt.Errorf("device %s is encrypted but has no device key", id.DeviceID)
	}
	return nil
}

// Address is a resolved network endpoint of a device.
type Address struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// String returns host:port, bracketing IPv6 hosts.
func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a.Host == "" || a.Port == 0
}

// PowerState is the on/off state of an outlet or pulse setting.
type PowerState string

const (
	// On is the energised state.
	On PowerState = "on"
	// Off is the de-energised state.
	Off PowerState = "off"
)

// PowerStateOf converts a bool into a PowerState.
func PowerStateOf(on bool) PowerState {
	if on {
		return On
	}
	return Off
}

// Bool reports whether the state is On.
func (p PowerState) Bool() bool {
	return p == On
}

// StartupState is the behaviour on power restoration. Read only.
type StartupState string

const (
	// StartupOn turns the outlet on after power loss.
	StartupOn StartupState = "on"
	// StartupOff keeps the outlet off after power loss.
	StartupOff StartupState = "off"
	// StartupStay restores the state before power loss.
	StartupStay StartupState = "stay"
)

// PlugState is the state of a single-outlet device.
type PlugState struct {
	Switch          PowerState
	Startup         StartupState
	Pulse           PowerState
	PulseWidthMs    int
	SignalStrength  int
	StationMAC      string
	FirmwareVersion string
}

// OutletSwitch is the switch state of one strip outlet.
type OutletSwitch struct {
	Index  int
	Switch PowerState
}

// OutletStartup is the startup configuration of one strip outlet.
type OutletStartup struct {
	Index   int
	Startup StartupState
}

// OutletPulse is the inching configuration of one strip outlet.
type OutletPulse struct {
	Index   int
	Pulse   PowerState
	WidthMs int
}

// StripState is the state of a multi-outlet device. Outlets are ordered by
// index and only contain indices the device has reported.
type StripState struct {
	Outlets           []OutletSwitch
	OutletConfig      []OutletStartup
	OutletPulseConfig []OutletPulse
	LEDIndicator      PowerState
	StationMAC        string
}

// Outlet returns the position of the outlet with the given index.
func (s *StripState) Outlet(index int) (int, bool) {
	for i := range s.Outlets {
		if s.Outlets[i].Index == index {
			return i, true
		}
	}
	return -1, false
}

// Clone returns a deep copy of the state.
func (s StripState) Clone() StripState {
	out := s
	out.Outlets = append([]OutletSwitch(nil), s.Outlets...)
	out.OutletConfig = append([]OutletStartup(nil), s.OutletConfig...)
	out.OutletPulseConfig = append([]OutletPulse(nil), s.OutletPulseConfig...)
	return out
}
