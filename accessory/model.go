// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package accessory holds the per-device state models the host framework
// reads and writes.
//
// A model starts Uninitialized. The first successful decode of a discovery
// record moves it to Seeded. A set request records the new value locally,
// sends the command, and moves the model to Live; devices never confirm a
// command, so Live only ends when the next decode replaces it with reported
// state. A failed decode leaves the model untouched.
//
// Get paths answer from memory and never touch the network. Set paths return
// as soon as the optimistic value is recorded and the command is handed to
// the lan.Sender.
package accessory

import (
	"context"
	"fmt"

	"github.com/soothill/ewelink-bridge/device"
	"github.com/soothill/ewelink-bridge/discovery"
	"github.com/soothill/ewelink-bridge/lan"
	bridgeerrors "github.com/soothill/ewelink-bridge/pkg/errors"
)

// Phase is the lifecycle position of a model.
type Phase int

const (
	// Uninitialized means no record has been decoded yet.
	Uninitialized Phase = iota
	// Seeded means the model holds the last decoded device state.
	Seeded
	// Live means an optimistic change has been sent on top of Seeded state.
	Live
)

func (p Phase) String() string {
	switch p {
	case Uninitialized:
		return "uninitialized"
	case Seeded:
		return "seeded"
	case Live:
		return "live"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Outlet is the exposed state of one outlet.
type Outlet struct {
	Index int
	On    bool
}

// Model is the state of one device as exposed to the host.
type Model interface {
	Identity() device.Identity
	Phase() Phase

	// Update assembles a discovery record and applies it. On error the
	// model is unchanged.
	Update(rec discovery.Record) error
	// Apply merges a decoded payload. On error the model is unchanged.
	Apply(p *discovery.Payload) error

	// Outlets lists the known outlets in index order.
	Outlets() []Outlet
	// On returns the optimistic state of an outlet.
	On(outlet int) (bool, error)
	// SetOn records the new state and sends the command. It never waits
	// for the device.
	SetOn(ctx context.Context, outlet int, on bool) error
	// InUse is always true; the hardware has no load sensing.
	InUse(outlet int) bool
	// SignalStrength is the last reported RSSI, or 0 when unknown.
	SignalStrength() int

	Address() device.Address
	SetAddress(addr device.Address)
}

// New returns the model for the identity's kind.
func New(id device.Identity, sender lan.Sender) (Model, error) {
	switch id.Kind {
	case device.KindPlug:
		return NewPlugModel(id, sender), nil
	case device.KindStrip:
		return NewStripModel(id, sender), nil
	default:
		return nil, bridgeerrors.NewDeviceConfigError("kind", id.DeviceID,
			fmt.Errorf("unsupported device kind %q", id.Kind))
	}
}

func parsePower(field, deviceID, v string) (device.PowerState, error) {
	switch device.PowerState(v) {
	case device.On, device.Off:
		return device.PowerState(v), nil
	default:
		return "", bridgeerrors.NewDecodeError(bridgeerrors.MalformedJSON, deviceID,
			fmt.Errorf("%s: invalid power state %q", field, v))
	}
}

func parseStartup(field, deviceID, v string) (device.StartupState, error) {
	switch device.StartupState(v) {
	case device.StartupOn, device.StartupOff, device.StartupStay:
		return device.StartupState(v), nil
	default:
		return "", bridgeerrors.NewDecodeError(bridgeerrors.MalformedJSON, deviceID,
			fmt.Errorf("%s: invalid startup state %q", field, v))
	}
}

// excluded returns the error for set requests on a device that cannot be
// controlled.
func excluded(id device.Identity) error {
	if id.Encrypted && !id.HasKey() {
		return bridgeerrors.NewDeviceConfigError("devices.key", id.DeviceID, bridgeerrors.ErrDeviceExcluded)
	}
	return nil
}
