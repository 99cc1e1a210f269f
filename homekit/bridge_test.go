// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package homekit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/brutella/hc"
	hcaccessory "github.com/brutella/hc/accessory"
	"github.com/soothill/ewelink-bridge/accessory"
	"github.com/soothill/ewelink-bridge/device"
	"github.com/soothill/ewelink-bridge/discovery"
	"github.com/soothill/ewelink-bridge/lan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopSender struct{}

func (nopSender) Send(context.Context, device.Identity, device.Address, lan.Endpoint, any) {}

type setCall struct {
	deviceID string
	outlet   int
	on       bool
}

type fakeSetter struct {
	mu    sync.Mutex
	calls []setCall
	err   error
}

func (f *fakeSetter) SetOn(_ context.Context, deviceID string, outlet int, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, setCall{deviceID, outlet, on})
	return f.err
}

type fakeTransport struct {
	accessories int
	stopped     chan struct{}
	once        sync.Once
}

func (f *fakeTransport) Start() { <-f.stopped }

func (f *fakeTransport) Stop() <-chan struct{} {
	f.once.Do(func() { close(f.stopped) })
	done := make(chan struct{})
	close(done)
	return done
}

type transportRecorder struct {
	mu         sync.Mutex
	transports []*fakeTransport
	configs    []hc.Config
}

func (r *transportRecorder) factory(cfg hc.Config, _ *hcaccessory.Accessory, as ...*hcaccessory.Accessory) (hc.Transport, error) {
	t := &fakeTransport{accessories: len(as), stopped: make(chan struct{})}
	r.mu.Lock()
	r.transports = append(r.transports, t)
	r.configs = append(r.configs, cfg)
	r.mu.Unlock()
	return t, nil
}

func (r *transportRecorder) built() []*fakeTransport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*fakeTransport(nil), r.transports...)
}

func seededPlug(t *testing.T, id string, payload string) accessory.Model {
	t.Helper()
	m := accessory.NewPlugModel(device.Identity{DeviceID: id, Kind: device.KindPlug}, nopSender{})
	require.NoError(t, m.Update(discovery.Record{Text: map[string]string{"data1": payload}}))
	return m
}

func TestRegister_Plug(t *testing.T) {
	b := NewBridge(Config{}, nil)
	b.Register(seededPlug(t, "1000aaaaaa", `{"switch":"on"}`), "Kettle")

	oa := b.devices["1000aaaaaa"]
	require.NotNil(t, oa)
	require.Len(t, oa.outlets, 1)
	assert.Equal(t, "Kettle", oa.acc.Info.Name.GetValue())
	assert.Equal(t, "1000aaaaaa", oa.acc.Info.SerialNumber.GetValue())
	assert.True(t, oa.outlets[0].OutletInUse.GetValue())
	assert.Equal(t, accessoryID("1000aaaaaa"), oa.acc.ID)
	assert.Len(t, b.accessories(), 1)
	assert.Equal(t, "eWeLink Bridge", b.cfg.Name)
}

func TestPublish_AddsStripOutlets(t *testing.T) {
	b := NewBridge(Config{}, nil)
	strip := accessory.NewStripModel(device.Identity{DeviceID: "1000bbbbbb", Kind: device.KindStrip}, nopSender{})
	b.Register(strip, "Desk")
	<-b.rebuild

	assert.Empty(t, b.accessories(), "strip without outlets is not published")

	b.Publish("1000bbbbbb", []accessory.Outlet{{Index: 0, On: false}, {Index: 1, On: true}})

	oa := b.devices["1000bbbbbb"]
	require.Len(t, oa.outlets, 2)
	assert.False(t, oa.outlets[0].On.GetValue())
	assert.True(t, oa.outlets[1].On.GetValue())
	assert.Len(t, b.accessories(), 1)

	select {
	case <-b.rebuild:
	default:
		t.Error("new outlets should request a rebuild")
	}

	b.Publish("1000bbbbbb", []accessory.Outlet{{Index: 0, On: true}, {Index: 1, On: true}})
	assert.True(t, oa.outlets[0].On.GetValue())
	select {
	case <-b.rebuild:
		t.Error("value changes should not request a rebuild")
	default:
	}

	b.Publish("1000ffffff", []accessory.Outlet{{Index: 0, On: true}})
}

func TestOnSet(t *testing.T) {
	s := &fakeSetter{}
	b := NewBridge(Config{}, s)

	b.onSet("1000aaaaaa", 2, true)
	s.err = assert.AnError
	b.onSet("1000aaaaaa", 2, false)

	require.Len(t, s.calls, 2)
	assert.Equal(t, setCall{"1000aaaaaa", 2, true}, s.calls[0])
	assert.Equal(t, setCall{"1000aaaaaa", 2, false}, s.calls[1])

	NewBridge(Config{}, nil).onSet("1000aaaaaa", 0, true)
}

func TestRun_PublishesAndRebuilds(t *testing.T) {
	rec := &transportRecorder{}
	b := NewBridge(Config{Pin: "00102003", Port: "51826", InitialDelay: 10 * time.Millisecond, Debounce: 20 * time.Millisecond}, nil)
	b.newTransport = rec.factory

	b.Register(seededPlug(t, "1000aaaaaa", `{"switch":"on"}`), "One")
	<-b.rebuild

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, func() bool { return len(rec.built()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "00102003", rec.configs[0].Pin)

	b.Register(seededPlug(t, "1000aaaaab", `{"switch":"off"}`), "Two")
	b.Register(seededPlug(t, "1000aaaaac", `{"switch":"off"}`), "Three")

	require.Eventually(t, func() bool {
		built := rec.built()
		return len(built) >= 2 && built[len(built)-1].accessories == 3
	}, time.Second, 5*time.Millisecond)
	built := rec.built()

	select {
	case <-built[0].stopped:
	default:
		t.Error("previous transport should be stopped on rebuild")
	}

	cancel()
	require.NoError(t, <-done)
	select {
	case <-built[len(built)-1].stopped:
	default:
		t.Error("transport should be stopped on shutdown")
	}
}

func TestAccessoryID(t *testing.T) {
	assert.Equal(t, accessoryID("1000aaaaaa"), accessoryID("1000aaaaaa"))
	assert.NotEqual(t, accessoryID("1000aaaaaa"), accessoryID("1000aaaaab"))
	assert.Greater(t, accessoryID(""), uint64(bridgeID))
}

func TestOutletName(t *testing.T) {
	assert.Equal(t, "Desk 1", outletName("Desk", 0))
	assert.Equal(t, "Desk 4", outletName("Desk", 3))
}
