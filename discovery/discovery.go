// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package discovery provides eWeLink device discovery via mDNS (multicast DNS)
// and reassembly of the state payload devices advertise in their TXT records.
//
// # eWeLink LAN advertisements
//
// Devices in LAN mode advertise the service type "_ewelink._tcp". Each
// record's TXT attributes include:
//   - id: device id
//   - type: device family ("plug", "strip", ...)
//   - encrypt: "true" when the payload is encrypted
//   - iv: base64 initialisation vector of an encrypted payload
//   - data1..data4: the payload, split across fields to fit TXT limits
//
// The device republishes its record whenever its state changes, so the
// record stream doubles as a state feed.
//
// # Event stream
//
// The scanner opens one browse window every interval. The first sighting of
// a device produces an Available event; later sightings produce Updated
// events. The last record of each device lives in a go-cache table; when a
// device is not seen again before the entry expires, an Unavailable event is
// emitted. That expiry is the only source of Unavailable: the resolver
// discards goodbye (TTL 0) records without reporting them.
//
// # Update latency
//
// The resolver reports each instance at most once per browse, so a record a
// device republishes while a window is open is only seen by the next window.
// A state change made at the device therefore reaches the event stream
// within one interval (MaxUpdateLatency). The default interval is kept short
// for that reason.
//
// # Example Usage
//
//	scanner := discovery.NewScanner("_ewelink._tcp", "local.", 30*time.Second, 10*time.Second, 5*time.Minute)
//	go scanner.Run(ctx)
//	for ev := range scanner.Events() {
//	    fmt.Println(ev.Kind, ev.DeviceID)
//	}
package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/patrickmn/go-cache"
	"github.com/soothill/ewelink-bridge/device"
	"github.com/soothill/ewelink-bridge/pkg/logger"
	"github.com/soothill/ewelink-bridge/pkg/metrics"
)

const (
	entriesBufferSize = 10
	eventsBufferSize  = 64
)

// EventKind classifies a discovery event.
type EventKind string

const (
	// Available is emitted the first time a device is seen.
	Available EventKind = "available"
	// Updated is emitted when a known device republishes its record.
	Updated EventKind = "updated"
	// Unavailable is emitted when a device's record expires.
	Unavailable EventKind = "unavailable"
)

// Event is one entry of the discovery stream.
type Event struct {
	Kind     EventKind
	DeviceID string
	Record   Record
}

// Browser is the subset of zeroconf.Resolver used by the scanner.
type Browser interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// Scanner handles eWeLink device discovery via mDNS
type Scanner struct {
	serviceType string
	domain      string
	interval    time.Duration
	window      time.Duration

	seen   *cache.Cache // device id -> Record
	events chan Event
	done   chan struct{}

	mu      sync.RWMutex // guards stopped against close(events)
	stopped bool

	newBrowser func() (Browser, error)
}

// NewScanner creates a new device scanner. Records not refreshed within
// expiry are reported Unavailable.
func NewScanner(serviceType, domain string, interval, window, expiry time.Duration) *Scanner {
	s := &Scanner{
		serviceType: serviceType,
		domain:      domain,
		interval:    interval,
		window:      window,
		seen:        cache.New(expiry, expiry/2),
		events:      make(chan Event, eventsBufferSize),
		done:        make(chan struct{}),
		newBrowser: func() (Browser, error) {
			return zeroconf.NewResolver(nil)
		},
	}
	s.seen.OnEvicted(func(id string, v interface{}) {
		rec, _ := v.(Record)
		metrics.DiscoveryRecordsTotal.WithLabelValues(string(Unavailable)).Inc()
		logger.Info().Str("device_id", id).Msg("Device no longer advertised")
		s.emit(Event{Kind: Unavailable, DeviceID: id, Record: rec})
	})
	return s
}

// MaxUpdateLatency is the longest a republished record can wait before it
// appears on the event stream: one interval, or the window when that is
// longer.
func (s *Scanner) MaxUpdateLatency() time.Duration {
	if s.window > s.interval {
		return s.window
	}
	return s.interval
}

// Events returns the discovery event stream. It is closed when Run returns.
func (s *Scanner) Events() <-chan Event {
	return s.events
}

// Run browses until ctx is cancelled, one window per interval.
func (s *Scanner) Run(ctx context.Context) {
	defer s.shutdown()

	for {
		start := time.Now()
		if err := s.scan(ctx); err != nil {
			logger.Error().Err(err).Msg("Discovery scan failed")
		}
		metrics.DiscoveryDuration.Observe(time.Since(start).Seconds())

		wait := s.interval - time.Since(start)
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// scan performs a single browse window.
//
// The resolver produces entries on a buffered channel and closes it when the
// window's context expires; a consumer goroutine turns each entry into an
// event. The buffer keeps the resolver from stalling on bursts.
func (s *Scanner) scan(ctx context.Context) error {
	browser, err := s.newBrowser()
	if err != nil {
		return fmt.Errorf("failed to create resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry, entriesBufferSize)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			s.handleEntry(entry)
		}
	}()

	windowCtx, cancel := context.WithTimeout(ctx, s.window)
	defer cancel()

	if err := browser.Browse(windowCtx, s.serviceType, s.domain, entries); err != nil {
		cancel()
		return fmt.Errorf("failed to browse: %w", err)
	}

	<-windowCtx.Done()
	wg.Wait()
	return nil
}

// handleEntry records an entry and emits the matching event.
func (s *Scanner) handleEntry(entry *zeroconf.ServiceEntry) {
	rec, ok := recordFromEntry(entry)
	if !ok {
		return
	}
	id := rec.DeviceID()
	if id == "" {
		logger.Debug().Str("instance", rec.Instance).Msg("Ignoring record without device id")
		return
	}

	kind := Updated
	if _, found := s.seen.Get(id); !found {
		kind = Available
		addr, _ := rec.Address()
		logger.Info().
			Str("device_id", id).
			Str("type", rec.Text[txtType]).
			Str("address", addr.String()).
			Bool("encrypted", rec.Encrypted()).
			Msg("Discovered eWeLink device")
	}
	s.seen.Set(id, rec, cache.DefaultExpiration)

	metrics.DiscoveryRecordsTotal.WithLabelValues(string(kind)).Inc()
	s.emit(Event{Kind: kind, DeviceID: id, Record: rec})
}

// emit delivers an event unless the scanner has stopped.
func (s *Scanner) emit(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Scanner) shutdown() {
	close(s.done)
	s.mu.Lock()
	s.stopped = true
	close(s.events)
	s.mu.Unlock()
}

// recordFromEntry converts a zeroconf service entry to a Record
func recordFromEntry(entry *zeroconf.ServiceEntry) (Record, bool) {
	if entry == nil {
		return Record{}, false
	}

	text := make(map[string]string, len(entry.Text))
	for _, txt := range entry.Text {
		parts := strings.SplitN(txt, "=", 2)
		if len(parts) == 2 {
			text[parts[0]] = parts[1]
		}
	}

	// Prefer IPv4, fallback to IPv6
	addrs := make([]device.Address, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ips := range [][]net.IP{entry.AddrIPv4, entry.AddrIPv6} {
		for _, ip := range ips {
			addrs = append(addrs, device.Address{Host: ip.String(), Port: entry.Port})
		}
	}

	return Record{
		Instance:  entry.Instance,
		Text:      text,
		Addresses: addrs,
		TTL:       entry.TTL,
	}, true
}

// Records returns the last record of every device currently advertised
func (s *Scanner) Records() map[string]Record {
	items := s.seen.Items()
	out := make(map[string]Record, len(items))
	for id, item := range items {
		if rec, ok := item.Object.(Record); ok {
			out[id] = rec
		}
	}
	return out
}

// Lookup returns the last record of a device, if it is still advertised
func (s *Scanner) Lookup(deviceID string) (Record, bool) {
	v, ok := s.seen.Get(deviceID)
	if !ok {
		return Record{}, false
	}
	rec, ok := v.(Record)
	return rec, ok
}
