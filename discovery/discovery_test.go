// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package discovery

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

// fakeNetwork answers browses the way the zeroconf resolver does: every
// session reports each instance once, drops goodbye records and forgets an
// instance once it says goodbye.
type fakeNetwork struct {
	mu       sync.Mutex
	records  map[string]*zeroconf.ServiceEntry
	sessions map[*fakeSession]struct{}
	browses  int
	err      error
}

type fakeSession struct {
	incoming chan *zeroconf.ServiceEntry
}

func newFakeNetwork(entries ...*zeroconf.ServiceEntry) *fakeNetwork {
	n := &fakeNetwork{
		records:  make(map[string]*zeroconf.ServiceEntry),
		sessions: make(map[*fakeSession]struct{}),
	}
	for _, e := range entries {
		n.records[e.Instance] = e
	}
	return n
}

func (n *fakeNetwork) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		close(entries)
		return n.err
	}
	n.browses++

	sess := &fakeSession{incoming: make(chan *zeroconf.ServiceEntry, 64)}
	n.sessions[sess] = struct{}{}
	for _, e := range n.records {
		sess.incoming <- e
	}

	go func() {
		defer func() {
			n.mu.Lock()
			delete(n.sessions, sess)
			n.mu.Unlock()
			close(entries)
		}()
		sent := make(map[string]bool)
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-sess.incoming:
				if e.TTL == 0 {
					delete(sent, e.Instance)
					continue
				}
				if sent[e.Instance] {
					continue
				}
				sent[e.Instance] = true
				select {
				case entries <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return nil
}

// publish announces a record to every open browse, as a device does when
// its state changes. A record with TTL 0 withdraws the instance.
func (n *fakeNetwork) publish(e *zeroconf.ServiceEntry) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if e.TTL == 0 {
		delete(n.records, e.Instance)
	} else {
		n.records[e.Instance] = e
	}
	for sess := range n.sessions {
		sess.incoming <- e
	}
}

func (n *fakeNetwork) browseCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.browses
}

func newEntry(id string, ttl uint32, txt ...string) *zeroconf.ServiceEntry {
	e := zeroconf.NewServiceEntry("eWeLink_"+id, "_ewelink._tcp", "local.")
	e.Port = 8081
	e.TTL = ttl
	e.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.50")}
	e.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
	e.Text = append([]string{"id=" + id, "type=plug"}, txt...)
	return e
}

func newTestScanner(b Browser, expiry time.Duration) *Scanner {
	return newTimedScanner(b, 20*time.Millisecond, 10*time.Millisecond, expiry)
}

func newTimedScanner(b Browser, interval, window, expiry time.Duration) *Scanner {
	s := NewScanner("_ewelink._tcp", "local.", interval, window, expiry)
	s.newBrowser = func() (Browser, error) { return b, nil }
	return s
}

// nextOf skips events until one of the given kind arrives.
func nextOf(t *testing.T, s *Scanner, kind EventKind) Event {
	t.Helper()
	for {
		if ev := nextEvent(t, s); ev.Kind == kind {
			return ev
		}
	}
}

func nextEvent(t *testing.T, s *Scanner) Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestNewScanner(t *testing.T) {
	scanner := NewScanner("_ewelink._tcp", "local.", time.Minute, 5*time.Second, 5*time.Minute)

	if scanner == nil {
		t.Fatal("NewScanner() returned nil")
	}
	if scanner.serviceType != "_ewelink._tcp" {
		t.Errorf("serviceType = %v, want _ewelink._tcp", scanner.serviceType)
	}
	if scanner.domain != "local." {
		t.Errorf("domain = %v, want local.", scanner.domain)
	}
	if n := len(scanner.Records()); n != 0 {
		t.Errorf("Records() should be empty, got %d", n)
	}
}

func TestRecordFromEntry(t *testing.T) {
	entry := newEntry("1000abcdef", 120, "data1={\"switch\":\"on\"}", "malformed", "iv=a=b")

	rec, ok := recordFromEntry(entry)
	if !ok {
		t.Fatal("recordFromEntry() returned false")
	}
	if rec.Instance != "eWeLink_1000abcdef" {
		t.Errorf("Instance = %q", rec.Instance)
	}
	if rec.Text["data1"] != `{"switch":"on"}` {
		t.Errorf("data1 = %q", rec.Text["data1"])
	}
	if rec.Text["iv"] != "a=b" {
		t.Errorf("iv = %q, want value split on first '='", rec.Text["iv"])
	}
	if _, ok := rec.Text["malformed"]; ok {
		t.Error("entry without '=' should be skipped")
	}
	if len(rec.Addresses) != 2 {
		t.Fatalf("Addresses = %v, want 2", rec.Addresses)
	}
	if addr, _ := rec.Address(); addr.Host != "192.168.1.50" || addr.Port != 8081 {
		t.Errorf("Address() = %v, want IPv4 first", addr)
	}
	if rec.TTL != 120 {
		t.Errorf("TTL = %d, want 120", rec.TTL)
	}

	if _, ok := recordFromEntry(nil); ok {
		t.Error("recordFromEntry(nil) should return false")
	}
}

func TestScanner_Lifecycle(t *testing.T) {
	network := newFakeNetwork(newEntry("1000abcdef", 120, "data1={\"switch\":\"on\"}"))
	s := newTestScanner(network, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	ev := nextEvent(t, s)
	if ev.Kind != Available || ev.DeviceID != "1000abcdef" {
		t.Fatalf("first event = %v %s, want available", ev.Kind, ev.DeviceID)
	}
	if ev.Record.Text["data1"] != `{"switch":"on"}` {
		t.Errorf("first record data1 = %q", ev.Record.Text["data1"])
	}

	network.publish(newEntry("1000abcdef", 120, "data1={\"switch\":\"off\"}"))
	for {
		ev = nextOf(t, s, Updated)
		if ev.Record.Text["data1"] == `{"switch":"off"}` {
			break
		}
	}
	if rec, ok := s.Lookup("1000abcdef"); !ok || rec.Text["data1"] != `{"switch":"off"}` {
		t.Errorf("Lookup() = %v, %v", rec, ok)
	}

	cancel()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-s.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("events channel not closed after cancel")
		}
	}
}

func TestScanner_Expiry(t *testing.T) {
	network := newFakeNetwork(newEntry("1000abcdef", 120))
	s := newTestScanner(network, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	if ev := nextEvent(t, s); ev.Kind != Available {
		t.Fatalf("first event = %v, want available", ev.Kind)
	}
	network.publish(newEntry("1000abcdef", 0))

	ev := nextOf(t, s, Unavailable)
	if ev.DeviceID != "1000abcdef" {
		t.Errorf("DeviceID = %s", ev.DeviceID)
	}
	if _, ok := s.Lookup("1000abcdef"); ok {
		t.Error("device should be gone after expiry")
	}
}

// A goodbye never reaches the scanner; the device stays advertised until
// its entry expires.
func TestScanner_GoodbyeWaitsForExpiry(t *testing.T) {
	const expiry = 300 * time.Millisecond
	network := newFakeNetwork(newEntry("1000abcdef", 120))
	s := newTimedScanner(network, 20*time.Millisecond, 10*time.Millisecond, expiry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	if ev := nextEvent(t, s); ev.Kind != Available {
		t.Fatalf("first event = %v, want available", ev.Kind)
	}
	network.publish(newEntry("1000abcdef", 0))
	goodbye := time.Now()

	if _, ok := s.Lookup("1000abcdef"); !ok {
		t.Error("device should still be advertised right after a goodbye")
	}
	nextOf(t, s, Unavailable)
	// The last sighting precedes the goodbye by at most one interval.
	if elapsed := time.Since(goodbye); elapsed < expiry/2 {
		t.Errorf("unavailable after %v, want no earlier than expiry %v", elapsed, expiry)
	}
}

// A record republished while a window is open is reported by the next
// window, within MaxUpdateLatency of the change.
func TestScanner_UpdateLatency(t *testing.T) {
	const (
		interval = 200 * time.Millisecond
		window   = 50 * time.Millisecond
		slack    = 150 * time.Millisecond
	)
	network := newFakeNetwork(newEntry("1000abcdef", 120, "data1={\"switch\":\"on\"}"))
	s := newTimedScanner(network, interval, window, time.Minute)
	if got := s.MaxUpdateLatency(); got != interval {
		t.Fatalf("MaxUpdateLatency() = %v, want %v", got, interval)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	if ev := nextEvent(t, s); ev.Kind != Available {
		t.Fatalf("first event = %v, want available", ev.Kind)
	}
	changed := time.Now()
	network.publish(newEntry("1000abcdef", 120, "data1={\"switch\":\"off\"}"))

	ev := nextOf(t, s, Updated)
	elapsed := time.Since(changed)
	if ev.Record.Text["data1"] != `{"switch":"off"}` {
		t.Errorf("data1 = %q, want the republished record", ev.Record.Text["data1"])
	}
	if n := network.browseCount(); n < 2 {
		t.Errorf("update reported by browse %d, want a later window", n)
	}
	if elapsed > s.MaxUpdateLatency()+slack {
		t.Errorf("update took %v, want within %v", elapsed, s.MaxUpdateLatency())
	}
}

func TestScanner_MaxUpdateLatency(t *testing.T) {
	s := NewScanner("_ewelink._tcp", "local.", 10*time.Second, 5*time.Second, time.Minute)
	if got := s.MaxUpdateLatency(); got != 10*time.Second {
		t.Errorf("MaxUpdateLatency() = %v, want the interval", got)
	}
	s = NewScanner("_ewelink._tcp", "local.", time.Second, 3*time.Second, time.Minute)
	if got := s.MaxUpdateLatency(); got != 3*time.Second {
		t.Errorf("MaxUpdateLatency() = %v, want the window when it is longer", got)
	}
}

func TestScanner_IgnoresRecordsWithoutID(t *testing.T) {
	anon := zeroconf.NewServiceEntry("anonymous", "_ewelink._tcp", "local.")
	anon.TTL = 120
	s := newTestScanner(newFakeNetwork(), time.Minute)

	s.handleEntry(anon)
	s.handleEntry(nil)

	if n := len(s.Records()); n != 0 {
		t.Errorf("Records() = %d, want 0", n)
	}
}

func TestScanner_BrowseError(t *testing.T) {
	s := newTestScanner(&fakeNetwork{err: errors.New("no multicast interface")}, time.Minute)

	if err := s.scan(context.Background()); err == nil {
		t.Error("scan() should return the browse error")
	}
}

func TestScanner_NoEmitAfterStop(t *testing.T) {
	s := newTestScanner(newFakeNetwork(), time.Minute)
	s.shutdown()

	// Must not panic on the closed channel.
	s.handleEntry(newEntry("1000abcdef", 120))
}
