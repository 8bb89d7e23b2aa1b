//----------------------------------------------------------------------
// This file is part of tlslink.
// Copyright (c) 2023-present My Techno Talent
//
// Distributed under the MIT license: see LICENSE for details.
// SPDX-License-Identifier: MIT
//----------------------------------------------------------------------

package tlslink

import (
	"net/netip"
	"sync"
	"testing"
	"time"
)

// sinkRecorder collects dispatched events.
type sinkRecorder struct {
	mu     sync.Mutex
	events []string
	pollCh chan struct{}
}

func newSinkRecorder() *sinkRecorder {
	return &sinkRecorder{pollCh: make(chan struct{}, 8)}
}

func (s *sinkRecorder) add(name string) {
	s.mu.Lock()
	s.events = append(s.events, name)
	s.mu.Unlock()
}

func (s *sinkRecorder) list() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

func (s *sinkRecorder) Resolved(addr netip.Addr, err error) { s.add("resolved") }
func (s *sinkRecorder) Connected(err error)                 { s.add("connected") }
func (s *sinkRecorder) Received(p []byte)                   { s.add("received") }
func (s *sinkRecorder) Failed(err error)                    { s.add("failed") }
func (s *sinkRecorder) PollTick() {
	s.add("poll")
	select {
	case s.pollCh <- struct{}{}:
	default:
	}
}

func TestPumpWatchdogFiresWhenIdle(t *testing.T) {
	sink := newSinkRecorder()
	p := newPump(sink, 30*time.Millisecond)
	defer p.stop()

	select {
	case <-sink.pollCh:
	case <-time.After(time.Second):
		t.Fatal("watchdog never fired on an idle session")
	}
}

func TestPumpDispatchesInOrder(t *testing.T) {
	sink := newSinkRecorder()
	p := newPump(sink, time.Minute)
	defer p.stop()

	p.post(event{kind: evResolved, addr: netip.MustParseAddr("10.42.0.1")})
	p.post(event{kind: evConnected})
	p.post(event{kind: evData, data: []byte("hi")})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(sink.list()) == 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := sink.list()
	want := []string{"resolved", "connected", "received"}
	if len(got) != len(want) {
		t.Fatalf("dispatched %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatched %v, want %v", got, want)
		}
	}
}

func TestPumpStopDropsEvents(t *testing.T) {
	sink := newSinkRecorder()
	p := newPump(sink, time.Minute)
	p.stop()

	p.post(event{kind: evConnected})
	time.Sleep(50 * time.Millisecond)
	if n := len(sink.list()); n != 0 {
		t.Fatalf("dispatched %d events after stop", n)
	}
}
