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
	"time"
)

// Outcome classifies how a client attempt ended.
type Outcome int

const (
	OutcomePending Outcome = iota // attempt still running
	OutcomeOK                     // session closed without a recorded error
	OutcomeTimeout                // no activity within the poll deadline
	OutcomeError                  // transport, TLS or DNS failure
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeOK:
		return "ok"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// EventSink receives the events of one connection. The transport delivers
// them one at a time from its dispatch goroutine; implementations never see
// two callbacks concurrently.
type EventSink interface {
	// Resolved reports the result of an asynchronous name lookup.
	Resolved(addr netip.Addr, err error)
	// Connected reports the result of connect and TLS handshake.
	Connected(err error)
	// Received delivers response bytes; a nil slice signals end of stream.
	Received(p []byte)
	// PollTick fires when the watchdog period elapses without any event.
	PollTick()
	// Failed reports an asynchronous transport failure.
	Failed(err error)
}

// Conn is a single secure stream owned by one attempt.
type Conn interface {
	// Resolve starts a name lookup. A literal address or cached answer
	// completes synchronously with done set; otherwise the result arrives
	// through EventSink.Resolved.
	Resolve(host string) (addr netip.Addr, done bool, err error)
	// Connect initiates the TCP/TLS connect; completion arrives through
	// EventSink.Connected.
	Connect(addr netip.Addr, port uint16) error
	// Write submits the full buffer to the transport.
	Write(p []byte) error
	// Acknowledge returns flow-control credit for consumed bytes so the
	// peer is not starved.
	Acknowledge(n int)
	// Close detaches callbacks and shuts the stream down gracefully.
	Close() error
	// Abort tears the stream down hard after a failed graceful close.
	Abort()
}

// Transport creates connections bound to an event sink.
type Transport interface {
	NewConn(sink EventSink, pollPeriod time.Duration) (Conn, error)
}

//----------------------------------------------------------------------

type eventKind int

const (
	evResolved eventKind = iota
	evConnected
	evData
	evPoll
	evFailed
)

type event struct {
	kind eventKind
	addr netip.Addr
	data []byte
	err  error
}

// pump serializes transport callbacks into a single dispatch goroutine and
// owns the poll watchdog. Delivering any event rearms the watchdog.
type pump struct {
	sink   EventSink
	period time.Duration
	events chan event
	quit   chan struct{}
	once   sync.Once
}

func newPump(sink EventSink, period time.Duration) *pump {
	p := &pump{
		sink:   sink,
		period: period,
		events: make(chan event, 8),
		quit:   make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *pump) run() {
	watchdog := time.NewTimer(p.period)
	defer watchdog.Stop()
	for {
		select {
		case <-p.quit:
			return
		case ev := <-p.events:
			p.dispatch(ev)
			if !watchdog.Stop() {
				select {
				case <-watchdog.C:
				default:
				}
			}
			watchdog.Reset(p.period)
		case <-watchdog.C:
			p.dispatch(event{kind: evPoll})
			watchdog.Reset(p.period)
		}
	}
}

func (p *pump) dispatch(ev event) {
	switch ev.kind {
	case evResolved:
		p.sink.Resolved(ev.addr, ev.err)
	case evConnected:
		p.sink.Connected(ev.err)
	case evData:
		p.sink.Received(ev.data)
	case evPoll:
		p.sink.PollTick()
	case evFailed:
		p.sink.Failed(ev.err)
	}
}

// post hands an event to the dispatcher; dropped after stop.
func (p *pump) post(ev event) {
	select {
	case p.events <- ev:
	case <-p.quit:
	}
}

func (p *pump) stop() {
	p.once.Do(func() { close(p.quit) })
}
