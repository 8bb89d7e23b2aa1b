//----------------------------------------------------------------------
// This file is part of tlslink.
// Copyright (c) 2023-present My Techno Talent
//
// Distributed under the MIT license: see LICENSE for details.
// SPDX-License-Identifier: MIT
//----------------------------------------------------------------------

package tlslink

import (
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// State of a client attempt. The TLS handshake is owned by the transport,
// so connecting and handshaking are a single externally visible state.
type State int

const (
	StateIdle State = iota
	StateResolving
	StateConnecting
	StateAwaiting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateConnecting:
		return "connecting"
	case StateAwaiting:
		return "awaiting response"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ClientConfig for a single attempt.
type ClientConfig struct {
	Host    string        // server hostname or literal IP address
	Port    uint16        // server port (default 443)
	Request []byte        // request bytes sent verbatim after connect
	Timeout time.Duration // watchdog base; the poll period is twice this
	Logger  *slog.Logger
}

// Client drives one TLS session to completion. All transitions funnel
// through the event methods below, which the transport invokes one at a
// time; invariants (single completion, single close) live in one place.
type Client struct {
	mu       sync.Mutex
	cfg      ClientConfig
	conn     Conn // owned transport handle; nil when not connected
	state    State
	errcode  Outcome // OutcomePending until a failure is recorded
	response []byte
	complete atomic.Bool
	done     chan struct{}
	log      *slog.Logger
}

// NewClient prepares an attempt; Open starts it.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Port == 0 {
		cfg.Port = 443
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		cfg:  cfg,
		done: make(chan struct{}),
		log:  cfg.Logger,
	}
}

// Open creates the connection and starts name resolution. A cached or
// literal answer proceeds straight to connecting without yielding to the
// event dispatcher.
func (c *Client) Open(t Transport) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := t.NewConn(c, 2*c.cfg.Timeout)
	if err != nil {
		c.log.Error("failed to create connection", "err", err)
		c.failLocked(OutcomeError)
		return err
	}
	c.conn = conn
	c.state = StateResolving
	c.log.Info("resolving", "host", c.cfg.Host)
	addr, done, err := conn.Resolve(c.cfg.Host)
	if err != nil {
		c.log.Error("error initiating resolve", "err", err)
		c.failLocked(OutcomeError)
		return err
	}
	if done {
		c.connectLocked(addr)
	}
	return nil
}

// Resolved implements EventSink.
func (c *Client) Resolved(addr netip.Addr, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.complete.Load() {
		return
	}
	if err != nil {
		c.log.Error("error resolving hostname", "host", c.cfg.Host, "err", err)
		c.failLocked(OutcomeError)
		return
	}
	c.connectLocked(addr)
}

func (c *Client) connectLocked(addr netip.Addr) {
	c.state = StateConnecting
	c.log.Info("connecting to server", "addr", addr, "port", c.cfg.Port)
	if err := c.conn.Connect(addr, c.cfg.Port); err != nil {
		c.log.Error("error initiating connect", "err", err)
		c.failLocked(OutcomeError)
	}
}

// Connected implements EventSink. On success the request is submitted in
// full; a write failure closes the attempt with an error outcome.
func (c *Client) Connected(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.complete.Load() {
		return
	}
	if err != nil {
		c.log.Error("connect failed", "err", err)
		c.failLocked(OutcomeError)
		return
	}
	c.log.Info("connected to server, sending request")
	if err := c.conn.Write(c.cfg.Request); err != nil {
		c.log.Error("error writing data", "err", err)
		c.failLocked(OutcomeError)
		return
	}
	c.state = StateAwaiting
}

// Received implements EventSink. Bytes are consumed and acknowledged so the
// transport can hand out more flow-control credit; the attempt does not wait
// for a terminator, any server-initiated close ends the session.
func (c *Client) Received(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.complete.Load() {
		return
	}
	if p == nil {
		c.log.Info("connection closed by server")
		c.closeLocked()
		return
	}
	c.response = append(c.response, p...)
	c.log.Info("new data received from server", "bytes", len(p))
	c.conn.Acknowledge(len(p))
}

// PollTick implements EventSink. The watchdog only fires after a full poll
// period without any other event, so a tick means the session went silent.
func (c *Client) PollTick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.complete.Load() {
		return
	}
	c.log.Error("timed out")
	c.failLocked(OutcomeTimeout)
}

// Failed implements EventSink. A transport error closes the attempt and
// overrides any previously recorded outcome.
func (c *Client) Failed(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.Error("transport error", "err", err)
	c.errcode = OutcomeError
	if c.complete.Load() {
		return
	}
	c.closeLocked()
}

func (c *Client) failLocked(o Outcome) {
	c.errcode = o
	c.closeLocked()
}

// closeLocked runs the single teardown path: mark completion, detach the
// transport handle and shut it down, falling back to an abort when the
// graceful close fails. The handle is nulled so a second close is a no-op.
func (c *Client) closeLocked() error {
	if !c.complete.Load() {
		c.complete.Store(true)
		close(c.done)
	}
	c.state = StateClosed
	var err error
	if c.conn != nil {
		conn := c.conn
		c.conn = nil
		if err = conn.Close(); err != nil {
			c.log.Error("close failed, calling abort", "err", err)
			conn.Abort()
		}
	}
	return err
}

// Close is safe to call from any state, including twice.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

// Wait blocks in bounded one-second slices until the attempt completes,
// leaving room for background work between turns. The poll watchdog is the
// only bound on the total wait.
func (c *Client) Wait() Outcome {
	for {
		select {
		case <-c.done:
			return c.Outcome()
		case <-time.After(time.Second):
		}
	}
}

// Outcome of the attempt. A session that completed without a recorded
// error reports OK, even when the response was empty.
func (c *Client) Outcome() Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.complete.Load() {
		return OutcomePending
	}
	if c.errcode == OutcomePending {
		return OutcomeOK
	}
	return c.errcode
}

// Completed reports whether the attempt reached a terminal state.
func (c *Client) Completed() bool {
	return c.complete.Load()
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Response returns the bytes received before the session closed.
func (c *Client) Response() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.response
}

//----------------------------------------------------------------------

// Run performs one attempt and waits for its outcome.
func Run(t Transport, cfg ClientConfig) Outcome {
	c := NewClient(cfg)
	if err := c.Open(t); err != nil {
		return c.Outcome()
	}
	return c.Wait()
}

// RunWithRetry layers a bounded retry policy on top of single attempts.
// Failed attempts are reported on the status display (if any); exhausting
// the attempt budget is reported as a retry failure.
func RunWithRetry(t Transport, cfg ClientConfig, attempts int, state *Status) Outcome {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	out := OutcomeError
	for i := 1; i <= attempts; i++ {
		out = Run(t, cfg)
		if out == OutcomeOK {
			log.Info("attempt succeeded", "attempt", i)
			return out
		}
		log.Error("attempt failed", "attempt", i, "outcome", out.String())
		switch out {
		case OutcomeTimeout:
			state.Set(StatTIMEOUT, 3)
		default:
			state.Set(StatCONN, 3)
		}
	}
	log.Error("exceeded retry limit", "attempts", attempts)
	state.Set(StatRETRY, 0)
	return out
}
