//go:build !rp2350

//----------------------------------------------------------------------
// This file is part of tlslink.
// Copyright (c) 2023-present My Techno Talent
//
// Distributed under the MIT license: see LICENSE for details.
// SPDX-License-Identifier: MIT
//----------------------------------------------------------------------

package tlslink

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"
	"time"
)

// ServerConfig for the blocking single-connection server.
type ServerConfig struct {
	// Iface names the network interface whose first IPv4 address is the
	// bind address. Ignored when Addr is set.
	Iface string
	// Addr is an explicit "host:port" bind address (mainly for tests).
	Addr string
	// Port to listen on when the address is discovered from Iface.
	Port uint16
	// Certificate and key files, PEM, relative to the working directory.
	CertFile string
	KeyFile  string
	// Actions fired in order after a POST body decodes successfully.
	Actions []Action
	Logger  *slog.Logger
}

// Server services exactly one client per cycle. Every cycle re-initializes
// the TLS context and the listening socket, so no state survives from one
// request to the next.
type Server struct {
	cfg   ServerConfig
	log   *slog.Logger
	bound atomic.Value // net.Addr of the current listener
}

// NewServer with defaults matching the original deployment: port 443 on
// wlan0, key material under ssl/.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Iface == "" {
		cfg.Iface = "wlan0"
	}
	if cfg.Port == 0 {
		cfg.Port = 443
	}
	if cfg.CertFile == "" {
		cfg.CertFile = "ssl/server.crt"
	}
	if cfg.KeyFile == "" {
		cfg.KeyFile = "ssl/server.key"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg: cfg,
		log: cfg.Logger,
	}
}

// BoundAddr returns the address of the most recent listener, or nil before
// the first cycle binds.
func (s *Server) BoundAddr() net.Addr {
	if a, ok := s.bound.Load().(net.Addr); ok {
		return a
	}
	return nil
}

// connError marks a per-connection failure; the accept loop survives these
// and moves on to the next client.
type connError struct {
	stage string
	err   error
}

func (e *connError) Error() string {
	return fmt.Sprintf("%s: %v", e.stage, e.err)
}

func (e *connError) Unwrap() error {
	return e.err
}

func connFail(stage string, err error) error {
	connectionErrors.WithLabelValues(stage).Inc()
	return &connError{stage: stage, err: err}
}

// Run loops forever, one accept cycle per iteration. Configuration failures
// (certificate, interface, bind) terminate the loop; per-connection failures
// are logged and counted, then the next cycle starts fresh.
func (s *Server) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.cycle(ctx)
		var cerr *connError
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		case errors.As(err, &cerr):
			s.log.Error("connection failed", "stage", cerr.stage, "err", cerr.err)
		default:
			return err
		}
	}
}

// cycle performs one full accept cycle: fresh TLS config, fresh listener,
// one client, unconditional teardown.
func (s *Server) cycle(ctx context.Context) error {
	cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("load key pair: %w", err)
	}
	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}

	addr := s.cfg.Addr
	if addr == "" {
		ip, err := InterfaceAddr(s.cfg.Iface)
		if err != nil {
			return err
		}
		addr = netip.AddrPortFrom(ip, s.cfg.Port).String()
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	defer lis.Close()
	s.bound.Store(lis.Addr())
	s.log.Info("server listening", "addr", lis.Addr().String(), "iface", s.cfg.Iface)

	// unblock the accept below when the context is cancelled
	stop := context.AfterFunc(ctx, func() { lis.Close() })
	defer stop()

	raw, err := lis.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return connFail("accept", err)
	}
	defer raw.Close()

	conn := tls.Server(raw, tlsCfg)
	defer conn.Close()
	if err := conn.Handshake(); err != nil {
		return connFail("handshake", err)
	}
	s.log.Info("tls connection established", "client", raw.RemoteAddr().String())

	start := time.Now()
	defer func() { handleSeconds.Observe(time.Since(start).Seconds()) }()

	// single read, up to the buffer capacity
	buf := make([]byte, RequestBufSize)
	n, err := conn.Read(buf)
	if err != nil {
		return connFail("read", err)
	}
	req := buf[:n]
	s.log.Info("request received", "bytes", n)

	msg, ok, err := ExtractPost(req)
	switch {
	case err != nil:
		s.log.Error("decode failed", "err", err)
	case ok:
		messagesDecoded.Inc()
		s.log.Info("decoded message", "msg", string(msg))
		for _, a := range s.cfg.Actions {
			a.Fire()
		}
	}

	// same canned reply regardless of the decoded content
	if _, err := conn.Write([]byte(ServerResponse)); err != nil {
		return connFail("write", err)
	}
	connectionsTotal.Inc()
	return nil
}
