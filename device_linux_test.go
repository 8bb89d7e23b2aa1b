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
	"crypto/tls"
	"net"
	"testing"
	"time"
)

func TestInterfaceAddrMissing(t *testing.T) {
	if _, err := InterfaceAddr("definitely-not-an-iface0"); err == nil {
		t.Fatal("expected an error for a missing interface")
	}
}

func TestSetupTransportLinux(t *testing.T) {
	dev := InitDevice()
	tr, stat := SetupTransport(dev, "test", "", "", "")
	if stat != StatOK {
		t.Fatalf("status = %d, want StatOK", stat)
	}
	if tr == nil {
		t.Fatal("no transport returned")
	}
}

func TestLinuxResolveLiteralIsSynchronous(t *testing.T) {
	tr := NewLinuxTransport()
	conn, err := tr.NewConn(newSinkRecorder(), time.Minute)
	if err != nil {
		t.Fatalf("new conn: %v", err)
	}
	defer conn.Close()
	addr, done, err := conn.Resolve("127.0.0.1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !done {
		t.Fatal("literal address did not resolve synchronously")
	}
	if addr.String() != "127.0.0.1" {
		t.Fatalf("addr = %v", addr)
	}
}

func TestClientTimesOutAgainstSilentServer(t *testing.T) {
	certPEM, keyPEM := makeCertPair(t)
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("key pair: %v", err)
	}
	lis, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer lis.Close()
	hold := make(chan struct{})
	defer close(hold)
	go func() {
		conn, err := lis.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, RequestBufSize)
		_, _ = conn.Read(buf) // terminate the handshake, read the request
		<-hold                // never respond
	}()

	host, port := splitAddr(t, lis.Addr())
	cfg := ClientConfig{
		Host:    host,
		Port:    port,
		Request: BuildRequest(host, "hello world"),
		Timeout: 150 * time.Millisecond,
		Logger:  discardLogger(),
	}
	c := NewClient(cfg)
	if err := c.Open(NewLinuxTransport()); err != nil {
		t.Fatalf("open: %v", err)
	}
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		t.Fatal("attempt never completed")
	}
	if out := c.Outcome(); out != OutcomeTimeout {
		t.Fatalf("outcome = %v, want timeout", out)
	}
}

func TestClientConnectRefusedReportsError(t *testing.T) {
	// grab a port nothing listens on
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	_, port := splitAddr(t, lis.Addr())
	lis.Close()

	cfg := ClientConfig{
		Host:    "127.0.0.1",
		Port:    port,
		Request: BuildRequest("127.0.0.1", "hello world"),
		Timeout: 2 * time.Second,
		Logger:  discardLogger(),
	}
	c := NewClient(cfg)
	if err := c.Open(NewLinuxTransport()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if out := c.Wait(); out != OutcomeError {
		t.Fatalf("outcome = %v, want error", out)
	}
}
