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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// makeCertPair generates a self-signed certificate for 127.0.0.1.
func makeCertPair(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}

// writeTestCert writes the key material the way the server loads it.
func writeTestCert(t *testing.T) (certFile, keyFile string) {
	t.Helper()
	certPEM, keyPEM := makeCertPair(t)
	dir := t.TempDir()
	certFile = filepath.Join(dir, "server.crt")
	keyFile = filepath.Join(dir, "server.key")
	if err := os.WriteFile(certFile, certPEM, 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile
}

// startServer runs the accept loop on a loopback port and returns the
// server and its first bound address; cleanup cancels the loop and waits
// for it to return.
func startServer(t *testing.T, actions []Action) (*Server, net.Addr) {
	t.Helper()
	certFile, keyFile := writeTestCert(t)
	srv := NewServer(ServerConfig{
		Addr:     "127.0.0.1:0",
		CertFile: certFile,
		KeyFile:  keyFile,
		Actions:  actions,
		Logger:   discardLogger(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if addr := srv.BoundAddr(); addr != nil {
			return srv, addr
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server never bound")
	return nil, nil
}

func splitAddr(t *testing.T, addr net.Addr) (host string, port uint16) {
	t.Helper()
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		t.Fatalf("addr %v is not TCP", addr)
	}
	return tcp.IP.String(), uint16(tcp.Port)
}

func TestServerDecodesPostAndFiresActions(t *testing.T) {
	var fired atomic.Int32
	_, addr := startServer(t, []Action{ActionFunc(func() { fired.Add(1) })})

	conn, err := tls.Dial("tcp", addr.String(), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write(BuildRequest("127.0.0.1", "hello world")); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.HasSuffix(string(resp), "Hello from the server!") {
		t.Fatalf("response = %q", resp)
	}
	if !strings.HasPrefix(string(resp), "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("response = %q", resp)
	}
	if fired.Load() != 1 {
		t.Fatalf("actions fired %d times, want 1", fired.Load())
	}
}

func TestServerAnswersNonPostWithoutDecoding(t *testing.T) {
	var fired atomic.Int32
	_, addr := startServer(t, []Action{ActionFunc(func() { fired.Add(1) })})

	conn, err := tls.Dial("tcp", addr.String(), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("GET / HTTP/1.1\r\nHost: 127.0.0.1\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.HasSuffix(string(resp), "Hello from the server!") {
		t.Fatalf("response = %q", resp)
	}
	if fired.Load() != 0 {
		t.Fatalf("actions fired %d times on a GET", fired.Load())
	}
}

func TestServerSurvivesHandshakeFailure(t *testing.T) {
	srv, addr := startServer(t, nil)

	// plain TCP garbage makes the handshake fail; the loop must recover
	raw, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	raw.Write([]byte("not a tls record"))
	raw.Close()

	// the next cycle binds a fresh listener and still serves clients
	deadline := time.Now().Add(5 * time.Second)
	var next net.Addr
	for time.Now().Before(deadline) {
		if a := srv.BoundAddr(); a != nil && a.String() != addr.String() {
			next = a
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if next == nil {
		t.Fatal("server did not start a new cycle")
	}
	conn, err := tls.Dial("tcp", next.String(), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("dial after failure: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write(BuildRequest("127.0.0.1", "still alive")); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.HasSuffix(string(resp), "Hello from the server!") {
		t.Fatalf("response = %q", resp)
	}
}

func TestServerMissingInterfaceIsFatal(t *testing.T) {
	certFile, keyFile := writeTestCert(t)
	srv := NewServer(ServerConfig{
		Iface:    "definitely-not-an-iface0",
		CertFile: certFile,
		KeyFile:  keyFile,
		Logger:   discardLogger(),
	})
	err := srv.Run(context.Background())
	if err == nil {
		t.Fatal("expected a fatal configuration error")
	}
	var cerr *connError
	if errors.As(err, &cerr) {
		t.Fatalf("configuration failure classified as per-connection: %v", err)
	}
}

func TestServerMissingCertIsFatal(t *testing.T) {
	srv := NewServer(ServerConfig{
		Addr:     "127.0.0.1:0",
		CertFile: "ssl/absent.crt",
		KeyFile:  "ssl/absent.key",
		Logger:   discardLogger(),
	})
	if err := srv.Run(context.Background()); err == nil {
		t.Fatal("expected a fatal configuration error")
	}
}

func TestEndToEndClientServer(t *testing.T) {
	var fired atomic.Int32
	_, addr := startServer(t, []Action{ActionFunc(func() { fired.Add(1) })})

	host, port := splitAddr(t, addr)
	cfg := ClientConfig{
		Host:    host,
		Port:    port,
		Request: BuildRequest(host, "hello world"),
		Timeout: 5 * time.Second,
		Logger:  discardLogger(),
	}
	c := NewClient(cfg)
	if err := c.Open(NewLinuxTransport()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if out := c.Wait(); out != OutcomeOK {
		t.Fatalf("outcome = %v, want ok", out)
	}
	if got := string(c.Response()); !strings.HasSuffix(got, "Hello from the server!") {
		t.Fatalf("response = %q", got)
	}
	if fired.Load() != 1 {
		t.Fatalf("actions fired %d times, want 1", fired.Load())
	}
}
