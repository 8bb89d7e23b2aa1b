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
	"io"
	"net"
	"net/netip"
	"sync"
	"time"
)

// LinuxDevice (for Linux-class boards and testing)
type LinuxDevice struct{}

// LED on or off (not applicable)
func (dev *LinuxDevice) LED(on bool) {}

// Initialize device
func InitDevice() (dev Device) {
	return new(LinuxDevice)
}

// SetupTransport returns the client transport for this target. The WiFi
// parameters are not applicable on Linux; the kernel owns the network.
func SetupTransport(dev Device, host, ip, ssid, passwd string) (Transport, int) {
	if _, ok := dev.(*LinuxDevice); !ok {
		return nil, StatDEV
	}
	return NewLinuxTransport(), StatOK
}

// InterfaceAddr returns the first IPv4 address of the named interface.
func InterfaceAddr(name string) (netip.Addr, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("interface %s: %w", name, err)
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("interface %s: %w", name, err)
	}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipn.IP.To4(); ip4 != nil {
			return netip.AddrFrom4([4]byte(ip4)), nil
		}
	}
	return netip.Addr{}, fmt.Errorf("interface %s has no IPv4 address", name)
}

//----------------------------------------------------------------------

// LinuxTransport backs client connections with crypto/tls over kernel TCP.
type LinuxTransport struct {
	// DialTimeout bounds the TCP connect; the session watchdog covers the
	// rest of the lifecycle.
	DialTimeout time.Duration
}

// NewLinuxTransport with default dial timeout.
func NewLinuxTransport() *LinuxTransport {
	return &LinuxTransport{DialTimeout: 30 * time.Second}
}

// NewConn implementation: one secure stream with its own dispatcher.
func (t *LinuxTransport) NewConn(sink EventSink, pollPeriod time.Duration) (Conn, error) {
	if sink == nil {
		return nil, errors.New("tlslink: nil event sink")
	}
	return &linuxConn{
		pump:   newPump(sink, pollPeriod),
		dialer: net.Dialer{Timeout: t.DialTimeout},
		credit: make(chan int, 1),
	}, nil
}

// linuxConn feeds one crypto/tls session into the event pump. The reader
// goroutine delivers at most one chunk per flow-control credit.
type linuxConn struct {
	pump   *pump
	dialer net.Dialer
	credit chan int

	mu    sync.Mutex
	host  string
	tconn *tls.Conn
}

// Resolve implementation: literal addresses complete synchronously, names
// are looked up in the background and reported through the sink.
func (c *linuxConn) Resolve(host string) (netip.Addr, bool, error) {
	c.mu.Lock()
	c.host = host
	c.mu.Unlock()
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, true, nil
	}
	go func() {
		addrs, err := net.DefaultResolver.LookupNetIP(context.Background(), "ip4", host)
		if err != nil {
			c.pump.post(event{kind: evResolved, err: err})
			return
		}
		if len(addrs) == 0 {
			c.pump.post(event{kind: evResolved, err: errors.New("no addresses for " + host)})
			return
		}
		c.pump.post(event{kind: evResolved, addr: addrs[0].Unmap()})
	}()
	return netip.Addr{}, false, nil
}

// Connect implementation: dial and handshake in the background, then start
// the reader. The peer certificate is not validated; this is a demo client
// talking to a self-signed server.
func (c *linuxConn) Connect(addr netip.Addr, port uint16) error {
	go func() {
		raw, err := c.dialer.Dial("tcp", netip.AddrPortFrom(addr, port).String())
		if err != nil {
			c.pump.post(event{kind: evConnected, err: err})
			return
		}
		c.mu.Lock()
		host := c.host
		c.mu.Unlock()
		tconn := tls.Client(raw, &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: true,
		})
		if err := tconn.Handshake(); err != nil {
			raw.Close()
			c.pump.post(event{kind: evConnected, err: err})
			return
		}
		c.mu.Lock()
		c.tconn = tconn
		c.mu.Unlock()
		c.pump.post(event{kind: evConnected})
		go c.readLoop(tconn)
	}()
	return nil
}

func (c *linuxConn) readLoop(tconn *tls.Conn) {
	buf := make([]byte, 512)
	for {
		n, err := tconn.Read(buf)
		if n > 0 {
			p := make([]byte, n)
			copy(p, buf[:n])
			c.pump.post(event{kind: evData, data: p})
			// wait for the consumer to return credit
			select {
			case <-c.credit:
			case <-c.pump.quit:
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.pump.post(event{kind: evData, data: nil})
			} else {
				c.pump.post(event{kind: evFailed, err: err})
			}
			return
		}
	}
}

// Write implementation: submit the full buffer to the TLS session.
func (c *linuxConn) Write(p []byte) error {
	c.mu.Lock()
	tconn := c.tconn
	c.mu.Unlock()
	if tconn == nil {
		return errors.New("tlslink: write on unconnected stream")
	}
	_, err := tconn.Write(p)
	return err
}

// Acknowledge implementation: hand credit back to the reader.
func (c *linuxConn) Acknowledge(n int) {
	select {
	case c.credit <- n:
	case <-c.pump.quit:
	default:
	}
}

// Close implementation: detach callbacks, then close the session.
func (c *linuxConn) Close() error {
	c.pump.stop()
	c.mu.Lock()
	tconn := c.tconn
	c.tconn = nil
	c.mu.Unlock()
	if tconn == nil {
		return nil
	}
	return tconn.Close()
}

// Abort implementation: drop the connection without lingering.
func (c *linuxConn) Abort() {
	c.pump.stop()
	c.mu.Lock()
	tconn := c.tconn
	c.tconn = nil
	c.mu.Unlock()
	if tconn == nil {
		return
	}
	if raw, ok := tconn.NetConn().(*net.TCPConn); ok {
		raw.SetLinger(0)
	}
	tconn.Close()
}
