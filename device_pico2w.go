//go:build rp2350

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
	"errors"
	"io"
	"log/slog"
	"machine"
	"math/rand"
	"net"
	"net/netip"
	"time"

	"github.com/soypat/cyw43439"
	"github.com/soypat/seqs"
	"github.com/soypat/seqs/eth/dhcp"
	"github.com/soypat/seqs/eth/dns"
	"github.com/soypat/seqs/stacks"
)

// Raspberry Pico2 W  [RP2350]
type Pico2WDevice struct {
	ref *cyw43439.Device // reference to device
}

// LED on or off (if applicable)
func (dev *Pico2WDevice) LED(on bool) {
	dev.ref.GPIOSet(0, on)
}

// Initialize device
func InitDevice() Device {
	// access device
	dev := new(Pico2WDevice)
	dev.ref = cyw43439.NewPicoWDevice()
	return dev
}

// SetupTransport joins the WiFi network and returns the client transport
// riding on the on-chip TCP/IP stack. If DHCP fails, a static IP can be used.
func SetupTransport(dev Device, host, ip, ssid, passwd string) (tr Transport, state int) {
	d, ok := dev.(*Pico2WDevice)
	if !ok {
		state = StatDEV
		return
	}

	var logger *slog.Logger = slog.New(slog.NewTextHandler(machine.Serial, &slog.HandlerOptions{Level: slog.LevelDebug - 1}))
	time.Sleep(2 * time.Second)

	var stack *stacks.PortStack
	var dhcpc *stacks.DHCPClient
	if stack, dhcpc, state = SetupWithDHCP(d.ref, SetupConfig{
		Hostname:    host,
		RequestedIP: ip,
		TCPPorts:    1,
		SSID:        ssid,
		Passwd:      passwd,
		Logger:      logger,
	}); state != StatOK {
		return
	}
	tr = &picoTransport{
		stack:  stack,
		dhcpc:  dhcpc,
		logger: logger,
	}
	return
}

//======================================================================
// stack bring-up, adapted from https://raw.githubusercontent.com/soypat/cyw43439,
// file '/examples/common/common.go'.
//======================================================================

const mtu = cyw43439.MTU

type SetupConfig struct {
	// DHCP requested hostname.
	Hostname string
	// DHCP requested IP address. On failing to find DHCP server is used as static IP.
	RequestedIP string
	Logger      *slog.Logger
	// Number of UDP ports to open for the stack. (we'll actually open one more than this for DHCP)
	UDPPorts uint16
	// Number of TCP ports to open for the stack.
	TCPPorts uint16

	SSID   string
	Passwd string
}

func SetupWithDHCP(dev *cyw43439.Device, cfg SetupConfig) (*stacks.PortStack, *stacks.DHCPClient, int) {
	cfg.UDPPorts += 2 // Add extra UDP ports for DHCP and DNS clients.
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
			Level: slog.Level(127), // Make temporary logger that does no logging.
		}))
	}
	var err error
	var reqAddr netip.Addr
	if cfg.RequestedIP != "" {
		reqAddr, err = netip.ParseAddr(cfg.RequestedIP)
		if err != nil {
			return nil, nil, StatIP
		}
	}

	wificfg := cyw43439.DefaultWifiConfig()
	wificfg.Logger = logger
	logger.Info("initializing pico W device...")
	devInitTime := time.Now()

	if err = dev.Init(wificfg); err != nil {
		return nil, nil, StatWIFI
	}
	logger.Info("cyw43439:Init", slog.Duration("duration", time.Since(devInitTime)))
	if len(cfg.Passwd) == 0 {
		logger.Info("joining open network:", slog.String("ssid", cfg.SSID))
	} else {
		logger.Info("joining WPA secure network", slog.String("ssid", cfg.SSID), slog.Int("passlen", len(cfg.Passwd)))
	}
	for range 5 {
		err = dev.JoinWPA2(cfg.SSID, cfg.Passwd)
		if err == nil {
			break
		}
		logger.Error("wifi join failed", slog.String("err", err.Error()))
		time.Sleep(5 * time.Second)
	}
	if err != nil {
		return nil, nil, StatWPA2
	}
	mac, _ := dev.HardwareAddr6()
	logger.Info("wifi join success!", slog.String("mac", net.HardwareAddr(mac[:]).String()))

	stack := stacks.NewPortStack(stacks.PortStackConfig{
		MAC:             mac,
		MaxOpenPortsUDP: int(cfg.UDPPorts),
		MaxOpenPortsTCP: int(cfg.TCPPorts),
		MTU:             mtu,
		Logger:          logger,
	})

	dev.RecvEthHandle(stack.RecvEth)

	// Begin asynchronous packet handling.
	go nicLoop(dev, stack)

	// Perform DHCP request.
	dhcpClient := stacks.NewDHCPClient(stack, dhcp.DefaultClientPort)
	err = dhcpClient.BeginRequest(stacks.DHCPRequestConfig{
		RequestedAddr: reqAddr,
		Xid:           uint32(time.Now().Nanosecond()),
		Hostname:      cfg.Hostname,
	})
	if err != nil {
		return stack, nil, StatDHCP1
	}
	i := 0
	for dhcpClient.State() != dhcp.StateBound {
		i++
		logger.Info("DHCP ongoing...")
		time.Sleep(time.Second / 2)
		if i > 15 {
			if !reqAddr.IsValid() {
				return stack, nil, StatDHCP2
			}
			logger.Info("DHCP did not complete, assigning static IP", slog.String("ip", cfg.RequestedIP))
			stack.SetAddr(reqAddr)
			return stack, dhcpClient, StatOK
		}
	}
	var primaryDNS netip.Addr
	dnsServers := dhcpClient.DNSServers()
	if len(dnsServers) > 0 {
		primaryDNS = dnsServers[0]
	}
	ip := dhcpClient.Offer()
	logger.Info("DHCP complete",
		slog.Uint64("cidrbits", uint64(dhcpClient.CIDRBits())),
		slog.String("ourIP", ip.String()),
		slog.String("dns", primaryDNS.String()),
		slog.String("gateway", dhcpClient.Gateway().String()),
		slog.String("router", dhcpClient.Router().String()),
		slog.Duration("lease", dhcpClient.IPLeaseTime()),
	)

	stack.SetAddr(ip) // It's important to set the IP address after DHCP completes.
	return stack, dhcpClient, StatOK
}

// resolveHardwareAddr obtains the hardware address of the given IP address.
func resolveHardwareAddr(stack *stacks.PortStack, ip netip.Addr) ([6]byte, error) {
	if !ip.IsValid() {
		return [6]byte{}, errors.New("invalid ip")
	}
	arpc := stack.ARP()
	arpc.Abort() // Remove any previous ARP requests.
	err := arpc.BeginResolve(ip)
	if err != nil {
		return [6]byte{}, err
	}
	time.Sleep(4 * time.Millisecond)
	// ARP exchanges should be fast, don't wait too long for them.
	const timeout = time.Second
	const maxretries = 20
	retries := maxretries
	for !arpc.IsDone() && retries > 0 {
		retries--
		if retries == 0 {
			return [6]byte{}, errors.New("arp timed out")
		}
		time.Sleep(timeout / maxretries)
	}
	_, hw, err := arpc.ResultAs6()
	return hw, err
}

//----------------------------------------------------------------------

// picoTransport backs client connections with the seqs TCP stack and the
// DNS/ARP helpers of the on-chip network.
type picoTransport struct {
	stack  *stacks.PortStack
	dhcpc  *stacks.DHCPClient
	logger *slog.Logger
}

// NewConn implementation: one stream socket plus its dispatcher.
func (t *picoTransport) NewConn(sink EventSink, pollPeriod time.Duration) (Conn, error) {
	if sink == nil {
		return nil, errors.New("tlslink: nil event sink")
	}
	sock, err := stacks.NewTCPConn(t.stack, stacks.TCPConnConfig{
		TxBufSize: 2048,
		RxBufSize: 2048,
	})
	if err != nil {
		return nil, err
	}
	return &picoConn{
		pump:   newPump(sink, pollPeriod),
		tr:     t,
		sock:   sock,
		credit: make(chan int, 1),
	}, nil
}

type picoConn struct {
	pump   *pump
	tr     *picoTransport
	sock   *stacks.TCPConn
	credit chan int
	host   string
	tconn  *tls.Conn
}

// Resolve implementation: a literal address completes synchronously (the
// default target is the hotspot gateway); names go through the DHCP-provided
// DNS server in the background.
func (c *picoConn) Resolve(host string) (netip.Addr, bool, error) {
	c.host = host
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, true, nil
	}
	dnsServers := c.tr.dhcpc.DNSServers()
	if len(dnsServers) == 0 || !dnsServers[0].IsValid() {
		return netip.Addr{}, false, errors.New("no dns server from DHCP")
	}
	go func() {
		addr, err := c.lookup(dnsServers[0], host)
		c.pump.post(event{kind: evResolved, addr: addr, err: err})
	}()
	return netip.Addr{}, false, nil
}

func (c *picoConn) lookup(server netip.Addr, host string) (netip.Addr, error) {
	name, err := dns.NewName(host)
	if err != nil {
		return netip.Addr{}, err
	}
	hw, err := resolveHardwareAddr(c.tr.stack, server)
	if err != nil {
		return netip.Addr{}, err
	}
	dnsc := stacks.NewDNSClient(c.tr.stack, dns.ClientPort)
	err = dnsc.StartResolve(stacks.DNSResolveConfig{
		Questions: []dns.Question{
			{
				Name:  name,
				Type:  dns.TypeA,
				Class: dns.ClassINET,
			},
		},
		DNSAddr:         server,
		DNSHWAddr:       hw,
		EnableRecursion: true,
	})
	if err != nil {
		return netip.Addr{}, err
	}
	time.Sleep(5 * time.Millisecond)
	retries := 100
	for retries > 0 {
		done, _ := dnsc.IsDone()
		if done {
			break
		}
		retries--
		time.Sleep(20 * time.Millisecond)
	}
	done, rcode := dnsc.IsDone()
	if !done && retries == 0 {
		return netip.Addr{}, errors.New("dns lookup timed out")
	} else if rcode != dns.RCodeSuccess {
		return netip.Addr{}, errors.New("dns lookup failed:" + rcode.String())
	}
	for _, ans := range dnsc.Answers() {
		if data := ans.RawData(); len(data) == 4 {
			return netip.AddrFrom4([4]byte(data)), nil
		}
	}
	return netip.Addr{}, errors.New("no ipv4 dns answers")
}

// Connect implementation: resolve the gateway hardware address, dial through
// the router and layer the TLS session on top of the stream socket.
func (c *picoConn) Connect(addr netip.Addr, port uint16) error {
	go func() {
		routerhw, err := resolveHardwareAddr(c.tr.stack, c.tr.dhcpc.Router())
		if err != nil {
			c.pump.post(event{kind: evConnected, err: err})
			return
		}
		localPort := uint16(32000 + rand.Intn(16000))
		err = c.sock.OpenDialTCP(localPort, routerhw, netip.AddrPortFrom(addr, port), seqs.Value(rand.Int31()))
		if err != nil {
			c.pump.post(event{kind: evConnected, err: err})
			return
		}
		retries := 100
		for c.sock.State() != seqs.StateEstablished && retries > 0 {
			retries--
			time.Sleep(50 * time.Millisecond)
		}
		if retries == 0 {
			c.pump.post(event{kind: evConnected, err: errors.New("tcp establish timed out")})
			return
		}
		tconn := tls.Client(c.sock, &tls.Config{
			ServerName:         c.host,
			InsecureSkipVerify: true,
		})
		if err := tconn.Handshake(); err != nil {
			c.sock.Close()
			c.pump.post(event{kind: evConnected, err: err})
			return
		}
		c.tconn = tconn
		c.pump.post(event{kind: evConnected})
		go c.readLoop(tconn)
	}()
	return nil
}

func (c *picoConn) readLoop(tconn *tls.Conn) {
	buf := make([]byte, 512)
	for {
		n, err := tconn.Read(buf)
		if n > 0 {
			p := make([]byte, n)
			copy(p, buf[:n])
			c.pump.post(event{kind: evData, data: p})
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
func (c *picoConn) Write(p []byte) error {
	if c.tconn == nil {
		return errors.New("tlslink: write on unconnected stream")
	}
	_, err := c.tconn.Write(p)
	return err
}

// Acknowledge implementation: hand credit back to the reader.
func (c *picoConn) Acknowledge(n int) {
	select {
	case c.credit <- n:
	case <-c.pump.quit:
	default:
	}
}

// Close implementation: detach callbacks, then close the session.
func (c *picoConn) Close() error {
	c.pump.stop()
	if c.tconn != nil {
		tconn := c.tconn
		c.tconn = nil
		return tconn.Close()
	}
	return c.sock.Close()
}

// Abort implementation: drop the stream socket.
func (c *picoConn) Abort() {
	c.pump.stop()
	c.tconn = nil
	c.sock.Close()
}

//----------------------------------------------------------------------

func nicLoop(dev *cyw43439.Device, Stack *stacks.PortStack) {
	// Maximum number of packets to queue before sending them.
	const (
		queueSize                = 3
		maxRetriesBeforeDropping = 3
	)
	var queue [queueSize][mtu]byte
	var lenBuf [queueSize]int
	var retries [queueSize]int
	markSent := func(i int) {
		queue[i] = [mtu]byte{} // Not really necessary.
		lenBuf[i] = 0
		retries[i] = 0
	}
	for {
		stallRx := true
		// Poll for incoming packets.
		for i := 0; i < 1; i++ {
			gotPacket, err := dev.PollOne()
			if err != nil {
				println("poll error:", err.Error())
			}
			if !gotPacket {
				break
			}
			stallRx = false
		}

		// Queue packets to be sent.
		for i := range queue {
			if retries[i] != 0 {
				continue // Packet currently queued for retransmission.
			}
			var err error
			buf := queue[i][:]
			lenBuf[i], err = Stack.HandleEth(buf[:])
			if err != nil {
				println("stack error n(should be 0)=", lenBuf[i], "err=", err.Error())
				lenBuf[i] = 0
				continue
			}
			if lenBuf[i] == 0 {
				break
			}
		}
		stallTx := lenBuf == [queueSize]int{}
		if stallTx {
			if stallRx {
				// Avoid busy waiting when both Rx and Tx stall.
				time.Sleep(51 * time.Millisecond)
			}
			continue
		}

		// Send queued packets.
		for i := range queue {
			n := lenBuf[i]
			if n <= 0 {
				continue
			}
			err := dev.SendEth(queue[i][:n])
			if err != nil {
				// Queue packet for retransmission.
				retries[i]++
				if retries[i] > maxRetriesBeforeDropping {
					markSent(i)
					println("dropped outgoing packet:", err.Error())
				}
			} else {
				markSent(i)
			}
		}
	}
}
