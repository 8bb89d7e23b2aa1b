//----------------------------------------------------------------------
// This file is part of tlslink.
// Copyright (c) 2023-present My Techno Talent
//
// Distributed under the MIT license: see LICENSE for details.
// SPDX-License-Identifier: MIT
//----------------------------------------------------------------------

package main

import (
	"time"

	"github.com/tinynet-dev/tlslink"
)

// WiFi credentials and target; injected at link time with -ldflags -X.
var (
	SSID    string
	Passwd  string
	Host    string
	IP      string
	Server  string
	Message string
)

// send one TLS POST and report the outcome via the status LED
func main() {
	if Server == "" {
		Server = "10.42.0.1" // hotspot gateway
	}
	if Message == "" {
		Message = "hello world"
	}

	// access device
	dev := tlslink.InitDevice()
	state := tlslink.NewStatus(dev)
	defer state.Trap(30 * time.Second)
	state.Set(tlslink.StatOK, 0)

	// connect to WiFi (where applicable) and build the transport
	tr, stat := tlslink.SetupTransport(dev, Host, IP, SSID, Passwd)
	if stat != tlslink.StatOK {
		state.Set(stat, 0)
		return
	}

	cfg := tlslink.ClientConfig{
		Host:    Server,
		Port:    443,
		Request: tlslink.BuildRequest(Server, Message),
		Timeout: 15 * time.Second,
	}
	out := tlslink.RunWithRetry(tr, cfg, 3, state)
	if out == tlslink.OutcomeOK {
		println("Test passed.")
	} else {
		println("Test failed:", out.String())
	}
	println("All done...")
}
