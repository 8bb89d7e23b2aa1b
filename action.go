//----------------------------------------------------------------------
// This file is part of tlslink.
// Copyright (c) 2023-present My Techno Talent
//
// Distributed under the MIT license: see LICENSE for details.
// SPDX-License-Identifier: MIT
//----------------------------------------------------------------------

package tlslink

import "time"

// Action is a side effect fired after a POST body decodes successfully.
// The server invokes the configured actions in registration order; they
// take no arguments and report nothing back.
type Action interface {
	Fire()
}

// ActionFunc adapts a plain function to the Action interface.
type ActionFunc func()

// Fire implementation: invoke the function.
func (f ActionFunc) Fire() {
	f()
}

//----------------------------------------------------------------------

// LEDAction pulses the device LED (hardware I/O example).
type LEDAction struct {
	dev   Device
	pulse time.Duration
}

// NewLEDAction for the given device.
func NewLEDAction(dev Device) *LEDAction {
	return &LEDAction{
		dev:   dev,
		pulse: 100 * time.Millisecond,
	}
}

// Fire implementation: short LED pulse.
func (a *LEDAction) Fire() {
	a.dev.LED(true)
	time.Sleep(a.pulse)
	a.dev.LED(false)
}
