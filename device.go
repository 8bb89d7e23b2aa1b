//----------------------------------------------------------------------
// This file is part of tlslink.
// Copyright (c) 2023-present My Techno Talent
//
// Distributed under the MIT license: see LICENSE for details.
// SPDX-License-Identifier: MIT
//----------------------------------------------------------------------

package tlslink

// Device is a hardware abstraction
type Device interface {
	// LED on or off (if applicable)
	LED(on bool)
}
