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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "tlslink_connections_total", Help: "Connections served to completion"})
	connectionErrors = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tlslink_connection_errors_total", Help: "Per-connection failures by stage"}, []string{"stage"})
	messagesDecoded  = promauto.NewCounter(prometheus.CounterOpts{Name: "tlslink_messages_decoded_total", Help: "POST bodies decoded"})
	handleSeconds    = promauto.NewHistogram(prometheus.HistogramOpts{Name: "tlslink_handle_duration_seconds", Help: "Handshake-to-response duration", Buckets: prometheus.ExponentialBuckets(0.001, 2, 12)})
)
