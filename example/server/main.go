//go:build !rp2350

//----------------------------------------------------------------------
// This file is part of tlslink.
// Copyright (c) 2023-present My Techno Talent
//
// Distributed under the MIT license: see LICENSE for details.
// SPDX-License-Identifier: MIT
//----------------------------------------------------------------------

package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tinynet-dev/tlslink"
)

func main() {
	var iface string
	var port uint
	var certFile string
	var keyFile string
	var metricsAddr string
	var debug bool
	flag.StringVar(&iface, "iface", "wlan0", "network interface to bind")
	flag.UintVar(&port, "port", 443, "TCP port to listen on")
	flag.StringVar(&certFile, "cert", "ssl/server.crt", "server certificate (PEM)")
	flag.StringVar(&keyFile, "key", "ssl/server.key", "server private key (PEM)")
	flag.StringVar(&metricsAddr, "metrics", ":9100", "metrics listen address (empty to disable)")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	if metricsAddr != "" {
		go serveMetrics(metricsAddr, logger)
	}

	dev := tlslink.InitDevice()
	srv := tlslink.NewServer(tlslink.ServerConfig{
		Iface:    iface,
		Port:     uint16(port),
		CertFile: certFile,
		KeyFile:  keyFile,
		Actions:  []tlslink.Action{tlslink.NewLEDAction(dev)},
		Logger:   logger,
	})
	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server terminated", "err", err)
		os.Exit(1)
	}
}

// serveMetrics exposes Prometheus metrics and a liveness endpoint.
func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server failed", "addr", addr, "err", err)
	}
}
