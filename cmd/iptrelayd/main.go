// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command iptrelayd runs the Iproto reverse proxy with the passthrough
// handler (or the mock handler when no upstreams are configured),
// configured from a YAML file.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"code.hybscloud.com/iptrelay"
	"code.hybscloud.com/iptrelay/config"
	"code.hybscloud.com/iptrelay/examples"
	"code.hybscloud.com/iptrelay/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "iptrelayd.yaml", "path to YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Error("failed to load configuration", zap.Error(err))
		return 1
	}
	if err := logging.Init(cfg.Logging.Level, cfg.Logging.Development); err != nil {
		return 1
	}
	defer func() { _ = logging.Sync() }()

	upstreams := make([]iptrelay.ConnectOptions, len(cfg.Upstreams))
	for i, u := range cfg.Upstreams {
		transport := iptrelay.TransportTCP
		if u.Transport == "tls" {
			transport = iptrelay.TransportTLS
		}
		upstreams[i] = iptrelay.ConnectOptions{
			Address:     u.Address,
			Service:     u.Service,
			IsTarantool: u.IsTarantool,
			Transport:   transport,
		}
	}

	handler := examples.Passthrough()
	if len(upstreams) == 0 {
		handler = examples.Mock()
	}

	connector, err := iptrelay.New(cfg.Addr(), upstreams, handler,
		iptrelay.WithMaxConnections(cfg.MaxConnections),
		iptrelay.WithReadaheadBytes(cfg.ReadaheadBytes),
		iptrelay.WithRingBlockBytes(cfg.RingBlockBytes),
		iptrelay.WithRingCapBytes(cfg.RingCapBytes),
	)
	if err != nil {
		logging.Error("failed to construct connector", zap.Error(err))
		return 1
	}
	if err := connector.Start(); err != nil {
		logging.Error("failed to bind/listen", zap.String("addr", cfg.Addr()), zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.Info("iptrelayd listening", zap.String("addr", cfg.Addr()), zap.Int("upstreams", len(upstreams)))
	if err := connector.Run(ctx); err != nil {
		logging.Error("event loop exited with error", zap.Error(err))
		return 1
	}
	return 0
}
