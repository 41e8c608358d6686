// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/openfieldbus/serial-gateway/internal/config"
	"github.com/openfieldbus/serial-gateway/internal/control"
	"github.com/openfieldbus/serial-gateway/internal/forward"
	"github.com/openfieldbus/serial-gateway/internal/netmgr"
	"github.com/openfieldbus/serial-gateway/internal/stats"
	"github.com/openfieldbus/serial-gateway/internal/uartmgr"
)

func main() {
	config.BindFlags(pflag.CommandLine)
	pflag.Parse()

	configPath := ""
	if pflag.NArg() > 0 {
		configPath = pflag.Arg(0)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	applyFlagOverrides(cfg)

	setupLogger(cfg.Log)
	slog.Info("starting serial gateway")

	uarts, err := uartmgr.New(cfg.UartList)
	if err != nil {
		slog.Error("failed to start serial device manager", "err", err)
		os.Exit(1)
	}

	clientMode := cfg.TCP.Client.Enable
	var net *netmgr.Manager
	if clientMode {
		net = netmgr.NewClient()
	} else {
		net, err = netmgr.NewServer(fmt.Sprintf("%s:%d", cfg.TCP.Address, cfg.TCP.Port), cfg.MaxClients)
		if err != nil {
			slog.Error("failed to start network manager", "err", err)
			os.Exit(1)
		}
	}
	if cfg.UDP.Enable {
		if err := net.EnableUDP(cfg.UDP.Port); err != nil {
			slog.Error("failed to bind udp socket", "err", err)
			os.Exit(1)
		}
	}

	store, err := stats.Open(cfg.Stats.Backend, cfg.Stats.Path)
	if err != nil {
		slog.Error("failed to open statistics store", "err", err)
		os.Exit(1)
	}
	if snap, err := store.Load(); err != nil {
		slog.Warn("failed to load prior statistics, starting from zero", "err", err)
	} else {
		stats.Seed(uarts, snap)
	}

	root := control.NewRoot(uarts, net, parseLevel(cfg.Log.Level))
	fwd := forward.New(uarts, net, clientMode)

	var wgSerial, wgAcceptor, wgReaper, wgForwarder, wgStats sync.WaitGroup

	wgSerial.Add(1)
	go func() {
		defer wgSerial.Done()
		if err := uarts.Run(root.Running, fwd.OnSerialData); err != nil {
			slog.Error("serial event loop exited with error", "err", err)
		}
	}()

	if clientMode {
		target := fmt.Sprintf("%s:%d", cfg.TCP.Client.Address, cfg.TCP.Client.Port)
		wgAcceptor.Add(1)
		go func() {
			defer wgAcceptor.Done()
			net.RunClient(root.Running, target)
		}()
	} else {
		wgAcceptor.Add(1)
		go func() {
			defer wgAcceptor.Done()
			if err := net.Accept(root.Running); err != nil {
				slog.Error("accept loop exited with error", "err", err)
			}
		}()
		wgReaper.Add(1)
		go func() {
			defer wgReaper.Done()
			net.Reap(root.Running)
		}()
	}

	wgForwarder.Add(1)
	go func() {
		defer wgForwarder.Done()
		fwd.RunNetworkToSerial(root.Running)
	}()

	wgStats.Add(1)
	go func() {
		defer wgStats.Done()
		stats.RunTicker(root.Running, uarts, store)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutting down...")
	root.Stop()
	net.Close() // unblocks a server-mode Accept() that would otherwise wait forever

	wgForwarder.Wait()
	wgReaper.Wait()
	wgAcceptor.Wait()
	wgSerial.Wait()
	wgStats.Wait()

	uarts.Close()
	store.Close()
	slog.Info("goodbye.")
}

// applyFlagOverrides lets the mirrored CLI flags win over the config file
// when the operator explicitly passed them.
func applyFlagOverrides(cfg *config.Config) {
	if pflag.CommandLine.Changed("tcp-address") {
		cfg.TCP.Address, _ = pflag.CommandLine.GetString("tcp-address")
	}
	if pflag.CommandLine.Changed("tcp-port") {
		cfg.TCP.Port, _ = pflag.CommandLine.GetInt("tcp-port")
	}
	if pflag.CommandLine.Changed("log-level") {
		cfg.Log.Level, _ = pflag.CommandLine.GetString("log-level")
	}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setupLogger(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if cfg.File != "" && cfg.File != "-" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Printf("Failed to open log file, falling back to stdout: %v\n", err)
			handler = slog.NewTextHandler(os.Stdout, opts)
		} else {
			handler = slog.NewTextHandler(f, opts)
		}
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
