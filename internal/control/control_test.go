// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package control

import (
	"log/slog"
	"testing"

	"github.com/openfieldbus/serial-gateway/internal/netmgr"
	"github.com/openfieldbus/serial-gateway/internal/uartmgr"
)

func TestRoot_RunningAndLogLevel(t *testing.T) {
	uarts, err := uartmgr.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { uarts.Close() })

	net, err := netmgr.NewServer("127.0.0.1:0", 1)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { net.Close() })

	r := NewRoot(uarts, net, slog.LevelInfo)
	if !r.Running() {
		t.Fatal("want running=true initially")
	}
	if r.LogLevel() != slog.LevelInfo {
		t.Fatalf("log level = %v, want info", r.LogLevel())
	}

	r.SetLogLevel(slog.LevelDebug)
	if r.LogLevel() != slog.LevelDebug {
		t.Fatal("SetLogLevel did not take effect")
	}

	r.Stop()
	if r.Running() {
		t.Fatal("want running=false after Stop")
	}
}

func TestRoot_StatusSnapshots(t *testing.T) {
	uarts, err := uartmgr.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { uarts.Close() })

	net, err := netmgr.NewServer("127.0.0.1:0", 2)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { net.Close() })

	r := NewRoot(uarts, net, slog.LevelInfo)
	if got := r.UartStatuses(); len(got) != 0 {
		t.Fatalf("want no enabled uarts, got %d", len(got))
	}
	if got := r.NetStatuses(); len(got) != 2 {
		t.Fatalf("want 2 net slot snapshots, got %d", len(got))
	}
}
