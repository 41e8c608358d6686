// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validDoc = `
uart_list:
  - idx: 0
    dev_path: /dev/ttyS0
    baudrate: 9600
    databit: 8
    stopbit: 1
    parity: N
    enable: true
    modbus_enable: true
  - idx: 1
    dev_path: /dev/ttyS1
    baudrate: 19200
    databit: 8
    stopbit: 1
    parity: e
    enable: false
    modbus_enable: false
tcp:
  address: 127.0.0.1
  port: 9000
max_clients: 4
log:
  level: debug
stats:
  backend: file
  path: /tmp/stats.bin
`

func TestLoad_ValidDocument(t *testing.T) {
	path := writeConfig(t, validDoc)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.UartList) != 2 {
		t.Fatalf("got %d uart slots, want 2", len(cfg.UartList))
	}
	if cfg.TCP.Address != "127.0.0.1" || cfg.TCP.Port != 9000 {
		t.Fatalf("unexpected tcp config: %+v", cfg.TCP)
	}
	if cfg.MaxClients != 4 {
		t.Fatalf("got max_clients %d, want 4", cfg.MaxClients)
	}
	if cfg.Stats.Backend != "file" || cfg.Stats.Path != "/tmp/stats.bin" {
		t.Fatalf("unexpected stats config: %+v", cfg.Stats)
	}
	// parity is normalized to uppercase by validate.
	if cfg.UartList[1].Parity != "E" {
		t.Fatalf("got parity %q, want E", cfg.UartList[1].Parity)
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
uart_list:
  - idx: 0
    dev_path: /dev/ttyS0
    baudrate: 9600
    databit: 8
    stopbit: 1
    parity: n
    enable: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TCP.Address != "0.0.0.0" || cfg.TCP.Port != 8888 {
		t.Fatalf("unexpected default tcp config: %+v", cfg.TCP)
	}
	if cfg.MaxClients != 32 {
		t.Fatalf("got max_clients %d, want default 32", cfg.MaxClients)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("got log level %q, want default info", cfg.Log.Level)
	}
	if cfg.Stats.Backend != "memory" {
		t.Fatalf("got stats backend %q, want default memory", cfg.Stats.Backend)
	}
}

func TestValidate_RejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{
			name: "idx out of range",
			doc: `
uart_list:
  - idx: 64
    dev_path: /dev/ttyS0
    baudrate: 9600
    databit: 8
    stopbit: 1
    parity: N
    enable: true
`,
		},
		{
			name: "duplicate idx",
			doc: `
uart_list:
  - idx: 0
    dev_path: /dev/ttyS0
    baudrate: 9600
    databit: 8
    stopbit: 1
    parity: N
    enable: true
  - idx: 0
    dev_path: /dev/ttyS1
    baudrate: 9600
    databit: 8
    stopbit: 1
    parity: N
    enable: true
`,
		},
		{
			name: "duplicate dev_path among enabled slots",
			doc: `
uart_list:
  - idx: 0
    dev_path: /dev/ttyS0
    baudrate: 9600
    databit: 8
    stopbit: 1
    parity: N
    enable: true
  - idx: 1
    dev_path: /dev/ttyS0
    baudrate: 9600
    databit: 8
    stopbit: 1
    parity: N
    enable: true
`,
		},
		{
			name: "bad databit",
			doc: `
uart_list:
  - idx: 0
    dev_path: /dev/ttyS0
    baudrate: 9600
    databit: 9
    stopbit: 1
    parity: N
    enable: true
`,
		},
		{
			name: "bad stopbit",
			doc: `
uart_list:
  - idx: 0
    dev_path: /dev/ttyS0
    baudrate: 9600
    databit: 8
    stopbit: 3
    parity: N
    enable: true
`,
		},
		{
			name: "bad parity",
			doc: `
uart_list:
  - idx: 0
    dev_path: /dev/ttyS0
    baudrate: 9600
    databit: 8
    stopbit: 1
    parity: X
    enable: true
`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.doc)
			if _, err := Load(path); err == nil {
				t.Fatal("want error, got nil")
			} else if _, ok := err.(*ConfigError); !ok {
				t.Fatalf("got error type %T, want *ConfigError", err)
			}
		})
	}
}

func TestValidate_AllowsDuplicateDevPathWhenDisabled(t *testing.T) {
	path := writeConfig(t, `
uart_list:
  - idx: 0
    dev_path: /dev/ttyS0
    baudrate: 9600
    databit: 8
    stopbit: 1
    parity: N
    enable: false
  - idx: 1
    dev_path: /dev/ttyS0
    baudrate: 9600
    databit: 8
    stopbit: 1
    parity: N
    enable: false
`)
	if _, err := Load(path); err != nil {
		t.Fatalf("disabled slots sharing dev_path should not conflict: %v", err)
	}
}
