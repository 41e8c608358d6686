// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package config loads the gateway's YAML configuration document: the
// uart_list fleet plus the surrounding tcp/udp/log/stats sections.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// MaxUart bounds the number of serial slots the gateway will manage,
// matching the fixed-size slot array the serial device manager keeps.
const MaxUart = 64

// Config is the top-level document: the serial fleet plus the network,
// logging and statistics-persistence sections that surround it.
type Config struct {
	UartList   []UartConfig `mapstructure:"uart_list"`
	TCP        TCPConfig    `mapstructure:"tcp"`
	UDP        UDPConfig    `mapstructure:"udp"`
	MaxClients int          `mapstructure:"max_clients"`
	Log        LogConfig    `mapstructure:"log"`
	Stats      StatsConfig  `mapstructure:"stats"`
}

// UartConfig describes one serial slot, as fed to UartMgr at construction
// and on every hot reconfiguration.
type UartConfig struct {
	Idx          int    `mapstructure:"idx"`
	DevPath      string `mapstructure:"dev_path"`
	BaudRate     int    `mapstructure:"baudrate"`
	DataBit      int    `mapstructure:"databit"`
	StopBit      int    `mapstructure:"stopbit"`
	Parity       string `mapstructure:"parity"`
	FlowCtrl     int    `mapstructure:"flow_ctrl"`
	Enable       bool   `mapstructure:"enable"`
	ModbusEnable bool   `mapstructure:"modbus_enable"`
}

// TCPConfig configures the network manager's TCP side: server mode (the
// default) or client mode, selected by Client.Enable.
type TCPConfig struct {
	Address string       `mapstructure:"address"`
	Port    int          `mapstructure:"port"`
	Client  TCPClientCfg `mapstructure:"client"`
}

// TCPClientCfg configures outbound (client-mode) operation: the gateway
// dials a fixed peer instead of accepting inbound connections. The address
// is always an explicit config field, never derived.
type TCPClientCfg struct {
	Enable  bool   `mapstructure:"enable"`
	Address string `mapstructure:"address"`
	Port    int    `mapstructure:"port"`
}

// UDPConfig configures the connectionless datagram side of the network
// manager.
type UDPConfig struct {
	Enable bool `mapstructure:"enable"`
	Port   int  `mapstructure:"port"`
}

// LogConfig configures the process-wide slog handler.
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // empty means stdout
}

// StatsConfig selects the statistics-persistence backend and its location.
type StatsConfig struct {
	Backend string `mapstructure:"backend"` // memory, file, mmap
	Path    string `mapstructure:"path"`
}

// ConfigError marks a malformed configuration document: a duplicate index,
// an out-of-range field, or any other defect that must abort init rather
// than skip a single slot.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Reason)
}

// Load reads the configuration document at path (or the default search
// path if path is empty), applies defaults, validates invariants and
// normalizes fields. path is normally the single positional CLI argument.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/serial-gateway/")
		v.AddConfigPath("$HOME/.serial-gateway")
		v.AddConfigPath(".")
	}

	v.SetDefault("tcp.address", "0.0.0.0")
	v.SetDefault("tcp.port", 8888)
	v.SetDefault("udp.port", 8889)
	v.SetDefault("udp.enable", false)
	v.SetDefault("max_clients", 32)
	v.SetDefault("log.level", "info")
	v.SetDefault("stats.backend", "memory")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// BindFlags registers the pflag flags that mirror Config's more commonly
// overridden fields. The flags are not bound to the viper instance Load
// uses; main copies any flag the operator set explicitly over the loaded
// Config.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("tcp-address", "0.0.0.0", "TCP listen address")
	fs.Int("tcp-port", 8888, "TCP listen port")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
}

func validate(cfg *Config) error {
	seen := make(map[int]bool, len(cfg.UartList))
	seenPath := make(map[string]bool, len(cfg.UartList))
	for i := range cfg.UartList {
		u := &cfg.UartList[i]
		if u.Idx < 0 || u.Idx >= MaxUart {
			return &ConfigError{Reason: fmt.Sprintf("uart_list[%d]: idx %d out of range [0,%d)", i, u.Idx, MaxUart)}
		}
		if seen[u.Idx] {
			return &ConfigError{Reason: fmt.Sprintf("uart_list[%d]: duplicate idx %d", i, u.Idx)}
		}
		seen[u.Idx] = true

		if u.Enable {
			if seenPath[u.DevPath] {
				return &ConfigError{Reason: fmt.Sprintf("uart_list[%d]: dev_path %q already used by an enabled slot", i, u.DevPath)}
			}
			seenPath[u.DevPath] = true
		}

		switch u.DataBit {
		case 5, 6, 7, 8:
		default:
			return &ConfigError{Reason: fmt.Sprintf("uart_list[%d]: databit %d not in {5,6,7,8}", i, u.DataBit)}
		}
		switch u.StopBit {
		case 1, 2:
		default:
			return &ConfigError{Reason: fmt.Sprintf("uart_list[%d]: stopbit %d not in {1,2}", i, u.StopBit)}
		}
		u.Parity = strings.ToUpper(u.Parity)
		switch u.Parity {
		case "N", "E", "O":
		default:
			return &ConfigError{Reason: fmt.Sprintf("uart_list[%d]: parity %q not in {N,E,O}", i, u.Parity)}
		}
	}
	return nil
}
