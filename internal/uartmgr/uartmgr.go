// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package uartmgr owns a fixed fleet of serial device handles, multiplexes
// their read readiness with an edge-triggered epoll loop, and exposes the
// hot-reconfiguration and borrow-scoped access the forwarding core needs.
package uartmgr

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/openfieldbus/serial-gateway/internal/config"
)

// BufSize is the size of the stack-local read buffer the event loop drains
// each ready descriptor into.
const BufSize = 512

// epollTimeoutMs is the readiness-wait timeout, bounding how long the event
// loop can go without observing the running flag.
const epollTimeoutMs = 100

// DeviceOpenFailedError reports that a UART could not be opened or
// configured; the manager continues running with the remaining devices.
type DeviceOpenFailedError struct {
	DevPath string
	Err     error
}

func (e *DeviceOpenFailedError) Error() string {
	return fmt.Sprintf("uartmgr: open %s: %v", e.DevPath, e.Err)
}

func (e *DeviceOpenFailedError) Unwrap() error { return e.Err }

// Status is a point-in-time, torn-read-tolerant snapshot of one slot,
// returned by GetStatus for display/telemetry consumers.
type Status struct {
	Idx      int
	Config   config.UartConfig
	Open     bool
	RxBytes  uint64
	TxBytes  uint64
	ErrCount uint64
}

// device is one serial slot. Counters are atomics so GetStatus can read
// them without taking the slot mutex; mu guards fd and cfg, which change
// together under SetConfig/WithUart.
type device struct {
	mu  sync.Mutex
	fd  int // -1 when closed
	cfg config.UartConfig

	rxBytes  atomic.Uint64
	txBytes  atomic.Uint64
	errCount atomic.Uint64
}

// Manager owns config.MaxUart device slots and the epoll instance
// multiplexing their readiness.
type Manager struct {
	devices [config.MaxUart]*device
	epfd    int

	fdIdxMu sync.Mutex
	fdIdx   map[int]int // open fd -> slot index, for the Run() hot path
}

// New constructs a Manager and opens every enabled UART in cfgs. A UART that
// fails to open is skipped (DeviceOpenFailedError is logged, not returned);
// the manager continues with whatever opened successfully.
func New(cfgs []config.UartConfig) (*Manager, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("uartmgr: epoll_create1: %w", err)
	}

	m := &Manager{epfd: epfd, fdIdx: make(map[int]int, config.MaxUart)}
	for i := range m.devices {
		m.devices[i] = &device{fd: -1}
	}
	for _, cfg := range cfgs {
		m.devices[cfg.Idx] = &device{fd: -1, cfg: cfg}
		if !cfg.Enable {
			continue
		}
		if err := m.openLocked(cfg.Idx, m.devices[cfg.Idx]); err != nil {
			slog.Warn("uartmgr: skipping uart", "idx", cfg.Idx, "dev_path", cfg.DevPath, "err", err)
		}
	}
	return m, nil
}

// NewWithFD builds a Manager whose slot idx is backed by an already-open
// file descriptor, bypassing device-open and termios configuration. It lets
// other packages' tests build a real Manager without a character device,
// the same way this package's own socketpair-backed fakes do.
func NewWithFD(idx, fd int, cfg config.UartConfig) (*Manager, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("uartmgr: epoll_create1: %w", err)
	}

	m := &Manager{epfd: epfd, fdIdx: make(map[int]int, config.MaxUart)}
	for i := range m.devices {
		m.devices[i] = &device{fd: -1}
	}
	cfg.Idx = idx
	m.devices[idx] = &device{fd: fd, cfg: cfg}

	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(fd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("uartmgr: epoll_ctl: %w", err)
	}
	m.fdIdx[fd] = idx
	return m, nil
}

// openLocked opens and configures d.cfg's device, registering it with the
// epoll instance. Caller must hold d.mu.
func (m *Manager) openLocked(idx int, d *device) error {
	fd, err := unix.Open(d.cfg.DevPath, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return &DeviceOpenFailedError{DevPath: d.cfg.DevPath, Err: err}
	}
	if err := configureTermios(fd, d.cfg); err != nil {
		unix.Close(fd)
		return &DeviceOpenFailedError{DevPath: d.cfg.DevPath, Err: err}
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(fd)}
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		unix.Close(fd)
		return &DeviceOpenFailedError{DevPath: d.cfg.DevPath, Err: err}
	}
	d.fd = fd
	m.fdIdxMu.Lock()
	m.fdIdx[fd] = idx
	m.fdIdxMu.Unlock()
	return nil
}

// closeLocked deregisters and closes d's handle, if open. Caller must hold
// d.mu.
func (m *Manager) closeLocked(d *device) {
	if d.fd < 0 {
		return
	}
	unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, d.fd, nil)
	unix.Close(d.fd)
	m.fdIdxMu.Lock()
	delete(m.fdIdx, d.fd)
	m.fdIdxMu.Unlock()
	d.fd = -1
}

var baudTable = map[int]uint32{
	50: unix.B50, 75: unix.B75, 110: unix.B110, 134: unix.B134, 150: unix.B150,
	200: unix.B200, 300: unix.B300, 600: unix.B600, 1200: unix.B1200,
	1800: unix.B1800, 2400: unix.B2400, 4800: unix.B4800, 9600: unix.B9600,
	19200: unix.B19200, 38400: unix.B38400, 57600: unix.B57600,
	115200: unix.B115200, 230400: unix.B230400, 460800: unix.B460800,
	500000: unix.B500000, 576000: unix.B576000, 921600: unix.B921600,
	1000000: unix.B1000000,
}

func baudToSpeed(baud int) uint32 {
	if b, ok := baudTable[baud]; ok {
		return b
	}
	return unix.B115200
}

// configureTermios applies raw-mode termios settings to an already-open fd,
// per the gateway's termios recipe: no canonical mode, no echo, no output
// processing, ignore input parity errors, VMIN=1/VTIME=0, requested data
// bits/parity/stop bits/flow control.
func configureTermios(fd int, cfg config.UartConfig) error {
	unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIOFLUSH)

	var t unix.Termios
	t.Cflag = baudToSpeed(cfg.BaudRate) | unix.CLOCAL | unix.CREAD
	t.Iflag = unix.IGNPAR
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0

	t.Cflag &^= unix.CSIZE
	switch cfg.DataBit {
	case 5:
		t.Cflag |= unix.CS5
	case 6:
		t.Cflag |= unix.CS6
	case 7:
		t.Cflag |= unix.CS7
	default:
		t.Cflag |= unix.CS8
	}

	switch cfg.Parity {
	case "O":
		t.Cflag |= unix.PARENB | unix.PARODD
		t.Iflag |= unix.INPCK
	case "E":
		t.Cflag |= unix.PARENB
		t.Cflag &^= unix.PARODD
		t.Iflag |= unix.INPCK
	default:
		t.Cflag &^= unix.PARENB
	}

	if cfg.StopBit == 2 {
		t.Cflag |= unix.CSTOPB
	} else {
		t.Cflag &^= unix.CSTOPB
	}

	if cfg.FlowCtrl != 0 {
		t.Cflag |= unix.CRTSCTS
	} else {
		t.Cflag &^= unix.CRTSCTS
	}

	return unix.IoctlSetTermios(fd, unix.TCSETS, &t)
}

// SetConfig replaces the active configuration for idx, opening the device
// if it is not open, closing and deregistering it if the new config
// disables it, and reconfiguring termios in place otherwise. It holds the
// slot's own mutex for the duration, the same lock WithUart takes, so a
// racing WithUart call never observes a half-applied reconfiguration.
func (m *Manager) SetConfig(idx int, cfg config.UartConfig) error {
	d := m.devices[idx]
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cfg = cfg
	if !cfg.Enable {
		m.closeLocked(d)
		return nil
	}
	if d.fd < 0 {
		return m.openLocked(idx, d)
	}
	return configureTermios(d.fd, cfg)
}

// WithUart scopes a borrow of device idx to a single call of fn, holding
// the slot's mutex for fn's duration so a concurrent SetConfig cannot
// invalidate the handle mid-access.
func (m *Manager) WithUart(idx int, fn func(fd int, cfg config.UartConfig) error) error {
	d := m.devices[idx]
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fd < 0 {
		return fmt.Errorf("uartmgr: uart %d is not open", idx)
	}
	return fn(d.fd, d.cfg)
}

// Write performs a synchronous write to uart idx, bounded by the slot's
// mutex, and updates tx_bytes with the actual byte count returned.
// Partial writes are not looped; the caller sees the native count.
func (m *Manager) Write(idx int, data []byte) (int, error) {
	d := m.devices[idx]
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fd < 0 {
		return 0, fmt.Errorf("uartmgr: uart %d is not open", idx)
	}
	n, err := unix.Write(d.fd, data)
	if n > 0 {
		d.txBytes.Add(uint64(n))
	}
	if err != nil {
		d.errCount.Add(1)
	}
	return n, err
}

// Enabled reports whether slot idx is both configured enabled and open.
func (m *Manager) Enabled(idx int) bool {
	if idx < 0 || idx >= len(m.devices) {
		return false
	}
	d := m.devices[idx]
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fd >= 0
}

// GetStatus returns a snapshot copy of slot idx. Counter reads are
// word-sized atomic loads without the slot mutex; torn reads across
// multiple counters are tolerated for status display.
func (m *Manager) GetStatus(idx int) Status {
	d := m.devices[idx]
	d.mu.Lock()
	cfg := d.cfg
	open := d.fd >= 0
	d.mu.Unlock()
	return Status{
		Idx:      idx,
		Config:   cfg,
		Open:     open,
		RxBytes:  d.rxBytes.Load(),
		TxBytes:  d.txBytes.Load(),
		ErrCount: d.errCount.Load(),
	}
}

// SeedCounters initializes slot idx's cumulative counters, used at startup
// to restore totals a statistics-persistence backend saved across a prior
// run. It must only be called before Run starts draining devices.
func (m *Manager) SeedCounters(idx int, rxBytes, txBytes, errCount uint64) {
	d := m.devices[idx]
	d.rxBytes.Store(rxBytes)
	d.txBytes.Store(txBytes)
	d.errCount.Store(errCount)
}

// Run drives the readiness multiplexing loop: EpollWait with a 100ms
// timeout, draining each ready descriptor into a BufSize buffer and
// invoking onData(idx, buf) with the bytes read. Run returns once running
// reports false, observed at each poll boundary.
func (m *Manager) Run(running func() bool, onData func(idx int, data []byte)) error {
	events := make([]unix.EpollEvent, config.MaxUart)
	buf := make([]byte, BufSize)

	for running() {
		n, err := unix.EpollWait(m.epfd, events, epollTimeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("uartmgr: epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			m.fdIdxMu.Lock()
			idx, ok := m.fdIdx[fd]
			m.fdIdxMu.Unlock()
			if !ok {
				continue
			}
			m.drain(idx, fd, buf, onData)
		}
	}
	return nil
}

// drain reads one EAGAIN-bounded burst from fd and reports the bytes to
// onData. Short reads are normal under edge-triggered polling; EAGAIN is
// not an error. Other read errors increment err_count without tearing the
// device down.
func (m *Manager) drain(idx, fd int, buf []byte, onData func(idx int, data []byte)) {
	d := m.devices[idx]
	for {
		n, err := unix.Read(fd, buf)
		if n > 0 {
			d.rxBytes.Add(uint64(n))
			onData(idx, buf[:n])
		}
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			d.errCount.Add(1)
			slog.Warn("uartmgr: read error", "idx", idx, "err", err)
			return
		}
		if n <= 0 {
			return
		}
	}
}

// Close closes every open device and the epoll instance.
func (m *Manager) Close() error {
	for i := range m.devices {
		d := m.devices[i]
		d.mu.Lock()
		m.closeLocked(d)
		d.mu.Unlock()
	}
	return unix.Close(m.epfd)
}
