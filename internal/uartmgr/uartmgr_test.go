// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package uartmgr

import (
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/openfieldbus/serial-gateway/internal/config"
)

func TestBaudToSpeed_UnknownFallsBackTo115200(t *testing.T) {
	if baudToSpeed(115200) != unix.B115200 {
		t.Fatalf("known baud rate mapped incorrectly")
	}
	if baudToSpeed(31337) != unix.B115200 {
		t.Fatalf("unknown baud rate must fall back to B115200")
	}
}

// newTestManager builds a Manager whose slot 0 is backed by one end of a
// socketpair, bypassing device open/termios configuration (socket fds don't
// support termios ioctls) the way the serial device manager's own
// readiness loop would see a real non-blocking character device.
func newTestManager(t *testing.T) (m *Manager, other int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatal(err)
	}

	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		t.Fatal(err)
	}
	m = &Manager{epfd: epfd, fdIdx: make(map[int]int, config.MaxUart)}
	for i := range m.devices {
		m.devices[i] = &device{fd: -1}
	}
	m.devices[0].fd = fds[0]
	m.devices[0].cfg = config.UartConfig{Idx: 0, Enable: true, ModbusEnable: true}
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(fds[0])}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fds[0], &ev); err != nil {
		t.Fatal(err)
	}
	m.fdIdx[fds[0]] = 0

	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
		unix.Close(epfd)
	})
	return m, fds[1]
}

func TestManager_WriteUpdatesCounters(t *testing.T) {
	m, other := newTestManager(t)

	n, err := m.Write(0, []byte{0x01, 0x02, 0x03})
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("wrote %d bytes, want 3", n)
	}

	got := make([]byte, 3)
	if _, err := unix.Read(other, got); err != nil {
		t.Fatal(err)
	}

	st := m.GetStatus(0)
	if st.TxBytes != 3 {
		t.Fatalf("tx_bytes = %d, want 3", st.TxBytes)
	}
}

func TestManager_WriteToClosedSlot(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Write(1, []byte{0x01}); err == nil {
		t.Fatal("want error writing to an unopened slot")
	}
}

func TestManager_Run_DeliversBytes(t *testing.T) {
	m, other := newTestManager(t)

	var running atomic.Bool
	running.Store(true)

	received := make(chan []byte, 1)
	done := make(chan error, 1)
	go func() {
		done <- m.Run(running.Load, func(idx int, data []byte) {
			if idx != 0 {
				t.Errorf("idx = %d, want 0", idx)
			}
			cp := append([]byte(nil), data...)
			select {
			case received <- cp:
			default:
			}
		})
	}()

	if _, err := unix.Write(other, []byte{0xDE, 0xAD, 0xBE, 0xEF}); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-received:
		want := []byte{0xDE, 0xAD, 0xBE, 0xEF}
		if string(got) != string(want) {
			t.Fatalf("got %x, want %x", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for data")
	}

	running.Store(false)
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after running flag cleared")
	}
}

func TestManager_WithUart_BlocksConcurrentSetConfig(t *testing.T) {
	m, _ := newTestManager(t)

	started := make(chan struct{})
	release := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		errc <- m.WithUart(0, func(fd int, cfg config.UartConfig) error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	setDone := make(chan struct{})
	go func() {
		// The socketpair fd rejects termios ioctls, so SetConfig's error is
		// expected; only when it returns matters here.
		m.SetConfig(0, config.UartConfig{Idx: 0, Enable: true, ModbusEnable: true})
		close(setDone)
	}()

	select {
	case <-setDone:
		t.Fatal("a concurrent SetConfig completed before the borrow released")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-errc; err != nil {
		t.Fatal(err)
	}
	<-setDone
}
