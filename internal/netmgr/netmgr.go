// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package netmgr implements the network side of the gateway: a TCP
// multi-client acceptor with idle-timeout eviction, broadcast/unicast I/O,
// an outbound TCP-client worker, and UDP datagram send/recv.
package netmgr

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// ConnTimeout is how long a TCP client slot may sit idle before the reaper
// closes it.
const ConnTimeout = 30 * time.Second

// reaperPeriod is how often the reaper thread scans the slot table.
const reaperPeriod = 5 * time.Second

// recvTimeout bounds a single unicast RecvTCP call.
const recvTimeout = 1 * time.Second

// clientRedialBackoff is how long the outbound TCP-client worker waits
// after a failed dial or a dropped connection before retrying.
const clientRedialBackoff = 3 * time.Second

// clientSlot is one TCP client connection. Invariant: connected implies conn
// is non-nil and registered in the manager's view; !connected implies conn
// is nil.
type clientSlot struct {
	mu         sync.Mutex
	conn       net.Conn
	addr       string
	connected  bool
	rxBytes    uint64
	txBytes    uint64
	lastActive time.Time
}

// SlotStatus is a snapshot of one client slot, for status/telemetry
// consumers.
type SlotStatus struct {
	Idx        int
	Connected  bool
	Addr       string
	RxBytes    uint64
	TxBytes    uint64
	LastActive time.Time
}

// Manager owns the TCP listener, the fixed-capacity client slot table, the
// reaper, and (in client mode) the outbound worker, plus an optional UDP
// socket. mu is the manager-wide mutex: it serializes slot allocation and
// whole-table iteration (broadcast, reaper). Per-slot I/O and counter
// mutation is serialized by the slot's own mutex. Lock order is always
// manager -> slot, never the reverse.
type Manager struct {
	mu    sync.Mutex
	slots []*clientSlot

	listener net.Listener

	clientConn   net.Conn
	clientMu     sync.Mutex
	clientTarget string

	udpConn *net.UDPConn
}

// FatalInitError marks a bind/listen failure at construction, which must
// abort manager construction rather than degrade gracefully.
type FatalInitError struct {
	Op  string
	Err error
}

func (e *FatalInitError) Error() string { return fmt.Sprintf("netmgr: %s: %v", e.Op, e.Err) }
func (e *FatalInitError) Unwrap() error { return e.Err }

// NewServer binds a TCP listener at address and returns a Manager with
// maxClients free slots. A bind/listen failure is fatal (FatalInitError).
func NewServer(address string, maxClients int) (*Manager, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, &FatalInitError{Op: "listen", Err: err}
	}
	m := &Manager{listener: l, slots: make([]*clientSlot, maxClients)}
	for i := range m.slots {
		m.slots[i] = &clientSlot{}
	}
	return m, nil
}

// NewClient builds a Manager for TCP-client mode: no listener and no
// server-side slot table, since the gateway holds a single outbound
// connection via RunClient instead of accepting inbound ones.
func NewClient() *Manager {
	return &Manager{}
}

// EnableUDP binds a UDP socket on port, for send_udp/recv_udp use.
func (m *Manager) EnableUDP(port int) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return &FatalInitError{Op: "udp listen", Err: err}
	}
	m.udpConn = conn
	return nil
}

// Accept runs the accept loop until running reports false or the listener
// is closed. Each accepted connection is placed in the lowest-indexed free
// slot; if the table is full, the connection is closed immediately.
func (m *Manager) Accept(running func() bool) error {
	for running() {
		conn, err := m.listener.Accept()
		if err != nil {
			if !running() {
				return nil
			}
			slog.Error("netmgr: accept failed", "err", err)
			continue
		}
		m.admit(conn)
	}
	return nil
}

// admit places conn into the lowest free slot, closing any stale contents
// first, or rejects it if the table is full.
func (m *Manager) admit(conn net.Conn) {
	m.mu.Lock()
	var slot *clientSlot
	for _, s := range m.slots {
		s.mu.Lock()
		if !s.connected {
			slot = s
			break
		}
		s.mu.Unlock()
	}
	m.mu.Unlock()

	if slot == nil {
		slog.Warn("netmgr: client table full, rejecting connection", "addr", conn.RemoteAddr())
		conn.Close()
		return
	}
	defer slot.mu.Unlock()

	if slot.conn != nil {
		slot.conn.Close()
	}
	slot.conn = conn
	slot.addr = conn.RemoteAddr().String()
	slot.connected = true
	slot.rxBytes, slot.txBytes = 0, 0
	slot.lastActive = time.Now()
	slog.Info("netmgr: client connected", "addr", slot.addr)
}

// evictLocked closes a slot's connection and marks it free. Caller must
// hold s.mu.
func evictLocked(s *clientSlot) {
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = nil
	s.connected = false
}

// Reap runs the idle-timeout reaper until running reports false, closing
// any slot idle for more than ConnTimeout.
func (m *Manager) Reap(running func() bool) {
	ticker := time.NewTicker(reaperPeriod)
	defer ticker.Stop()
	for running() {
		<-ticker.C
		if !running() {
			return
		}
		m.mu.Lock()
		for _, s := range m.slots {
			s.mu.Lock()
			if s.connected && time.Since(s.lastActive) > ConnTimeout {
				slog.Info("netmgr: reaping idle client", "addr", s.addr, "idle", time.Since(s.lastActive))
				evictLocked(s)
			}
			s.mu.Unlock()
		}
		m.mu.Unlock()
	}
}

// BroadcastTCP sends data to every connected client, holding the manager
// mutex for the full iteration so two broadcasts never interleave within
// one client's stream. It returns the count of successful sends; a slot
// whose send hard-fails is closed and freed.
func (m *Manager) BroadcastTCP(data []byte) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	sent := 0
	for _, s := range m.slots {
		s.mu.Lock()
		if !s.connected {
			s.mu.Unlock()
			continue
		}
		n, err := s.conn.Write(data)
		if err != nil {
			slog.Warn("netmgr: broadcast write failed, evicting slot", "addr", s.addr, "err", err)
			evictLocked(s)
			s.mu.Unlock()
			continue
		}
		s.txBytes += uint64(n)
		s.lastActive = time.Now()
		sent++
		s.mu.Unlock()
	}
	return sent
}

// SendTCP writes data to a single client slot.
func (m *Manager) SendTCP(idx int, data []byte) (int, error) {
	if idx < 0 || idx >= len(m.slots) {
		return 0, fmt.Errorf("netmgr: slot %d out of range", idx)
	}
	s := m.slots[idx]
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return 0, fmt.Errorf("netmgr: slot %d not connected", idx)
	}
	n, err := s.conn.Write(data)
	if err != nil {
		evictLocked(s)
		return n, err
	}
	s.txBytes += uint64(n)
	s.lastActive = time.Now()
	return n, nil
}

// RecvTCP reads from a single client slot with a 1-second deadline. A
// timeout is reported as (0, nil) — "no data" — not an error. Peer close
// (0-byte read) or a hard error closes and frees the slot.
func (m *Manager) RecvTCP(idx int, buf []byte) (int, error) {
	if idx < 0 || idx >= len(m.slots) {
		return 0, fmt.Errorf("netmgr: slot %d out of range", idx)
	}
	s := m.slots[idx]
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return 0, fmt.Errorf("netmgr: slot %d not connected", idx)
	}

	if err := s.conn.SetReadDeadline(time.Now().Add(recvTimeout)); err != nil {
		evictLocked(s)
		return 0, err
	}
	n, err := s.conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, nil
		}
		evictLocked(s)
		return 0, err
	}
	if n == 0 {
		evictLocked(s)
		return 0, nil
	}
	s.rxBytes += uint64(n)
	s.lastActive = time.Now()
	return n, nil
}

// SlotStatus returns a snapshot of slot idx.
func (m *Manager) SlotStatus(idx int) SlotStatus {
	s := m.slots[idx]
	s.mu.Lock()
	defer s.mu.Unlock()
	return SlotStatus{
		Idx:        idx,
		Connected:  s.connected,
		Addr:       s.addr,
		RxBytes:    s.rxBytes,
		TxBytes:    s.txBytes,
		LastActive: s.lastActive,
	}
}

// NumSlots returns the slot table's fixed capacity.
func (m *Manager) NumSlots() int { return len(m.slots) }

// Addr returns the bound listener address in server mode, or nil in client
// mode, where no listener is held.
func (m *Manager) Addr() net.Addr {
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// Close closes the listener and every connected slot.
func (m *Manager) Close() error {
	if m.listener != nil {
		m.listener.Close()
	}
	m.mu.Lock()
	for _, s := range m.slots {
		s.mu.Lock()
		evictLocked(s)
		s.mu.Unlock()
	}
	m.mu.Unlock()
	if m.udpConn != nil {
		m.udpConn.Close()
	}
	m.clientMu.Lock()
	if m.clientConn != nil {
		m.clientConn.Close()
	}
	m.clientMu.Unlock()
	return nil
}

// RunClient dials target in a loop until running reports false, used
// when the gateway is configured as a Modbus TCP client instead of a
// server: it connects outbound to a single fixed peer and redials with a
// fixed backoff on disconnect, rather than accepting inbound connections.
func (m *Manager) RunClient(running func() bool, target string) {
	m.clientMu.Lock()
	m.clientTarget = target
	m.clientMu.Unlock()

	for running() {
		conn, err := net.DialTimeout("tcp", target, clientRedialBackoff)
		if err != nil {
			slog.Warn("netmgr: client dial failed, retrying", "target", target, "err", err)
			time.Sleep(clientRedialBackoff)
			continue
		}
		slog.Info("netmgr: client connected", "target", target)

		m.clientMu.Lock()
		m.clientConn = conn
		m.clientMu.Unlock()

		waitForDisconnect(conn, running)

		m.clientMu.Lock()
		if m.clientConn == conn {
			m.clientConn = nil
		}
		m.clientMu.Unlock()
		conn.Close()

		if running() {
			time.Sleep(clientRedialBackoff)
		}
	}
}

// waitForDisconnect blocks until conn's peer closes the connection, a read
// error occurs, or running reports false, polling with a short deadline so
// the shutdown flag is observed promptly.
func waitForDisconnect(conn net.Conn, running func() bool) {
	probe := make([]byte, 1)
	for running() {
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		_, err := conn.Read(probe)
		if err == nil {
			continue
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			continue
		}
		return
	}
}

// SendClient writes data to the outbound client-mode connection, if
// currently connected.
func (m *Manager) SendClient(data []byte) (int, error) {
	m.clientMu.Lock()
	conn := m.clientConn
	m.clientMu.Unlock()
	if conn == nil {
		return 0, fmt.Errorf("netmgr: client not connected")
	}
	return conn.Write(data)
}

// RecvClient reads from the outbound client-mode connection with a
// 1-second deadline. A timeout is reported as (0, nil).
func (m *Manager) RecvClient(buf []byte) (int, error) {
	m.clientMu.Lock()
	conn := m.clientConn
	m.clientMu.Unlock()
	if conn == nil {
		return 0, fmt.Errorf("netmgr: client not connected")
	}
	if err := conn.SetReadDeadline(time.Now().Add(recvTimeout)); err != nil {
		return 0, err
	}
	n, err := conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

// SendUDP sends data to ip:port over the manager's UDP socket.
func (m *Manager) SendUDP(ip string, port int, data []byte) (int, error) {
	if m.udpConn == nil {
		return 0, fmt.Errorf("netmgr: udp not enabled")
	}
	addr := &net.UDPAddr{IP: net.ParseIP(ip), Port: port}
	return m.udpConn.WriteToUDP(data, addr)
}

// RecvUDP receives one datagram into buf, reporting the sender's address.
func (m *Manager) RecvUDP(buf []byte) (n int, srcIP string, srcPort int, err error) {
	if m.udpConn == nil {
		return 0, "", 0, fmt.Errorf("netmgr: udp not enabled")
	}
	n, addr, err := m.udpConn.ReadFromUDP(buf)
	if err != nil {
		return 0, "", 0, err
	}
	return n, addr.IP.String(), addr.Port, nil
}
