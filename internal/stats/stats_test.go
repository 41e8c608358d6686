// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package stats

import (
	"path/filepath"
	"testing"
)

func sampleSnapshot() *Snapshot {
	var s Snapshot
	s.UartRxBytes[0] = 100
	s.UartTxBytes[0] = 200
	s.UartErrCount[0] = 3
	s.UartRxBytes[5] = 9999
	return &s
}

func equalSnapshot(a, b *Snapshot) bool {
	return a.UartRxBytes == b.UartRxBytes && a.UartTxBytes == b.UartTxBytes && a.UartErrCount == b.UartErrCount
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	s := NewMemoryStore()
	want := sampleSnapshot()
	if err := s.Save(want); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if !equalSnapshot(got, want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestFileStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.bin")
	s, err := NewFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	want := sampleSnapshot()
	if err := s.Save(want); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reopened.Close() })
	got, err := reopened.Load()
	if err != nil {
		t.Fatal(err)
	}
	if !equalSnapshot(got, want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestMmapStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.mmap")
	s, err := NewMmapStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	want := sampleSnapshot()
	if err := s.Save(want); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewMmapStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reopened.Close() })
	got, err := reopened.Load()
	if err != nil {
		t.Fatal(err)
	}
	if !equalSnapshot(got, want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestOpen_UnknownBackendFallsBackToMemory(t *testing.T) {
	s, err := Open("bogus", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Fatalf("got %T, want *MemoryStore", s)
	}
}
