// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package stats

import (
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

// MmapStore persists counters through a memory-mapped file, decoding and
// encoding directly over the mapped region rather than through a read/write
// syscall per Save.
type MmapStore struct {
	path string
	file *os.File
	data mmap.MMap
}

// NewMmapStore constructs an MmapStore rooted at path. The file is created,
// sized and mapped on the first Load.
func NewMmapStore(path string) (*MmapStore, error) {
	return &MmapStore{path: path}, nil
}

func (s *MmapStore) Load() (*Snapshot, error) {
	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("stats: open %s: %w", s.path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stats: stat %s: %w", s.path, err)
	}
	if fi.Size() != int64(totalSize) {
		if err := f.Truncate(int64(totalSize)); err != nil {
			f.Close()
			return nil, fmt.Errorf("stats: resize %s: %w", s.path, err)
		}
	}

	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stats: mmap %s: %w", s.path, err)
	}

	s.file = f
	s.data = data
	return decodeSnapshot(data), nil
}

func (s *MmapStore) Save(snap *Snapshot) error {
	if s.data == nil {
		if _, err := s.Load(); err != nil {
			return err
		}
	}
	encodeSnapshot(s.data, snap)
	return s.data.Flush()
}

func (s *MmapStore) Close() error {
	if s.data != nil {
		s.data.Unmap()
		s.data = nil
	}
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	return nil
}
