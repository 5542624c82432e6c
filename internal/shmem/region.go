package shmem

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Region is the host-allocated byte range the guest maps for frame
// transfer. The frame router is its only owner; per-window buffers are
// carved out of it by guest descriptors.
type Region struct {
	data   []byte
	file   *os.File
	mapped bool
}

// NewFileRegion creates (or truncates) a file-backed region of the given
// size and maps it shared. The file is what the VM façade hands to the
// guest as its memory backend.
func NewFileRegion(path string, size int) (*Region, error) {
	if size < HeaderSize {
		return nil, fmt.Errorf("region size %d below minimum %d", size, HeaderSize)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening region file: %w", err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("sizing region file: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mapping region file: %w", err)
	}

	return &Region{data: data, file: f, mapped: true}, nil
}

// NewMemoryRegion allocates an anonymous in-process region. Used by tests
// and the loopback simulator, where no second address space exists.
func NewMemoryRegion(size int) (*Region, error) {
	if size < HeaderSize {
		return nil, fmt.Errorf("region size %d below minimum %d", size, HeaderSize)
	}
	return &Region{data: make([]byte, size)}, nil
}

// Bytes returns the mapped byte range.
func (r *Region) Bytes() []byte { return r.data }

// Size returns the region size in bytes.
func (r *Region) Size() int { return len(r.data) }

// File returns the backing file, or nil for anonymous regions.
func (r *Region) File() *os.File { return r.file }

// Close unmaps and closes the region. Readers created over the region
// must not be used afterwards.
func (r *Region) Close() error {
	var firstErr error
	if r.mapped {
		if err := unix.Munmap(r.data); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("unmapping region: %w", err)
		}
		r.mapped = false
	}
	r.data = nil
	if r.file != nil {
		if err := r.file.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing region file: %w", err)
		}
		r.file = nil
	}
	return firstErr
}
