package provision

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

// Disk size bounds in gigabytes.
const (
	MinDiskSizeGB     = 32
	MaxDiskSizeGB     = 2048
	DefaultDiskSizeGB = 64
)

// minFreeBytesDefault is the free-space floor required on the target
// filesystem before creating the sparse image: the install itself needs
// real blocks even though the image starts empty.
const minFreeBytesDefault = 8 << 30

// DiskResult describes a created disk image.
type DiskResult struct {
	Path      string
	SizeBytes int64
	Created   bool
}

// DiskManager creates and removes the sparse VM disk image.
type DiskManager struct {
	logger *slog.Logger
	// MinFreeBytes overrides the free-space floor; zero means default.
	MinFreeBytes uint64
}

// NewDiskManager creates a disk manager.
func NewDiskManager(logger *slog.Logger) *DiskManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &DiskManager{logger: logger}
}

// CreateDisk creates a sparse image of sizeGB at path via truncation.
func (m *DiskManager) CreateDisk(path string, sizeGB int) (*DiskResult, error) {
	if sizeGB < MinDiskSizeGB || sizeGB > MaxDiskSizeGB {
		return nil, fmt.Errorf("%w: %d GB not in [%d, %d]", ErrDiskInvalidSize, sizeGB, MinDiskSizeGB, MaxDiskSizeGB)
	}

	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrDiskAlreadyExists, path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: stat %s: %v", ErrDiskCreationFailed, path, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating %s: %v", ErrDiskCreationFailed, dir, err)
	}

	minFree := m.MinFreeBytes
	if minFree == 0 {
		minFree = minFreeBytesDefault
	}
	var fs unix.Statfs_t
	if err := unix.Statfs(dir, &fs); err == nil {
		avail := fs.Bavail * uint64(fs.Bsize)
		if avail < minFree {
			return nil, fmt.Errorf("%w: %d bytes available in %s, need %d", ErrDiskInsufficientSpace, avail, dir, minFree)
		}
	}

	size := int64(sizeGB) << 30
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiskCreationFailed, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("%w: truncating to %d bytes: %v", ErrDiskCreationFailed, size, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiskCreationFailed, err)
	}

	m.logger.Info("sparse disk image created", "path", path, "sizeGb", sizeGB)
	return &DiskResult{Path: path, SizeBytes: size, Created: true}, nil
}

// DeleteDisk removes the image and reports the allocated bytes freed.
// A missing image frees zero bytes and is not an error.
func (m *DiskManager) DeleteDisk(path string) (freedBytes int64, err error) {
	fi, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}

	// Sparse files free their allocated blocks, not their logical size.
	freed := fi.Size()
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		freed = st.Blocks * 512
	}

	if err := os.Remove(path); err != nil {
		return 0, fmt.Errorf("removing %s: %w", path, err)
	}
	m.logger.Info("disk image removed", "path", path, "freedBytes", freed)
	return freed, nil
}
