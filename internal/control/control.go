package control

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	ControlSize = 4096       // 1 page
	Magic       = 0x54485350 // 'THSP'
)

// ErrLocked is returned by Lock when another process holds the writer lock.
var ErrLocked = errors.New("store is locked by another process")

// Block represents the memory-mapped control file shared by every process
// that opens the same store.
type Block struct {
	Magic      uint32
	Version    uint32
	Generation uint64 // Atomic
	WriterPID  int64  // Atomic
	Padding    [ControlSize - 24]byte
}

// Controller manages the memory-mapped control file.
type Controller struct {
	path   string
	file   *os.File
	data   []byte
	ptr    *Block
	locked bool
}

// OpenOrCreate opens or creates a control file at the given path.
func OpenOrCreate(path string) (*Controller, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open control file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat: %w", err)
	}

	if info.Size() < ControlSize {
		if err := f.Truncate(ControlSize); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("truncate: %w", err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, ControlSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("mmap: %w", err)
	}

	ptr := (*Block)(unsafe.Pointer(&data[0]))

	if ptr.Magic == 0 {
		ptr.Magic = Magic
		ptr.Version = 1
	} else if ptr.Magic != Magic {
		_ = unix.Munmap(data)
		_ = f.Close()
		return nil, fmt.Errorf("invalid magic: %x", ptr.Magic)
	}

	return &Controller{
		path: path,
		file: f,
		data: data,
		ptr:  ptr,
	}, nil
}

// Lock takes the single-writer lock without blocking. The lock is advisory
// and released by Close or when the process exits.
func (c *Controller) Lock() error {
	if err := unix.Flock(int(c.file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("%w (pid %d)", ErrLocked, c.WriterPID())
		}
		return fmt.Errorf("flock %s: %w", c.path, err)
	}
	c.locked = true
	atomic.StoreInt64(&c.ptr.WriterPID, int64(os.Getpid()))
	return nil
}

// Generation returns the number of committed writes, atomically.
func (c *Controller) Generation() uint64 {
	return atomic.LoadUint64(&c.ptr.Generation)
}

// Bump records a committed write and returns the new generation.
func (c *Controller) Bump() uint64 {
	return atomic.AddUint64(&c.ptr.Generation, 1)
}

// WriterPID returns the pid of the last process that took the lock.
func (c *Controller) WriterPID() int64 {
	return atomic.LoadInt64(&c.ptr.WriterPID)
}

// Close releases the lock, unmaps and closes the control file.
func (c *Controller) Close() error {
	if c.locked {
		atomic.StoreInt64(&c.ptr.WriterPID, 0)
		_ = unix.Flock(int(c.file.Fd()), unix.LOCK_UN)
	}
	if err := unix.Munmap(c.data); err != nil {
		return err
	}
	return c.file.Close()
}
