//go:build linux || darwin

package storage

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// File implements Backend over a data file using read-only shared mappings.
// Writes use pwrite, which the kernel page cache makes visible through
// every mapping of the file.
type File struct {
	file *os.File
	counters
}

// OpenFile opens or creates the data file at path
func OpenFile(path string) (*File, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	return &File{file: file}, nil
}

func (f *File) Size() (int64, error) {
	info, err := f.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (f *File) Map(size int64) (*Mapping, error) {
	cur, err := f.Size()
	if err != nil {
		return nil, err
	}
	if size > cur {
		if err := f.grow(cur, size); err != nil {
			return nil, err
		}
	}

	data, err := unix.Mmap(int(f.file.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	// B+Tree lookups jump around the file, readahead mostly wastes IO
	_ = unix.Madvise(data, unix.MADV_RANDOM)

	f.maps.Add(1)
	return &Mapping{
		data: data,
		advise: func(b []byte) error {
			return unix.Madvise(b, unix.MADV_WILLNEED)
		},
		release: func() error {
			return unix.Munmap(data)
		},
	}, nil
}

// grow extends the file, reserving blocks where the platform allows so a
// full disk is reported here instead of as SIGBUS on a later page fault.
func (f *File) grow(cur, size int64) error {
	if err := allocate(f.file, cur, size-cur); err != nil && !errors.Is(err, errors.ErrUnsupported) {
		return fmt.Errorf("%w: grow data file to %d bytes: %v", ErrOutOfDiskSpace, size, err)
	}
	if err := f.file.Truncate(size); err != nil {
		return fmt.Errorf("%w: grow data file to %d bytes: %v", ErrOutOfDiskSpace, size, err)
	}
	return nil
}

func (f *File) WriteAt(p []byte, off int64) error {
	n, err := f.file.WriteAt(p, off)
	f.writes.Add(1)
	f.written.Add(uint64(n))
	if err != nil {
		return err
	}
	if n != len(p) {
		return fmt.Errorf("short write: wrote %d bytes, expected %d", n, len(p))
	}
	return nil
}

func (f *File) Sync() error {
	f.syncs.Add(1)
	return f.file.Sync()
}

func (f *File) Stats() Stats {
	return f.stats()
}

func (f *File) Close() error {
	return f.file.Close()
}
