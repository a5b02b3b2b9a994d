//go:build !linux && !darwin

package storage

import (
	"fmt"
	"os"
)

// File falls back to an in-memory copy of the data file on platforms
// without mmap. Writes go to both the file and the memory copy.
type File struct {
	file *os.File
	mem  *Memory
}

func OpenFile(path string) (*File, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	f := &File{file: file, mem: NewMemory()}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if info.Size() > 0 {
		m, err := f.mem.Map(info.Size())
		if err != nil {
			file.Close()
			return nil, err
		}
		defer m.Close()
		if _, err := file.ReadAt(f.mem.current, 0); err != nil {
			file.Close()
			return nil, err
		}
	}
	return f, nil
}

func (f *File) Size() (int64, error) {
	return f.mem.Size()
}

func (f *File) Map(size int64) (*Mapping, error) {
	cur, _ := f.mem.Size()
	if size > cur {
		if err := f.file.Truncate(size); err != nil {
			return nil, fmt.Errorf("%w: grow data file to %d bytes: %v", ErrOutOfDiskSpace, size, err)
		}
	}
	return f.mem.Map(size)
}

func (f *File) WriteAt(p []byte, off int64) error {
	if _, err := f.file.WriteAt(p, off); err != nil {
		return err
	}
	return f.mem.WriteAt(p, off)
}

func (f *File) Sync() error {
	f.mem.syncs.Add(1)
	return f.file.Sync()
}

func (f *File) Stats() Stats {
	return f.mem.Stats()
}

func (f *File) Close() error {
	f.mem.Close()
	return f.file.Close()
}
