package hal

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	mmap "github.com/edsrzf/mmap-go"
)

var errOutOfRange = errors.New("flash access out of range")

// medium is NOR flash emulated over a byte slice: erase sets whole sectors
// to 0xFF and a write can only clear bits.
type medium struct {
	buf   []byte
	flush func() error
	close func() error
}

func newMemoryMedium(size int64) *medium {
	buf := bytes.Repeat([]byte{0xFF}, int(size))
	return &medium{
		buf:   buf,
		flush: func() error { return nil },
		close: func() error { return nil },
	}
}

// openMappedMedium maps the flash image at path, creating it erased when it
// does not exist yet.
func openMappedMedium(path string, size int64) (*medium, error) {
	created := false
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create flash image directory: %w", err)
		}
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
		created = true
	}
	if err != nil {
		return nil, fmt.Errorf("open flash image: %w", err)
	}

	if created {
		if _, err := f.Write(bytes.Repeat([]byte{0xFF}, int(size))); err != nil {
			f.Close()
			return nil, fmt.Errorf("initialize flash image: %w", err)
		}
	} else {
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("stat flash image: %w", err)
		}
		if st.Size() != size {
			f.Close()
			return nil, fmt.Errorf("flash image %s is %d bytes, expected %d", path, st.Size(), size)
		}
	}

	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("map flash image: %w", err)
	}

	return &medium{
		buf:   m,
		flush: m.Flush,
		close: func() error {
			return errors.Join(m.Unmap(), f.Close())
		},
	}, nil
}

func (m *medium) Size() int64 {
	return int64(len(m.buf))
}

func (m *medium) check(off, n int64) error {
	if off < 0 || n < 0 || off+n > int64(len(m.buf)) {
		return fmt.Errorf("%w: 0x%x+0x%x", errOutOfRange, off, n)
	}
	return nil
}

// Erase resets whole sectors to 0xFF.
func (m *medium) Erase(off, n int64) error {
	if off%sectorSize != 0 || n%sectorSize != 0 {
		return fmt.Errorf("erase 0x%x+0x%x is not sector aligned", off, n)
	}
	if err := m.check(off, n); err != nil {
		return err
	}
	region := m.buf[off : off+n]
	for i := range region {
		region[i] = 0xFF
	}
	return nil
}

func (m *medium) ReadAt(p []byte, off int64) (int, error) {
	if err := m.check(off, int64(len(p))); err != nil {
		return 0, err
	}
	return copy(p, m.buf[off:]), nil
}

// WriteAt programs p at off. Programming can only clear bits, so the
// region must have been erased for the data to read back unchanged.
func (m *medium) WriteAt(p []byte, off int64) (int, error) {
	if err := m.check(off, int64(len(p))); err != nil {
		return 0, err
	}
	dst := m.buf[off : off+int64(len(p))]
	for i, c := range p {
		dst[i] &= c
	}
	return len(p), nil
}

// Slice returns a read-only view of a region.
func (m *medium) Slice(off, n int64) ([]byte, error) {
	if err := m.check(off, n); err != nil {
		return nil, err
	}
	return m.buf[off : off+n : off+n], nil
}

func (m *medium) Flush() error { return m.flush() }

func (m *medium) Close() error { return m.close() }
