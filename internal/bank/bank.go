// Package bank implements the weights bank contract (spec §6): a
// content-addressed, host-resident store of closure tensors that the
// weight closure resolver (internal/closure) binds or copies from. Banks
// are backed by a read-only mmap of a weights file, falling back to an
// in-memory read when mmap is unavailable, following the same pattern the
// rest of this module's teacher uses for its own model files.
package bank

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/npuw-go/npuw/internal/dtype"
	"github.com/npuw-go/npuw/internal/tensor"
)

// ErrTensorNotFound is returned when a named closure tensor is absent
// from the bank.
var ErrTensorNotFound = errors.New("bank: tensor not found")

// Entry describes where one named tensor lives within the bank's backing
// bytes.
type Entry struct {
	Name   string
	DType  dtype.DType
	Shape  []int64
	Offset int64
	Size   int64
}

// Bank is a read-only, content-addressed directory of closure tensors
// resolved by name. A zero Bank is not usable; construct one with Open or
// OpenMemory.
type Bank struct {
	data    []byte
	mmapped bool
	entries map[string]Entry
}

// Open maps path read-only and indexes it using entries, where each
// Entry.Offset/Size addresses a byte range of the mapped file. The
// returned Bank must be closed to release the mapping.
func Open(path string, entries []Entry) (*Bank, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size64 := stat.Size()
	if size64 < 0 || size64 > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("bank: file too large to map")
	}
	size := int(size64)

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		return newBank(data, true, entries)
	}

	// Fall back to an ordinary read when mmap isn't available.
	data, err = readAll(f, size)
	if err != nil {
		return nil, err
	}
	return newBank(data, false, entries)
}

// OpenMemory builds a Bank directly over an in-memory byte slice, used by
// tests and the CLI fixture loader to avoid touching the filesystem.
func OpenMemory(data []byte, entries []Entry) (*Bank, error) {
	return newBank(data, false, entries)
}

func newBank(data []byte, mmapped bool, entries []Entry) (*Bank, error) {
	idx := make(map[string]Entry, len(entries))
	for _, e := range entries {
		if e.Offset < 0 || e.Size < 0 || e.Offset+e.Size > int64(len(data)) {
			if mmapped {
				_ = unix.Munmap(data)
			}
			return nil, fmt.Errorf("bank: entry %q range [%d,%d) out of bounds for %d-byte file", e.Name, e.Offset, e.Offset+e.Size, len(data))
		}
		idx[e.Name] = e
	}
	return &Bank{data: data, mmapped: mmapped, entries: idx}, nil
}

func readAll(r io.ReaderAt, size int) ([]byte, error) {
	out := make([]byte, size)
	n, err := r.ReadAt(out, 0)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return out[:n], nil
}

// Close releases the bank's backing mapping, if any.
func (b *Bank) Close() error {
	if b == nil || b.data == nil {
		return nil
	}
	var err error
	if b.mmapped {
		err = unix.Munmap(b.data)
	}
	b.data = nil
	b.entries = nil
	return err
}

// Lookup returns the Entry for name.
func (b *Bank) Lookup(name string) (Entry, error) {
	e, ok := b.entries[name]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	return e, nil
}

// Tensor returns a zero-copy view of the named closure tensor, backed
// directly by the bank's mapped bytes. The returned tensor must not be
// retained past the Bank's Close call.
func (b *Bank) Tensor(name string) (tensor.Tensor, error) {
	e, err := b.Lookup(name)
	if err != nil {
		return tensor.Tensor{}, err
	}
	raw := b.data[e.Offset : e.Offset+e.Size]
	return tensor.NewFromBytes(e.DType, e.Shape, raw), nil
}

// Names returns every tensor name held by the bank, in no particular
// order.
func (b *Bank) Names() []string {
	names := make([]string, 0, len(b.entries))
	for n := range b.entries {
		names = append(names, n)
	}
	return names
}
