// Package loader implements the exec table scan, ELF64 loader, and
// per-task allocation ledger of spec §4.7.
package loader

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	execMagic      = "REXE"
	execVersion    = 1
	maxExecEntries = 15
	entrySize      = 32
	nameSize       = 16
	tableHeaderLen = 16
)

var (
	ErrNotFound      = errors.New("loader: not found")
	ErrInvalidTable  = errors.New("loader: invalid exec table")
	ErrAllocFailed   = errors.New("loader: allocation failed")
)

// Entry describes one blob in the exec table (spec §6.2).
type Entry struct {
	Name   string
	Offset uint32
	Size   uint32
}

// Table is the parsed, read-only catalogue of loadable blobs discovered
// by ScanTable. image is the low-RAM region the table and its blobs live
// in; offsets in Entry are relative to the start of that region.
type Table struct {
	entries []Entry
	image   []byte
}

// ScanTable looks for the "REXE" magic on 4-byte-aligned offsets within
// image, validates the header (version, count, non-zero offsets/sizes
// for every entry), and returns the parsed table. Per spec §4.7, failure
// to find a table is not fatal to the caller — ScanTable returns
// ErrNotFound and the system is expected to run with zero loadable
// programs.
func ScanTable(image []byte) (*Table, error) {
	for off := 0; off+tableHeaderLen <= len(image); off += 4 {
		if string(image[off:off+4]) != execMagic {
			continue
		}
		t, err := parseTableAt(image, off)
		if err == nil {
			return t, nil
		}
		// a magic-looking-but-invalid header keeps scanning: a real
		// ELF/data blob could coincidentally start with "REXE".
	}
	return nil, ErrNotFound
}

func parseTableAt(image []byte, off int) (*Table, error) {
	hdr := image[off:]
	if len(hdr) < tableHeaderLen {
		return nil, ErrInvalidTable
	}
	version := binary.LittleEndian.Uint32(hdr[4:8])
	count := binary.LittleEndian.Uint32(hdr[8:12])
	if version != execVersion {
		return nil, ErrInvalidTable
	}
	if count > maxExecEntries {
		return nil, ErrInvalidTable
	}
	need := tableHeaderLen + int(count)*entrySize
	if off+need > len(image) {
		return nil, ErrInvalidTable
	}

	entries := make([]Entry, 0, count)
	for i := uint32(0); i < count; i++ {
		eoff := off + tableHeaderLen + int(i)*entrySize
		raw := image[eoff : eoff+entrySize]
		name := parseName(raw[0:nameSize])
		offset := binary.LittleEndian.Uint32(raw[16:20])
		size := binary.LittleEndian.Uint32(raw[20:24])
		if offset == 0 || size == 0 {
			return nil, ErrInvalidTable
		}
		entries = append(entries, Entry{Name: name, Offset: offset, Size: size})
	}
	return &Table{entries: entries, image: image}, nil
}

func parseName(raw []byte) string {
	n := 0
	for n < len(raw) && raw[n] != 0 {
		n++
	}
	return string(raw[:n])
}

// List returns every entry's name, in table order.
func (t *Table) List() []string {
	names := make([]string, len(t.entries))
	for i, e := range t.entries {
		names[i] = e.Name
	}
	return names
}

// Read returns the raw bytes of the named entry (used both for ELF
// images and for BASIC .bas sources stored in the same table, spec
// §4.7/§6.6).
func (t *Table) Read(name string) ([]byte, error) {
	for _, e := range t.entries {
		if e.Name == name {
			if int(e.Offset)+int(e.Size) > len(t.image) {
				return nil, fmt.Errorf("%w: entry %q out of bounds", ErrInvalidTable, name)
			}
			return t.image[e.Offset : e.Offset+e.Size], nil
		}
	}
	return nil, ErrNotFound
}

// entryFor is a small helper shared with load.go.
func (t *Table) entryFor(name string) (Entry, bool) {
	for _, e := range t.entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}
