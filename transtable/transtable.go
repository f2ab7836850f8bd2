// Package transtable builds the address-translation table consumed by
// rewritten kernels. The table is a flat word array: slot 0 holds the
// entry count, followed by one (hostBegin, hostEnd, deviceBegin) triple
// per mapped region, sorted ascending by hostBegin so the device side can
// binary-search it.
package transtable

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/nctu-sslab/omptarget/devmap"
	"github.com/nctu-sslab/omptarget/rtl"
)

const wordsPerEntry = 3

// An Entry maps one host region to its device region.
type Entry struct {
	HostBegin   uintptr
	HostEnd     uintptr
	DeviceBegin uintptr
}

// A Table is a translation table snapshot, sorted ascending by HostBegin.
type Table struct {
	Entries []Entry
}

// Build snapshots the mapping entries into a table.
func Build(entries []devmap.MappingEntry) *Table {
	t := &Table{Entries: make([]Entry, 0, len(entries))}
	for _, e := range entries {
		t.Entries = append(t.Entries, Entry{
			HostBegin:   e.HostBegin,
			HostEnd:     e.HostEnd,
			DeviceBegin: e.DeviceBegin,
		})
	}
	sort.Slice(t.Entries, func(i, j int) bool {
		return t.Entries[i].HostBegin < t.Entries[j].HostBegin
	})
	return t
}

// Translate maps a host address to its device address. Addresses outside
// every entry pass through unchanged.
func (t *Table) Translate(addr uintptr) uintptr {
	lo, hi := 0, len(t.Entries)-1
	for lo <= hi {
		mid := (lo + hi) >> 1
		e := t.Entries[mid]
		switch {
		case addr < e.HostBegin:
			hi = mid - 1
		case addr >= e.HostEnd:
			lo = mid + 1
		default:
			return e.DeviceBegin + (addr - e.HostBegin)
		}
	}
	return addr
}

// Words flattens the table into its wire form.
func (t *Table) Words() []uint64 {
	words := make([]uint64, 1, 1+wordsPerEntry*len(t.Entries))
	words[0] = uint64(len(t.Entries))
	for _, e := range t.Entries {
		words = append(words,
			uint64(e.HostBegin), uint64(e.HostEnd), uint64(e.DeviceBegin))
	}
	return words
}

// SizeBytes returns the byte size of the wire form.
func (t *Table) SizeBytes() int64 {
	return int64(1+wordsPerEntry*len(t.Entries)) * 8
}

// Upload places the wire form in fresh device memory and returns its
// device address. The caller frees it after the launch.
func (t *Table) Upload(drv rtl.Driver) (uintptr, error) {
	words := t.Words()
	raw := make([]byte, len(words)*8)
	for i, w := range words {
		binary.LittleEndian.PutUint64(raw[i*8:], w)
	}

	devAddr, err := drv.Allocate(int64(len(raw)), 0)
	if err != nil {
		return 0, fmt.Errorf("transtable: allocating table storage: %w", err)
	}
	if err := drv.Submit(devAddr, raw); err != nil {
		drv.Free(devAddr)
		return 0, fmt.Errorf("transtable: uploading table: %w", err)
	}
	return devAddr, nil
}
