package vmm

import (
	"fmt"
	"strings"
	"unsafe"

	"gent/kernel/mm"
)

// PageTableEntry is a single Sv39/Sv48/Sv57 page table entry.
type PageTableEntry uint64

// PageTableEntry flags. Bits 8 and 9 are reserved for software use.
const (
	FlagValid PageTableEntry = 1 << iota
	FlagRead
	FlagWrite
	FlagExec
	FlagUser
	FlagGlobal
	FlagAccessed
	FlagDirty

	// FlagDealloc marks entries whose frame is released on unmap.
	FlagDealloc

	// FlagSwapped marks entries whose contents live on swap.
	FlagSwapped
)

const (
	ppnShift = 10
	ppnMask  = PageTableEntry(1)<<44 - 1

	permMask = FlagRead | FlagWrite | FlagExec
)

// HasFlags returns true if all of the supplied flags are set.
func (pte PageTableEntry) HasFlags(flags PageTableEntry) bool {
	return pte&flags == flags
}

// HasAnyFlag returns true if any of the supplied flags is set.
func (pte PageTableEntry) HasAnyFlag(flags PageTableEntry) bool {
	return pte&flags != 0
}

// SetFlags sets the supplied flags.
func (pte *PageTableEntry) SetFlags(flags PageTableEntry) {
	*pte |= flags
}

// ClearFlags clears the supplied flags.
func (pte *PageTableEntry) ClearFlags(flags PageTableEntry) {
	*pte &^= flags
}

// PPN returns the physical page number stored in the entry.
func (pte PageTableEntry) PPN() uint64 {
	return uint64((pte >> ppnShift) & ppnMask)
}

// SetPPN replaces the physical page number stored in the entry.
func (pte *PageTableEntry) SetPPN(ppn uint64) {
	*pte = (*pte &^ (ppnMask << ppnShift)) | (PageTableEntry(ppn)&ppnMask)<<ppnShift
}

// Frame returns the physical address the entry points to.
func (pte PageTableEntry) Frame() mm.PhysAddr {
	return mm.PhysAddrFromPPN(pte.PPN())
}

// SetFrame points the entry at the supplied physical address.
func (pte *PageTableEntry) SetFrame(pa mm.PhysAddr) {
	pte.SetPPN(pa.PPN())
}

// IsRead returns true if the entry grants read access.
func (pte PageTableEntry) IsRead() bool { return pte.HasFlags(FlagRead) }

// IsWrite returns true if the entry grants write access.
func (pte PageTableEntry) IsWrite() bool { return pte.HasFlags(FlagWrite) }

// IsExec returns true if the entry grants execute access.
func (pte PageTableEntry) IsExec() bool { return pte.HasFlags(FlagExec) }

// IsSwapped returns true if the entry contents were evicted to swap.
func (pte PageTableEntry) IsSwapped() bool { return pte.HasFlags(FlagSwapped) }

// Allows returns true if the entry permissions cover the supplied access.
func (pte PageTableEntry) Allows(access mm.Access) bool {
	switch access {
	case mm.AccessLoad:
		return pte.IsRead()
	case mm.AccessStore:
		return pte.IsWrite()
	case mm.AccessExec:
		return pte.IsExec()
	default:
		return false
	}
}

// Classify derives the kind of the entry from its valid and permission bits.
// This is the only place where entry bit patterns are interpreted.
func (pte PageTableEntry) Classify() Entry {
	switch {
	case !pte.HasFlags(FlagValid):
		return Entry{Kind: EntryInvalid, PPN: pte.PPN()}
	case pte.HasAnyFlag(permMask):
		return Entry{Kind: EntryPage, PPN: pte.PPN()}
	default:
		return Entry{Kind: EntryTable, PPN: pte.PPN()}
	}
}

// String implements fmt.Stringer.
func (pte PageTableEntry) String() string {
	var sb strings.Builder
	for i, name := range "VRWXUGAD" {
		if pte&(1<<uint(i)) != 0 {
			sb.WriteRune(name)
		} else {
			sb.WriteByte('-')
		}
	}
	if pte.HasFlags(FlagDealloc) {
		sb.WriteString(" dealloc")
	}
	if pte.IsSwapped() {
		sb.WriteString(" swapped")
	}
	return fmt.Sprintf("%s ppn=0x%x", sb.String(), pte.PPN())
}

// EntryKind is the classification of a page table entry.
type EntryKind uint8

// The possible entry kinds.
const (
	EntryInvalid EntryKind = iota
	EntryTable
	EntryPage
)

// String implements fmt.Stringer.
func (k EntryKind) String() string {
	switch k {
	case EntryInvalid:
		return "invalid"
	case EntryTable:
		return "table"
	case EntryPage:
		return "page"
	default:
		return "unknown"
	}
}

// Entry is a classified page table entry.
type Entry struct {
	Kind EntryKind

	// PPN is the physical page number of the mapped page or the next
	// level table. It is meaningless for invalid entries that are not
	// swapped.
	PPN uint64
}

// Frame returns the physical address named by the entry.
func (e Entry) Frame() mm.PhysAddr {
	return mm.PhysAddrFromPPN(e.PPN)
}

// PageTable is a single 4KiB page table.
type PageTable [mm.EntriesPerTable]PageTableEntry

// TableAt overlays a PageTable on the physical frame at pa.
func TableAt(mem Memory, pa mm.PhysAddr) (*PageTable, error) {
	buf, err := mem.Slice(pa, mm.FrameSize)
	if err != nil {
		return nil, err
	}
	return (*PageTable)(unsafe.Pointer(&buf[0])), nil
}
