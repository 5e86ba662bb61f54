package vmm

import "gent/kernel"

// ErrInvalidPermissions is returned for permission combinations that the
// hardware reserves (no access bits, or write without read).
var ErrInvalidPermissions = &kernel.Error{Module: "vmm", Message: "invalid page permissions", Kind: kernel.KindMisuse}

// Permissions describes the access rights of a leaf mapping.
type Permissions struct {
	Read    bool
	Write   bool
	Execute bool
	User    bool
	Global  bool

	// Dealloc releases the backing frame when the page is unmapped.
	Dealloc bool
}

// Common permission sets.
var (
	KernelRW = Permissions{Read: true, Write: true, Dealloc: true}
	KernelRX = Permissions{Read: true, Execute: true}
	UserRW   = Permissions{Read: true, Write: true, User: true, Dealloc: true}
	UserRX   = Permissions{Read: true, Execute: true, User: true}
)

func (p Permissions) flags() (PageTableEntry, error) {
	if !p.Read && !p.Write && !p.Execute {
		return 0, ErrInvalidPermissions
	}
	if p.Write && !p.Read {
		return 0, ErrInvalidPermissions
	}

	var flags PageTableEntry
	if p.Read {
		flags |= FlagRead
	}
	if p.Write {
		flags |= FlagWrite
	}
	if p.Execute {
		flags |= FlagExec
	}
	if p.User {
		flags |= FlagUser
	}
	if p.Global {
		flags |= FlagGlobal
	}
	if p.Dealloc {
		flags |= FlagDealloc
	}
	return flags, nil
}

// PermissionsOf returns the permissions recorded in a leaf entry.
func PermissionsOf(pte PageTableEntry) Permissions {
	return Permissions{
		Read:    pte.IsRead(),
		Write:   pte.IsWrite(),
		Execute: pte.IsExec(),
		User:    pte.HasFlags(FlagUser),
		Global:  pte.HasFlags(FlagGlobal),
		Dealloc: pte.HasFlags(FlagDealloc),
	}
}
