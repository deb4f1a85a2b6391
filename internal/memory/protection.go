package memory

import "github.com/awnumar/memcall"

// Protection is the access-protection state of a region.
type Protection int

const (
	NoAccess Protection = iota
	ReadOnly
	ReadWrite
)

func (p Protection) String() string {
	switch p {
	case NoAccess:
		return "no-access"
	case ReadOnly:
		return "read-only"
	case ReadWrite:
		return "read-write"
	default:
		return "unknown"
	}
}

func (p Protection) flag() memcall.MemoryProtectionFlag {
	switch p {
	case ReadOnly:
		return memcall.ReadOnly()
	case ReadWrite:
		return memcall.ReadWrite()
	default:
		return memcall.NoAccess()
	}
}
