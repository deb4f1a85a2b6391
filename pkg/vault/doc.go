// Package vault keeps secrets in guarded, encrypted memory for as long as
// the process needs them.
//
// A Vault owns the session key, the region allocator and the registry of
// live buffers. Create one per process at the entry point and pass it to
// whatever needs to hold secrets; tests may create as many as they like.
//
// # Usage
//
//	v, err := vault.New()
//	if err != nil {
//	    // ErrAllocationFailed: raise RLIMIT_MEMLOCK
//	}
//	defer v.Close() // wipes every remaining buffer and the session key
//
//	buf, err := v.Create(32, "db-password")
//	if err != nil {
//	    return err
//	}
//	defer buf.Destroy()
//
//	err = buf.Use(func(s *vault.Scope) error {
//	    return buf.Write(s, secret)
//	})
//
// # Buffer states
//
// A buffer is Sealed (encrypted, NoAccess) except while a Scope is open.
// Open unseals it and makes its pages readable; Scope.Close seals it again.
// Destroy wipes it from either state, and nothing leaves Destroyed:
//
//	Sealed --Open--> Open --Close--> Sealed
//	   \                |
//	    `---Destroy-----'---> Destroyed
//
// Only one Scope per buffer may be open at a time. Depending on the OpenMode
// a second Open waits for the first to close (Block, waiters served in
// arrival order) or fails with ErrScopeAlreadyOpen (FailFast).
package vault
