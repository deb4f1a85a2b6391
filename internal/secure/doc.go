// Package secure holds plaintext copies that leave a vault buffer.
//
// Reading a vault buffer through its access scope yields bytes the vault
// can no longer protect. When such a copy has to live longer than a few
// statements, put it in a Plaintext: a memguard LockedBuffer that is
//
//   - Protected from swapping via mlock
//   - Surrounded by guard pages and a canary
//   - Read-only after creation
//   - Wiped with zeros on Destroy
//
// # Usage
//
//	pt, err := buf.ReadLocked(scope)
//	if err != nil {
//	    return err
//	}
//	defer pt.Destroy() // Always destroy when done
//
//	use(pt.Bytes())
//
// It does NOT protect against:
//
//   - Attackers with root access to the running process
//   - Hardware-level attacks (cold boot, DMA)
//   - Copies the caller makes of Bytes()
package secure
