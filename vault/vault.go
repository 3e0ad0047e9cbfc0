// Package vault is krypton's secret storage surface: a flat key/value store
// for key seeds, counters, policy settings, and other small secrets.  The
// platform keychain sits behind this interface on device; the badger driver
// backs it in the agent daemon, and the memory driver backs tests.
package vault

import (
	"github.com/kryptco/krypton-go/kr"
)

// Vault stores small secrets by key.
type Vault interface {

	// Get returns the value for a key, or an error carrying kr.VaultItemNotFound.
	Get(inKey string) ([]byte, error)

	// Set writes the value for a key, overwriting any previous value.
	Set(inKey string, inValue []byte) error

	// Delete removes a key.  Deleting an absent key is not an error.
	Delete(inKey string) error

	// Close releases the underlying store.
	Close() error
}

// ErrNotFound constructs the canonical missing-item error.
func ErrNotFound(inKey string) error {
	return kr.Errorf(nil, kr.VaultItemNotFound, "vault item %q not found", inKey)
}
