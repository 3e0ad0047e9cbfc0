package vault

import (
	"sync"
)

// memoryVault is the heap-only Vault used by tests and ephemeral sessions.
type memoryVault struct {
	sync.RWMutex

	table map[string][]byte
}

// NewMemoryVault returns an empty in-memory Vault.
func NewMemoryVault() Vault {
	return &memoryVault{
		table: make(map[string][]byte),
	}
}

func (v *memoryVault) Get(inKey string) ([]byte, error) {
	v.RLock()
	val, ok := v.table[inKey]
	v.RUnlock()

	if !ok {
		return nil, ErrNotFound(inKey)
	}

	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

func (v *memoryVault) Set(inKey string, inValue []byte) error {
	val := make([]byte, len(inValue))
	copy(val, inValue)

	v.Lock()
	v.table[inKey] = val
	v.Unlock()

	return nil
}

func (v *memoryVault) Delete(inKey string) error {
	v.Lock()
	delete(v.table, inKey)
	v.Unlock()

	return nil
}

func (v *memoryVault) Close() error {
	v.Lock()
	v.table = make(map[string][]byte)
	v.Unlock()

	return nil
}
