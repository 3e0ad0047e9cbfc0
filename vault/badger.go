package vault

import (
	"github.com/dgraph-io/badger/v3"

	"github.com/kryptco/krypton-go/kr"
)

// badgerVault persists secrets in a badger store on the local file system.
type badgerVault struct {
	kr.Logger

	db *badger.DB
}

// OpenBadgerVault opens (or creates) the vault store at the given path.
func OpenBadgerVault(inPath string) (Vault, error) {
	opts := badger.DefaultOptions(inPath)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, kr.Errorf(err, kr.FailedToLoadStore, "badger.Open() failed for %v", inPath)
	}

	v := &badgerVault{
		Logger: kr.NewLogger("vault"),
		db:     db,
	}
	v.Infof(1, "opened vault at %v", inPath)

	return v, nil
}

func (v *badgerVault) Get(inKey string) ([]byte, error) {
	var out []byte

	err := v.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(inKey))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})

	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound(inKey)
	} else if err != nil {
		return nil, kr.Errorf(err, kr.FailedToLoadStore, "vault read failed for %q", inKey)
	}

	return out, nil
}

func (v *badgerVault) Set(inKey string, inValue []byte) error {
	err := v.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(inKey), inValue)
	})
	if err != nil {
		return kr.Errorf(err, kr.FailedToCommit, "vault write failed for %q", inKey)
	}
	return nil
}

func (v *badgerVault) Delete(inKey string) error {
	err := v.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(inKey))
	})
	if err != nil && err != badger.ErrKeyNotFound {
		return kr.Errorf(err, kr.FailedToCommit, "vault delete failed for %q", inKey)
	}
	return nil
}

func (v *badgerVault) Close() error {
	return v.db.Close()
}
