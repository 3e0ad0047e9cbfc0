package auditlog

import (
	"encoding/binary"
	"encoding/json"
	"sync"

	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"

	"github.com/kryptco/krypton-go/kr"
	"github.com/kryptco/krypton-go/wire"
)

// Store persists audit statements per session.
type Store interface {

	// Append records a statement for a session.
	Append(inSessionID string, inStmt Statement) error

	// Fetch returns a session's statements, newest first.
	Fetch(inSessionID string) ([]Statement, error)

	// FetchLatest returns a session's most recent statement, or nil.
	FetchLatest(inSessionID string) (*Statement, error)

	// DistinctUserAndHosts aggregates the unique (user, host) pairs across all
	// signed ssh statements.
	DistinctUserAndHosts() ([]wire.UserAndHost, error)

	// Close releases the underlying store.
	Close() error
}

/*****************************************************
** badger store
**
** Statements key as log/<sessionID>/<^unixSeconds big-endian>/<uuid>, so a
** forward iteration over one session's prefix yields newest first.
**/

type badgerStore struct {
	kr.Logger

	db *badger.DB
}

// OpenBadgerStore opens (or creates) the audit log store at the given path.
func OpenBadgerStore(inPath string) (Store, error) {
	opts := badger.DefaultOptions(inPath)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, kr.Errorf(err, kr.FailedToLoadStore, "badger.Open() failed for %v", inPath)
	}

	st := &badgerStore{
		Logger: kr.NewLogger("auditlog"),
		db:     db,
	}
	st.Infof(1, "opened audit log at %v", inPath)

	return st, nil
}

func sessionPrefix(inSessionID string) []byte {
	return append([]byte("log/"), append([]byte(inSessionID), '/')...)
}

func statementKey(inSessionID string, inUnixSeconds int64) []byte {
	key := sessionPrefix(inSessionID)

	var stamp [8]byte
	binary.BigEndian.PutUint64(stamp[:], ^uint64(inUnixSeconds))
	key = append(key, stamp[:]...)
	key = append(key, '/')
	key = append(key, uuid.New().String()...)

	return key
}

func (st *badgerStore) Append(inSessionID string, inStmt Statement) error {
	if inStmt.UnixSeconds == 0 {
		inStmt.UnixSeconds = kr.Now()
	}

	buf, err := json.Marshal(&inStmt)
	if err != nil {
		return kr.Error(err, kr.MarshalFailed, "audit statement did not marshal")
	}

	err = st.db.Update(func(txn *badger.Txn) error {
		return txn.Set(statementKey(inSessionID, inStmt.UnixSeconds), buf)
	})
	if err != nil {
		return kr.Error(err, kr.FailedToCommit, "audit statement write failed")
	}
	return nil
}

func (st *badgerStore) fetch(inSessionID string, inLimit int) ([]Statement, error) {
	var out []Statement

	err := st.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = sessionPrefix(inSessionID)

		itr := txn.NewIterator(opts)
		defer itr.Close()

		for itr.Rewind(); itr.Valid(); itr.Next() {
			if inLimit > 0 && len(out) >= inLimit {
				break
			}

			err := itr.Item().Value(func(val []byte) error {
				var stmt Statement
				if err := json.Unmarshal(val, &stmt); err != nil {
					st.Warnf("skipping unparsable audit statement: %v", err)
					return nil
				}
				out = append(out, stmt)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, kr.Error(err, kr.FailedToLoadStore, "audit log fetch failed")
	}

	return out, nil
}

func (st *badgerStore) Fetch(inSessionID string) ([]Statement, error) {
	return st.fetch(inSessionID, 0)
}

func (st *badgerStore) FetchLatest(inSessionID string) (*Statement, error) {
	stmts, err := st.fetch(inSessionID, 1)
	if err != nil || len(stmts) == 0 {
		return nil, err
	}
	return &stmts[0], nil
}

func (st *badgerStore) DistinctUserAndHosts() ([]wire.UserAndHost, error) {
	var out []wire.UserAndHost
	seen := map[wire.UserAndHost]bool{}

	err := st.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("log/")

		itr := txn.NewIterator(opts)
		defer itr.Close()

		for itr.Rewind(); itr.Valid(); itr.Next() {
			err := itr.Item().Value(func(val []byte) error {
				var stmt Statement
				if err := json.Unmarshal(val, &stmt); err != nil {
					return nil
				}
				if stmt.SSH == nil {
					return nil
				}
				if uh, ok := stmt.SSH.UserAndHost(); ok && !seen[uh] {
					seen[uh] = true
					out = append(out, uh)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, kr.Error(err, kr.FailedToLoadStore, "hosts aggregation failed")
	}

	return out, nil
}

func (st *badgerStore) Close() error {
	return st.db.Close()
}

/*****************************************************
** memory store
**/

type memoryStore struct {
	sync.RWMutex

	bySession map[string][]Statement
}

// NewMemoryStore returns an empty in-memory Store for tests.
func NewMemoryStore() Store {
	return &memoryStore{
		bySession: make(map[string][]Statement),
	}
}

func (st *memoryStore) Append(inSessionID string, inStmt Statement) error {
	if inStmt.UnixSeconds == 0 {
		inStmt.UnixSeconds = kr.Now()
	}

	st.Lock()
	// prepend keeps newest first, matching fetch order of the badger store
	st.bySession[inSessionID] = append([]Statement{inStmt}, st.bySession[inSessionID]...)
	st.Unlock()

	return nil
}

func (st *memoryStore) Fetch(inSessionID string) ([]Statement, error) {
	st.RLock()
	out := append([]Statement(nil), st.bySession[inSessionID]...)
	st.RUnlock()

	return out, nil
}

func (st *memoryStore) FetchLatest(inSessionID string) (*Statement, error) {
	st.RLock()
	defer st.RUnlock()

	stmts := st.bySession[inSessionID]
	if len(stmts) == 0 {
		return nil, nil
	}

	stmt := stmts[0]
	return &stmt, nil
}

func (st *memoryStore) DistinctUserAndHosts() ([]wire.UserAndHost, error) {
	st.RLock()
	defer st.RUnlock()

	var out []wire.UserAndHost
	seen := map[wire.UserAndHost]bool{}

	for _, stmts := range st.bySession {
		for _, stmt := range stmts {
			if stmt.SSH == nil {
				continue
			}
			if uh, ok := stmt.SSH.UserAndHost(); ok && !seen[uh] {
				seen[uh] = true
				out = append(out, uh)
			}
		}
	}
	return out, nil
}

func (st *memoryStore) Close() error {
	return nil
}
