package session

import (
	"encoding/base64"
	"encoding/json"
	"sync"

	"github.com/kryptco/krypton-go/kr"
	"github.com/kryptco/krypton-go/vault"
)

const sessionListKey = "session_list"

// Registry takes a session id (or queue name) and hands back a *Session while
// ensuring concurrency safety.  Sessions added as temporary live only in
// memory; everything else is persisted to the vault so the agent comes back
// up paired.
type Registry struct {
	kr.Logger

	sessionsMutex sync.RWMutex
	sessions      map[string]*Session
	temporary     map[string]*Session

	vault vault.Vault
}

// sessionRecord is the persisted form of one session.
type sessionRecord struct {
	ID                   string   `json:"id"`
	Name                 string   `json:"name"`
	WorkstationPublicKey string   `json:"workstation_public_key"`
	Created              int64    `json:"created"`
	Version              string   `json:"version,omitempty"`
	Browser              *Browser `json:"browser,omitempty"`
}

// NewRegistry loads the persisted session list from the vault.  Sessions whose
// pairing can no longer be revived are dropped with a warning rather than
// failing the whole registry.
func NewRegistry(inVault vault.Vault) (*Registry, error) {

	reg := &Registry{
		Logger:    kr.NewLogger("sessions"),
		sessions:  make(map[string]*Session),
		temporary: make(map[string]*Session),
		vault:     inVault,
	}

	listBuf, err := inVault.Get(sessionListKey)
	if kr.IsError(err, kr.VaultItemNotFound) {
		return reg, nil
	} else if err != nil {
		return nil, err
	}

	var records []sessionRecord
	if err = json.Unmarshal(listBuf, &records); err != nil {
		return nil, kr.Error(err, kr.UnmarshalFailed, "persisted session list did not parse")
	}

	for _, rec := range records {
		s, err := reg.reviveSession(rec)
		if err != nil {
			reg.Warnf("dropping persisted session %v: %v", rec.ID, err)
			continue
		}
		reg.sessions[s.ID] = s
	}
	reg.Infof(1, "loaded %d persisted session(s)", len(reg.sessions))

	return reg, nil
}

func (reg *Registry) reviveSession(inRec sessionRecord) (*Session, error) {

	wpkBuf, err := base64.StdEncoding.DecodeString(inRec.WorkstationPublicKey)
	if err != nil || len(wpkBuf) != 32 {
		return nil, kr.Errorf(err, kr.BadKeyFormat, "bad workstation public key for session %v", inRec.ID)
	}

	var wpk [32]byte
	copy(wpk[:], wpkBuf)

	var version kr.Version
	if len(inRec.Version) > 0 {
		if version, err = kr.ParseVersion(inRec.Version); err != nil {
			return nil, err
		}
	}

	pairing, err := NewPairing(reg.vault, inRec.Name, wpk, version, inRec.Browser)
	if err != nil {
		return nil, err
	}

	return &Session{
		ID:      inRec.ID,
		Pairing: pairing,
		Created: inRec.Created,
	}, nil
}

// All returns every live session, persisted and temporary.
func (reg *Registry) All() []*Session {
	reg.sessionsMutex.RLock()
	out := make([]*Session, 0, len(reg.sessions)+len(reg.temporary))
	for _, s := range reg.sessions {
		out = append(out, s)
	}
	for _, s := range reg.temporary {
		out = append(out, s)
	}
	reg.sessionsMutex.RUnlock()

	return out
}

// Lookup returns the session having the given id, or nil.
func (reg *Registry) Lookup(inSessionID string) *Session {
	if len(inSessionID) == 0 {
		return nil
	}

	reg.sessionsMutex.RLock()
	s := reg.sessions[inSessionID]
	if s == nil {
		s = reg.temporary[inSessionID]
	}
	reg.sessionsMutex.RUnlock()

	return s
}

// LookupByQueue returns the session bound to the given queue name, or nil.
func (reg *Registry) LookupByQueue(inQueue string) *Session {
	for _, s := range reg.All() {
		if s.Pairing.Queue() == inQueue {
			return s
		}
	}
	return nil
}

// LookupByName returns the session paired with the named workstation, or nil.
func (reg *Registry) LookupByName(inName string) *Session {
	for _, s := range reg.All() {
		if s.Pairing.Name == inName {
			return s
		}
	}
	return nil
}

// Add inserts a session.  Temporary sessions are held in memory only; adding
// a session non-temporarily promotes any temporary entry with the same id.
func (reg *Registry) Add(inSession *Session, inTemporary bool) error {

	reg.sessionsMutex.Lock()
	defer reg.sessionsMutex.Unlock()

	if inTemporary {
		reg.temporary[inSession.ID] = inSession
		return nil
	}

	reg.sessions[inSession.ID] = inSession
	delete(reg.temporary, inSession.ID)

	return reg.save()
}

// Rename changes the workstation display name of a persisted session.
func (reg *Registry) Rename(inSessionID string, inName string) error {

	reg.sessionsMutex.Lock()
	defer reg.sessionsMutex.Unlock()

	s := reg.sessions[inSessionID]
	if s == nil {
		return kr.Errorf(nil, kr.SessionNotFound, "session %v not found", inSessionID)
	}
	s.Pairing.Name = inName

	return reg.save()
}

// Remove drops a session and severs its pairing seed.
func (reg *Registry) Remove(inSession *Session) error {

	if err := inSession.Pairing.RemoveCachedSeed(reg.vault); err != nil {
		reg.Warnf("could not remove pairing seed for session %v: %v", inSession.ID, err)
	}

	reg.sessionsMutex.Lock()
	defer reg.sessionsMutex.Unlock()

	delete(reg.sessions, inSession.ID)
	delete(reg.temporary, inSession.ID)

	return reg.save()
}

// RemoveAll unpairs every workstation.
func (reg *Registry) RemoveAll() error {

	reg.sessionsMutex.Lock()
	defer reg.sessionsMutex.Unlock()

	for _, s := range reg.sessions {
		if err := s.Pairing.RemoveCachedSeed(reg.vault); err != nil {
			reg.Warnf("could not remove pairing seed for session %v: %v", s.ID, err)
		}
	}
	reg.sessions = make(map[string]*Session)
	reg.temporary = make(map[string]*Session)

	return reg.vault.Delete(sessionListKey)
}

// save persists the non-temporary session table.  Callers hold sessionsMutex.
func (reg *Registry) save() error {

	records := make([]sessionRecord, 0, len(reg.sessions))
	for _, s := range reg.sessions {
		rec := sessionRecord{
			ID:                   s.ID,
			Name:                 s.Pairing.Name,
			WorkstationPublicKey: base64.StdEncoding.EncodeToString(s.Pairing.WorkstationPublicKey[:]),
			Created:              s.Created,
			Browser:              s.Pairing.Browser,
		}
		if !s.Pairing.Version.IsZero() {
			rec.Version = s.Pairing.Version.String()
		}
		records = append(records, rec)
	}

	listBuf, err := json.Marshal(records)
	if err != nil {
		return kr.Error(err, kr.MarshalFailed, "session list did not marshal")
	}

	return reg.vault.Set(sessionListKey, listBuf)
}
