// Package store is a machine's durable local state: aliases, history,
// conflicts, pending outbound queues, quarantined rows, and the sync-history
// audit trail. It is single-writer, serializable, and the sole authority for
// what this machine believes.
//
// Persistence follows the teacher's snapshot-file idiom (see persistence.go):
// the whole store is periodically flattened to a JSON document and
// atomically rewritten (temp file, fsync, rename) rather than kept in a SQL
// engine, matching the only durability pattern the teacher repo uses.
package store

import (
	"bytes"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shell-sync/shell-sync/internal/model"
)

// historyRetention bounds the sync-history audit table by count.
const historyRetention = 10000

// Result is the outcome of an alias write attempt.
type Result int

const (
	// ResultAccepted means the write was applied; the identity now reflects
	// this version.
	ResultAccepted Result = iota
	// ResultStale means the incoming version was not greater than the
	// current version; no mutation happened.
	ResultStale
	// ResultConflict means the incoming version equals the current version
	// but is not a replay of it (a different authoring machine or a
	// different ciphertext); versions are incomparable.
	// No mutation happened; the caller (conflict engine) decides next steps.
	ResultConflict
)

type Store struct {
	mu sync.RWMutex

	path      string
	persistMu sync.Mutex

	aliases map[string]model.Alias // key: group+"|"+name

	history      map[string]model.HistoryEntry // key: id
	historyOrder []string                      // ingest order, for this machine's own view

	conflicts      map[string]model.Conflict // key: id
	conflictByName map[string]string         // key: group+"|"+name -> conflict id, only while pending

	pendingAlias   map[string]model.PendingItem // key: item id
	pendingHistory map[string]model.PendingItem

	syncEvents []model.SyncEvent

	quarantine map[string]model.QuarantineRow

	machines map[string]model.Machine // key: machine_id

	schemaVersion int
}

// Options configures a Store. Path, if non-empty, is where the store is
// persisted as a durable snapshot (this machine's client.db, or the
// relay's server.db).
type Options struct {
	Path string
}

func New() *Store {
	return NewWithOptions(Options{})
}

func NewWithOptions(opts Options) *Store {
	s := &Store{
		path:           opts.Path,
		aliases:        make(map[string]model.Alias),
		history:        make(map[string]model.HistoryEntry),
		conflicts:      make(map[string]model.Conflict),
		conflictByName: make(map[string]string),
		pendingAlias:   make(map[string]model.PendingItem),
		pendingHistory: make(map[string]model.PendingItem),
		quarantine:     make(map[string]model.QuarantineRow),
		machines:       make(map[string]model.Machine),
		schemaVersion:  1,
	}

	if s.path != "" {
		_ = s.load() // best effort; a missing file means a fresh store
	}

	return s
}

func aliasKey(group, name string) string {
	return group + "|" + name
}

// UpsertAlias applies an incoming alias write under the version-monotonic
// rule from the design: accepted only when strictly greater than the
// current version, or the identity is absent. Equal versions authored by
// different machines are incomparable and returned as ResultConflict
// without mutating the live row; the conflict engine decides whether to
// collapse (identical plaintext) or record a conflict.
func (s *Store) UpsertAlias(a model.Alias) (Result, model.Alias, error) {
	if a.Group == "" || a.Name == "" {
		return ResultStale, model.Alias{}, errors.New("store: alias group and name are required")
	}
	if a.Version < 1 {
		return ResultStale, model.Alias{}, errors.New("store: alias version must be >= 1")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := aliasKey(a.Group, a.Name)
	existing, ok := s.aliases[key]

	if !ok {
		s.aliases[key] = a
		s.recordSyncEventLocked(a, actionForWrite(a, false))
		return ResultAccepted, model.Alias{}, nil
	}

	switch {
	case a.Version > existing.Version:
		s.aliases[key] = a
		s.recordSyncEventLocked(a, actionForWrite(a, true))
		return ResultAccepted, existing, nil
	case a.Version < existing.Version:
		return ResultStale, existing, nil
	default: // equal versions
		if a.UpdatedByMachine == existing.UpdatedByMachine && bytes.Equal(a.CommandCT, existing.CommandCT) {
			// Idempotent replay of the same accepted write.
			return ResultAccepted, existing, nil
		}
		return ResultConflict, existing, nil
	}
}

func actionForWrite(a model.Alias, existed bool) model.SyncAction {
	switch {
	case a.Tombstone:
		return model.SyncActionDelete
	case existed:
		return model.SyncActionUpdate
	default:
		return model.SyncActionAdd
	}
}

// CollapseIdenticalAlias overwrites the live row with whichever of the two
// equal-version candidates carries the later UpdatedAt, used by the
// conflict engine once it has decrypted both sides and found the plaintext
// identical. It never creates a conflict row.
func (s *Store) CollapseIdenticalAlias(candidate model.Alias) (model.Alias, error) {
	if candidate.Group == "" || candidate.Name == "" {
		return model.Alias{}, errors.New("store: alias group and name are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := aliasKey(candidate.Group, candidate.Name)
	existing, ok := s.aliases[key]
	winner := candidate
	if ok && existing.UpdatedAt >= candidate.UpdatedAt {
		winner = existing
	}
	s.aliases[key] = winner
	return winner, nil
}

// GetAlias returns the live row for (group, name), if any.
func (s *Store) GetAlias(group, name string) (model.Alias, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.aliases[aliasKey(group, name)]
	return a, ok
}

// ListAliases returns all live rows, optionally filtered by group. Rows are
// sorted by (group, name) for deterministic output (e.g. the alias file
// writer and API listings).
func (s *Store) ListAliases(group string) []model.Alias {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Alias, 0, len(s.aliases))
	for _, a := range s.aliases {
		if group != "" && a.Group != group {
			continue
		}
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Group != result[j].Group {
			return result[i].Group < result[j].Group
		}
		return result[i].Name < result[j].Name
	})
	return result
}

// AliasesSince returns live rows in group whose version is greater than
// since, sorted ascending by version. Used by the relay to build a delta
// reply and by the sync daemon to detect what a snapshot already covers.
// Because only the live row per identity is retained, a machine that was
// offline across several writes to the same alias receives just the
// latest one, which is sufficient: only the final state needs to converge.
func (s *Store) AliasesSince(group string, since int64) []model.Alias {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Alias, 0)
	for _, a := range s.aliases {
		if a.Group != group || a.Version <= since {
			continue
		}
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Version < result[j].Version })
	return result
}

// AppendHistory is idempotent on entry.ID: a duplicate delivery is a no-op,
// never an error.
func (s *Store) AppendHistory(entry model.HistoryEntry) (added bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.history[entry.ID]; exists {
		return false
	}
	s.history[entry.ID] = entry
	s.historyOrder = append(s.historyOrder, entry.ID)
	return true
}

// TombstoneHistory appends a soft-delete row retracting entry.TombstoneOf.
// History rows are append-only and never rewritten in place, so a deletion
// is recorded as a separate tombstone entry rather than mutating the
// original, per the design's History entry invariant.
func (s *Store) TombstoneHistory(entry model.HistoryEntry) (bool, error) {
	if !entry.Tombstone || entry.TombstoneOf == "" {
		return false, errors.New("store: tombstone entry must set Tombstone and TombstoneOf")
	}
	return s.AppendHistory(entry), nil
}

// GetHistory returns one history entry by id.
func (s *Store) GetHistory(id string) (model.HistoryEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.history[id]
	return e, ok
}

// ListHistory returns entries for a group ordered by (timestamp,
// machine_id, id) per the design's cross-machine ordering rule. limit <= 0
// means unbounded.
func (s *Store) ListHistory(group string, limit int) []model.HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.HistoryEntry, 0, len(s.history))
	for _, e := range s.history {
		if group != "" && e.Group != group {
			continue
		}
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Timestamp != result[j].Timestamp {
			return result[i].Timestamp < result[j].Timestamp
		}
		if result[i].MachineID != result[j].MachineID {
			return result[i].MachineID < result[j].MachineID
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result
}

// HistorySince returns entries in group with timestamp >= since, ordered by
// (timestamp, machine_id, id). since is inclusive because the boundary
// entry may not have been the last one applied on the other side; the
// caller dedupes by id, which AppendHistory already does idempotently.
func (s *Store) HistorySince(group string, since int64) []model.HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.HistoryEntry, 0)
	for _, e := range s.history {
		if e.Group != group || e.Timestamp < since {
			continue
		}
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Timestamp != result[j].Timestamp {
			return result[i].Timestamp < result[j].Timestamp
		}
		if result[i].MachineID != result[j].MachineID {
			return result[i].MachineID < result[j].MachineID
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// EnqueuePending adds an outbound frame to the given pending queue.
func (s *Store) EnqueuePending(kind model.PendingKind, payload []byte, createdAt int64) model.PendingItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := model.PendingItem{ID: uuid.NewString(), Kind: kind, Payload: payload, CreatedAt: createdAt}
	if kind == model.PendingAlias {
		s.pendingAlias[item.ID] = item
	} else {
		s.pendingHistory[item.ID] = item
	}
	return item
}

// ListPending returns queued items in FIFO (CreatedAt) order.
func (s *Store) ListPending(kind model.PendingKind) []model.PendingItem {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.pendingAlias
	if kind == model.PendingHistory {
		src = s.pendingHistory
	}
	result := make([]model.PendingItem, 0, len(src))
	for _, item := range src {
		result = append(result, item)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt < result[j].CreatedAt })
	return result
}

// AckPending removes an item from the pending queue by id. Missing ids are
// a no-op: acking an already-acked frame is not an error.
func (s *Store) AckPending(kind model.PendingKind, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if kind == model.PendingAlias {
		delete(s.pendingAlias, id)
	} else {
		delete(s.pendingHistory, id)
	}
}

// RecordConflict creates or updates the pending conflict row for
// (group, name). If a pending conflict already exists, the caller's
// candidate replaces whichever side (local or remote) shares its authoring
// machine, preserving the most recent evidence, per the design's sticky
// conflict rule; a candidate from an unrecognized machine replaces the
// remote side.
func (s *Store) RecordConflict(group, name string, local, remote model.Alias, createdAt int64) model.Conflict {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := aliasKey(group, name)
	if id, pending := s.conflictByName[key]; pending {
		c := s.conflicts[id]
		switch {
		case remote.UpdatedByMachine == c.LocalUpdatedByMachine:
			c.LocalCT, c.LocalNonce = remote.CommandCT, remote.Nonce
			c.LocalUpdatedByMachine, c.LocalUpdatedAt, c.LocalVersion = remote.UpdatedByMachine, remote.UpdatedAt, remote.Version
		default:
			c.RemoteCT, c.RemoteNonce = remote.CommandCT, remote.Nonce
			c.RemoteUpdatedByMachine, c.RemoteUpdatedAt, c.RemoteVersion = remote.UpdatedByMachine, remote.UpdatedAt, remote.Version
		}
		s.conflicts[id] = c
		return c
	}

	c := model.Conflict{
		ID:                     uuid.NewString(),
		Group:                  group,
		Name:                   name,
		LocalCT:                local.CommandCT,
		LocalNonce:             local.Nonce,
		LocalUpdatedByMachine:  local.UpdatedByMachine,
		LocalUpdatedAt:         local.UpdatedAt,
		LocalVersion:           local.Version,
		RemoteCT:               remote.CommandCT,
		RemoteNonce:            remote.Nonce,
		RemoteUpdatedByMachine: remote.UpdatedByMachine,
		RemoteUpdatedAt:        remote.UpdatedAt,
		RemoteVersion:          remote.Version,
		CreatedAt:              createdAt,
		Resolution:             model.ResolutionPending,
	}
	s.conflicts[c.ID] = c
	s.conflictByName[key] = c.ID
	s.appendSyncEventLocked(model.SyncEvent{
		ID: uuid.NewString(), Timestamp: createdAt, Action: model.SyncActionConflict,
		AliasName: name, Group: group, MachineID: remote.UpdatedByMachine,
	})
	return c
}

// ListConflicts returns all conflict rows, optionally filtered by group.
func (s *Store) ListConflicts(group string) []model.Conflict {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Conflict, 0, len(s.conflicts))
	for _, c := range s.conflicts {
		if group != "" && c.Group != group {
			continue
		}
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt < result[j].CreatedAt })
	return result
}

// GetConflict returns one conflict row by id.
func (s *Store) GetConflict(id string) (model.Conflict, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conflicts[id]
	return c, ok
}

// ResolveConflict marks a pending conflict terminal and clears its sticky
// index entry. It does not itself write the winning alias version; the
// caller (conflict engine) does that through UpsertAlias at
// max(local, remote)+1, per the design.
func (s *Store) ResolveConflict(id string, resolution model.Resolution) (model.Conflict, error) {
	if resolution != model.ResolutionKeepLocal && resolution != model.ResolutionKeepRemote {
		return model.Conflict{}, errors.New("store: resolution must be keep_local or keep_remote")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conflicts[id]
	if !ok {
		return model.Conflict{}, errors.New("store: conflict not found")
	}
	if c.Resolution != model.ResolutionPending {
		return model.Conflict{}, errors.New("store: conflict already resolved")
	}

	c.Resolution = resolution
	s.conflicts[id] = c
	delete(s.conflictByName, aliasKey(c.Group, c.Name))
	return c, nil
}

// Quarantine records a row that failed an integrity check. Quarantined rows
// are never replicated and never automatically retried.
func (s *Store) Quarantine(row model.QuarantineRow) {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quarantine[row.ID] = row
}

// ListQuarantine returns all quarantined rows.
func (s *Store) ListQuarantine() []model.QuarantineRow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.QuarantineRow, 0, len(s.quarantine))
	for _, r := range s.quarantine {
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].QuarantinedAt < result[j].QuarantinedAt })
	return result
}

// ListSyncEvents returns the audit trail, most recent first, capped at
// limit (<= 0 means unbounded).
func (s *Store) ListSyncEvents(limit int) []model.SyncEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.SyncEvent, len(s.syncEvents))
	copy(result, s.syncEvents)
	sort.Slice(result, func(i, j int) bool { return result[i].Timestamp > result[j].Timestamp })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (s *Store) recordSyncEventLocked(a model.Alias, action model.SyncAction) {
	s.appendSyncEventLocked(model.SyncEvent{
		ID: uuid.NewString(), Timestamp: a.UpdatedAt, Action: action,
		AliasName: a.Name, Group: a.Group, MachineID: a.UpdatedByMachine,
	})
}

func (s *Store) appendSyncEventLocked(ev model.SyncEvent) {
	s.syncEvents = append(s.syncEvents, ev)
	if len(s.syncEvents) > historyRetention {
		s.syncEvents = s.syncEvents[len(s.syncEvents)-historyRetention:]
	}
}

// SchemaVersion returns the store's current schema version.
func (s *Store) SchemaVersion() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schemaVersion
}

// RegisterMachine inserts a newly enrolled machine. MachineID must be
// unique; registration always mints a fresh one, so a collision means the
// caller reused an id and is a programmer error.
func (s *Store) RegisterMachine(m model.Machine) error {
	if m.MachineID == "" {
		return errors.New("store: machine_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.machines[m.MachineID]; exists {
		return errors.New("store: machine_id already registered")
	}
	s.machines[m.MachineID] = m
	return nil
}

// GetMachine returns one machine by id, revoked or not; callers that must
// reject revoked machines check the Revoked field themselves.
func (s *Store) GetMachine(machineID string) (model.Machine, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.machines[machineID]
	return m, ok
}

// ListMachines returns machines, optionally filtered to members of group,
// sorted by machine_id.
func (s *Store) ListMachines(group string) []model.Machine {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Machine, 0, len(s.machines))
	for _, m := range s.machines {
		if group != "" && !m.HasGroup(group) {
			continue
		}
		result = append(result, m)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].MachineID < result[j].MachineID })
	return result
}

// TouchMachine updates a machine's last_seen timestamp. A missing machine
// is a no-op: a stale connection racing a revocation should not resurrect
// the row.
func (s *Store) TouchMachine(machineID string, now int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[machineID]
	if !ok {
		return
	}
	m.LastSeen = now
	s.machines[machineID] = m
}

// SetMachinePublicKey records the X25519 public key a machine presents
// during its key-manager handshake.
func (s *Store) SetMachinePublicKey(machineID string, publicKey []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[machineID]
	if !ok {
		return errors.New("store: machine not found")
	}
	m.PublicKey = publicKey
	s.machines[machineID] = m
	return nil
}

// RevokeMachine retires a machine's auth_token and machine_id atomically:
// once Revoked is set, the auth middleware must refuse every request
// carrying this machine's token regardless of the token's own validity.
func (s *Store) RevokeMachine(machineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[machineID]
	if !ok {
		return errors.New("store: machine not found")
	}
	m.Revoked = true
	s.machines[machineID] = m
	return nil
}
