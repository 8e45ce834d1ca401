package store

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"

	"github.com/shell-sync/shell-sync/internal/model"
)

// snapshot is the on-disk document written to client.db / server.db: the
// whole store flattened to JSON. This realizes the design's "embedded SQL
// store" as an atomically-rewritten snapshot file, the only durability
// idiom the teacher repo uses (store.persistMachinesSnapshot).
type snapshot struct {
	Version    int                   `json:"version"`
	Aliases    []model.Alias         `json:"aliases"`
	History    []model.HistoryEntry  `json:"history"`
	Conflicts  []model.Conflict      `json:"conflicts"`
	Pending    []model.PendingItem   `json:"pending"`
	Quarantine []model.QuarantineRow `json:"quarantine"`
	SyncEvents []model.SyncEvent     `json:"sync_events"`
	Machines   []model.Machine       `json:"machines"`
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var doc snapshot
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	if doc.Version != 1 {
		return errors.New("store: unsupported snapshot version")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.schemaVersion = doc.Version
	for _, a := range doc.Aliases {
		s.aliases[aliasKey(a.Group, a.Name)] = a
	}
	for _, e := range doc.History {
		s.history[e.ID] = e
		s.historyOrder = append(s.historyOrder, e.ID)
	}
	for _, c := range doc.Conflicts {
		s.conflicts[c.ID] = c
		if c.Resolution == model.ResolutionPending {
			s.conflictByName[aliasKey(c.Group, c.Name)] = c.ID
		}
	}
	for _, p := range doc.Pending {
		if p.Kind == model.PendingHistory {
			s.pendingHistory[p.ID] = p
		} else {
			s.pendingAlias[p.ID] = p
		}
	}
	for _, q := range doc.Quarantine {
		s.quarantine[q.ID] = q
	}
	for _, m := range doc.Machines {
		s.machines[m.MachineID] = m
	}
	s.syncEvents = append(s.syncEvents, doc.SyncEvents...)
	return nil
}

// snapshotLocked builds the persisted document from current state. Caller
// must hold s.mu (read or write lock).
func (s *Store) snapshotLocked() snapshot {
	doc := snapshot{Version: s.schemaVersion}
	for _, a := range s.aliases {
		doc.Aliases = append(doc.Aliases, a)
	}
	for _, e := range s.history {
		doc.History = append(doc.History, e)
	}
	for _, c := range s.conflicts {
		doc.Conflicts = append(doc.Conflicts, c)
	}
	for _, p := range s.pendingAlias {
		doc.Pending = append(doc.Pending, p)
	}
	for _, p := range s.pendingHistory {
		doc.Pending = append(doc.Pending, p)
	}
	for _, q := range s.quarantine {
		doc.Quarantine = append(doc.Quarantine, q)
	}
	for _, m := range s.machines {
		doc.Machines = append(doc.Machines, m)
	}
	doc.SyncEvents = append(doc.SyncEvents, s.syncEvents...)
	return doc
}

// Persist atomically rewrites the snapshot file: write-temp, fsync,
// chmod 0600, rename. A no-op when the store was constructed without a
// path (e.g. tests, or a purely in-memory relay in unit tests).
func (s *Store) Persist() error {
	if s.path == "" {
		return nil
	}

	s.mu.RLock()
	doc := s.snapshotLocked()
	s.mu.RUnlock()

	return s.persistDoc(doc)
}

func (s *Store) persistDoc(doc snapshot) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}

// PersistAsync persists in the background and logs failures, matching the
// teacher's fire-and-forget snapshot writes after mutation.
func (s *Store) PersistAsync() {
	go func() {
		if err := s.Persist(); err != nil {
			log.Printf("store: persist failed (%s): %v", s.path, err)
		}
	}()
}
