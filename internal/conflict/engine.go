// Package conflict implements the decision layer above the local store:
// given an incoming alias write, decide whether it is a plain accept, a
// stale write, a silent collapse (equal version, identical plaintext), or
// a genuine conflict that must be recorded and left for the user to
// resolve. This is the component the design calls the "conflict engine",
// kept separate from internal/store because it is the only piece that
// needs the group key to decrypt and compare plaintext.
package conflict

import (
	"time"

	"github.com/shell-sync/shell-sync/internal/cryptoutil"
	"github.com/shell-sync/shell-sync/internal/model"
	"github.com/shell-sync/shell-sync/internal/store"
)

// Outcome tags what the engine did with an incoming write.
type Outcome int

const (
	OutcomeAccepted Outcome = iota
	OutcomeStale
	OutcomeCollapsed
	OutcomeConflict
)

// GroupKeyFunc resolves the current symmetric key for a group.
type GroupKeyFunc func(group string) ([]byte, error)

// Engine wraps a Store and a group key resolver.
type Engine struct {
	Store       *store.Store
	GroupKeyFor GroupKeyFunc
	Now         func() int64
}

func New(s *store.Store, groupKeyFor GroupKeyFunc) *Engine {
	return &Engine{Store: s, GroupKeyFor: groupKeyFor, Now: func() int64 { return time.Now().UnixMilli() }}
}

// Apply feeds an incoming alias write (from a remote peer, or a resolved
// conflict being re-applied) through the version-domination check and, on
// an incomparable equal-version write, decrypts both sides to decide
// between a silent collapse and a recorded conflict.
func (e *Engine) Apply(incoming model.Alias) (Outcome, error) {
	res, existing, err := e.Store.UpsertAlias(incoming)
	if err != nil {
		return OutcomeStale, err
	}

	switch res {
	case store.ResultAccepted:
		return OutcomeAccepted, nil
	case store.ResultStale:
		return OutcomeStale, nil
	case store.ResultConflict:
		return e.resolveIncomparable(existing, incoming)
	default:
		return OutcomeStale, nil
	}
}

func (e *Engine) resolveIncomparable(local, remote model.Alias) (Outcome, error) {
	key, err := e.GroupKeyFor(local.Group)
	if err != nil {
		return OutcomeConflict, err
	}

	localPlain, localErr := cryptoutil.OpenField(key, local.Group, local.CommandCT, local.Nonce)
	remotePlain, remoteErr := cryptoutil.OpenField(key, remote.Group, remote.CommandCT, remote.Nonce)

	if localErr == nil && remoteErr == nil && string(localPlain) == string(remotePlain) {
		if _, err := e.Store.CollapseIdenticalAlias(remote); err != nil {
			return OutcomeConflict, err
		}
		return OutcomeCollapsed, nil
	}

	e.Store.RecordConflict(local.Group, local.Name, local, remote, e.Now())
	return OutcomeConflict, nil
}

// Resolve applies the user's choice: it writes a new alias version, one
// higher than both sides of the conflict, authored by the resolving
// machine, and marks the conflict row terminal. The winning write is then
// propagated through the normal path (the caller enqueues it to the
// pending-alias queue), per the design.
func (e *Engine) Resolve(conflictID, resolvingMachine string, resolution model.Resolution) (model.Alias, error) {
	c, err := e.resolveConflictRow(conflictID, resolution)
	if err != nil {
		return model.Alias{}, err
	}

	winner := model.Alias{
		Group:            c.Group,
		Name:             c.Name,
		UpdatedByMachine: resolvingMachine,
		UpdatedAt:        e.Now(),
		Version:          maxVersion(c.LocalVersion, c.RemoteVersion) + 1,
	}
	if resolution == model.ResolutionKeepLocal {
		winner.CommandCT, winner.Nonce = c.LocalCT, c.LocalNonce
	} else {
		winner.CommandCT, winner.Nonce = c.RemoteCT, c.RemoteNonce
	}

	if _, _, err := e.Store.UpsertAlias(winner); err != nil {
		return model.Alias{}, err
	}
	return winner, nil
}

func (e *Engine) resolveConflictRow(id string, resolution model.Resolution) (model.Conflict, error) {
	return e.Store.ResolveConflict(id, resolution)
}

func maxVersion(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
