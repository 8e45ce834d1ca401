package syncdaemon

import (
	"encoding/json"
	"time"

	"github.com/shell-sync/shell-sync/internal/cryptoutil"
	"github.com/shell-sync/shell-sync/internal/model"
)

// WriteAlias is the entry point for local mutations (CLI create/update,
// import): it seals command under the group's current key, computes the
// next Lamport version, applies it through the same conflict engine
// inbound frames use, and queues it for delivery.
func (d *Daemon) WriteAlias(group, name, command string) (model.Alias, error) {
	key, err := d.Keys.GroupKey(group)
	if err != nil {
		return model.Alias{}, err
	}

	existing, _ := d.Store.GetAlias(group, name)
	ct, nonce, err := cryptoutil.SealField(key, group, []byte(command))
	if err != nil {
		return model.Alias{}, err
	}

	alias := model.Alias{
		Group:            group,
		Name:             name,
		CommandCT:        ct,
		Nonce:            nonce,
		Version:          existing.Version + 1,
		UpdatedByMachine: d.Config.MachineID,
		UpdatedAt:        time.Now().UnixMilli(),
	}

	if _, err := d.Conflicts.Apply(alias); err != nil {
		return model.Alias{}, err
	}
	d.hw.advance(group, alias.Version)
	d.Store.PersistAsync()
	d.rewriteAliasFile()

	payload, err := json.Marshal(alias)
	if err != nil {
		return model.Alias{}, err
	}
	d.Store.EnqueuePending(model.PendingAlias, payload, alias.UpdatedAt)
	return alias, nil
}

// ResolveConflict is the entry point for operator-triggered conflict
// resolution (spec §4.3): it asks the conflict engine to write the winning
// version, then queues that write for delivery the same way WriteAlias
// does, so the resolution reaches every other member through the normal
// pending-alias path instead of a side channel.
func (d *Daemon) ResolveConflict(conflictID string, resolution model.Resolution) (model.Alias, error) {
	winner, err := d.Conflicts.Resolve(conflictID, d.Config.MachineID, resolution)
	if err != nil {
		return model.Alias{}, err
	}
	d.hw.advance(winner.Group, winner.Version)
	d.Store.PersistAsync()
	d.rewriteAliasFile()

	payload, err := json.Marshal(winner)
	if err != nil {
		return model.Alias{}, err
	}
	d.Store.EnqueuePending(model.PendingAlias, payload, winner.UpdatedAt)
	return winner, nil
}

// DeleteAlias tombstones an alias locally and queues the tombstone for
// delivery, same version-bump rule as a normal write.
func (d *Daemon) DeleteAlias(group, name string) (model.Alias, error) {
	existing, ok := d.Store.GetAlias(group, name)
	if !ok {
		return model.Alias{}, nil
	}

	alias := model.Alias{
		Group:            group,
		Name:             name,
		CommandCT:        existing.CommandCT,
		Nonce:            existing.Nonce,
		Version:          existing.Version + 1,
		UpdatedByMachine: d.Config.MachineID,
		UpdatedAt:        time.Now().UnixMilli(),
		Tombstone:        true,
	}

	if _, err := d.Conflicts.Apply(alias); err != nil {
		return model.Alias{}, err
	}
	d.hw.advance(group, alias.Version)
	d.Store.PersistAsync()
	d.rewriteAliasFile()

	payload, err := json.Marshal(alias)
	if err != nil {
		return model.Alias{}, err
	}
	d.Store.EnqueuePending(model.PendingAlias, payload, alias.UpdatedAt)
	return alias, nil
}
