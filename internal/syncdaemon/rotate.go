package syncdaemon

import (
	"encoding/json"
	"fmt"

	"github.com/shell-sync/shell-sync/internal/wire"
)

// RotateGroupKey performs an operator-triggered rotation of group's
// symmetric key (spec: "key rotation is triggered by an explicit operator
// action on any member"). It discovers every other current member's
// announced public key, rotates the local copy of the key, wraps the new
// key for each member, and sends a key_update frame addressed to each one
// over the daemon's live connection. Requires Run to already be
// maintaining a session; the rotate-key CLI command dials one specifically
// for this.
func (d *Daemon) RotateGroupKey(group string) error {
	sess := d.getActive()
	if sess == nil {
		return fmt.Errorf("syncdaemon: no active connection to rotate group %q", group)
	}

	peers, err := groupMemberKeys(d.httpClient, d.Config.ServerURL, d.AuthToken, group, d.Config.MachineID)
	if err != nil {
		return fmt.Errorf("syncdaemon: discovering group %q members: %w", group, err)
	}

	if _, err := d.Keys.Rotate(group); err != nil {
		return err
	}

	sent := 0
	for _, peer := range peers {
		wrapped, err := d.Keys.WrapForJoiner(group, peer.PublicKey)
		if err != nil {
			continue
		}
		payload, err := json.Marshal(wrapped)
		if err != nil {
			continue
		}
		if err := sess.send(wire.Frame{
			Type:            wire.TypeKeyUpdate,
			Group:           group,
			TargetMachineID: peer.MachineID,
			Wrapped:         payload,
		}); err != nil {
			return err
		}
		sent++
	}

	d.rewriteAliasFile()
	if sent == 0 && len(peers) > 0 {
		return fmt.Errorf("syncdaemon: rotated group %q but could not wrap the new key for any member", group)
	}
	return nil
}
