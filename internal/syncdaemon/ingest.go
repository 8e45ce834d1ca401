package syncdaemon

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shell-sync/shell-sync/internal/cryptoutil"
	"github.com/shell-sync/shell-sync/internal/model"
	"github.com/shell-sync/shell-sync/internal/socketingest"
)

var hostname = func() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}()

// handleIngestEnvelope dispatches one shell-hook envelope by kind: "exec"
// records a command, "forget" retracts a previously ingested one.
func (d *Daemon) handleIngestEnvelope(env socketingest.Envelope) {
	switch env.Kind {
	case "exec":
		d.ingestCommand(env)
	case "forget":
		d.ingestForget(env)
	}
}

// ingestCommand turns one shell-hook envelope into an encrypted history
// entry, appends it to the local store, and queues it for outbound
// delivery. Field-level AEAD sealing matches the relay-visible shape in
// internal/model: each sensitive field is sealed independently under its
// own nonce.
func (d *Daemon) ingestCommand(env socketingest.Envelope) {
	group := env.Group
	if group == "" {
		group = d.defaultGroup()
	}

	key, err := d.Keys.GroupKey(group)
	if err != nil {
		log.Printf("syncdaemon: dropping history entry, no key for group %q: %v", group, err)
		return
	}

	entry := model.HistoryEntry{
		ID:        uuid.NewString(),
		Group:     group,
		MachineID: d.Config.MachineID,
		SessionID: env.SessionID,
		Timestamp: env.Timestamp,
		Shell:     env.Shell,
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixMilli()
	}

	seal := func(plaintext string) (ct, nonce []byte) {
		ct, nonce, err = cryptoutil.SealField(key, group, []byte(plaintext))
		return
	}

	entry.CommandCT, entry.CommandNonce = seal(env.Command)
	entry.CwdCT, entry.CwdNonce = seal(env.Cwd)
	entry.HostnameCT, entry.HostnameNonce = seal(hostname)
	entry.ExitCodeCT, entry.ExitCodeNonce = seal(strconv.Itoa(env.ExitCode))
	entry.DurationCT, entry.DurationNonce = seal(strconv.FormatInt(env.DurationMS, 10))
	if err != nil {
		log.Printf("syncdaemon: sealing history entry: %v", err)
		return
	}

	if !d.Store.AppendHistory(entry) {
		return // duplicate id, already ingested
	}
	d.Store.PersistAsync()

	payload, err := json.Marshal(entry)
	if err != nil {
		return
	}
	d.Store.EnqueuePending(model.PendingHistory, payload, time.Now().UnixMilli())
}

// ingestForget retracts a previously ingested history entry: it appends a
// tombstone row naming the target rather than rewriting it, and queues the
// tombstone for outbound delivery so peers retract their copy too.
func (d *Daemon) ingestForget(env socketingest.Envelope) {
	if env.TargetID == "" {
		log.Print("syncdaemon: dropping forget envelope with no target_id")
		return
	}

	group := env.Group
	if group == "" {
		group = d.defaultGroup()
	}

	entry := model.HistoryEntry{
		ID:          uuid.NewString(),
		Group:       group,
		MachineID:   d.Config.MachineID,
		SessionID:   env.SessionID,
		Timestamp:   env.Timestamp,
		Shell:       env.Shell,
		Tombstone:   true,
		TombstoneOf: env.TargetID,
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixMilli()
	}

	added, err := d.Store.TombstoneHistory(entry)
	if err != nil {
		log.Printf("syncdaemon: tombstoning history entry %q: %v", env.TargetID, err)
		return
	}
	if !added {
		return // duplicate id, already ingested
	}
	d.Store.PersistAsync()

	payload, err := json.Marshal(entry)
	if err != nil {
		return
	}
	d.Store.EnqueuePending(model.PendingHistory, payload, time.Now().UnixMilli())
}

func (d *Daemon) defaultGroup() string {
	if len(d.Config.Groups) > 0 {
		return d.Config.Groups[0]
	}
	return "default"
}
