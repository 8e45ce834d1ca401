// Package model holds the shared data types replicated between a machine's
// local store and the relay: aliases, machines, history entries, conflicts,
// and the audit trail of sync activity.
package model

// Alias is one shell alias, scoped to a group. Identity is (Group, Name).
type Alias struct {
	Group            string `json:"group"`
	Name             string `json:"name"`
	CommandCT        []byte `json:"command_ct"`
	Nonce            []byte `json:"nonce"`
	Version          int64  `json:"version"`
	UpdatedByMachine string `json:"updated_by_machine"`
	UpdatedAt        int64  `json:"updated_at"`
	Tombstone        bool   `json:"tombstone"`
}

// Machine is one enrolled installation.
type Machine struct {
	MachineID string   `json:"machine_id"`
	Hostname  string   `json:"hostname"`
	OS        string   `json:"os"`
	Groups    []string `json:"groups"`
	AuthToken string   `json:"auth_token"`
	PublicKey []byte   `json:"public_key"`
	LastSeen  int64    `json:"last_seen"`
	Revoked   bool     `json:"revoked"`
}

// HasGroup reports whether the machine is a member of the given group.
func (m Machine) HasGroup(group string) bool {
	for _, g := range m.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// HistoryEntry is one shell command, append-only once ingested. The
// ciphertext fields are AEAD-sealed independently, each with its own nonce,
// under the group key, with the group name as associated data.
type HistoryEntry struct {
	ID        string `json:"id"`
	Group     string `json:"group"`
	MachineID string `json:"machine_id"`
	SessionID string `json:"session_id"`
	Timestamp int64  `json:"timestamp"`
	Shell     string `json:"shell"`
	Tombstone bool   `json:"tombstone"`

	// TombstoneOf names the id of the entry this row retracts. Only set
	// when Tombstone is true; the retracted row itself is never rewritten.
	TombstoneOf string `json:"tombstone_of,omitempty"`

	CommandCT    []byte `json:"command_ct"`
	CommandNonce []byte `json:"command_nonce"`

	CwdCT    []byte `json:"cwd_ct"`
	CwdNonce []byte `json:"cwd_nonce"`

	HostnameCT    []byte `json:"hostname_ct"`
	HostnameNonce []byte `json:"hostname_nonce"`

	ExitCodeCT    []byte `json:"exit_code_ct"`
	ExitCodeNonce []byte `json:"exit_code_nonce"`

	DurationCT    []byte `json:"duration_ct"`
	DurationNonce []byte `json:"duration_nonce"`
}

// Resolution is the outcome of a conflict once a user has chosen a side.
type Resolution string

const (
	ResolutionPending    Resolution = "pending"
	ResolutionKeepLocal  Resolution = "keep_local"
	ResolutionKeepRemote Resolution = "keep_remote"
)

// Conflict records two incomparable versions of the same alias identity.
type Conflict struct {
	ID         string `json:"id"`
	Group      string `json:"group"`
	Name       string `json:"name"`
	LocalCT    []byte `json:"local_ct"`
	LocalNonce []byte `json:"local_nonce"`

	LocalUpdatedByMachine string `json:"local_updated_by_machine"`
	LocalUpdatedAt        int64  `json:"local_updated_at"`
	LocalVersion          int64  `json:"local_version"`

	RemoteCT    []byte `json:"remote_ct"`
	RemoteNonce []byte `json:"remote_nonce"`

	RemoteUpdatedByMachine string `json:"remote_updated_by_machine"`
	RemoteUpdatedAt        int64  `json:"remote_updated_at"`
	RemoteVersion          int64  `json:"remote_version"`

	CreatedAt  int64      `json:"created_at"`
	Resolution Resolution `json:"resolution"`
}

// SyncAction tags what a SyncEvent audit row records.
type SyncAction string

const (
	SyncActionAdd      SyncAction = "add"
	SyncActionUpdate   SyncAction = "update"
	SyncActionDelete   SyncAction = "delete"
	SyncActionConflict SyncAction = "conflict"
)

// SyncEvent is an append-only audit row, retained by count.
type SyncEvent struct {
	ID        string     `json:"id"`
	Timestamp int64      `json:"timestamp"`
	Action    SyncAction `json:"action"`
	AliasName string     `json:"alias_name"`
	Group     string     `json:"group"`
	MachineID string     `json:"machine_id"`
}

// PendingKind distinguishes the two pending queues.
type PendingKind string

const (
	PendingAlias   PendingKind = "alias"
	PendingHistory PendingKind = "history"
)

// PendingItem is a not-yet-acknowledged outbound queue row. Payload holds
// the JSON-encoded frame body (an Alias or a HistoryEntry).
type PendingItem struct {
	ID        string      `json:"id"`
	Kind      PendingKind `json:"kind"`
	Payload   []byte      `json:"payload"`
	CreatedAt int64       `json:"created_at"`
}

// QuarantineOrigin names which table a quarantined row came from.
type QuarantineOrigin string

const (
	QuarantineAlias   QuarantineOrigin = "alias"
	QuarantineHistory QuarantineOrigin = "history"
)

// QuarantineRow records a row that failed AEAD decryption or otherwise
// tripped an integrity check. It is never replicated.
type QuarantineRow struct {
	ID            string           `json:"id"`
	Origin        QuarantineOrigin `json:"origin_table"`
	Identity      string           `json:"identity"`
	Payload       []byte           `json:"payload"`
	Reason        string           `json:"reason"`
	QuarantinedAt int64            `json:"quarantined_at"`
}

// GroupKey is a group's current symmetric secret plus rotation lineage.
// Older keys are retained so ciphertext sealed before a rotation stays
// readable, per spec's key-rotation invariant.
type GroupKey struct {
	Group        string   `json:"group"`
	CurrentKey   []byte   `json:"current_key"`
	PreviousKeys [][]byte `json:"previous_keys"`
	Epoch        int64    `json:"epoch"`
}
