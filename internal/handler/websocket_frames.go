package handler

import (
	"encoding/json"
	"time"

	"github.com/shell-sync/shell-sync/internal/model"
	"github.com/shell-sync/shell-sync/internal/store"
	"github.com/shell-sync/shell-sync/internal/wire"
)

// handleFrame dispatches one inbound WebSocket frame per the design's
// frame catalogue. The relay never inspects ciphertext fields; it only
// reads plaintext metadata (group, version, timestamp, machine ids) needed
// to route, order, and durably persist.
func (h *WebSocketHandler) handleFrame(machine *model.Machine, w *wsWriter, frame wire.Frame) {
	switch frame.Type {
	case wire.TypeAuthenticate:
		h.receiveIdentity(machine, frame)
	case wire.TypeSnapshotRequest:
		h.sendSnapshot(machine, w, frame.Group)
	case wire.TypeDeltaRequest:
		h.sendDelta(machine, w, frame.Group, frame.Since)
	case wire.TypeAliasWrite:
		h.receiveAliasWrite(machine, w, frame)
	case wire.TypeHistoryBatch:
		h.receiveHistoryBatch(machine, w, frame)
	case wire.TypeKeyRequest, wire.TypeKeyResponse, wire.TypeKeyUpdate:
		h.routeKeyFrame(machine, frame)
	default:
		// Unknown or out-of-order frames are ignored rather than dropping
		// the connection, matching the teacher's unmarshal-then-switch
		// behavior for message types it does not recognize.
	}
}

// receiveIdentity records a machine's long-term X25519 public key, sent
// once at the start of a session. The relay never uses the key itself; it
// only holds it so other group members can discover it when wrapping a
// rotated group key (see MachineHandler.PublicKeys).
func (h *WebSocketHandler) receiveIdentity(machine *model.Machine, frame wire.Frame) {
	if len(frame.PublicKey) != 32 {
		return
	}
	_ = h.Store.SetMachinePublicKey(machine.MachineID, frame.PublicKey)
}

func (h *WebSocketHandler) sendSnapshot(machine *model.Machine, w *wsWriter, group string) {
	if group == "" || !machine.HasGroup(group) {
		return
	}
	frame := wire.Frame{
		Type:    wire.TypeSnapshot,
		Group:   group,
		Aliases: h.Store.ListAliases(group),
		History: h.Store.HistorySince(group, 0),
	}
	out, _ := json.Marshal(frame)
	_ = w.Write(out)
}

func (h *WebSocketHandler) sendDelta(machine *model.Machine, w *wsWriter, group string, since int64) {
	if group == "" || !machine.HasGroup(group) {
		return
	}
	frame := wire.Frame{
		Type:    wire.TypeSnapshot, // a delta reuses the snapshot frame shape with a narrower payload
		Group:   group,
		Aliases: h.Store.AliasesSince(group, since),
		History: h.Store.HistorySince(group, since),
	}
	out, _ := json.Marshal(frame)
	_ = w.Write(out)
}

func (h *WebSocketHandler) receiveAliasWrite(machine *model.Machine, w *wsWriter, frame wire.Frame) {
	if frame.Alias == nil || !machine.HasGroup(frame.Alias.Group) {
		return
	}
	alias := *frame.Alias
	alias.UpdatedByMachine = machine.MachineID

	res, existing, err := h.Store.UpsertAlias(alias)
	if err != nil {
		out, _ := json.Marshal(wire.Frame{Type: wire.TypeError, Message: "validation: " + err.Error()})
		_ = w.Write(out)
		return
	}

	switch res {
	case store.ResultAccepted:
		h.Store.PersistAsync()
		ack, _ := json.Marshal(wire.Frame{Type: wire.TypeAliasAck, ID: frame.ID})
		_ = w.Write(ack)
		fanout, _ := json.Marshal(wire.Frame{Type: wire.TypeAliasWrite, Alias: &alias})
		h.Hub.Broadcast(alias.Group, machine.MachineID, fanout)
	case store.ResultStale:
		out, _ := json.Marshal(wire.Frame{Type: wire.TypeError, Message: "integrity: version regression"})
		_ = w.Write(out)
	case store.ResultConflict:
		h.Store.RecordConflict(alias.Group, alias.Name, existing, alias, time.Now().UnixMilli())
		h.Store.PersistAsync()
		ack, _ := json.Marshal(wire.Frame{Type: wire.TypeAliasAck, ID: frame.ID}) // durable either way; conflict surfaces via GET /conflicts
		_ = w.Write(ack)
	}
}

func (h *WebSocketHandler) receiveHistoryBatch(machine *model.Machine, w *wsWriter, frame wire.Frame) {
	acked := make([]string, 0, len(frame.Entries))
	var group string
	for _, entry := range frame.Entries {
		if !machine.HasGroup(entry.Group) {
			continue
		}
		group = entry.Group
		entry.MachineID = machine.MachineID
		h.Store.AppendHistory(entry)
		acked = append(acked, entry.ID)
	}
	if len(acked) == 0 {
		return
	}
	h.Store.PersistAsync()

	ack, _ := json.Marshal(wire.Frame{Type: wire.TypeHistoryAck, IDs: acked})
	_ = w.Write(ack)

	fanout, _ := json.Marshal(wire.Frame{Type: wire.TypeHistoryBatch, Entries: frame.Entries})
	h.Hub.Broadcast(group, machine.MachineID, fanout)
}

// routeKeyFrame forwards a key exchange frame verbatim to its target
// machine. The relay never inspects Wrapped: it is opaque ciphertext to
// everyone but the two machines exchanging a group key.
func (h *WebSocketHandler) routeKeyFrame(machine *model.Machine, frame wire.Frame) {
	if frame.TargetMachineID == "" {
		return
	}
	frame.MachineID = machine.MachineID
	out, _ := json.Marshal(frame)
	h.Hub.Send(frame.TargetMachineID, out)
}
