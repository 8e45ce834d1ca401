package syncdaemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shell-sync/shell-sync/internal/conflict"
	"github.com/shell-sync/shell-sync/internal/cryptoutil"
	"github.com/shell-sync/shell-sync/internal/model"
	"github.com/shell-sync/shell-sync/internal/socketingest"
	"github.com/shell-sync/shell-sync/internal/wire"
)

// session is one connected lifetime; all its bookkeeping (in-flight
// tracking, pending key exchanges) is scoped to the connection and
// discarded on disconnect, since a reconnect resends whatever the store
// still shows as pending.
type session struct {
	d  *Daemon
	ws *websocket.Conn

	writeMu sync.Mutex

	mu              sync.Mutex
	aliasInFlight   map[string]bool
	historyInFlight map[string]bool
	historyIDMap    map[string]string // history entry id -> pending item id
	keyWait         map[string]chan error
}

func newSession(d *Daemon, ws *websocket.Conn) *session {
	return &session{
		d:               d,
		ws:              ws,
		aliasInFlight:   make(map[string]bool),
		historyInFlight: make(map[string]bool),
		historyIDMap:    make(map[string]string),
		keyWait:         make(map[string]chan error),
	}
}

func (s *session) send(frame wire.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.ws.WriteMessage(websocket.TextMessage, data)
}

// runSession drives one connection lifetime: initial snapshot/delta
// requests, the inbound frame reader, the outbound flush loop, and the
// socket-ingest drain. It returns when the connection drops or ctx is
// canceled.
func (d *Daemon) runSession(ctx context.Context, ws *websocket.Conn) error {
	sess := newSession(d, ws)
	defer ws.Close()
	d.setActive(sess)
	defer d.clearActive(sess)

	const pongWait = 60 * time.Second
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		s := sess
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return ws.WriteMessage(websocket.PongMessage, []byte(data))
	})

	selfPublic := d.Keys.PublicKey()
	_ = sess.send(wire.Frame{Type: wire.TypeAuthenticate, PublicKey: selfPublic[:]})

	frames := make(chan wire.Frame, 32)
	readErr := make(chan error, 1)
	go sess.readLoop(frames, readErr)

	for _, group := range d.Config.Groups {
		if err := d.ensureGroupKey(ctx, sess, group); err != nil {
			// Logged, not fatal: the group's rows just stay undecryptable
			// until the next session's key exchange succeeds.
			log.Printf("syncdaemon: group %q key exchange: %v", group, err)
		}
		since := d.hw.get(group)
		if since == 0 {
			_ = sess.send(wire.Frame{Type: wire.TypeSnapshotRequest, Group: group})
		} else {
			_ = sess.send(wire.Frame{Type: wire.TypeDeltaRequest, Group: group, Since: since})
		}
	}

	aliasTicker := time.NewTicker(aliasFlushPeriod)
	defer aliasTicker.Stop()
	historyTicker := time.NewTicker(historyBatchDelay)
	defer historyTicker.Stop()

	var ingestEvents <-chan socketingest.Envelope
	if d.Ingest != nil {
		ingestEvents = d.Ingest.Events()
	}

	for {
		select {
		case <-ctx.Done():
			s := sess
			_ = s.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(2*time.Second))
			return nil
		case err := <-readErr:
			return err
		case frame := <-frames:
			d.applyFrame(sess, frame)
		case <-aliasTicker.C:
			sess.flushAliases()
		case <-historyTicker.C:
			sess.flushHistory()
		case env, ok := <-ingestEvents:
			if !ok {
				ingestEvents = nil
				continue
			}
			d.handleIngestEnvelope(env)
			if len(d.Store.ListPending(model.PendingHistory)) >= historyBatchSize {
				sess.flushHistory()
			}
		}
	}
}

func (s *session) readLoop(frames chan<- wire.Frame, errCh chan<- error) {
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}
		var frame wire.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		// key_response is handled here rather than in runSession's select
		// loop, because ensureGroupKey waits for it before that loop starts.
		if frame.Type == wire.TypeKeyResponse {
			s.d.handleKeyResponse(s, frame)
			continue
		}
		frames <- frame
	}
}

// flushAliases sends every not-yet-in-flight pending alias write, one
// frame per alias, per the design's "aliases flushed individually" rule.
func (s *session) flushAliases() {
	items := s.d.Store.ListPending(model.PendingAlias)
	for _, item := range items {
		s.mu.Lock()
		inFlight := s.aliasInFlight[item.ID]
		s.mu.Unlock()
		if inFlight {
			continue
		}

		var alias model.Alias
		if err := json.Unmarshal(item.Payload, &alias); err != nil {
			s.d.Store.AckPending(model.PendingAlias, item.ID) // poisoned queue row, drop it
			continue
		}

		s.mu.Lock()
		s.aliasInFlight[item.ID] = true
		s.mu.Unlock()
		_ = s.send(wire.Frame{Type: wire.TypeAliasWrite, ID: item.ID, Alias: &alias})
	}
}

// flushHistory sends up to historyBatchSize not-yet-in-flight pending
// history entries as a single batch frame.
func (s *session) flushHistory() {
	items := s.d.Store.ListPending(model.PendingHistory)
	batch := make([]model.HistoryEntry, 0, historyBatchSize)
	idMap := make(map[string]string, historyBatchSize)

	s.mu.Lock()
	for _, item := range items {
		if s.historyInFlight[item.ID] {
			continue
		}
		var entry model.HistoryEntry
		if err := json.Unmarshal(item.Payload, &entry); err != nil {
			s.d.Store.AckPending(model.PendingHistory, item.ID) // poisoned queue row, drop it
			continue
		}
		batch = append(batch, entry)
		idMap[entry.ID] = item.ID
		s.historyInFlight[item.ID] = true
		if len(batch) >= historyBatchSize {
			break
		}
	}
	for entryID, itemID := range idMap {
		s.historyIDMap[entryID] = itemID
	}
	s.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	_ = s.send(wire.Frame{Type: wire.TypeHistoryBatch, Entries: batch})
}

// applyFrame handles one inbound frame. Aliases are always applied before
// history within the same frame, per the design's ordering rule, so a
// history entry referencing a brand new alias sees it already applied.
func (d *Daemon) applyFrame(sess *session, frame wire.Frame) {
	switch frame.Type {
	case wire.TypeSnapshot:
		d.applyAliases(frame.Group, frame.Aliases)
		d.applyHistory(frame.History)
	case wire.TypeAliasWrite:
		if frame.Alias != nil {
			d.applyAliases(frame.Alias.Group, []model.Alias{*frame.Alias})
		}
	case wire.TypeAliasAck:
		d.Store.AckPending(model.PendingAlias, frame.ID)
		sess.mu.Lock()
		delete(sess.aliasInFlight, frame.ID)
		sess.mu.Unlock()
	case wire.TypeHistoryBatch:
		d.applyHistory(frame.Entries)
	case wire.TypeHistoryAck:
		sess.mu.Lock()
		for _, entryID := range frame.IDs {
			if itemID, ok := sess.historyIDMap[entryID]; ok {
				delete(sess.historyIDMap, entryID)
				delete(sess.historyInFlight, itemID)
				d.Store.AckPending(model.PendingHistory, itemID)
			}
		}
		sess.mu.Unlock()
	case wire.TypeKeyRequest:
		d.handleKeyRequest(sess, frame)
	case wire.TypeKeyResponse:
		d.handleKeyResponse(sess, frame)
	case wire.TypeKeyUpdate:
		d.handleKeyUpdate(sess, frame)
	case wire.TypeThrottle:
		time.Sleep(time.Duration(frame.RetryMS) * time.Millisecond)
	case wire.TypeError:
		// Validation/integrity errors from the relay are logged; the
		// pending item that caused one stays queued and is retried on the
		// next reconnect, since the error frame carries no correlating id.
		log.Printf("syncdaemon: relay error: %s", frame.Message)
	}
}

func (d *Daemon) applyAliases(group string, aliases []model.Alias) {
	changed := false
	for _, a := range aliases {
		outcome, err := d.Conflicts.Apply(a)
		if err != nil {
			continue
		}
		if outcome == conflict.OutcomeAccepted || outcome == conflict.OutcomeCollapsed {
			changed = true
			d.hw.advance(a.Group, a.Version)
		}
	}
	_ = group
	if changed {
		d.Store.PersistAsync()
		d.rewriteAliasFile()
	}
}

func (d *Daemon) applyHistory(entries []model.HistoryEntry) {
	added := false
	for _, e := range entries {
		if d.Store.AppendHistory(e) {
			added = true
		}
	}
	if added {
		d.Store.PersistAsync()
	}
}

func (d *Daemon) handleKeyRequest(sess *session, frame wire.Frame) {
	if len(frame.PublicKey) != 32 {
		return
	}
	var joinerPublic [32]byte
	copy(joinerPublic[:], frame.PublicKey)

	wrapped, err := d.Keys.WrapForJoiner(frame.Group, joinerPublic)
	if err != nil {
		return // this machine doesn't hold the key either; another member may answer
	}
	payload, err := json.Marshal(wrapped)
	if err != nil {
		return
	}
	_ = sess.send(wire.Frame{
		Type:            wire.TypeKeyResponse,
		Group:           frame.Group,
		TargetMachineID: frame.MachineID,
		Wrapped:         payload,
	})
}

func (d *Daemon) handleKeyResponse(sess *session, frame wire.Frame) {
	var wrapped cryptoutil.WrappedKey
	err := json.Unmarshal(frame.Wrapped, &wrapped)
	if err == nil {
		err = d.Keys.AcceptWrapped(frame.Group, &wrapped)
	}

	sess.mu.Lock()
	ch, waiting := sess.keyWait[frame.Group]
	sess.mu.Unlock()
	if waiting {
		ch <- err
	}
	if err == nil {
		d.rewriteAliasFile()
	}
}

func (d *Daemon) handleKeyUpdate(sess *session, frame wire.Frame) {
	var wrapped cryptoutil.WrappedKey
	if err := json.Unmarshal(frame.Wrapped, &wrapped); err != nil {
		return
	}
	if err := d.Keys.AdoptRotated(frame.Group, &wrapped); err == nil {
		d.rewriteAliasFile()
	}
	_ = sess
}

// ensureGroupKey makes sure this machine holds a usable key for group
// before requesting a snapshot/delta for it: creates one if this machine
// is the first known member, otherwise requests it from an existing
// member over HTTP-discovered membership and this same connection.
func (d *Daemon) ensureGroupKey(ctx context.Context, sess *session, group string) error {
	if len(d.Keys.AnyGroupKey(group)) > 0 {
		return nil
	}

	peer, err := groupPeer(d.httpClient, d.Config.ServerURL, d.AuthToken, group, d.Config.MachineID)
	if err != nil {
		return err
	}
	if peer == "" {
		return d.Keys.CreateGroup(group)
	}

	wait := make(chan error, 1)
	sess.mu.Lock()
	sess.keyWait[group] = wait
	sess.mu.Unlock()
	defer func() {
		sess.mu.Lock()
		delete(sess.keyWait, group)
		sess.mu.Unlock()
	}()

	pub := d.Keys.PublicKey()
	if err := sess.send(wire.Frame{
		Type:            wire.TypeKeyRequest,
		Group:           group,
		TargetMachineID: peer,
		PublicKey:       pub[:],
	}); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-wait:
		return err
	case <-time.After(keyExchangeWait):
		return fmt.Errorf("syncdaemon: key exchange for group %q timed out", group)
	}
}
