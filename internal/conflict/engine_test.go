package conflict

import (
	"testing"

	"github.com/shell-sync/shell-sync/internal/cryptoutil"
	"github.com/shell-sync/shell-sync/internal/model"
	"github.com/shell-sync/shell-sync/internal/store"
)

func seal(t *testing.T, key []byte, group, plaintext string) (ct, nonce []byte) {
	t.Helper()
	ct, nonce, err := cryptoutil.SealField(key, group, []byte(plaintext))
	if err != nil {
		t.Fatalf("SealField: %v", err)
	}
	return ct, nonce
}

func TestEngine_DivergentEditsRecordConflict(t *testing.T) {
	key, _ := cryptoutil.NewGroupKey()
	s := store.New()
	e := New(s, func(string) ([]byte, error) { return key, nil })

	ctA, nonceA := seal(t, key, "default", "git status -sb")
	ctB, nonceB := seal(t, key, "default", "git status --short")

	// Both start from version 1 offline, both bump to version 2 independently.
	s.UpsertAlias(model.Alias{Group: "default", Name: "gs", CommandCT: []byte("git status"), Version: 1, UpdatedByMachine: "a", UpdatedAt: 100})

	outcome, err := e.Apply(model.Alias{Group: "default", Name: "gs", CommandCT: ctA, Nonce: nonceA, Version: 2, UpdatedByMachine: "a", UpdatedAt: 200})
	if err != nil {
		t.Fatalf("Apply local: %v", err)
	}
	if outcome != OutcomeAccepted {
		t.Fatalf("expected accepted for the first version-2 write, got %v", outcome)
	}

	outcome, err = e.Apply(model.Alias{Group: "default", Name: "gs", CommandCT: ctB, Nonce: nonceB, Version: 2, UpdatedByMachine: "b", UpdatedAt: 210})
	if err != nil {
		t.Fatalf("Apply remote: %v", err)
	}
	if outcome != OutcomeConflict {
		t.Fatalf("expected conflict, got %v", outcome)
	}

	conflicts := s.ListConflicts("default")
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict row, got %d", len(conflicts))
	}

	winner, err := e.Resolve(conflicts[0].ID, "b", model.ResolutionKeepRemote)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if winner.Version != 3 {
		t.Fatalf("expected resolved version 3, got %d", winner.Version)
	}

	final, ok := s.GetAlias("default", "gs")
	if !ok || final.Version != 3 || final.UpdatedByMachine != "b" {
		t.Fatalf("unexpected final alias state: %+v ok=%v", final, ok)
	}
}

func TestEngine_IdenticalPlaintextCollapsesSilently(t *testing.T) {
	key, _ := cryptoutil.NewGroupKey()
	s := store.New()
	e := New(s, func(string) ([]byte, error) { return key, nil })

	ctA, nonceA := seal(t, key, "default", "ls -lah")
	ctB, nonceB := seal(t, key, "default", "ls -lah")

	s.UpsertAlias(model.Alias{Group: "default", Name: "ll", CommandCT: []byte("ls"), Version: 1, UpdatedByMachine: "a", UpdatedAt: 100})

	outcome, err := e.Apply(model.Alias{Group: "default", Name: "ll", CommandCT: ctA, Nonce: nonceA, Version: 2, UpdatedByMachine: "a", UpdatedAt: 200})
	if err != nil || outcome != OutcomeAccepted {
		t.Fatalf("expected accepted, got %v err=%v", outcome, err)
	}

	outcome, err = e.Apply(model.Alias{Group: "default", Name: "ll", CommandCT: ctB, Nonce: nonceB, Version: 2, UpdatedByMachine: "b", UpdatedAt: 210})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if outcome != OutcomeCollapsed {
		t.Fatalf("expected collapse, got %v", outcome)
	}

	if len(s.ListConflicts("default")) != 0 {
		t.Fatalf("expected no conflict row for identical plaintext")
	}
}
