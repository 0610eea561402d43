package testutil

import (
	"context"
	"errors"
	"testing"

	"aevo/internal/grammar"
	"aevo/internal/rulestore"
)

// OpenStore creates a store whose head is root.
type OpenStore func(t *testing.T, root grammar.Snapshot) rulestore.Store

// RunStoreSuite checks the behavior every rulestore.Store must share.
func RunStoreSuite(t *testing.T, open OpenStore) {
	t.Run("initial head is root", func(t *testing.T) {
		ctx := context.Background()
		s := open(t, Root(t))

		head, err := s.CurrentHead(ctx)
		if err != nil {
			t.Fatalf("CurrentHead failed: %v", err)
		}
		if head != grammar.RootID {
			t.Errorf("head = %q, want %q", head, grammar.RootID)
		}
		snap, err := s.Snapshot(ctx, grammar.RootID)
		if err != nil {
			t.Fatalf("Snapshot(root) failed: %v", err)
		}
		if snap.Len() != 3 {
			t.Errorf("root rules = %d, want 3", snap.Len())
		}
	})

	t.Run("commit advances head", func(t *testing.T) {
		ctx := context.Background()
		root := Root(t)
		s := open(t, root)

		next := Snapshot(t, "e1", append(root.Clone().Rules, Rule("R4", "return"))...)
		res, err := s.Commit(ctx, next, grammar.RootID)
		if err != nil {
			t.Fatalf("Commit failed: %v", err)
		}
		if res.SnapshotID != "e1" || res.PreviousHead != grammar.RootID || res.RuleCount != 4 {
			t.Errorf("CommitResult = %+v", res)
		}
		if res.Digest != next.Digest() {
			t.Errorf("Digest = %s, want %s", res.Digest, next.Digest())
		}
		if res.Kind != rulestore.KindCommit {
			t.Errorf("Kind = %s, want commit", res.Kind)
		}

		head, _ := s.CurrentHead(ctx)
		if head != "e1" {
			t.Errorf("head = %q, want e1", head)
		}
		got, err := s.Snapshot(ctx, "e1")
		if err != nil {
			t.Fatalf("Snapshot(e1) failed: %v", err)
		}
		if got.Digest() != next.Digest() {
			t.Error("stored snapshot differs from committed one")
		}
	})

	t.Run("stale expected head", func(t *testing.T) {
		ctx := context.Background()
		root := Root(t)
		s := open(t, root)

		if _, err := s.Commit(ctx, root.WithID("e1"), grammar.RootID); err != nil {
			t.Fatalf("Commit failed: %v", err)
		}
		_, err := s.Commit(ctx, root.WithID("e2"), grammar.RootID)
		if !errors.Is(err, rulestore.ErrHeadMoved) {
			t.Errorf("err = %v, want ErrHeadMoved", err)
		}
	})

	t.Run("structurally invalid snapshot rejected", func(t *testing.T) {
		ctx := context.Background()
		s := open(t, Root(t))

		bad := grammar.Snapshot{ID: "bad", Rules: []grammar.Rule{{Name: "R9", Production: grammar.Lit("x")}}}
		_, err := s.Commit(ctx, bad, grammar.RootID)
		var rejected *rulestore.RejectedError
		if !errors.As(err, &rejected) {
			t.Fatalf("err = %v, want *RejectedError", err)
		}
		if head, _ := s.CurrentHead(ctx); head != grammar.RootID {
			t.Errorf("head moved to %q after rejection", head)
		}
	})

	t.Run("duplicate id rejected", func(t *testing.T) {
		ctx := context.Background()
		root := Root(t)
		s := open(t, root)

		if _, err := s.Commit(ctx, root.WithID("e1"), grammar.RootID); err != nil {
			t.Fatalf("Commit failed: %v", err)
		}
		_, err := s.Commit(ctx, root.WithID("e1"), "e1")
		var rejected *rulestore.RejectedError
		if !errors.As(err, &rejected) {
			t.Errorf("err = %v, want *RejectedError", err)
		}
	})

	t.Run("restore moves head back", func(t *testing.T) {
		ctx := context.Background()
		root := Root(t)
		s := open(t, root)

		next := Snapshot(t, "e1", Rule("R1", "print", "value"))
		if _, err := s.Commit(ctx, next, grammar.RootID); err != nil {
			t.Fatalf("Commit failed: %v", err)
		}

		res, err := s.Restore(ctx, root, "e1")
		if err != nil {
			t.Fatalf("Restore failed: %v", err)
		}
		if res.Kind != rulestore.KindRollback || res.SnapshotID != grammar.RootID || res.PreviousHead != "e1" {
			t.Errorf("CommitResult = %+v", res)
		}
		if head, _ := s.CurrentHead(ctx); head != grammar.RootID {
			t.Errorf("head = %q, want root", head)
		}

		// A snapshot never committed is stored by Restore.
		fresh := Snapshot(t, "p1", Rule("R2", "loop"))
		if _, err := s.Restore(ctx, fresh, grammar.RootID); err != nil {
			t.Fatalf("Restore(new) failed: %v", err)
		}
		if _, err := s.Snapshot(ctx, "p1"); err != nil {
			t.Errorf("restored snapshot not stored: %v", err)
		}

		// Same id, different content.
		_, err = s.Restore(ctx, Snapshot(t, "e1", Rule("R5", "x")), "p1")
		var rejected *rulestore.RejectedError
		if !errors.As(err, &rejected) {
			t.Errorf("err = %v, want *RejectedError", err)
		}
	})

	t.Run("log records head changes", func(t *testing.T) {
		ctx := context.Background()
		root := Root(t)
		s := open(t, root)

		if _, err := s.Commit(ctx, root.WithID("e1"), grammar.RootID); err != nil {
			t.Fatalf("Commit failed: %v", err)
		}
		if _, err := s.Restore(ctx, root, "e1"); err != nil {
			t.Fatalf("Restore failed: %v", err)
		}

		log, err := s.Log(ctx)
		if err != nil {
			t.Fatalf("Log failed: %v", err)
		}
		if len(log) != 2 {
			t.Fatalf("len(Log) = %d, want 2", len(log))
		}
		if log[0].SnapshotID != "e1" || log[0].Kind != rulestore.KindCommit {
			t.Errorf("log[0] = %+v", log[0])
		}
		if log[1].SnapshotID != grammar.RootID || log[1].Kind != rulestore.KindRollback {
			t.Errorf("log[1] = %+v", log[1])
		}
	})

	t.Run("unknown snapshot", func(t *testing.T) {
		s := open(t, Root(t))
		_, err := s.Snapshot(context.Background(), "nope")
		if !errors.Is(err, rulestore.ErrSnapshotNotFound) {
			t.Errorf("err = %v, want ErrSnapshotNotFound", err)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		s := open(t, Root(t))
		if _, err := s.CurrentHead(ctx); err == nil {
			t.Error("CurrentHead with cancelled context should fail")
		}
	})
}
