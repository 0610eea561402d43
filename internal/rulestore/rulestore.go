// Package rulestore defines the contract between the evolution pipeline and
// the store that holds committed rule snapshots, plus an in-memory store.
package rulestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"aevo/internal/grammar"
)

// ErrHeadMoved is returned when the head is not the expected one.
var ErrHeadMoved = errors.New("rule store head moved")

// ErrSnapshotNotFound is returned for unknown snapshot ids.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// RejectedError is returned when a snapshot fails the store's checks.
type RejectedError struct {
	SnapshotID string
	Reason     error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("snapshot %s rejected: %v", e.SnapshotID, e.Reason)
}

func (e *RejectedError) Unwrap() error { return e.Reason }

// CommitKind distinguishes forward commits from head moves.
type CommitKind string

const (
	KindCommit   CommitKind = "commit"
	KindRollback CommitKind = "rollback"
)

// CommitResult describes a successful head change.
type CommitResult struct {
	SnapshotID   string     `json:"snapshotId"`
	PreviousHead string     `json:"previousHead"`
	Digest       string     `json:"digest"`
	RuleCount    int        `json:"ruleCount"`
	Kind         CommitKind `json:"kind"`
	CommittedAt  time.Time  `json:"committedAt"`
}

// Store holds committed snapshots and the branch head.
type Store interface {
	// Commit stores snap and moves the head to it, provided the head is
	// still expectedHead.
	Commit(ctx context.Context, snap grammar.Snapshot, expectedHead string) (CommitResult, error)
	// Restore points the head at snap, storing it first if it was never
	// committed. A stored snapshot with the same id must have the same
	// content.
	Restore(ctx context.Context, snap grammar.Snapshot, expectedHead string) (CommitResult, error)
	CurrentHead(ctx context.Context) (string, error)
	Snapshot(ctx context.Context, id string) (grammar.Snapshot, error)
	// Log returns head changes, oldest first.
	Log(ctx context.Context) ([]CommitResult, error)
	Close() error
}

// Check performs the structural checks every store runs before accepting
// a snapshot.
func Check(snap grammar.Snapshot) error {
	if snap.ID == "" {
		return &RejectedError{Reason: errors.New("snapshot id is empty")}
	}
	seen := make(map[string]bool, len(snap.Rules))
	for _, r := range snap.Rules {
		if seen[r.Name] {
			return &RejectedError{SnapshotID: snap.ID, Reason: fmt.Errorf("duplicate rule %q", r.Name)}
		}
		seen[r.Name] = true
	}
	if err := snap.Check(); err != nil {
		return &RejectedError{SnapshotID: snap.ID, Reason: err}
	}
	return nil
}
