package rulestore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"aevo/internal/grammar"
)

// MemoryStore keeps snapshots in process. Reads are lock-free; head
// changes are serialized.
type MemoryStore struct {
	mu        sync.Mutex
	head      atomic.Value // string
	snapshots sync.Map     // id -> grammar.Snapshot
	log       []CommitResult
	now       func() time.Time
}

// NewMemoryStore creates a store whose head is root.
func NewMemoryStore(root grammar.Snapshot) *MemoryStore {
	s := &MemoryStore{now: time.Now}
	if root.ID == "" {
		root.ID = grammar.RootID
	}
	s.snapshots.Store(root.ID, root.Clone())
	s.head.Store(root.ID)
	return s
}

func (s *MemoryStore) Commit(ctx context.Context, snap grammar.Snapshot, expectedHead string) (CommitResult, error) {
	if err := ctx.Err(); err != nil {
		return CommitResult{}, err
	}
	if err := Check(snap); err != nil {
		return CommitResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.head.Load().(string)
	if prev != expectedHead {
		return CommitResult{}, fmt.Errorf("%w: head is %s, expected %s", ErrHeadMoved, prev, expectedHead)
	}
	if _, exists := s.snapshots.Load(snap.ID); exists {
		return CommitResult{}, &RejectedError{SnapshotID: snap.ID, Reason: fmt.Errorf("snapshot id already committed")}
	}

	s.snapshots.Store(snap.ID, snap.Clone())
	return s.advance(snap, prev, KindCommit), nil
}

func (s *MemoryStore) Restore(ctx context.Context, snap grammar.Snapshot, expectedHead string) (CommitResult, error) {
	if err := ctx.Err(); err != nil {
		return CommitResult{}, err
	}
	if err := Check(snap); err != nil {
		return CommitResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.head.Load().(string)
	if prev != expectedHead {
		return CommitResult{}, fmt.Errorf("%w: head is %s, expected %s", ErrHeadMoved, prev, expectedHead)
	}
	if v, ok := s.snapshots.Load(snap.ID); ok {
		if v.(grammar.Snapshot).Digest() != snap.Digest() {
			return CommitResult{}, &RejectedError{SnapshotID: snap.ID, Reason: fmt.Errorf("content differs from committed snapshot")}
		}
	} else {
		s.snapshots.Store(snap.ID, snap.Clone())
	}
	return s.advance(snap, prev, KindRollback), nil
}

// advance must be called with mu held.
func (s *MemoryStore) advance(snap grammar.Snapshot, prev string, kind CommitKind) CommitResult {
	res := CommitResult{
		SnapshotID:   snap.ID,
		PreviousHead: prev,
		Digest:       snap.Digest(),
		RuleCount:    snap.Len(),
		Kind:         kind,
		CommittedAt:  s.now().UTC(),
	}
	s.head.Store(snap.ID)
	s.log = append(s.log, res)
	return res
}

func (s *MemoryStore) CurrentHead(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.head.Load().(string), nil
}

func (s *MemoryStore) Snapshot(ctx context.Context, id string) (grammar.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return grammar.Snapshot{}, err
	}
	v, ok := s.snapshots.Load(id)
	if !ok {
		return grammar.Snapshot{}, fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
	}
	return v.(grammar.Snapshot).Clone(), nil
}

func (s *MemoryStore) Log(ctx context.Context) ([]CommitResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CommitResult(nil), s.log...), nil
}

func (s *MemoryStore) Close() error { return nil }
