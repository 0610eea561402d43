package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"aevo/internal/grammar"
	"aevo/internal/rulestore"
)

const mainBranch = "main"

// SnapshotStore is the SQLite rulestore.Store. Committed snapshots are
// immutable, so decoded snapshots are cached.
type SnapshotStore struct {
	db      *DB
	logger  *slog.Logger
	writeMu sync.Mutex
	cache   sync.Map // id -> grammar.Snapshot
	now     func() time.Time
}

var _ rulestore.Store = (*SnapshotStore)(nil)

// NewSnapshotStore opens the store over db. An empty database is seeded
// with root as its head; an initialized one keeps its history.
func NewSnapshotStore(ctx context.Context, db *DB, root grammar.Snapshot, logger *slog.Logger) (*SnapshotStore, error) {
	s := &SnapshotStore{db: db, logger: logger, now: time.Now}
	if root.ID == "" {
		root.ID = grammar.RootID
	}

	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		var head string
		err := tx.QueryRowContext(ctx, "SELECT snapshot_id FROM head WHERE branch = ?", mainBranch).Scan(&head)
		if err == nil {
			return s.checkSeed(ctx, tx, root)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if err := s.insertSnapshot(ctx, tx, root); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "INSERT INTO head (branch, snapshot_id, updated_at) VALUES (?, ?, ?)",
			mainBranch, root.ID, s.stamp())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("seed rule store: %w", err)
	}
	return s, nil
}

// checkSeed warns when the seed file changed after the store was created.
func (s *SnapshotStore) checkSeed(ctx context.Context, tx *sql.Tx, root grammar.Snapshot) error {
	var digest string
	err := tx.QueryRowContext(ctx, "SELECT digest FROM snapshots WHERE id = ?", root.ID).Scan(&digest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if digest != root.Digest() {
		s.logger.Warn("Seed grammar differs from stored root snapshot; keeping stored root",
			"stored", digest[:12], "seed", root.Digest()[:12])
	}
	return nil
}

func (s *SnapshotStore) Commit(ctx context.Context, snap grammar.Snapshot, expectedHead string) (rulestore.CommitResult, error) {
	if err := rulestore.Check(snap); err != nil {
		return rulestore.CommitResult{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var res rulestore.CommitResult
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		exists, err := snapshotExists(ctx, tx, snap.ID)
		if err != nil {
			return err
		}
		if exists {
			return &rulestore.RejectedError{SnapshotID: snap.ID, Reason: errors.New("snapshot id already committed")}
		}
		if err := s.insertSnapshot(ctx, tx, snap); err != nil {
			return err
		}
		res, err = s.moveHead(ctx, tx, snap, expectedHead, rulestore.KindCommit)
		return err
	})
	if err != nil {
		return rulestore.CommitResult{}, err
	}

	s.cache.Store(snap.ID, snap.Clone())
	s.logger.Debug("Committed snapshot", "id", snap.ID, "previous", res.PreviousHead, "rules", res.RuleCount)
	return res, nil
}

func (s *SnapshotStore) Restore(ctx context.Context, snap grammar.Snapshot, expectedHead string) (rulestore.CommitResult, error) {
	if err := rulestore.Check(snap); err != nil {
		return rulestore.CommitResult{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var res rulestore.CommitResult
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var digest string
		err := tx.QueryRowContext(ctx, "SELECT digest FROM snapshots WHERE id = ?", snap.ID).Scan(&digest)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if err := s.insertSnapshot(ctx, tx, snap); err != nil {
				return err
			}
		case err != nil:
			return err
		case digest != snap.Digest():
			return &rulestore.RejectedError{SnapshotID: snap.ID, Reason: errors.New("content differs from committed snapshot")}
		}
		res, err = s.moveHead(ctx, tx, snap, expectedHead, rulestore.KindRollback)
		return err
	})
	if err != nil {
		return rulestore.CommitResult{}, err
	}

	s.logger.Debug("Restored snapshot", "id", snap.ID, "previous", res.PreviousHead)
	return res, nil
}

// moveHead swaps the head only if it still equals expectedHead.
func (s *SnapshotStore) moveHead(ctx context.Context, tx *sql.Tx, snap grammar.Snapshot, expectedHead string, kind rulestore.CommitKind) (rulestore.CommitResult, error) {
	now := s.now().UTC()
	result, err := tx.ExecContext(ctx,
		"UPDATE head SET snapshot_id = ?, updated_at = ? WHERE branch = ? AND snapshot_id = ?",
		snap.ID, now.Format(time.RFC3339Nano), mainBranch, expectedHead)
	if err != nil {
		return rulestore.CommitResult{}, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return rulestore.CommitResult{}, err
	}
	if n != 1 {
		var current string
		_ = tx.QueryRowContext(ctx, "SELECT snapshot_id FROM head WHERE branch = ?", mainBranch).Scan(&current)
		return rulestore.CommitResult{}, fmt.Errorf("%w: head is %s, expected %s", rulestore.ErrHeadMoved, current, expectedHead)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO commits (snapshot_id, previous_head, kind, committed_at) VALUES (?, ?, ?, ?)",
		snap.ID, expectedHead, string(kind), now.Format(time.RFC3339Nano)); err != nil {
		return rulestore.CommitResult{}, err
	}

	return rulestore.CommitResult{
		SnapshotID:   snap.ID,
		PreviousHead: expectedHead,
		Digest:       snap.Digest(),
		RuleCount:    snap.Len(),
		Kind:         kind,
		CommittedAt:  now,
	}, nil
}

func (s *SnapshotStore) insertSnapshot(ctx context.Context, tx *sql.Tx, snap grammar.Snapshot) error {
	payload, err := encodeRules(snap.Rules)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO snapshots (id, digest, rule_count, payload, created_at) VALUES (?, ?, ?, ?, ?)",
		snap.ID, snap.Digest(), snap.Len(), payload, s.stamp())
	return err
}

func snapshotExists(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, "SELECT 1 FROM snapshots WHERE id = ?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *SnapshotStore) CurrentHead(ctx context.Context) (string, error) {
	var head string
	err := s.db.QueryRowContext(ctx, "SELECT snapshot_id FROM head WHERE branch = ?", mainBranch).Scan(&head)
	if err != nil {
		return "", fmt.Errorf("read head: %w", err)
	}
	return head, nil
}

func (s *SnapshotStore) Snapshot(ctx context.Context, id string) (grammar.Snapshot, error) {
	if v, ok := s.cache.Load(id); ok {
		return v.(grammar.Snapshot).Clone(), nil
	}

	var payload []byte
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM snapshots WHERE id = ?", id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return grammar.Snapshot{}, fmt.Errorf("%w: %s", rulestore.ErrSnapshotNotFound, id)
	}
	if err != nil {
		return grammar.Snapshot{}, err
	}

	rules, err := decodeRules(payload)
	if err != nil {
		return grammar.Snapshot{}, fmt.Errorf("snapshot %s: %w", id, err)
	}
	snap, err := grammar.NewSnapshot(id, rules)
	if err != nil {
		return grammar.Snapshot{}, fmt.Errorf("snapshot %s: %w", id, err)
	}
	s.cache.Store(id, snap)
	return snap.Clone(), nil
}

func (s *SnapshotStore) Log(ctx context.Context) ([]rulestore.CommitResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.snapshot_id, c.previous_head, c.kind, c.committed_at, s.digest, s.rule_count
		FROM commits c JOIN snapshots s ON s.id = c.snapshot_id
		ORDER BY c.seq
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rulestore.CommitResult
	for rows.Next() {
		var (
			res      rulestore.CommitResult
			kind, ts string
		)
		if err := rows.Scan(&res.SnapshotID, &res.PreviousHead, &kind, &ts, &res.Digest, &res.RuleCount); err != nil {
			return nil, err
		}
		res.Kind = rulestore.CommitKind(kind)
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			res.CommittedAt = t
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *SnapshotStore) Close() error {
	return s.db.Close()
}

func (s *SnapshotStore) stamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}
