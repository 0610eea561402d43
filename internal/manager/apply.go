package manager

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"

	"aevo/internal/errors"
	"aevo/internal/event"
	"aevo/internal/grammar"
	"aevo/internal/metrics"
	"aevo/internal/rulestore"
)

// Rejection reports one event that did not make it to the head.
type Rejection struct {
	EventID string           `json:"eventId"`
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Err     error            `json:"-"`
}

func rejection(id string, err error) Rejection {
	return Rejection{EventID: id, Code: errors.CodeOf(err), Message: err.Error(), Err: err}
}

// SubmitReport is the outcome of Submit.
type SubmitReport struct {
	Accepted   []string                 `json:"accepted"`
	Rejected   []Rejection              `json:"rejected,omitempty"`
	Merges     []MergeReport            `json:"merges,omitempty"`
	Commits    []rulestore.CommitResult `json:"commits,omitempty"`
	Applied    []string                 `json:"applied"`
	Superseded []string                 `json:"superseded,omitempty"`
}

// Apply commits a recorded event's snapshot. The branch of e.BaseVersion
// is held for the duration; the rule store must still be at
// e.BaseVersion or the call fails with StaleBaseVersion.
func (m *Manager) Apply(ctx context.Context, e event.Event) (rulestore.CommitResult, error) {
	release, err := m.locks.acquire(ctx, e.BaseVersion, m.opts.BranchLockTimeout)
	if err != nil {
		return rulestore.CommitResult{}, tag(err, e.ID)
	}
	defer release()
	return m.applyLocked(ctx, e)
}

func (m *Manager) applyLocked(ctx context.Context, e event.Event) (res rulestore.CommitResult, err error) {
	start := time.Now()
	outcome := "failed"
	defer func() { metrics.RecordApply(outcome, time.Since(start)) }()

	status, ok := m.tracker.Status(e.ID)
	if !ok {
		return res, errors.Newf(errors.EventNotFound, e.ID, "event is not in history")
	}
	if status.Terminal() {
		return res, errors.Newf(errors.ValidationFailed, e.ID, "event is already %s", status)
	}

	head, err := m.store.CurrentHead(ctx)
	if err != nil {
		return res, errors.New(errors.PersistenceFailure, e.ID, "read head", err)
	}
	if head != e.BaseVersion {
		outcome = "stale"
		return res, errors.Newf(errors.StaleBaseVersion, e.ID, "head moved to %s, event is based on %s", head, e.BaseVersion)
	}

	if !m.tracker.Has(e.BaseVersion) {
		return res, errors.Newf(errors.VersionMismatch, e.ID, "base version %q is not in history", e.BaseVersion)
	}
	snap, err := m.tracker.Materialize(e.ID)
	if err != nil {
		return res, tag(err, e.ID)
	}

	res, err = m.store.Commit(ctx, snap, head)
	if err != nil {
		var rejected *rulestore.RejectedError
		switch {
		case stderrors.Is(err, rulestore.ErrHeadMoved):
			outcome = "stale"
			return res, errors.New(errors.StaleBaseVersion, e.ID, "head moved during commit", err)
		case stderrors.As(err, &rejected):
			outcome = "rejected"
			m.advance(e.ID, event.Rejected)
			return res, errors.New(errors.ApplyFailure, e.ID, "rule store rejected the snapshot", err)
		default:
			return res, errors.New(errors.PersistenceFailure, e.ID, "commit snapshot", err)
		}
	}

	outcome = "merged"
	m.advance(e.ID, event.Merged)
	m.sync(snap)
	m.logger.Info("Applied event",
		"event", e.ID,
		"head", res.SnapshotID,
		"previous", res.PreviousHead,
		"rules", res.RuleCount,
	)
	return res, nil
}

func (m *Manager) sync(snap grammar.Snapshot) {
	if m.graph == nil {
		return
	}
	if err := m.graph.Sync(snap); err != nil {
		m.logger.Warn("Knowledge graph sync failed", "snapshot", snap.ID, "error", err)
	}
}

// Submit runs the whole pipeline over a batch: validate, record, group by
// base version, merge each group and apply the result. Rejected events are
// reported individually; the call fails only when no event is valid.
func (m *Manager) Submit(ctx context.Context, events []event.Event) (SubmitReport, error) {
	report := SubmitReport{Accepted: []string{}, Applied: []string{}}

	results, err := m.ValidateBatch(ctx, events)
	if err != nil {
		return report, err
	}
	var valid []event.Event
	for i, e := range events {
		if results[i] != nil {
			report.Rejected = append(report.Rejected, rejection(e.ID, results[i]))
			continue
		}
		valid = append(valid, e.Clone())
	}
	event.Sort(valid)

	var recorded []event.Event
	for _, e := range valid {
		if _, err := m.tracker.Record(e); err != nil {
			report.Rejected = append(report.Rejected, rejection(e.ID, err))
			continue
		}
		m.advance(e.ID, event.Validated)
		report.Accepted = append(report.Accepted, e.ID)
		recorded = append(recorded, e)
	}
	if len(events) > 0 && len(recorded) == 0 {
		return report, errors.Newf(errors.ValidationFailed, "", "all %d submitted events are invalid", len(events))
	}

	var order []string
	groups := make(map[string][]event.Event)
	for _, e := range recorded {
		if _, ok := groups[e.BaseVersion]; !ok {
			order = append(order, e.BaseVersion)
		}
		groups[e.BaseVersion] = append(groups[e.BaseVersion], e)
	}
	for _, base := range order {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		m.submitGroup(ctx, base, groups[base], &report)
	}

	m.logger.Info("Submitted events",
		"submitted", len(events),
		"accepted", len(report.Accepted),
		"applied", len(report.Applied),
		"rejected", len(report.Rejected),
	)
	return report, nil
}

// submitGroup merges and applies events sharing one base version.
func (m *Manager) submitGroup(ctx context.Context, base string, group []event.Event, report *SubmitReport) {
	fail := func(ids []string, err error, reject bool) {
		for _, id := range ids {
			if reject {
				m.advance(id, event.Rejected)
			}
			report.Rejected = append(report.Rejected, rejection(id, tag(err, id)))
		}
	}
	ids := make([]string, len(group))
	for i, e := range group {
		ids[i] = e.ID
	}

	release, err := m.locks.acquire(ctx, base, m.opts.BranchLockTimeout)
	if err != nil {
		fail(ids, err, false)
		return
	}
	defer release()

	merged, mr, err := m.MergeEvents(ctx, group)
	if err != nil {
		fail(ids, err, true)
		return
	}
	sources := mr.Merged
	if len(group) > 1 {
		report.Merges = append(report.Merges, mr)
		if err := m.ValidateEvent(ctx, merged); err != nil {
			fail(ids, err, true)
			return
		}
		if _, err := m.tracker.Record(merged); err != nil {
			fail(ids, err, true)
			return
		}
		m.advance(merged.ID, event.Validated)
		for _, id := range mr.Superseded {
			m.advance(id, event.Superseded)
		}
		report.Superseded = append(report.Superseded, mr.Superseded...)
	}

	res, err := m.applyLocked(ctx, merged)
	if err != nil {
		rejected := errors.Is(err, errors.ApplyFailure)
		if len(group) > 1 {
			fail([]string{merged.ID}, err, false)
		}
		fail(sources, err, rejected)
		return
	}
	if len(group) > 1 {
		for _, id := range sources {
			m.advance(id, event.Merged)
		}
	}
	report.Commits = append(report.Commits, res)
	report.Applied = append(report.Applied, sources...)
}

// Rebase re-targets e at the current head. The result is a new, unrecorded
// event with a fresh id and timestamp that has passed validation against
// the head.
func (m *Manager) Rebase(ctx context.Context, e event.Event) (event.Event, error) {
	head, err := m.store.CurrentHead(ctx)
	if err != nil {
		return event.Event{}, errors.New(errors.PersistenceFailure, e.ID, "read head", err)
	}
	out := e.Clone()
	out.ID = uuid.NewString()
	out.Timestamp = time.Now().UTC()
	out.BaseVersion = head
	if err := m.ValidateEvent(ctx, out); err != nil {
		return event.Event{}, err
	}
	m.logger.Debug("Rebased event", "from", e.ID, "to", out.ID, "base", head)
	return out, nil
}

// RollbackTo moves the rule store head to the snapshot before id. History
// is kept; new events branch from the returned snapshot's id.
func (m *Manager) RollbackTo(ctx context.Context, id string) (rulestore.CommitResult, error) {
	snap, err := m.tracker.RollbackTo(id)
	if err != nil {
		return rulestore.CommitResult{}, err
	}
	head, err := m.store.CurrentHead(ctx)
	if err != nil {
		return rulestore.CommitResult{}, errors.New(errors.PersistenceFailure, id, "read head", err)
	}
	release, err := m.locks.acquire(ctx, head, m.opts.BranchLockTimeout)
	if err != nil {
		return rulestore.CommitResult{}, tag(err, id)
	}
	defer release()

	res, err := m.store.Restore(ctx, snap, head)
	if err != nil {
		var rejected *rulestore.RejectedError
		switch {
		case stderrors.Is(err, rulestore.ErrHeadMoved):
			return res, errors.New(errors.StaleBaseVersion, id, "head moved during rollback", err)
		case stderrors.As(err, &rejected):
			return res, errors.New(errors.ApplyFailure, id, "rule store rejected the rollback", err)
		default:
			return res, errors.New(errors.PersistenceFailure, id, "restore snapshot", err)
		}
	}
	m.sync(snap)
	m.logger.Info("Rolled back", "event", id, "head", res.SnapshotID, "previous", res.PreviousHead)
	return res, nil
}
