package manager

import (
	"context"
	stderrors "errors"

	"golang.org/x/sync/errgroup"

	"aevo/internal/errors"
	"aevo/internal/event"
	"aevo/internal/grammar"
	"aevo/internal/metrics"
)

// ValidateEvent checks e before it may enter history: schema and metric
// ranges, an existing base version, referential integrity of modified and
// removed names against the base snapshot, and name collisions. The first
// violation is returned, tagged with the event id.
func (m *Manager) ValidateEvent(ctx context.Context, e event.Event) error {
	err := m.validate(ctx, e)
	code := ""
	if err != nil {
		code = string(errors.CodeOf(err))
	}
	metrics.RecordValidation(code)
	return err
}

func (m *Manager) validate(ctx context.Context, e event.Event) error {
	if err := event.Validate(e); err != nil {
		return err
	}
	if m.tracker.Has(e.ID) {
		return errors.Newf(errors.ValidationFailed, e.ID, "event id is already in history")
	}

	base, err := m.snapshot(ctx, e.BaseVersion)
	if err != nil {
		return tag(err, e.ID)
	}
	if _, err := grammar.ApplyDelta(base, e.Delta, e.ID); err != nil {
		var de *grammar.DeltaError
		if stderrors.As(err, &de) && de.Kind == grammar.Missing {
			return errors.New(errors.ReferentialIntegrity, e.ID, "rule not in base "+e.BaseVersion, err)
		}
		return errors.New(errors.ValidationFailed, e.ID, "name collision", err)
	}
	return nil
}

// ValidateBatch validates events in parallel. The result holds one entry
// per input event, in input order; nil means valid.
func (m *Manager) ValidateBatch(ctx context.Context, events []event.Event) ([]error, error) {
	results := make([]error, len(events))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.ValidationWorkers)
	for i := range events {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = m.ValidateEvent(gctx, events[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// tag attaches eventID to coded errors and wraps anything else.
func tag(err error, eventID string) error {
	var evoErr *errors.EvoError
	if stderrors.As(err, &evoErr) {
		return evoErr.WithEventID(eventID)
	}
	return errors.New(errors.InternalError, eventID, "unexpected failure", err)
}
