package manager

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"aevo/internal/errors"
	"aevo/internal/event"
	"aevo/internal/grammar"
	"aevo/internal/knowledge"
	"aevo/internal/rulestore"
	"aevo/internal/testutil"
)

// rejectingStore refuses every commit.
type rejectingStore struct {
	*rulestore.MemoryStore
}

func (s rejectingStore) Commit(ctx context.Context, snap grammar.Snapshot, expectedHead string) (rulestore.CommitResult, error) {
	return rulestore.CommitResult{}, &rulestore.RejectedError{SnapshotID: snap.ID, Reason: fmt.Errorf("quota exceeded")}
}

func TestSubmit_SingleEvent(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, testutil.Root(t), Options{})

	report, err := m.Submit(ctx, []event.Event{ev("e1", 1, grammar.RootID, add(testutil.Rule("R4", "return")))})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if !reflect.DeepEqual(report.Applied, []string{"e1"}) || len(report.Commits) != 1 || len(report.Merges) != 0 {
		t.Fatalf("report = %+v", report)
	}
	if report.Commits[0].SnapshotID != "e1" || report.Commits[0].RuleCount != 4 {
		t.Errorf("commit = %+v", report.Commits[0])
	}
	if s, _ := m.Tracker().Status("e1"); s != event.Merged {
		t.Errorf("Status(e1) = %s, want Merged", s)
	}
	if _, ok := m.graph.Entity(knowledge.RuleID("R4")); !ok {
		t.Error("knowledge graph was not synced with the new rule")
	}
}

func TestSubmit_RejectsIndividually(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, testutil.Root(t), Options{})

	good := ev("good", 1, grammar.RootID, add(testutil.Rule("R4", "return")))
	missing := ev("missing", 2, grammar.RootID, remove("R9"))
	unknown := ev("unknown", 3, "nowhere", add(testutil.Rule("R5")))

	report, err := m.Submit(ctx, []event.Event{missing, good, unknown})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if !reflect.DeepEqual(report.Applied, []string{"good"}) {
		t.Errorf("Applied = %v, want [good]", report.Applied)
	}
	got := make(map[string]errors.ErrorCode)
	for _, r := range report.Rejected {
		got[r.EventID] = r.Code
	}
	want := map[string]errors.ErrorCode{"missing": errors.ReferentialIntegrity, "unknown": errors.VersionMismatch}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Rejected = %v, want %v", got, want)
	}
	if m.Tracker().Has("missing") || m.Tracker().Has("unknown") {
		t.Error("invalid events entered history")
	}
}

func TestSubmit_BaseCommittedOutsideHistory(t *testing.T) {
	ctx := context.Background()
	root := testutil.Root(t)
	store := rulestore.NewMemoryStore(root)
	s1 := testutil.Snapshot(t, "s1",
		testutil.Rule("R1", "print", "value"),
		testutil.Rule("R2", "loop", "while", "body"),
		testutil.Rule("R3", "define", "function"),
		testutil.Rule("R4", "return"),
	)
	if _, err := store.Commit(ctx, s1, grammar.RootID); err != nil {
		t.Fatalf("Commit(s1) failed: %v", err)
	}
	m := newManagerWithStore(t, root, store, Options{})

	e := ev("e1", 1, "s1", add(testutil.Rule("R5", "yield")))
	if err := m.ValidateEvent(ctx, e); !errors.Is(err, errors.VersionMismatch) {
		t.Errorf("ValidateEvent = %v, want VersionMismatch", err)
	}

	report, err := m.Submit(ctx, []event.Event{e})
	if !errors.Is(err, errors.ValidationFailed) {
		t.Errorf("Submit error = %v, want ValidationFailed", err)
	}
	if len(report.Applied) != 0 || len(report.Rejected) != 1 || report.Rejected[0].Code != errors.VersionMismatch {
		t.Errorf("report = %+v", report)
	}
	head, _ := store.CurrentHead(ctx)
	if head != "s1" {
		t.Errorf("head = %s, want s1", head)
	}
	snap, err := store.Snapshot(ctx, head)
	if err != nil {
		t.Fatalf("Snapshot(head) failed: %v", err)
	}
	if !snap.Has("R4") {
		t.Error("head lost committed rule R4")
	}

	// Recorded directly, the event attaches to root; Apply must not commit it.
	if _, err := m.Tracker().Record(e); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if _, err := m.Apply(ctx, e); !errors.Is(err, errors.VersionMismatch) {
		t.Errorf("Apply = %v, want VersionMismatch", err)
	}
	if head, _ := store.CurrentHead(ctx); head != "s1" {
		t.Errorf("head after Apply = %s, want s1", head)
	}
}

func TestApply_StaleBaseThenRebase(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, testutil.Root(t), Options{})

	if _, err := m.Submit(ctx, []event.Event{ev("e1", 1, grammar.RootID, add(testutil.Rule("R4", "return")))}); err != nil {
		t.Fatalf("Submit(e1) failed: %v", err)
	}

	late := ev("e2", 2, grammar.RootID, remove("R2"))
	if _, err := m.Tracker().Record(late); err != nil {
		t.Fatalf("Record(e2) failed: %v", err)
	}
	_, err := m.Apply(ctx, late)
	if !errors.Is(err, errors.StaleBaseVersion) {
		t.Fatalf("Apply(e2) error = %v, want %s", err, errors.StaleBaseVersion)
	}
	if errors.EventIDOf(err) != "e2" {
		t.Errorf("error event id = %q, want e2", errors.EventIDOf(err))
	}

	rebased, err := m.Rebase(ctx, late)
	if err != nil {
		t.Fatalf("Rebase failed: %v", err)
	}
	if rebased.BaseVersion != "e1" || rebased.ID == late.ID || m.Tracker().Has(rebased.ID) {
		t.Errorf("rebased = %+v", rebased)
	}
	if _, err := m.Submit(ctx, []event.Event{rebased}); err != nil {
		t.Fatalf("Submit(rebased) failed: %v", err)
	}
	head := headSnapshot(t, m)
	if head.ID != rebased.ID || head.Has("R2") || !head.Has("R4") {
		t.Errorf("head = %s %v", head.ID, head.Names())
	}
}

func TestRebase_Invalid(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, testutil.Root(t), Options{})

	if _, err := m.Submit(ctx, []event.Event{ev("e1", 1, grammar.RootID, remove("R2"))}); err != nil {
		t.Fatalf("Submit(e1) failed: %v", err)
	}
	// R2 is gone at the new head.
	_, err := m.Rebase(ctx, ev("e2", 2, grammar.RootID, remove("R2")))
	if !errors.Is(err, errors.ReferentialIntegrity) {
		t.Errorf("Rebase error = %v, want %s", err, errors.ReferentialIntegrity)
	}
}

func TestApply_ConcurrentSameBase(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, testutil.Root(t), Options{})

	const n = 8
	events := make([]event.Event, n)
	for i := range events {
		events[i] = ev(fmt.Sprintf("c%d", i), i, grammar.RootID, add(testutil.Rule(fmt.Sprintf("N%d", i), "kw")))
		if _, err := m.Tracker().Record(events[i]); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range events {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Apply(ctx, events[i])
		}(i)
	}
	wg.Wait()

	applied := 0
	for i, err := range errs {
		switch {
		case err == nil:
			applied++
		case errors.Is(err, errors.StaleBaseVersion):
		default:
			t.Errorf("Apply(%s) error = %v", events[i].ID, err)
		}
	}
	if applied != 1 {
		t.Errorf("applied = %d, want exactly 1", applied)
	}
}

func TestApply_Rejected(t *testing.T) {
	ctx := context.Background()
	root := testutil.Root(t)
	m := newManagerWithStore(t, root, rejectingStore{rulestore.NewMemoryStore(root)}, Options{})

	e := ev("e1", 1, grammar.RootID, add(testutil.Rule("R4")))
	report, err := m.Submit(ctx, []event.Event{e})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if len(report.Rejected) != 1 || report.Rejected[0].Code != errors.ApplyFailure {
		t.Fatalf("Rejected = %+v", report.Rejected)
	}
	if s, _ := m.Tracker().Status("e1"); s != event.Rejected {
		t.Errorf("Status(e1) = %s, want Rejected", s)
	}
	if head := headSnapshot(t, m); head.ID != grammar.RootID {
		t.Errorf("head = %s, want root", head.ID)
	}
}

func TestApply_NotRecordedOrFinished(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, testutil.Root(t), Options{})

	e := ev("e1", 1, grammar.RootID, add(testutil.Rule("R4")))
	if _, err := m.Apply(ctx, e); !errors.Is(err, errors.EventNotFound) {
		t.Errorf("Apply(unrecorded) error = %v, want %s", err, errors.EventNotFound)
	}
	if _, err := m.Submit(ctx, []event.Event{e}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := m.Apply(ctx, e); !errors.Is(err, errors.ValidationFailed) {
		t.Errorf("Apply(merged) error = %v, want %s", err, errors.ValidationFailed)
	}
}

func TestApply_LockTimeout(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, testutil.Root(t), Options{BranchLockTimeout: 20 * time.Millisecond})

	release, err := m.locks.acquire(ctx, grammar.RootID, time.Second)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer release()

	e := ev("e1", 1, grammar.RootID, add(testutil.Rule("R4")))
	if _, err := m.Tracker().Record(e); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if _, err := m.Apply(ctx, e); !errors.Is(err, errors.Timeout) {
		t.Errorf("Apply error = %v, want %s", err, errors.Timeout)
	}
}

func TestRollbackTo(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, testutil.Root(t), Options{})

	submit := func(e event.Event) {
		t.Helper()
		if _, err := m.Submit(ctx, []event.Event{e}); err != nil {
			t.Fatalf("Submit(%s) failed: %v", e.ID, err)
		}
	}
	submit(ev("e1", 1, grammar.RootID, add(testutil.Rule("R4", "return"))))
	submit(ev("e2", 2, "e1", remove("R1")))

	res, err := m.RollbackTo(ctx, "e2")
	if err != nil {
		t.Fatalf("RollbackTo failed: %v", err)
	}
	if res.SnapshotID != "e1" || res.PreviousHead != "e2" || res.Kind != rulestore.KindRollback {
		t.Errorf("result = %+v", res)
	}
	head := headSnapshot(t, m)
	if !head.Has("R1") || !head.Has("R4") {
		t.Errorf("head rules = %v, want R1 and R4", head.Names())
	}
	if e, ok := m.graph.Entity(knowledge.RuleID("R1")); !ok || e.Stale {
		t.Errorf("R1 entity = %+v, want live after rollback", e)
	}

	// A new branch from the rollback point does not carry e2's removal
	// unless it asks for it.
	submit(ev("e3", 3, "e1", remove("R2")))
	head = headSnapshot(t, m)
	if !head.Has("R1") || head.Has("R2") {
		t.Errorf("head rules = %v", head.Names())
	}
	if len(m.Tracker().History()) != 3 {
		t.Errorf("history length = %d, want 3", len(m.Tracker().History()))
	}

	if _, err := m.RollbackTo(ctx, grammar.RootID); !errors.Is(err, errors.BrokenLineage) {
		t.Errorf("RollbackTo(root) error = %v, want %s", err, errors.BrokenLineage)
	}
}
