// Package tracker keeps the append-only evolution history: it attaches
// recorded events to a lineage tree, materializes the snapshot of any
// event and persists the history as one record per event.
package tracker

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"aevo/internal/errors"
	"aevo/internal/event"
	"aevo/internal/grammar"
	"aevo/internal/knowledge"
	"aevo/internal/metrics"
	"aevo/internal/slogutil"
)

const noParent = -1

// node is an arena slot. parent is set once on insertion.
type node struct {
	ev       event.Event
	parent   int
	children []int
	status   event.Status
	digest   string // set once materialized
}

// Tracker is safe for concurrent use. History mutation is serialized;
// materialized snapshots are cached and read without locking.
type Tracker struct {
	mu    sync.Mutex
	nodes []node
	index map[string]int

	cache sync.Map // id -> grammar.Snapshot

	graph   *knowledge.Graph
	logger  *slog.Logger
	workers int
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithWorkers bounds parallel file I/O during save and load.
func WithWorkers(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.workers = n
		}
	}
}

// New creates a tracker whose lineage is rooted at root. graph provides
// rule similarity for parent resolution; it may be nil.
func New(root grammar.Snapshot, graph *knowledge.Graph, logger *slog.Logger, opts ...Option) *Tracker {
	if root.ID == "" {
		root.ID = grammar.RootID
	}
	if logger == nil {
		logger = slogutil.NewDiscardLogger()
	}
	t := &Tracker{
		index:   map[string]int{root.ID: 0},
		graph:   graph,
		logger:  logger,
		workers: 8,
	}
	for _, o := range opts {
		o(t)
	}
	root = root.Clone()
	t.nodes = []node{{
		ev:     event.Event{ID: root.ID},
		parent: noParent,
		status: event.Merged,
		digest: root.Digest(),
	}}
	t.cache.Store(root.ID, root)
	return t
}

// RootID returns the id of the root snapshot.
func (t *Tracker) RootID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nodes[0].ev.ID
}

func (t *Tracker) similarity(a, b grammar.Rule) float64 {
	if t.graph != nil {
		return t.graph.RuleSimilarity(a, b)
	}
	return knowledge.RuleSimilarity(knowledge.DefaultOptions().Weights, a, b)
}

// Record appends e to history and attaches it to the lineage tree. It
// returns the id of the resolved parent.
//
// The parent is the earlier recorded event whose snapshot matches e's base
// version (same id or same content) and whose rules are most similar to
// e's; ties go to the latest event. Without such an event e attaches to its
// base version, or to the root when the base is unknown.
//
// The tree must come out the same when the records are replayed in
// timestamp order, so e is rejected when its base is not earlier than e,
// or when a later recorded event would have resolved differently had e
// been there first.
func (t *Tracker) Record(e event.Event) (string, error) {
	if e.ID == "" {
		return "", errors.Newf(errors.ValidationFailed, "", "event id is empty")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, dup := t.index[e.ID]; dup {
		return "", errors.Newf(errors.ValidationFailed, e.ID, "event already recorded")
	}

	parent := t.resolveParentLocked(e)
	if err := t.checkOrderLocked(e, parent); err != nil {
		return "", err
	}
	idx := len(t.nodes)
	t.nodes = append(t.nodes, node{
		ev:     e.Clone(),
		parent: parent,
		status: event.Draft,
	})
	t.nodes[parent].children = append(t.nodes[parent].children, idx)
	t.index[e.ID] = idx
	metrics.SetHistorySize(len(t.nodes) - 1)

	parentID := t.nodes[parent].ev.ID
	t.logger.Debug("Recorded event",
		"event", e.ID,
		"base", e.BaseVersion,
		"parent", parentID,
	)
	return parentID, nil
}

// checkOrderLocked rejects e when inserting it now would give a different
// tree than inserting it in timestamp order.
func (t *Tracker) checkOrderLocked(e event.Event, parent int) error {
	if b, ok := t.index[e.BaseVersion]; ok && b != 0 && !t.nodes[b].ev.Before(e) {
		return errors.Newf(errors.ValidationFailed, e.ID,
			"base version %q is not earlier than the event", e.BaseVersion)
	}

	digest := ""
	if base, err := t.materializeLocked(parent); err == nil {
		if snap, err := grammar.ApplyDelta(base, e.Delta, e.ID); err == nil {
			digest = snap.Digest()
		}
	}
	for i := 1; i < len(t.nodes); i++ {
		c := t.nodes[i].ev
		if !e.Before(c) {
			continue
		}
		if c.BaseVersion == e.ID {
			return errors.Newf(errors.ValidationFailed, e.ID,
				"later event %q is already recorded on this id", c.ID)
		}
		if digest == "" {
			continue
		}
		b, ok := t.index[c.BaseVersion]
		if !ok {
			continue
		}
		if _, err := t.materializeLocked(b); err == nil && t.nodes[b].digest == digest {
			return errors.Newf(errors.ValidationFailed, e.ID,
				"later event %q is already recorded on the same content", c.ID)
		}
	}
	return nil
}

func (t *Tracker) resolveParentLocked(e event.Event) int {
	baseIdx, baseKnown := t.index[e.BaseVersion]
	if !baseKnown {
		return 0
	}
	baseSnap, err := t.materializeLocked(baseIdx)
	if err != nil {
		// A base that does not replay has no comparable content.
		return baseIdx
	}
	baseDigest := t.nodes[baseIdx].digest
	mine := t.contentRulesLocked(e, baseSnap)

	best, bestScore := -1, -1.0
	for i := 1; i < len(t.nodes); i++ {
		c := &t.nodes[i]
		if !c.ev.Before(e) {
			continue
		}
		if c.ev.ID != e.BaseVersion {
			if _, err := t.materializeLocked(i); err != nil || c.digest != baseDigest {
				continue
			}
		}
		var theirs []grammar.Rule
		if parentSnap, err := t.materializeLocked(c.parent); err == nil {
			theirs = t.contentRulesLocked(c.ev, parentSnap)
		}
		score := t.aggregateSimilarity(mine, theirs)
		if best < 0 || score > bestScore || (score == bestScore && t.nodes[best].ev.Before(c.ev)) {
			best, bestScore = i, score
		}
	}
	if best >= 0 {
		return best
	}
	return baseIdx
}

// contentRulesLocked returns the rules an event writes plus the base
// content of the rules it removes.
func (t *Tracker) contentRulesLocked(e event.Event, base grammar.Snapshot) []grammar.Rule {
	rules := e.Delta.Rules()
	for _, name := range e.Delta.Removed {
		if r, ok := base.Get(name); ok {
			rules = append(rules, r)
		}
	}
	return rules
}

// aggregateSimilarity is the mean over mine of the best match in theirs.
func (t *Tracker) aggregateSimilarity(mine, theirs []grammar.Rule) float64 {
	if len(mine) == 0 || len(theirs) == 0 {
		return 0
	}
	total := 0.0
	for _, a := range mine {
		best := 0.0
		for _, b := range theirs {
			if s := t.similarity(a, b); s > best {
				best = s
			}
		}
		total += best
	}
	return total / float64(len(mine))
}

// Materialize returns the snapshot of id by replaying deltas from the
// root. The snapshot carries id as its id.
func (t *Tracker) Materialize(id string) (grammar.Snapshot, error) {
	if v, ok := t.cache.Load(id); ok {
		return v.(grammar.Snapshot).Clone(), nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.index[id]
	if !ok {
		return grammar.Snapshot{}, errors.Newf(errors.EventNotFound, id, "event is not in history")
	}
	snap, err := t.materializeLocked(idx)
	if err != nil {
		return grammar.Snapshot{}, err
	}
	return snap.Clone(), nil
}

// materializeLocked returns the cached snapshot of the node, replaying
// from the nearest cached ancestor. The result must not be modified.
func (t *Tracker) materializeLocked(idx int) (grammar.Snapshot, error) {
	id := t.nodes[idx].ev.ID
	if v, ok := t.cache.Load(id); ok {
		return v.(grammar.Snapshot), nil
	}

	var path []int
	cur := idx
	var base grammar.Snapshot
	for {
		if v, ok := t.cache.Load(t.nodes[cur].ev.ID); ok {
			base = v.(grammar.Snapshot)
			break
		}
		path = append(path, cur)
		p := t.nodes[cur].parent
		if p == noParent {
			return grammar.Snapshot{}, errors.Newf(errors.BrokenLineage, id,
				"ancestor %s has no parent", t.nodes[cur].ev.ID)
		}
		cur = p
	}

	for i := len(path) - 1; i >= 0; i-- {
		n := &t.nodes[path[i]]
		next, err := grammar.ApplyDelta(base, n.ev.Delta, n.ev.ID)
		if err != nil {
			return grammar.Snapshot{}, errors.New(errors.BrokenLineage, id,
				fmt.Sprintf("cannot replay ancestor %s", n.ev.ID), err)
		}
		n.digest = next.Digest()
		t.cache.Store(n.ev.ID, next)
		base = next
	}
	return base, nil
}

// RollbackTo returns the snapshot of id's parent. History is unchanged.
func (t *Tracker) RollbackTo(id string) (grammar.Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.index[id]
	if !ok {
		return grammar.Snapshot{}, errors.Newf(errors.EventNotFound, id, "event is not in history")
	}
	p := t.nodes[idx].parent
	if p == noParent {
		return grammar.Snapshot{}, errors.Newf(errors.BrokenLineage, id, "the root snapshot has no parent")
	}
	snap, err := t.materializeLocked(p)
	if err != nil {
		return grammar.Snapshot{}, err
	}
	t.logger.Info("Rolled back", "event", id, "snapshot", snap.ID)
	return snap.Clone(), nil
}

// Has reports whether id is the root or a recorded event.
func (t *Tracker) Has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.index[id]
	return ok
}

// Get returns a recorded event. The root is not an event.
func (t *Tracker) Get(id string) (event.Event, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.index[id]
	if !ok || idx == 0 {
		return event.Event{}, false
	}
	return t.nodes[idx].ev.Clone(), true
}

// Len returns the number of recorded events.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.nodes) - 1
}

// ParentOf returns the parent id of a recorded event.
func (t *Tracker) ParentOf(id string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.index[id]
	if !ok {
		return "", errors.Newf(errors.EventNotFound, id, "event is not in history")
	}
	if p := t.nodes[idx].parent; p != noParent {
		return t.nodes[p].ev.ID, nil
	}
	return "", errors.Newf(errors.BrokenLineage, id, "the root snapshot has no parent")
}

// Children returns the direct children of id in record order.
func (t *Tracker) Children(id string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.index[id]
	if !ok {
		return nil
	}
	out := make([]string, len(t.nodes[idx].children))
	for i, c := range t.nodes[idx].children {
		out[i] = t.nodes[c].ev.ID
	}
	return out
}

// Ancestors returns the ancestors of id, nearest first, ending at the root.
func (t *Tracker) Ancestors(id string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.index[id]
	if !ok {
		return nil, errors.Newf(errors.EventNotFound, id, "event is not in history")
	}
	var out []string
	for p := t.nodes[idx].parent; p != noParent; p = t.nodes[p].parent {
		out = append(out, t.nodes[p].ev.ID)
	}
	return out, nil
}

// Descendants returns every event below id, breadth first.
func (t *Tracker) Descendants(id string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.index[id]
	if !ok {
		return nil, errors.Newf(errors.EventNotFound, id, "event is not in history")
	}
	var out []string
	queue := append([]int(nil), t.nodes[idx].children...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		out = append(out, t.nodes[n].ev.ID)
		queue = append(queue, t.nodes[n].children...)
	}
	return out, nil
}

// CommonAncestor returns the deepest node that is an ancestor-or-self of
// every id.
func (t *Tracker) CommonAncestor(ids ...string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(ids) == 0 {
		return t.nodes[0].ev.ID, nil
	}
	counts := make(map[int]int)
	var first []int
	for i, id := range ids {
		idx, ok := t.index[id]
		if !ok {
			return "", errors.Newf(errors.VersionMismatch, id, "snapshot %s is not in history", id)
		}
		for n := idx; n != noParent; n = t.nodes[n].parent {
			counts[n]++
			if i == 0 {
				first = append(first, n)
			}
		}
	}
	// first lists ids[0]'s chain nearest first; the first node shared by
	// every chain is the deepest common one. Duplicate ids count twice.
	want := len(ids)
	for _, n := range first {
		if counts[n] >= want {
			return t.nodes[n].ev.ID, nil
		}
	}
	return t.nodes[0].ev.ID, nil
}

// History returns recorded events in record order.
func (t *Tracker) History() []event.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]event.Event, 0, len(t.nodes)-1)
	for _, n := range t.nodes[1:] {
		out = append(out, n.ev.Clone())
	}
	return out
}

// Latest returns the recorded event with the greatest (timestamp, id).
func (t *Tracker) Latest() (event.Event, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	best := -1
	for i := 1; i < len(t.nodes); i++ {
		if best < 0 || t.nodes[best].ev.Before(t.nodes[i].ev) {
			best = i
		}
	}
	if best < 0 {
		return event.Event{}, false
	}
	return t.nodes[best].ev.Clone(), true
}

// Edges returns the child -> parent map of recorded events.
func (t *Tracker) Edges() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string, len(t.nodes)-1)
	for _, n := range t.nodes[1:] {
		out[n.ev.ID] = t.nodes[n.parent].ev.ID
	}
	return out
}

// Status returns the lifecycle state of id.
func (t *Tracker) Status(id string) (event.Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.index[id]
	if !ok {
		return "", false
	}
	return t.nodes[idx].status, true
}

// SetStatus moves id to status s. Setting the current status is a no-op.
func (t *Tracker) SetStatus(id string, s event.Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.index[id]
	if !ok || idx == 0 {
		return errors.Newf(errors.EventNotFound, id, "event is not in history")
	}
	cur := t.nodes[idx].status
	if cur == s {
		return nil
	}
	if !cur.CanTransition(s) {
		return errors.Newf(errors.ValidationFailed, id, "status cannot move from %s to %s", cur, s)
	}
	t.nodes[idx].status = s
	t.logger.Debug("Event status changed", "event", id, "from", cur, "to", s)
	return nil
}

// TreeNode is one node of the lineage tree.
type TreeNode struct {
	ID        string       `json:"id" yaml:"id"`
	Type      event.Type   `json:"type,omitempty" yaml:"type,omitempty"`
	Status    event.Status `json:"status" yaml:"status"`
	Timestamp *time.Time   `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
	Children  []*TreeNode  `json:"children,omitempty" yaml:"children,omitempty"`
}

// Tree returns the lineage tree from the root; children are ordered by
// (timestamp, id).
func (t *Tracker) Tree() *TreeNode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.treeLocked(0)
}

func (t *Tracker) treeLocked(idx int) *TreeNode {
	n := t.nodes[idx]
	tn := &TreeNode{ID: n.ev.ID, Type: n.ev.Type, Status: n.status}
	if idx != 0 {
		ts := n.ev.Timestamp
		tn.Timestamp = &ts
	}
	kids := append([]int(nil), n.children...)
	sort.SliceStable(kids, func(a, b int) bool { return t.nodes[kids[a]].ev.Before(t.nodes[kids[b]].ev) })
	for _, c := range kids {
		tn.Children = append(tn.Children, t.treeLocked(c))
	}
	return tn
}
