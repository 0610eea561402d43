package selfevolve

import (
	"time"

	"github.com/google/uuid"
)

// CycleStatus is the state of one analysis and proposal cycle.
type CycleStatus string

const (
	CycleRunning   CycleStatus = "running"
	CycleCompleted CycleStatus = "completed"
	CycleFailed    CycleStatus = "failed"
	CycleCancelled CycleStatus = "cancelled"
)

// Cycle records one run of the loop.
type Cycle struct {
	ID            string      `json:"id"`
	Status        CycleStatus `json:"status"`
	SnapshotID    string      `json:"snapshotId,omitempty"`
	StartedAt     time.Time   `json:"startedAt"`
	CompletedAt   *time.Time  `json:"completedAt,omitempty"`
	Opportunities int         `json:"opportunities"`
	Proposed      int         `json:"proposed"`
	Accepted      int         `json:"accepted"`
	Rejected      int         `json:"rejected"`
	Applied       []string    `json:"applied,omitempty"`
	Error         string      `json:"error,omitempty"`
}

func newCycle() *Cycle {
	return &Cycle{
		ID:        uuid.New().String(),
		Status:    CycleRunning,
		StartedAt: time.Now().UTC(),
	}
}

// IsTerminal returns true once the cycle has finished.
func (c *Cycle) IsTerminal() bool {
	return c.Status == CycleCompleted || c.Status == CycleFailed || c.Status == CycleCancelled
}

func (c *Cycle) markCompleted() {
	now := time.Now().UTC()
	c.Status = CycleCompleted
	c.CompletedAt = &now
}

func (c *Cycle) markFailed(err error) {
	now := time.Now().UTC()
	c.Status = CycleFailed
	c.CompletedAt = &now
	if err != nil {
		c.Error = err.Error()
	}
}

// markCancelled drops any proposals the cycle had prepared.
func (c *Cycle) markCancelled() {
	now := time.Now().UTC()
	c.Status = CycleCancelled
	c.CompletedAt = &now
	c.Proposed = 0
}

// Duration returns how long the cycle took (or has been running).
func (c *Cycle) Duration() time.Duration {
	end := time.Now().UTC()
	if c.CompletedAt != nil {
		end = *c.CompletedAt
	}
	return end.Sub(c.StartedAt)
}
