package manager

import (
	"context"
	"sync"
	"time"

	"aevo/internal/errors"
)

// branchLocks hands out one single-permit semaphore per branch, keyed by
// base version.
type branchLocks struct {
	mu    sync.Mutex
	perms map[string]chan struct{}
}

func newBranchLocks() *branchLocks {
	return &branchLocks{perms: make(map[string]chan struct{})}
}

func (b *branchLocks) permit(branch string) chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.perms[branch]
	if !ok {
		p = make(chan struct{}, 1)
		p <- struct{}{}
		b.perms[branch] = p
	}
	return p
}

// acquire waits at most timeout for the branch. The returned func releases it.
func (b *branchLocks) acquire(ctx context.Context, branch string, timeout time.Duration) (func(), error) {
	p := b.permit(branch)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p:
		return func() {
			select {
			case p <- struct{}{}:
			default:
			}
		}, nil
	case <-timer.C:
		return nil, errors.Newf(errors.Timeout, "", "branch %s is busy after %s", branch, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
