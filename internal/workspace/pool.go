// Package workspace implements the pool of pre-warmed, isolated repository
// clones handed out to workers. It is grounded on the teacher's
// per-task git clone manager (internal/agent/clone_manager_test.go) and on
// the original Python workspace.py's reset-before-reuse ordering.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"missionctl/internal/vcsgit"
)

// Handle is a leased clone directory. Callers must call Pool.Release on
// every exit path, including error paths.
type Handle struct {
	ID   string
	Path string
}

type slot struct {
	handle Handle
	leased bool
	dirty  bool
}

// Pool maintains up to maxClones shared clones of sourcePath and arbitrates
// exclusive access to them.
type Pool struct {
	mu         sync.Mutex
	sourcePath string
	baseBranch string
	greenRef   string
	baseDir    string
	maxClones  int
	git        *vcsgit.Git
	slots      []*slot
	freed      chan struct{}
	nextID     int
}

// Options configures a new Pool.
type Options struct {
	SourcePath string
	BaseBranch string
	GreenRef   string
	BaseDir    string
	MaxClones  int
	Git        *vcsgit.Git
}

// New creates a workspace pool. Clones are created lazily on first Acquire,
// up to MaxClones concurrently held at once.
func New(opts Options) *Pool {
	if opts.MaxClones <= 0 {
		opts.MaxClones = 1
	}
	if opts.Git == nil {
		opts.Git = vcsgit.New(nil)
	}
	return &Pool{
		sourcePath: opts.SourcePath,
		baseBranch: opts.BaseBranch,
		greenRef:   opts.GreenRef,
		baseDir:    opts.BaseDir,
		maxClones:  opts.MaxClones,
		git:        opts.Git,
		freed:      make(chan struct{}, 1),
	}
}

// AvailableSlots returns how many clones could be acquired immediately.
func (p *Pool) AvailableSlots() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	free := p.maxClones - len(p.slots)
	for _, s := range p.slots {
		if !s.leased {
			free++
		}
	}
	return free
}

// Acquire blocks until a clone is available or timeout elapses, creating a
// new clone under baseDir if the pool has not yet reached maxClones.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (Handle, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		p.mu.Lock()
		for _, s := range p.slots {
			if !s.leased && !s.dirty {
				s.leased = true
				h := s.handle
				p.mu.Unlock()
				return h, nil
			}
		}
		for _, s := range p.slots {
			if !s.leased && s.dirty {
				// Reserve it so no other Acquire grabs it mid-reset, then
				// recycle it before handing it back: a dirty slot is never
				// reissued to a caller carrying the previous worker's tree.
				s.leased = true
				p.mu.Unlock()

				if err := p.resetClone(ctx, s.handle.Path); err != nil {
					p.mu.Lock()
					s.leased = false
					p.mu.Unlock()
					return Handle{}, fmt.Errorf("recycle workspace before reuse: %w", err)
				}

				p.mu.Lock()
				s.dirty = false
				h := s.handle
				p.mu.Unlock()
				return h, nil
			}
		}
		if len(p.slots) < p.maxClones {
			id := fmt.Sprintf("ws-%d", p.nextID)
			p.nextID++
			// Reserve the slot before releasing the lock so two concurrent
			// Acquire calls never both think a clone slot is free.
			reserved := &slot{handle: Handle{ID: id}, leased: true}
			p.slots = append(p.slots, reserved)
			p.mu.Unlock()

			path := filepath.Join(p.baseDir, id)
			if err := p.git.CloneShared(ctx, p.sourcePath, path, p.baseBranch); err != nil {
				p.mu.Lock()
				p.removeSlotLocked(reserved)
				p.mu.Unlock()
				return Handle{}, fmt.Errorf("clone workspace: %w", err)
			}

			p.mu.Lock()
			reserved.handle.Path = path
			h := reserved.handle
			p.mu.Unlock()
			return h, nil
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return Handle{}, ctx.Err()
		case <-deadline.C:
			return Handle{}, errAcquireTimeout
		case <-p.freed:
		}
	}
}

// Release returns a handle to the pool, marking it dirty so Acquire resets
// it before reissuing it to the next caller. A background loop may also call
// Recycle to pay that reset cost eagerly instead of on the critical path of
// the next Acquire.
func (p *Pool) Release(h Handle) {
	p.mu.Lock()
	for _, s := range p.slots {
		if s.handle.ID == h.ID {
			s.leased = false
			s.dirty = true
			break
		}
	}
	p.mu.Unlock()
	p.notifyFreed()
}

func (p *Pool) removeSlotLocked(target *slot) {
	for i, s := range p.slots {
		if s == target {
			p.slots = append(p.slots[:i], p.slots[i+1:]...)
			return
		}
	}
}

func (p *Pool) notifyFreed() {
	select {
	case p.freed <- struct{}{}:
	default:
	}
}

// Recycle hard-resets every dirty, unleased clone to the base ref (preferring
// the green ref if configured and present) and cleans untracked files,
// following workspace.py's checkout-base-branch-before-reset ordering so a
// mid-reset failure never leaves a clone on a stale detached HEAD.
func (p *Pool) Recycle(ctx context.Context) error {
	p.mu.Lock()
	dirty := make([]*slot, 0)
	for _, s := range p.slots {
		if !s.leased && s.dirty {
			dirty = append(dirty, s)
		}
	}
	p.mu.Unlock()

	for _, s := range dirty {
		if err := p.resetClone(ctx, s.handle.Path); err != nil {
			return fmt.Errorf("recycle %s: %w", s.handle.ID, err)
		}
		p.mu.Lock()
		s.dirty = false
		p.mu.Unlock()
	}
	return nil
}

func (p *Pool) resetClone(ctx context.Context, path string) error {
	if err := p.git.Checkout(ctx, path, p.baseBranch); err != nil {
		return err
	}
	if err := p.git.FetchAll(ctx, path); err != nil {
		return err
	}

	resetTarget := p.baseBranch
	if p.greenRef != "" {
		if _, err := p.git.RevParse(ctx, path, p.greenRef); err == nil {
			resetTarget = p.greenRef
		}
	}
	if err := p.git.ResetHard(ctx, path, resetTarget); err != nil {
		return err
	}
	return p.git.CleanUntracked(ctx, path)
}

// Cleanup removes every clone directory and forgets all slots. Used at
// mission shutdown.
func (p *Pool) Cleanup() error {
	p.mu.Lock()
	slots := p.slots
	p.slots = nil
	p.mu.Unlock()

	var firstErr error
	for _, s := range slots {
		if err := os.RemoveAll(s.handle.Path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type poolError string

func (e poolError) Error() string { return string(e) }

const errAcquireTimeout = poolError("workspace acquire timed out")
