// Package netsynctest provides an in-memory enforcement endpoint for tests.
package netsynctest

import (
	"context"
	"errors"
	"sync"

	"ispcore/internal/netsync"
)

// ErrUnavailable is returned while the enforcer is failing.
var ErrUnavailable = errors.New("enforcement endpoint unavailable")

// Enforcer records every command it receives.
type Enforcer struct {
	mu        sync.Mutex
	commands  []netsync.Command
	applied   []string
	failing   bool
	block     chan struct{}
	blockOnly string
}

// NewEnforcer creates an acknowledging enforcer.
func NewEnforcer() *Enforcer {
	return &Enforcer{}
}

// SetFailing makes subsequent calls fail (or succeed again).
func (e *Enforcer) SetFailing(failing bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failing = failing
}

// Block makes subsequent calls hang until ctx is done or Unblock is called.
func (e *Enforcer) Block() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.block = make(chan struct{})
	e.blockOnly = ""
}

// BlockAction is Block limited to commands with the given wire action.
func (e *Enforcer) BlockAction(action string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.block = make(chan struct{})
	e.blockOnly = action
}

// Unblock releases blocked calls.
func (e *Enforcer) Unblock() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.block != nil {
		close(e.block)
		e.block = nil
	}
	e.blockOnly = ""
}

// Enforce implements netsync.Enforcer.
func (e *Enforcer) Enforce(ctx context.Context, cmd netsync.Command) error {
	e.mu.Lock()
	e.commands = append(e.commands, cmd)
	failing := e.failing
	block := e.block
	if e.blockOnly != "" && e.blockOnly != cmd.Action {
		block = nil
	}
	e.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if failing {
		return ErrUnavailable
	}
	e.mu.Lock()
	e.applied = append(e.applied, cmd.Action)
	e.mu.Unlock()
	return nil
}

// Applied returns the wire actions of commands that completed without error,
// in completion order.
func (e *Enforcer) Applied() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.applied))
	copy(out, e.applied)
	return out
}

// Commands returns a copy of all received commands.
func (e *Enforcer) Commands() []netsync.Command {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]netsync.Command, len(e.commands))
	copy(out, e.commands)
	return out
}

// Reset forgets received commands.
func (e *Enforcer) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commands = nil
	e.applied = nil
}
