package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davrell/pagectl/api/schemas"
	"github.com/davrell/pagectl/internal/events"
)

// PendingConfirmation is the externally visible view of an outstanding
// approval request.
type PendingConfirmation struct {
	ID        string
	Action    schemas.ActionType
	Params    map[string]any
	Context   schemas.ActionContext
	CreatedAt time.Time
}

type pendingConfirmation struct {
	PendingConfirmation
	once sync.Once
	ch   chan bool // buffered(1); settled exactly once
}

func (p *pendingConfirmation) settle(approved bool) bool {
	settled := false
	p.once.Do(func() {
		p.ch <- approved
		settled = true
	})
	return settled
}

// RequestConfirmation registers a pending confirmation, announces it on the
// event bus, and blocks until an approver responds, the configured timeout
// elapses (deny), or ctx is canceled. Each pending request is settled
// exactly once.
func (g *Gate) RequestConfirmation(ctx context.Context, action schemas.ActionType, params map[string]any, actx schemas.ActionContext) (bool, error) {
	p := &pendingConfirmation{
		PendingConfirmation: PendingConfirmation{
			ID:        uuid.New().String(),
			Action:    action,
			Params:    params,
			Context:   actx,
			CreatedAt: g.clock.Now(),
		},
		ch: make(chan bool, 1),
	}

	g.mu.Lock()
	g.pending[p.ID] = p
	timeout := g.confirmTTL
	g.mu.Unlock()

	g.logger.Info("Confirmation required.",
		zap.String("confirmation_id", p.ID),
		zap.String("action", string(action)))
	g.bus.Publish(events.ConfirmationRequired, map[string]any{
		"confirmation_id": p.ID,
		"action":          string(action),
		"session_id":      actx.SessionID,
	})

	defer func() {
		g.mu.Lock()
		delete(g.pending, p.ID)
		g.mu.Unlock()
	}()

	timedOut, stopTimer := schemas.After(ctx, g.clock, timeout)
	defer stopTimer()

	select {
	case approved := <-p.ch:
		g.bus.Publish(events.ConfirmationResolved, map[string]any{
			"confirmation_id": p.ID,
			"approved":        approved,
		})
		return approved, nil
	case <-timedOut:
		// Timeout defaults to deny.
		p.settle(false)
		g.bus.Publish(events.ConfirmationResolved, map[string]any{
			"confirmation_id": p.ID,
			"approved":        false,
			"timed_out":       true,
		})
		return false, nil
	case <-ctx.Done():
		p.settle(false)
		return false, ctx.Err()
	}
}

// RespondToConfirmation settles an outstanding confirmation. Responding to
// an unknown or already settled ID returns an error.
func (g *Gate) RespondToConfirmation(id string, approved bool) error {
	g.mu.Lock()
	p, ok := g.pending[id]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending confirmation with id %q", id)
	}
	if !p.settle(approved) {
		return fmt.Errorf("confirmation %q already settled", id)
	}
	return nil
}

// Pending returns the outstanding confirmations, oldest first.
func (g *Gate) Pending() []PendingConfirmation {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]PendingConfirmation, 0, len(g.pending))
	for _, p := range g.pending {
		out = append(out, p.PendingConfirmation)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// RejectAllPending denies every outstanding confirmation, used when a
// session is torn down while approvals are still in flight.
func (g *Gate) RejectAllPending() {
	g.mu.Lock()
	pending := make([]*pendingConfirmation, 0, len(g.pending))
	for _, p := range g.pending {
		pending = append(pending, p)
	}
	g.mu.Unlock()
	for _, p := range pending {
		p.settle(false)
	}
}
