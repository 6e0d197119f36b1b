package usecase

import (
	"context"
	"sync"
)

// TurnRegistry tracks the cancellation handle of each turn's in-flight
// provider attempt so an outer stop-generation action can abort it.
// Handles are registered through the dispatch OnCancelReady callback
// and dropped on OnCancelClear, so nothing dangles after an attempt
// concludes.
type TurnRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewTurnRegistry() *TurnRegistry {
	return &TurnRegistry{cancels: make(map[string]context.CancelFunc)}
}

func (r *TurnRegistry) put(turnID string, cancel context.CancelFunc) {
	r.mu.Lock()
	r.cancels[turnID] = cancel
	r.mu.Unlock()
}

func (r *TurnRegistry) clear(turnID string) {
	r.mu.Lock()
	delete(r.cancels, turnID)
	r.mu.Unlock()
}

// Stop cancels the turn's in-flight attempt. Returns false when the
// turn has no registered handle (already finished or never started).
func (r *TurnRegistry) Stop(turnID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[turnID]
	delete(r.cancels, turnID)
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Active returns the number of stoppable turns.
func (r *TurnRegistry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cancels)
}
