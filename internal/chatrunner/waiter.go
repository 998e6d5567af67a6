package chatrunner

import (
	"sync"

	"github.com/basket/openclaw-relay/internal/gateway"
)

// waiterRegistry maps an in-flight runId to the channel its terminal
// event resolves. At most one Waiter exists per runId at a time; a
// terminal event for an unknown runId is dropped silently.
type waiterRegistry struct {
	mu      sync.Mutex
	waiters map[string]chan ChatEventPayload

	sessionsMu        sync.Mutex
	runSessionByRunID map[string]string
}

func newWaiterRegistry() *waiterRegistry {
	return &waiterRegistry{
		waiters:           make(map[string]chan ChatEventPayload),
		runSessionByRunID: make(map[string]string),
	}
}

// register installs a waiter for runId before the caller can possibly
// race a terminal event arriving for it.
func (wr *waiterRegistry) register(runID, sessionKey string) chan ChatEventPayload {
	ch := make(chan ChatEventPayload, 1)
	wr.mu.Lock()
	wr.waiters[runID] = ch
	wr.mu.Unlock()
	wr.sessionsMu.Lock()
	wr.runSessionByRunID[runID] = sessionKey
	wr.sessionsMu.Unlock()
	return ch
}

func (wr *waiterRegistry) forget(runID string) {
	wr.mu.Lock()
	delete(wr.waiters, runID)
	wr.mu.Unlock()
	wr.sessionsMu.Lock()
	delete(wr.runSessionByRunID, runID)
	wr.sessionsMu.Unlock()
}

func (wr *waiterRegistry) sessionFor(runID string) (string, bool) {
	wr.sessionsMu.Lock()
	defer wr.sessionsMu.Unlock()
	sk, ok := wr.runSessionByRunID[runID]
	return sk, ok
}

func (wr *waiterRegistry) knownRunIDs() []string {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	ids := make([]string, 0, len(wr.waiters))
	for id := range wr.waiters {
		ids = append(ids, id)
	}
	return ids
}

// HandleEvent is wired as the Gateway client's event sink. Only
// terminal chat states resolve a waiter; delta states are ignored, and
// an event for an unknown runId is dropped.
func (wr *waiterRegistry) HandleEvent(frame gateway.Frame) {
	ev, ok := eventFromFrame(frame)
	if !ok || !isTerminalState(ev.State) {
		return
	}
	wr.mu.Lock()
	ch, ok := wr.waiters[ev.RunID]
	if ok {
		delete(wr.waiters, ev.RunID)
	}
	wr.mu.Unlock()
	if !ok {
		return
	}
	wr.sessionsMu.Lock()
	delete(wr.runSessionByRunID, ev.RunID)
	wr.sessionsMu.Unlock()
	ch <- ev // buffered(1): the first and only terminal event this waiter sees
}
