package execution

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/dentix-ortho/goaltest-server/packages/common"
	"github.com/dentix-ortho/goaltest-server/packages/sse"
)

// Broadcaster fans run events out to the push-stream handles attached to
// each run. Sending never blocks and a failed send never detaches a handle;
// handles leave only through Detach or run teardown.
type Broadcaster struct {
	registry *Registry
	log      *zap.Logger
}

func NewBroadcaster(registry *Registry, log *zap.Logger) *Broadcaster {
	return &Broadcaster{registry: registry, log: log}
}

// Attach adds h to the run and sends it the current snapshot. A run that has
// already finished replays its final event and closes h.
func (b *Broadcaster) Attach(runID string, h sse.Handle) error {
	state, ok := b.registry.Get(runID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	snapshot := []Event{
		{Name: EventExecutionStarted, Payload: executionStartedPayload{
			RunID:       state.RunID,
			Status:      state.status,
			Concurrency: state.Concurrency,
		}},
		progressEvent(state.progress),
		{Name: EventWorkersUpdate, Payload: state.workersLocked()},
	}
	for _, ev := range snapshot {
		b.send(h, state.RunID, ev)
	}

	if state.finalized {
		if state.finalEvent != nil {
			b.send(h, state.RunID, *state.finalEvent)
		}
		h.Close()
		return nil
	}

	state.conns[h.ID()] = h
	b.log.Debug("stream attached",
		zap.String("run_id", state.RunID),
		zap.String("conn_id", h.ID()),
		zap.Int("conns", len(state.conns)))
	return nil
}

// Detach removes a handle. Unknown runs or handles are ignored.
func (b *Broadcaster) Detach(runID, connID string) {
	state, ok := b.registry.Get(runID)
	if !ok {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if _, ok := state.conns[connID]; ok {
		delete(state.conns, connID)
		b.log.Debug("stream detached",
			zap.String("run_id", runID),
			zap.String("conn_id", connID),
			zap.Int("conns", len(state.conns)))
	}
}

// Emit sends one event to every handle of runID. Unknown runs are a no-op.
func (b *Broadcaster) Emit(runID, name string, payload any) {
	state, ok := b.registry.Get(runID)
	if !ok {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	b.emitLocked(state, Event{Name: name, Payload: payload})
}

// emitLocked requires state.mu. Each payload is encoded once for all handles.
func (b *Broadcaster) emitLocked(state *ExecutionState, events ...Event) {
	if len(state.conns) == 0 {
		return
	}
	handles := make([]sse.Handle, 0, len(state.conns))
	for _, h := range state.conns {
		handles = append(handles, h)
	}
	for _, ev := range events {
		data, err := common.Marshal(ev.Payload)
		if err != nil {
			b.log.Error("failed to encode event", zap.String("event", ev.Name), zap.Error(err))
			continue
		}
		for _, h := range handles {
			if err := h.Send(ev.Name, data); err != nil {
				b.log.Debug("dropped event",
					zap.String("run_id", state.RunID),
					zap.String("conn_id", h.ID()),
					zap.String("event", ev.Name),
					zap.Error(err))
			}
		}
	}
}

// closeAllLocked sends final to every handle, closes them and clears the set.
// state.mu must be held.
func (b *Broadcaster) closeAllLocked(state *ExecutionState, final Event) {
	state.finalEvent = &final
	b.emitLocked(state, final)
	for id, h := range state.conns {
		h.Close()
		delete(state.conns, id)
	}
}

func (b *Broadcaster) send(h sse.Handle, runID string, ev Event) {
	data, err := common.Marshal(ev.Payload)
	if err != nil {
		b.log.Error("failed to encode event", zap.String("event", ev.Name), zap.Error(err))
		return
	}
	if err := h.Send(ev.Name, data); err != nil {
		b.log.Debug("dropped event",
			zap.String("run_id", runID),
			zap.String("conn_id", h.ID()),
			zap.String("event", ev.Name),
			zap.Error(err))
	}
}
