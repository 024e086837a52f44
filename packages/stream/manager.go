// Package stream serves the poll-based live result stream. One poller per
// run and test reads a store snapshot on every tick and pushes only the
// sections that changed to the handles attached to it.
package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dentix-ortho/goaltest-server/packages/common"
	"github.com/dentix-ortho/goaltest-server/packages/config"
	"github.com/dentix-ortho/goaltest-server/packages/sse"
	"github.com/dentix-ortho/goaltest-server/packages/store"
)

// Poll-stream event names.
const (
	EventRunUpdate        = "run-update"
	EventResultsUpdate    = "results-update"
	EventFindingsUpdate   = "findings-update"
	EventTranscriptUpdate = "transcript-update"
	EventAPICallsUpdate   = "api-calls-update"
	EventComplete         = "complete"
	EventError            = "error"
)

const (
	defaultPollInterval = time.Second
	defaultIdleTimeout  = 5 * time.Minute
	snapshotTimeout     = 5 * time.Second
)

// SnapshotSource reads the persisted state of a run.
type SnapshotSource interface {
	Snapshot(ctx context.Context, runID, testID string) (store.Snapshot, error)
}

type key struct {
	runID  string
	testID string
}

// Manager owns every poller, one per (run, test) pair with attached handles.
type Manager struct {
	source   SnapshotSource
	interval time.Duration
	idle     time.Duration
	log      *zap.Logger

	mu      sync.Mutex
	pollers map[key]*poller
}

func NewManager(source SnapshotSource, cfg config.StreamConfig, log *zap.Logger) *Manager {
	m := &Manager{
		source:   source,
		interval: cfg.PollInterval,
		idle:     cfg.IdleTimeout,
		log:      log,
		pollers:  make(map[key]*poller),
	}
	if m.interval <= 0 {
		m.interval = defaultPollInterval
	}
	if m.idle <= 0 {
		m.idle = defaultIdleTimeout
	}
	return m
}

// Attach subscribes h to the run's result stream. h immediately receives the
// full current snapshot; afterwards only changed sections are sent.
func (m *Manager) Attach(runID, testID string, h sse.Handle) {
	k := key{runID: runID, testID: testID}
	for {
		p := m.poller(k)
		if p.add(h) {
			return
		}
		// p stopped between lookup and add.
		m.remove(p)
	}
}

// Detach removes a handle after its client went away.
func (m *Manager) Detach(runID, testID, connID string) {
	m.mu.Lock()
	p, ok := m.pollers[key{runID: runID, testID: testID}]
	m.mu.Unlock()
	if ok {
		p.drop(connID)
	}
}

// Pollers returns the number of running pollers.
func (m *Manager) Pollers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pollers)
}

// Close stops every poller and closes every handle.
func (m *Manager) Close() {
	m.mu.Lock()
	pollers := make([]*poller, 0, len(m.pollers))
	for _, p := range m.pollers {
		pollers = append(pollers, p)
	}
	m.mu.Unlock()
	for _, p := range pollers {
		p.shutdown()
	}
}

func (m *Manager) poller(k key) *poller {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pollers[k]
	if !ok {
		p = newPoller(m, k)
		m.pollers[k] = p
	}
	return p
}

func (m *Manager) remove(p *poller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.pollers[p.key]; ok && cur == p {
		delete(m.pollers, p.key)
	}
}

func (m *Manager) snapshot(k key) (store.Snapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()
	return m.source.Snapshot(ctx, k.runID, k.testID)
}

func errorMessage(err error) string {
	if errors.Is(err, store.ErrNotFound) {
		return "run not found"
	}
	return err.Error()
}

type completePayload struct {
	RunID    string           `json:"runId"`
	Status   common.RunStatus `json:"status"`
	Progress common.Progress  `json:"progress"`
}

type errorPayload struct {
	Error string `json:"error"`
}
