package execution

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dentix-ortho/goaltest-server/packages/common"
	"github.com/dentix-ortho/goaltest-server/packages/config"
)

type sentEvent struct {
	Name string
	Data string
}

// recordingHandle keeps every event it was sent.
type recordingHandle struct {
	id string

	mu      sync.Mutex
	events  []sentEvent
	closed  bool
	failAll bool
}

func newRecordingHandle(id string) *recordingHandle {
	return &recordingHandle{id: id}
}

func (h *recordingHandle) ID() string { return h.id }

func (h *recordingHandle) Send(event string, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failAll {
		return errors.New("broken pipe")
	}
	h.events = append(h.events, sentEvent{Name: event, Data: string(data)})
	return nil
}

func (h *recordingHandle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
}

func (h *recordingHandle) Events() []sentEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]sentEvent, len(h.events))
	copy(out, h.events)
	return out
}

func (h *recordingHandle) Names() []string {
	var names []string
	for _, ev := range h.Events() {
		names = append(names, ev.Name)
	}
	return names
}

func (h *recordingHandle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

var errTerminated = errors.New("signal: terminated")

func isTerminate(sig os.Signal) bool {
	return sig == os.Kill || sig == syscall.SIGTERM
}

// fakeProcess exits when the test calls Exit or when it is terminated.
type fakeProcess struct {
	mu      sync.Mutex
	signals []os.Signal
	exit    chan error
	once    sync.Once
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{exit: make(chan error, 1)}
}

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	if isTerminate(sig) {
		p.Exit(errTerminated)
	}
	return nil
}

func (p *fakeProcess) Wait() error {
	return <-p.exit
}

func (p *fakeProcess) Exit(err error) {
	p.once.Do(func() { p.exit <- err })
}

func (p *fakeProcess) Signals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]os.Signal, len(p.signals))
	copy(out, p.signals)
	return out
}

// fakeSpawner hands out one fakeProcess per spawn and lets the test push
// stdout lines into the run.
type fakeSpawner struct {
	// beforeSpawn runs ahead of every spawn, outside the spawner's lock.
	beforeSpawn func(LaunchSpec)

	mu     sync.Mutex
	err    error
	specs  []LaunchSpec
	procs  []*fakeProcess
	onLine []common.LineHandler
}

func (s *fakeSpawner) Spawn(spec LaunchSpec, onLine common.LineHandler) (Process, error) {
	if s.beforeSpawn != nil {
		s.beforeSpawn(spec)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs = append(s.specs, spec)
	if s.err != nil {
		return nil, s.err
	}
	p := newFakeProcess()
	s.procs = append(s.procs, p)
	s.onLine = append(s.onLine, onLine)
	return p, nil
}

func (s *fakeSpawner) Emit(lines ...string) {
	s.mu.Lock()
	onLine := s.onLine[len(s.onLine)-1]
	s.mu.Unlock()
	for _, line := range lines {
		onLine(common.StreamStdout, line)
	}
}

func (s *fakeSpawner) Last() (*fakeProcess, LaunchSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[len(s.procs)-1], s.specs[len(s.specs)-1]
}

type recordedRun struct {
	Status   common.RunStatus
	Progress common.Progress
	Finished bool
}

type memoryRecorder struct {
	mu   sync.Mutex
	runs map[string]*recordedRun
}

func newMemoryRecorder() *memoryRecorder {
	return &memoryRecorder{runs: map[string]*recordedRun{}}
}

func (r *memoryRecorder) CreateRun(_ context.Context, runID string, _ int, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[runID] = &recordedRun{Status: common.RunStatusRunning}
	return nil
}

func (r *memoryRecorder) UpdateRunProgress(_ context.Context, runID string, status common.RunStatus, p common.Progress) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run := r.runs[runID]
	run.Status, run.Progress = status, p
	return nil
}

func (r *memoryRecorder) FinishRun(_ context.Context, runID string, status common.RunStatus, p common.Progress, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run := r.runs[runID]
	run.Status, run.Progress, run.Finished = status, p, true
	return nil
}

func (r *memoryRecorder) All() []recordedRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recordedRun, 0, len(r.runs))
	for _, run := range r.runs {
		out = append(out, *run)
	}
	return out
}

// gatedRecorder holds every progress write until release is closed.
type gatedRecorder struct {
	*memoryRecorder
	release chan struct{}
	held    chan struct{}
	once    sync.Once
}

func newGatedRecorder() *gatedRecorder {
	return &gatedRecorder{
		memoryRecorder: newMemoryRecorder(),
		release:        make(chan struct{}),
		held:           make(chan struct{}),
	}
}

func (r *gatedRecorder) UpdateRunProgress(ctx context.Context, runID string, status common.RunStatus, p common.Progress) error {
	r.once.Do(func() { close(r.held) })
	<-r.release
	return r.memoryRecorder.UpdateRunProgress(ctx, runID, status, p)
}

func (r *memoryRecorder) Get(runID string) recordedRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.runs[runID]; ok {
		return *run
	}
	return recordedRun{}
}

type testEnv struct {
	controller *Controller
	registry   *Registry
	spawner    *fakeSpawner
	recorder   *memoryRecorder
}

func newTestEnv(t *testing.T, retain time.Duration) *testEnv {
	t.Helper()
	recorder := newMemoryRecorder()
	env := newTestEnvWithRecorder(t, retain, recorder)
	env.recorder = recorder
	return env
}

func newTestEnvWithRecorder(t *testing.T, retain time.Duration, recorder RunRecorder) *testEnv {
	t.Helper()
	registry := NewRegistry()
	spawner := &fakeSpawner{}
	presets := config.NewPresetWatcher("", []config.Sandbox{{
		ID:              "sb-1",
		Name:            "Sandbox One",
		FlowiseEndpoint: "https://flowise.example",
		FlowiseAPIKey:   "fw-key",
	}}, zap.NewNop())
	launcher := NewLauncher(config.RunnerConfig{Command: "runner run", Workdir: t.TempDir()}, 1, presets, nil)
	controller := NewController(ControllerOptions{
		Registry:  registry,
		Launcher:  launcher,
		Spawner:   spawner,
		Recorder:  recorder,
		Execution: config.ExecutionConfig{RetainAfterExit: retain, MaxConcurrency: MaxConcurrency},
		Log:       zap.NewNop(),
	})
	return &testEnv{controller: controller, registry: registry, spawner: spawner}
}

func decode[T any](t *testing.T, data string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(data), &v))
	return v
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}
