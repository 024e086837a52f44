package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dentix-ortho/goaltest-server/packages/common"
	"github.com/dentix-ortho/goaltest-server/packages/config"
	"github.com/dentix-ortho/goaltest-server/packages/sse"
)

const (
	MinConcurrency = 1
	MaxConcurrency = 10

	defaultRetainAfterExit = 60 * time.Second
	killGrace              = 5 * time.Second
)

// RunRecorder persists run lifecycle changes. Failures are logged and never
// affect the live run.
type RunRecorder interface {
	CreateRun(ctx context.Context, runID string, concurrency int, startedAt time.Time) error
	UpdateRunProgress(ctx context.Context, runID string, status common.RunStatus, p common.Progress) error
	FinishRun(ctx context.Context, runID string, status common.RunStatus, p common.Progress, completedAt time.Time) error
}

// StartRequest is a request to start a run.
type StartRequest struct {
	Selection
	Concurrency int                  `json:"concurrency"`
	Environment EnvironmentSelection `json:"environment"`
}

// StartResult describes a started run.
type StartResult struct {
	RunID       string            `json:"runId"`
	Concurrency int               `json:"concurrency"`
	Mode        string            `json:"mode"`
	Environment map[string]string `json:"environment,omitempty"`
}

// SignalResult reports whether a pause or resume signal reached the process.
type SignalResult struct {
	Status          Status `json:"status"`
	SignalSupported bool   `json:"signalSupported"`
}

// ActiveRun is the summary of the active run, if any.
type ActiveRun struct {
	Active      bool             `json:"active"`
	RunID       string           `json:"runId,omitempty"`
	Status      Status           `json:"status,omitempty"`
	Progress    *common.Progress `json:"progress,omitempty"`
	Workers     []WorkerStatus   `json:"workers,omitempty"`
	Concurrency int              `json:"concurrency,omitempty"`
}

// Controller owns the lifecycle of runs: it starts runner processes, feeds
// their output through the parser and tears runs down on stop or exit.
type Controller struct {
	registry    *Registry
	broadcaster *Broadcaster
	launcher    *Launcher
	spawner     Spawner
	recorder    RunRecorder
	parser      *OutputParser
	log         *zap.Logger

	retain         time.Duration
	maxConcurrency int
	killGrace      time.Duration
}

type ControllerOptions struct {
	Registry    *Registry
	Broadcaster *Broadcaster
	Launcher    *Launcher
	Spawner     Spawner
	// Recorder is optional.
	Recorder  RunRecorder
	Execution config.ExecutionConfig
	Log       *zap.Logger
}

func NewController(opts ControllerOptions) *Controller {
	c := &Controller{
		registry:       opts.Registry,
		broadcaster:    opts.Broadcaster,
		launcher:       opts.Launcher,
		spawner:        opts.Spawner,
		recorder:       opts.Recorder,
		parser:         NewOutputParser(opts.Log),
		log:            opts.Log,
		retain:         opts.Execution.RetainAfterExit,
		maxConcurrency: opts.Execution.MaxConcurrency,
		killGrace:      killGrace,
	}
	if c.retain <= 0 {
		c.retain = defaultRetainAfterExit
	}
	if c.maxConcurrency < MinConcurrency || c.maxConcurrency > MaxConcurrency {
		c.maxConcurrency = MaxConcurrency
	}
	if c.broadcaster == nil {
		c.broadcaster = NewBroadcaster(c.registry, c.log)
	}
	return c
}

// Broadcaster returns the broadcaster for the controller's runs.
func (c *Controller) Broadcaster() *Broadcaster {
	return c.broadcaster
}

// ClampConcurrency bounds n to [MinConcurrency, max].
func ClampConcurrency(n, max int) int {
	if n < MinConcurrency {
		return MinConcurrency
	}
	if n > max {
		return max
	}
	return n
}

// Start resolves the environment, registers a run and spawns the runner.
// Spawn failures emit execution-error and leave no registry entry behind.
func (c *Controller) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	concurrency := ClampConcurrency(req.Concurrency, c.maxConcurrency)

	env, err := c.launcher.Resolve(ctx, req.Environment)
	if err != nil {
		return StartResult{}, err
	}
	args := Args(req.Selection, concurrency, env)

	state := c.registry.Create(concurrency)
	log := c.log.With(zap.String("run_id", state.RunID))
	c.record(func(ctx context.Context) error {
		return c.recorder.CreateRun(ctx, state.RunID, concurrency, state.StartedAt)
	}, log)
	state.writer = newProgressWriter(func(u progressUpdate) {
		c.record(func(ctx context.Context) error {
			return c.recorder.UpdateRunProgress(ctx, state.RunID, u.status, u.progress)
		}, log)
	})

	spec := c.launcher.Spec(state.RunID, args)
	proc, err := c.spawner.Spawn(spec, func(stream, line string) {
		c.handleLine(state, stream, line, log)
	})
	if err != nil {
		log.Error("Failed to spawn runner", zap.Error(err))
		c.failLaunch(state, err)
		return StartResult{}, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}

	state.mu.Lock()
	state.process = proc
	stopped := state.finalized
	state.mu.Unlock()
	if stopped {
		c.terminate(state, proc, log)
	}

	go c.awaitExit(state, proc, log)

	mode := "sequential"
	if state.Parallel() {
		mode = "parallel"
	}
	log.Info("Run started",
		zap.Int("concurrency", concurrency),
		zap.String("mode", mode),
		zap.String("patterns", LegacyPatternsVersion),
		zap.Strings("args", common.RedactArgs(args)))

	return StartResult{
		RunID:       state.RunID,
		Concurrency: concurrency,
		Mode:        mode,
		Environment: env.DisplayNames(),
	}, nil
}

func (c *Controller) failLaunch(state *ExecutionState, cause error) {
	state.mu.Lock()
	close(state.exited)
	if state.finalized {
		// Stopped while spawning; Stop already tore the run down.
		state.mu.Unlock()
		return
	}
	state.status = StatusError
	state.finalized = true
	c.broadcaster.closeAllLocked(state, Event{
		Name:    EventExecutionError,
		Payload: errorPayload{Error: cause.Error()},
	})
	progress := state.progress
	state.mu.Unlock()

	c.registry.Remove(state.RunID, state)
	c.finish(state, common.RunStatusFailed, progress, c.log.With(zap.String("run_id", state.RunID)))
}

func (c *Controller) handleLine(state *ExecutionState, stream, line string, log *zap.Logger) {
	if stream == common.StreamStderr {
		log.Warn("runner stderr", zap.String("line", line))
		return
	}
	log.Debug("runner stdout", zap.String("line", line))

	state.mu.Lock()
	if state.finalized {
		state.mu.Unlock()
		return
	}
	events := c.parser.Apply(state, line)
	c.broadcaster.emitLocked(state, events...)
	for _, ev := range events {
		if ev.Name == EventProgressUpdate {
			state.writer.Offer(progressUpdate{status: state.status.runStatus(), progress: state.progress})
			break
		}
	}
	state.mu.Unlock()
}

func (c *Controller) awaitExit(state *ExecutionState, proc Process, log *zap.Logger) {
	err := proc.Wait()
	code := common.ExitCode(err)

	state.mu.Lock()
	close(state.exited)
	if state.finalized {
		state.mu.Unlock()
		log.Info("Runner exited after stop", zap.Int("exit_code", code))
		return
	}
	state.finalized = true
	state.status = StatusCompleted
	if code != 0 {
		state.status = StatusFailed
	}
	progress := state.progress
	c.broadcaster.closeAllLocked(state, Event{
		Name:    EventExecutionCompleted,
		Payload: runStatusPayload{RunID: state.RunID, Status: state.status, Progress: &progress},
	})
	status := state.status
	state.mu.Unlock()

	log.Info("Runner exited",
		zap.Int("exit_code", code),
		zap.String("status", string(status)),
		zap.Int("passed", progress.Passed),
		zap.Int("failed", progress.Failed))

	c.finish(state, status.runStatus(), progress, log)

	time.AfterFunc(c.retain, func() {
		if c.registry.Remove(state.RunID, state) {
			log.Debug("Evicted finished run")
		}
	})
}

// Stop terminates the run and evicts it immediately.
func (c *Controller) Stop(runID string) error {
	state, ok := c.registry.Get(runID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	log := c.log.With(zap.String("run_id", runID))

	state.mu.Lock()
	if state.finalized {
		status := state.status
		state.mu.Unlock()
		return fmt.Errorf("%w: run already %s", ErrInvalidState, status)
	}
	state.finalized = true
	state.status = StatusStopped
	progress := state.progress
	c.broadcaster.closeAllLocked(state, Event{
		Name:    EventExecutionStopped,
		Payload: runStatusPayload{RunID: runID, Status: StatusStopped, Progress: &progress},
	})
	proc := state.process
	state.mu.Unlock()

	if proc != nil {
		c.terminate(state, proc, log)
	}
	c.registry.Remove(runID, state)
	log.Info("Run stopped")

	c.finish(state, common.RunStatusAborted, progress, log)
	return nil
}

// terminate asks the process to exit and kills it after killGrace.
func (c *Controller) terminate(state *ExecutionState, proc Process, log *zap.Logger) {
	// A stopped process cannot act on SIGTERM until it is continued.
	if err := signalResume(proc); err != nil && !errors.Is(err, ErrSignalUnsupported) {
		log.Debug("Failed to continue runner before terminate", zap.Error(err))
	}
	if err := signalTerminate(proc); err != nil {
		log.Warn("Failed to terminate runner", zap.Error(err))
	}
	go func() {
		select {
		case <-state.exited:
		case <-time.After(c.killGrace):
			log.Warn("Runner ignored terminate, killing")
			if err := signalKill(proc); err != nil {
				log.Error("Failed to kill runner", zap.Error(err))
			}
		}
	}()
}

// Pause suspends a running run.
func (c *Controller) Pause(runID string) (SignalResult, error) {
	return c.transition(runID, StatusRunning, StatusPaused, signalPause, EventExecutionPaused)
}

// Resume continues a paused run.
func (c *Controller) Resume(runID string) (SignalResult, error) {
	return c.transition(runID, StatusPaused, StatusRunning, signalResume, EventExecutionResumed)
}

func (c *Controller) transition(runID string, from, to Status, signal func(Process) error, event string) (SignalResult, error) {
	state, ok := c.registry.Get(runID)
	if !ok {
		return SignalResult{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	log := c.log.With(zap.String("run_id", runID))

	state.mu.Lock()
	if state.finalized || state.status != from {
		status := state.status
		state.mu.Unlock()
		return SignalResult{Status: status}, fmt.Errorf("%w: run is %s, expected %s", ErrInvalidState, status, from)
	}

	supported := false
	if state.process != nil {
		err := signal(state.process)
		supported = err == nil
		if err != nil {
			log.Warn("Failed to signal runner", zap.String("target", string(to)), zap.Error(err))
		}
	}
	state.status = to
	progress := state.progress
	c.broadcaster.emitLocked(state, Event{
		Name:    event,
		Payload: runStatusPayload{RunID: runID, Status: to, Progress: &progress},
	})
	state.writer.Offer(progressUpdate{status: to.runStatus(), progress: progress})
	state.mu.Unlock()

	log.Info("Run status changed", zap.String("status", string(to)), zap.Bool("signal_supported", supported))
	return SignalResult{Status: to, SignalSupported: supported}, nil
}

// Active returns the oldest running or paused run.
func (c *Controller) Active() ActiveRun {
	state, ok := c.registry.Active()
	if !ok {
		return ActiveRun{Active: false}
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	progress := state.progress
	return ActiveRun{
		Active:      true,
		RunID:       state.RunID,
		Status:      state.status,
		Progress:    &progress,
		Workers:     state.workersLocked(),
		Concurrency: state.Concurrency,
	}
}

// Conversation returns the live conversation buffered for a test.
func (c *Controller) Conversation(runID, testID string) (LiveConversation, error) {
	state, ok := c.registry.Get(runID)
	if !ok {
		return LiveConversation{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	conv, ok := state.Conversation(testID)
	if !ok {
		return LiveConversation{}, fmt.Errorf("%w: no conversation for %s", ErrRunNotFound, testID)
	}
	return conv, nil
}

// Attach subscribes h to runID's push stream.
func (c *Controller) Attach(runID string, h sse.Handle) error {
	return c.broadcaster.Attach(runID, h)
}

// Detach unsubscribes a handle.
func (c *Controller) Detach(runID, connID string) {
	c.broadcaster.Detach(runID, connID)
}

// finish queues the terminal write behind any pending progress write.
func (c *Controller) finish(state *ExecutionState, status common.RunStatus, p common.Progress, log *zap.Logger) {
	completedAt := time.Now()
	state.writer.Finish(func() {
		c.record(func(ctx context.Context) error {
			return c.recorder.FinishRun(ctx, state.RunID, status, p, completedAt)
		}, log)
	})
}

func (c *Controller) record(fn func(ctx context.Context) error, log *zap.Logger) {
	if c.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Warn("Failed to record run", zap.Error(err))
	}
}
