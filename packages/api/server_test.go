package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dentix-ortho/goaltest-server/packages/common"
	"github.com/dentix-ortho/goaltest-server/packages/config"
	"github.com/dentix-ortho/goaltest-server/packages/execution"
	"github.com/dentix-ortho/goaltest-server/packages/sse/ssetest"
	"github.com/dentix-ortho/goaltest-server/packages/store"
	"github.com/dentix-ortho/goaltest-server/packages/stream"
)

// pipeProcess is a fake runner whose stdout is an io.Pipe the test writes to.
// Like a real child, Wait returns only after its output was delivered.
type pipeProcess struct {
	out      *io.PipeWriter
	exit     chan error
	drained  chan struct{}
	exitOnce sync.Once
}

func (p *pipeProcess) Signal(sig os.Signal) error {
	if sig == os.Kill || sig == syscall.SIGTERM {
		p.finish(errors.New("signal: terminated"))
	}
	return nil
}

func (p *pipeProcess) Wait() error {
	err := <-p.exit
	<-p.drained
	return err
}

func (p *pipeProcess) finish(err error) {
	p.exitOnce.Do(func() {
		_ = p.out.Close()
		p.exit <- err
	})
}

type pipeSpawner struct {
	mu   sync.Mutex
	proc *pipeProcess
}

func (s *pipeSpawner) Spawn(_ execution.LaunchSpec, onLine common.LineHandler) (execution.Process, error) {
	r, w := io.Pipe()
	proc := &pipeProcess{out: w, exit: make(chan error, 1), drained: make(chan struct{})}
	go func() {
		defer close(proc.drained)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			onLine(common.StreamStdout, scanner.Text())
		}
	}()
	s.mu.Lock()
	s.proc = proc
	s.mu.Unlock()
	return proc, nil
}

func (s *pipeSpawner) current() *pipeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc
}

func (s *pipeSpawner) write(t *testing.T, line string) {
	t.Helper()
	_, err := io.WriteString(s.current().out, line+"\n")
	require.NoError(t, err)
}

func (s *pipeSpawner) exit(err error) {
	s.current().finish(err)
}

type testServer struct {
	*httptest.Server
	spawner *pipeSpawner
	store   *store.Store
}

func newTestServer(t *testing.T, streamCfg config.StreamConfig) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zap.NewNop()

	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	presets := config.NewPresetWatcher("", []config.Sandbox{{ID: "sb-1", Name: "Sandbox One", FlowiseAPIKey: "secret"}}, log)
	spawner := &pipeSpawner{}
	registry := execution.NewRegistry()
	controller := execution.NewController(execution.ControllerOptions{
		Registry:  registry,
		Launcher:  execution.NewLauncher(config.RunnerConfig{Command: "runner"}, 1, presets, st),
		Spawner:   spawner,
		Recorder:  st,
		Execution: config.ExecutionConfig{RetainAfterExit: time.Minute, MaxConcurrency: 10},
		Log:       log,
	})
	live := stream.NewManager(st, streamCfg, log)
	t.Cleanup(live.Close)

	srv := httptest.NewServer(NewRouter(log, NewHandler(log, controller, live, presets)))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, spawner: spawner, store: st}
}

func (s *testServer) post(t *testing.T, path string, body any) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	resp, err := http.Post(s.URL+path, "application/json", r)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode, decodeBody(t, resp.Body)
}

func (s *testServer) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(s.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode, decodeBody(t, resp.Body)
}

func decodeBody(t *testing.T, r io.Reader) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(r).Decode(&out))
	return out
}

func nextEvent(t *testing.T, dec *ssetest.Decoder) ssetest.Event {
	t.Helper()
	ev, err := dec.Next()
	require.NoError(t, err)
	return ev
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, config.StreamConfig{})
	code, body := srv.get(t, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
}

func TestControlUnknownRunReturns404(t *testing.T) {
	srv := newTestServer(t, config.StreamConfig{})
	for _, action := range []string{"stop", "pause", "resume"} {
		code, body := srv.post(t, "/api/test-monitor/runs/does-not-exist/"+action, nil)
		assert.Equal(t, http.StatusNotFound, code, action)
		assert.Equal(t, false, body["success"], action)
		assert.NotEmpty(t, body["error"], action)
	}

	code, body := srv.get(t, "/api/test-monitor/runs/does-not-exist/events")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, false, body["success"])

	code, _ = srv.get(t, "/api/test-monitor/runs/does-not-exist/conversations/T1")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestStartRejectsBadInput(t *testing.T) {
	srv := newTestServer(t, config.StreamConfig{})

	resp, err := http.Post(srv.URL+"/api/test-monitor/runs/start", "application/json", bytes.NewBufferString("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	code, body := srv.post(t, "/api/test-monitor/runs/start", map[string]any{
		"environment": map[string]any{"sandboxId": "missing"},
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, false, body["success"])
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t, config.StreamConfig{})

	code, body := srv.post(t, "/api/test-monitor/runs/start", map[string]any{
		"categories":  []string{"happy-path"},
		"concurrency": 1,
	})
	require.Equal(t, http.StatusOK, code)
	runID, _ := body["runId"].(string)
	require.NotEmpty(t, runID)

	resp, err := http.Get(srv.URL + "/api/test-monitor/runs/" + runID + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	dec := ssetest.NewDecoder(resp.Body)

	ev := nextEvent(t, dec)
	assert.Equal(t, "execution-started", ev.Name)
	assert.JSONEq(t, `{"runId":"`+runID+`","status":"running","concurrency":1}`, ev.Data)
	assert.Equal(t, "progress-update", nextEvent(t, dec).Name)
	ev = nextEvent(t, dec)
	assert.Equal(t, "workers-update", ev.Name)
	assert.JSONEq(t, `[{"workerId":0,"status":"idle","currentTestId":null,"currentTestName":null}]`, ev.Data)

	code, active := srv.get(t, "/api/test-monitor/runs/active")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, active["active"])
	assert.Equal(t, runID, active["runId"])

	srv.spawner.write(t, "[GoalTest] Starting: HAPPY-001 - New patient")
	assert.Equal(t, "worker-status", nextEvent(t, dec).Name)
	srv.spawner.write(t, `{"type":"conversation-turn","testId":"HAPPY-001","turn":{"role":"user","content":"hi"}}`)
	ev = nextEvent(t, dec)
	assert.Equal(t, "conversation-update", ev.Name)
	assert.Contains(t, ev.Data, `"totalTurns":1`)
	srv.spawner.write(t, "[GoalTest] ✓ PASSED: HAPPY-001")
	assert.Equal(t, "progress-update", nextEvent(t, dec).Name)
	assert.Equal(t, "worker-status", nextEvent(t, dec).Name)

	code, conv := srv.get(t, "/api/test-monitor/runs/"+runID+"/conversations/HAPPY-001")
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, conv["transcript"], 1)

	code, paused := srv.post(t, "/api/test-monitor/runs/"+runID+"/pause", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, paused, "signalSupported")
	assert.Equal(t, "execution-paused", nextEvent(t, dec).Name)

	code, _ = srv.post(t, "/api/test-monitor/runs/"+runID+"/pause", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = srv.post(t, "/api/test-monitor/runs/"+runID+"/resume", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "execution-resumed", nextEvent(t, dec).Name)

	srv.spawner.exit(nil)
	ev = nextEvent(t, dec)
	assert.Equal(t, "execution-completed", ev.Name)
	assert.Contains(t, ev.Data, `"status":"completed"`)
	assert.Contains(t, ev.Data, `"passed":1`)
	_, err = dec.Next()
	assert.Equal(t, io.EOF, err)

	require.Eventually(t, func() bool {
		run, err := srv.store.GetRun(context.Background(), runID)
		return err == nil && run.Status == common.RunStatusCompleted && run.Progress.Passed == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopOverHTTP(t *testing.T) {
	srv := newTestServer(t, config.StreamConfig{})
	code, body := srv.post(t, "/api/test-monitor/runs/start", map[string]any{"concurrency": 3})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "parallel", body["mode"])
	runID := body["runId"].(string)

	code, body = srv.post(t, "/api/test-monitor/runs/"+runID+"/stop", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])

	code, _ = srv.post(t, "/api/test-monitor/runs/"+runID+"/stop", nil)
	assert.Equal(t, http.StatusNotFound, code)

	_, active := srv.get(t, "/api/test-monitor/runs/active")
	assert.Equal(t, false, active["active"])

	require.Eventually(t, func() bool {
		run, err := srv.store.GetRun(context.Background(), runID)
		return err == nil && run.Status == common.RunStatusAborted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLiveStreamClosesWhenIdle(t *testing.T) {
	srv := newTestServer(t, config.StreamConfig{PollInterval: 10 * time.Millisecond, IdleTimeout: 100 * time.Millisecond})
	require.NoError(t, srv.store.CreateRun(context.Background(), "run-1", 1, time.Now()))

	start := time.Now()
	resp, err := http.Get(srv.URL + "/api/test-monitor/runs/run-1/live?testId=HAPPY-001")
	require.NoError(t, err)
	defer resp.Body.Close()

	dec := ssetest.NewDecoder(resp.Body)
	var names []string
	for {
		ev, err := dec.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, ev.Name)
	}
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, []string{"run-update", "results-update", "findings-update", "transcript-update", "api-calls-update"}, names)
}

func TestSandboxesHideCredentials(t *testing.T) {
	srv := newTestServer(t, config.StreamConfig{})
	resp, err := http.Get(srv.URL + "/api/test-monitor/sandboxes")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"sandboxes":[{"id":"sb-1","name":"Sandbox One"}]}`, string(data))
}
