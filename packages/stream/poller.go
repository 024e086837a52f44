package stream

import (
	"bytes"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dentix-ortho/goaltest-server/packages/common"
	"github.com/dentix-ortho/goaltest-server/packages/sse"
	"github.com/dentix-ortho/goaltest-server/packages/store"
)

type section struct {
	event string
	data  []byte
}

type subscriber struct {
	h        sse.Handle
	lastSent time.Time
	timer    *time.Timer
}

// poller is the shared poll loop of one (run, test) pair. It stops once the
// run is terminal or its last handle is gone.
type poller struct {
	key
	m *Manager

	mu      sync.Mutex
	subs    map[string]*subscriber
	last    map[string][]byte
	lastErr string
	final   []byte
	primed  bool
	started bool
	stopped bool
	stop    chan struct{}
}

func newPoller(m *Manager, k key) *poller {
	return &poller{
		key:  k,
		m:    m,
		subs: make(map[string]*subscriber),
		last: make(map[string][]byte),
		stop: make(chan struct{}),
	}
}

func (p *poller) sectionOrder() []string {
	order := []string{EventRunUpdate, EventResultsUpdate, EventFindingsUpdate}
	if p.testID != "" {
		order = append(order, EventTranscriptUpdate, EventAPICallsUpdate)
	}
	return order
}

func (p *poller) sections(snap store.Snapshot) []section {
	values := map[string]any{
		EventRunUpdate:      snap.Run,
		EventResultsUpdate:  snap.Results,
		EventFindingsUpdate: snap.Findings,
	}
	if p.testID != "" {
		transcript := snap.Transcript
		if transcript == nil {
			transcript = []common.TranscriptTurn{}
		}
		calls := snap.APICalls
		if calls == nil {
			calls = []common.APICallRecord{}
		}
		values[EventTranscriptUpdate] = transcript
		values[EventAPICallsUpdate] = calls
	}

	out := make([]section, 0, len(values))
	for _, event := range p.sectionOrder() {
		data, err := common.Marshal(values[event])
		if err != nil {
			p.m.log.Error("failed to encode section", zap.String("event", event), zap.Error(err))
			continue
		}
		out = append(out, section{event: event, data: data})
	}
	return out
}

// pollLocked reads a snapshot and returns the sections that changed since the
// previous read. A repeated identical error yields nothing. p.mu must be held.
func (p *poller) pollLocked() []section {
	snap, err := p.m.snapshot(p.key)
	if err != nil {
		msg := errorMessage(err)
		if msg == p.lastErr {
			return nil
		}
		p.lastErr = msg
		p.m.log.Debug("snapshot failed", zap.String("run_id", p.runID), zap.Error(err))
		data, _ := common.Marshal(errorPayload{Error: msg})
		return []section{{event: EventError, data: data}}
	}
	p.lastErr = ""

	var changed []section
	for _, s := range p.sections(snap) {
		if prev, ok := p.last[s.event]; ok && bytes.Equal(prev, s.data) {
			continue
		}
		p.last[s.event] = s.data
		changed = append(changed, s)
	}

	if snap.Run.Status.Terminal() {
		p.final, _ = common.Marshal(completePayload{
			RunID:    snap.Run.RunID,
			Status:   snap.Run.Status,
			Progress: snap.Run.Progress,
		})
	}
	return changed
}

// add attaches h and sends it the full snapshot. It reports false when the
// poller has already stopped.
func (p *poller) add(h sse.Handle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	if !p.primed {
		p.primed = true
		p.pollLocked()
	}

	sub := &subscriber{h: h, lastSent: time.Now()}
	for _, event := range p.sectionOrder() {
		if data, ok := p.last[event]; ok {
			p.sendLocked(sub, section{event: event, data: data})
		}
	}
	if p.lastErr != "" {
		data, _ := common.Marshal(errorPayload{Error: p.lastErr})
		p.sendLocked(sub, section{event: EventError, data: data})
	}
	if p.final != nil {
		p.sendLocked(sub, section{event: EventComplete, data: p.final})
		h.Close()
		if len(p.subs) == 0 {
			p.stopLocked()
		}
		return true
	}

	id := h.ID()
	sub.timer = time.AfterFunc(p.m.idle, func() { p.checkIdle(id) })
	p.subs[id] = sub
	p.m.log.Debug("live stream attached",
		zap.String("run_id", p.runID),
		zap.String("test_id", p.testID),
		zap.String("conn_id", id))

	if !p.started {
		p.started = true
		go p.run()
	}
	return true
}

func (p *poller) sendLocked(sub *subscriber, s section) {
	if err := sub.h.Send(s.event, s.data); err != nil {
		return
	}
	sub.lastSent = time.Now()
}

func (p *poller) run() {
	ticker := time.NewTicker(p.m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *poller) tick() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	changed := p.pollLocked()
	for _, sub := range p.subs {
		for _, s := range changed {
			p.sendLocked(sub, s)
		}
	}
	if p.final != nil {
		for _, sub := range p.subs {
			p.sendLocked(sub, section{event: EventComplete, data: p.final})
		}
		p.m.log.Debug("live stream complete", zap.String("run_id", p.runID))
		p.stopLocked()
	}
}

// checkIdle closes the handle when nothing was sent to it for the idle
// timeout, and re-arms the timer otherwise.
func (p *poller) checkIdle(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub, ok := p.subs[id]
	if !ok {
		return
	}
	if remaining := p.m.idle - time.Since(sub.lastSent); remaining > 0 {
		sub.timer.Reset(remaining)
		return
	}
	p.m.log.Info("closing idle live stream",
		zap.String("run_id", p.runID),
		zap.String("conn_id", id),
		zap.Duration("idle", p.m.idle))
	delete(p.subs, id)
	sub.h.Close()
	if len(p.subs) == 0 {
		p.stopLocked()
	}
}

func (p *poller) drop(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub, ok := p.subs[id]
	if !ok {
		return
	}
	sub.timer.Stop()
	delete(p.subs, id)
	if len(p.subs) == 0 {
		p.stopLocked()
	}
}

func (p *poller) shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

// stopLocked closes every handle and unregisters the poller. p.mu must be held.
func (p *poller) stopLocked() {
	if p.stopped {
		return
	}
	p.stopped = true
	close(p.stop)
	for id, sub := range p.subs {
		sub.timer.Stop()
		sub.h.Close()
		delete(p.subs, id)
	}
	p.m.remove(p)
}
