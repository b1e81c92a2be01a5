// Package sse provides Server-Sent Events support for streaming clustering
// run progress to clients.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Stage identifies a run phase.
type Stage string

const (
	StageSampling      Stage = "sampling"
	StageBootstrap     Stage = "bootstrap"
	StageStreaming     Stage = "streaming"
	StageUpdate        Stage = "update"
	StageWriteClusters Stage = "write_clusters"
	StageExport        Stage = "export"
)

// ProgressEvent is sent during processing to report stage progress.
type ProgressEvent struct {
	Stage    Stage            `json:"stage"`
	Progress float64          `json:"progress"`
	Stats    *json.RawMessage `json:"stats,omitempty"`
}

// CompleteEvent is sent when a run finishes.
type CompleteEvent struct {
	Result json.RawMessage `json:"result"`
}

// ErrorEvent is sent when a run fails.
type ErrorEvent struct {
	Error string `json:"error"`
	Stage Stage  `json:"stage,omitempty"`
}

// Hub broadcasts events to every connected /events subscriber. A long
// clustering run publishes; any number of clients may watch.
type Hub struct {
	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan []byte]struct{})}
}

// ServeHTTP implements http.Handler, streaming events until the client
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := make(chan []byte, 64)
	h.mu.Lock()
	h.subs[events] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.subs, events)
		h.mu.Unlock()
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case payload := <-events:
			if _, err := w.Write(payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// SendProgress broadcasts a progress event for the given stage.
func (h *Hub) SendProgress(stage Stage, progress float64) error {
	evt := ProgressEvent{Stage: stage, Progress: progress}
	return h.sendEvent("progress", evt)
}

// SendProgressWithStats broadcasts a progress event that includes
// stage-level stats.
func (h *Hub) SendProgressWithStats(stage Stage, progress float64, stats interface{}) error {
	raw, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	rawMsg := json.RawMessage(raw)
	evt := ProgressEvent{Stage: stage, Progress: progress, Stats: &rawMsg}
	return h.sendEvent("progress", evt)
}

// SendComplete broadcasts the final complete event with the run result.
func (h *Hub) SendComplete(result interface{}) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return h.sendEvent("complete", CompleteEvent{Result: json.RawMessage(resultJSON)})
}

// SendError broadcasts an error event.
func (h *Hub) SendError(stage Stage, errMsg string) error {
	return h.sendEvent("error", ErrorEvent{Error: errMsg, Stage: stage})
}

// sendEvent encodes one SSE frame and fans it out. Slow subscribers drop
// frames instead of blocking the run.
func (h *Hub) sendEvent(eventType string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	frame := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, payload))

	h.mu.Lock()
	for events := range h.subs {
		select {
		case events <- frame:
		default:
		}
	}
	h.mu.Unlock()
	return nil
}

// SubscriberCount returns the number of connected clients.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// StageTimer tracks elapsed time for a run stage.
type StageTimer struct {
	Stage   Stage
	started time.Time
}

// NewStageTimer starts timing a stage.
func NewStageTimer(stage Stage) *StageTimer {
	return &StageTimer{Stage: stage, started: time.Now()}
}

// Elapsed returns the duration since the timer started.
func (t *StageTimer) Elapsed() time.Duration {
	return time.Since(t.started)
}

// ElapsedMs returns elapsed milliseconds.
func (t *StageTimer) ElapsedMs() int64 {
	return t.Elapsed().Milliseconds()
}
