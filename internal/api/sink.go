package api

import (
	"context"
	"fmt"
	"sync"

	"github.com/wayline/wayline/internal/models"
)

// maxBufferedOutput caps per-session buffered output lines; older lines are
// dropped first.
const maxBufferedOutput = 100

// BufferSink collects engine output for HTTP polling clients. Each session
// started through the API gets one; /sessions/{id}/output drains it.
type BufferSink struct {
	mu    sync.Mutex
	lines []string
}

// NewBufferSink creates an empty buffering sink.
func NewBufferSink() *BufferSink {
	return &BufferSink{}
}

func (b *BufferSink) append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if len(b.lines) > maxBufferedOutput {
		b.lines = b.lines[len(b.lines)-maxBufferedOutput:]
	}
}

// Drain returns and clears the buffered lines.
func (b *BufferSink) Drain() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.lines
	b.lines = nil
	return out
}

// SendMessage buffers a plain message.
func (b *BufferSink) SendMessage(_ context.Context, message string) error {
	b.append(message)
	return nil
}

// RequestInput buffers the prompt; the answer arrives via the messages
// endpoint.
func (b *BufferSink) RequestInput(_ context.Context, prompt string) (string, error) {
	b.append(prompt)
	return "", nil
}

// ShowProgress buffers a progress line.
func (b *BufferSink) ShowProgress(_ context.Context, tracker *models.ProgressTracker) error {
	if tracker != nil {
		b.append(fmt.Sprintf("progress: %d%% (%s)", tracker.CompletionPercentage, tracker.CurrentStateName))
	}
	return nil
}

// DisplayError buffers an error notice.
func (b *BufferSink) DisplayError(_ context.Context, err error) error {
	b.append("error: " + err.Error())
	return nil
}

// NotifyCompletion buffers the completion notice.
func (b *BufferSink) NotifyCompletion(_ context.Context, _ *models.ExecutionResult) error {
	b.append("journey complete")
	return nil
}

// sinkRegistry maps session ids to their buffer sinks.
type sinkRegistry struct {
	mu    sync.RWMutex
	sinks map[string]*BufferSink
}

func newSinkRegistry() *sinkRegistry {
	return &sinkRegistry{sinks: make(map[string]*BufferSink)}
}

func (r *sinkRegistry) put(sessionID string, sink *BufferSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[sessionID] = sink
}

func (r *sinkRegistry) get(sessionID string) *BufferSink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sinks[sessionID]
}

func (r *sinkRegistry) remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sinks, sessionID)
}
