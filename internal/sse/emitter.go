package sse

import (
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dev.helix.consensus/internal/events"
)

const (
	// KeepAliveInterval is how often a comment frame is written to hold the
	// connection open through proxies.
	KeepAliveInterval = 15 * time.Second

	// CloseGrace is the delay between the terminal frame and the close, so
	// the final frame reaches the client before the stream ends.
	CloseGrace = 100 * time.Millisecond
)

// SetHeaders applies the response headers an event stream needs. The
// buffering opt-outs matter behind nginx and similar proxies.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// Emitter frames discussion events onto a byte stream as Server-Sent Events.
// It keeps the connection alive with comment frames and closes itself shortly
// after a terminal event. Emit and Close are safe from any goroutine; emits
// after close are dropped silently.
type Emitter struct {
	mu        sync.Mutex
	w         io.Writer
	flusher   http.Flusher
	closed    bool
	done      chan struct{}
	stopKA    chan struct{}
	logger    *logrus.Logger
	keepAlive time.Duration
	grace     time.Duration
}

// NewEmitter wraps a writer with the default keep-alive and close timings.
// Flushing is used when the writer supports it.
func NewEmitter(w io.Writer, logger *logrus.Logger) *Emitter {
	return NewEmitterWithTiming(w, logger, KeepAliveInterval, CloseGrace)
}

// NewEmitterWithTiming is NewEmitter with explicit timings.
func NewEmitterWithTiming(w io.Writer, logger *logrus.Logger, keepAlive, grace time.Duration) *Emitter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	flusher, _ := w.(http.Flusher)
	e := &Emitter{
		w:         w,
		flusher:   flusher,
		done:      make(chan struct{}),
		stopKA:    make(chan struct{}),
		logger:    logger,
		keepAlive: keepAlive,
		grace:     grace,
	}
	go e.keepAliveLoop()
	return e
}

// Emit writes one event frame. A terminal event schedules the close after the
// grace period.
func (e *Emitter) Emit(event *events.Event) error {
	if event == nil {
		return nil
	}

	payload, err := event.MarshalPayload()
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	_, werr := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", event.Type, payload)
	if werr == nil && e.flusher != nil {
		e.flusher.Flush()
	}
	e.mu.Unlock()

	if werr != nil {
		return fmt.Errorf("failed to write event frame: %w", werr)
	}

	if event.Type.Terminal() {
		time.AfterFunc(e.grace, e.Close)
	}
	return nil
}

// Close ends the stream. Safe to call twice.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.stopKA)
	close(e.done)
}

// Closed reports whether the stream has ended.
func (e *Emitter) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Done is closed when the stream ends; callers block on it to hold the
// response open.
func (e *Emitter) Done() <-chan struct{} {
	return e.done
}

func (e *Emitter) keepAliveLoop() {
	ticker := time.NewTicker(e.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopKA:
			return
		case <-ticker.C:
			e.mu.Lock()
			if e.closed {
				e.mu.Unlock()
				return
			}
			if _, err := io.WriteString(e.w, ": keep-alive\n\n"); err != nil {
				e.mu.Unlock()
				e.logger.WithError(err).Debug("Keep-alive write failed")
				return
			}
			if e.flusher != nil {
				e.flusher.Flush()
			}
			e.mu.Unlock()
		}
	}
}
