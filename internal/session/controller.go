// Package session owns the one active generation session: its state
// machine, its buffered output, and every decision about when to trust the
// streaming channel versus re-fetching authoritative server state.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/genwatch/genwatch/internal/api"
	"github.com/genwatch/genwatch/internal/channel"
	"github.com/genwatch/genwatch/internal/events"
	"github.com/genwatch/genwatch/internal/snapshot"
)

const (
	defaultPersistEvery   = 10
	defaultReconnectGrace = 2 * time.Second
	unloadNotifyTimeout   = 2 * time.Second
	reconcileMaxTries     = 3
)

// API is the subset of the reconciliation client the controller needs.
type API interface {
	CreateJob(ctx context.Context, prompt string) (string, error)
	FetchStatus(ctx context.Context, id string) (api.Record, error)
	RequestStop(ctx context.Context, id, partialOutput string) error
	ReportFailure(ctx context.Context, id, reason, partialOutput string) error
}

// Stream is one live event source scoped to a generation id.
type Stream interface {
	Events() <-chan channel.Event
	State() channel.State
	Close()
}

// Transport opens streams addressed by generation id.
type Transport interface {
	Open(sessionID string) Stream
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(sessionID string) Stream

// Open implements Transport.
func (f TransportFunc) Open(sessionID string) Stream {
	return f(sessionID)
}

// SnapshotStore persists the single session snapshot slot.
type SnapshotStore interface {
	Save(snapshot.Snapshot) error
	Load() (snapshot.Snapshot, bool, error)
	Clear() error
}

// EventBus publishes session lifecycle events.
type EventBus interface {
	Publish(event events.Event)
}

// Session is the tracked state of the one active job.
type Session struct {
	ID         string
	Prompt     string
	Model      string
	Output     string
	TokenCount int
	Status     Status
	Phase      string
	Language   string
	Filename   string
	Error      string
}

// Option configures Controller construction.
type Option func(*Controller)

// WithLogger configures structured logging.
func WithLogger(logger *log.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTracer configures the tracer used for transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Controller) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithPersistEvery configures snapshot write cadence in tokens.
func WithPersistEvery(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.persistEvery = n
		}
	}
}

// WithReconnectGrace configures how long a connecting channel is given
// before the reconnection protocol re-evaluates it.
func WithReconnectGrace(grace time.Duration) Option {
	return func(c *Controller) {
		if grace > 0 {
			c.reconnectGrace = grace
		}
	}
}

// WithClock overrides the time source (used by tests).
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// Controller drives the session state machine. All state mutation happens on
// the run loop goroutine; channel events, request completions, and timer
// signals are posted as commands and applied in arrival order.
type Controller struct {
	api            API
	transport      Transport
	store          SnapshotStore
	bus            EventBus
	logger         *log.Logger
	tracer         trace.Tracer
	persistEvery   int
	reconnectGrace time.Duration
	now            func() time.Time

	cmds chan func()

	// Owned by the run loop.
	sess   Session
	stream Stream
	seq    uint64
	runCtx context.Context
	termCh chan Session
}

// NewController builds a session controller. The api, transport, store, and
// bus collaborators are required.
func NewController(apiClient API, transport Transport, store SnapshotStore, bus EventBus, options ...Option) (*Controller, error) {
	if apiClient == nil {
		return nil, errors.New("api client is required")
	}
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	if store == nil {
		return nil, errors.New("snapshot store is required")
	}
	if bus == nil {
		return nil, errors.New("event bus is required")
	}

	controller := &Controller{
		api:            apiClient,
		transport:      transport,
		store:          store,
		bus:            bus,
		logger:         log.New(io.Discard),
		tracer:         otel.Tracer("genwatch/session"),
		persistEvery:   defaultPersistEvery,
		reconnectGrace: defaultReconnectGrace,
		now:            time.Now,
		cmds:           make(chan func(), 128),
		sess:           Session{Status: StatusIdle},
		termCh:         make(chan Session, 1),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(controller)
	}
	return controller, nil
}

// Run consumes commands until ctx is canceled. It must be running before
// any other controller method is called.
func (c *Controller) Run(ctx context.Context) {
	if c == nil {
		return
	}
	c.runCtx = ctx
	for {
		select {
		case <-ctx.Done():
			c.detachStream()
			return
		case cmd := <-c.cmds:
			cmd()
		}
	}
}

// post enqueues a command without waiting for it.
func (c *Controller) post(cmd func()) {
	select {
	case c.cmds <- cmd:
	case <-c.loopDone():
	}
}

// call enqueues a command and waits until the run loop has applied it.
func (c *Controller) call(ctx context.Context, cmd func()) error {
	done := make(chan struct{})
	select {
	case c.cmds <- func() {
		cmd()
		close(done)
	}:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.loopDone():
		return errors.New("controller is not running")
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) loopDone() <-chan struct{} {
	if c.runCtx == nil {
		return nil
	}
	return c.runCtx.Done()
}

// Current returns a copy of the tracked session state.
func (c *Controller) Current(ctx context.Context) (Session, error) {
	var snap Session
	err := c.call(ctx, func() {
		snap = c.sess
	})
	return snap, err
}

// WaitTerminal blocks until the current job reaches a terminal state.
func (c *Controller) WaitTerminal(ctx context.Context) (Session, error) {
	var term chan Session
	if err := c.call(ctx, func() {
		term = c.termCh
	}); err != nil {
		return Session{}, err
	}

	select {
	case sess := <-term:
		return sess, nil
	case <-ctx.Done():
		return Session{}, ctx.Err()
	}
}

// StartGeneration validates the request, destroys any previous session, and
// drives idle -> creating -> streaming. It returns the new job id once the
// channel is being opened, or an error that left the session idle.
func (c *Controller) StartGeneration(ctx context.Context, prompt, model string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", &ValidationError{Field: "prompt", Reason: "must not be empty"}
	}
	if strings.TrimSpace(model) == "" {
		return "", &ValidationError{Field: "model", Reason: "no model selected"}
	}

	var startSeq uint64
	if err := c.call(ctx, func() {
		c.resetToIdle("start generation")
		c.sess.Prompt = prompt
		c.sess.Model = model
		c.transition(StatusCreating, "generation requested")
		startSeq = c.seq
	}); err != nil {
		return "", err
	}

	id, createErr := c.api.CreateJob(ctx, prompt)

	var stale bool
	if err := c.call(ctx, func() {
		if c.seq != startSeq || c.sess.Status != StatusCreating {
			// The session moved on while creation was in flight.
			stale = true
			return
		}
		if createErr != nil {
			c.transition(StatusIdle, "creation failed")
			c.notify(events.SeverityError, fmt.Sprintf("generation not created: %v", createErr))
			return
		}
		c.sess.ID = id
		c.sess.Output = ""
		c.sess.TokenCount = 0
		c.sess.Language = ""
		c.sess.Filename = ""
		c.sess.Error = ""
		c.transition(StatusStreaming, "job created")
		c.attachStream(id)
	}); err != nil {
		return "", err
	}

	if stale {
		return "", errors.New("session superseded during creation")
	}
	if createErr != nil {
		return "", fmt.Errorf("create generation job: %w", createErr)
	}
	return id, nil
}

// Regenerate reopens a channel against the existing job id without creating
// a new job. Only valid once the previous run reached a terminal state.
func (c *Controller) Regenerate(ctx context.Context) error {
	var callErr error
	err := c.call(ctx, func() {
		if c.sess.ID == "" {
			callErr = &ValidationError{Field: "session", Reason: "no previous job to regenerate"}
			return
		}
		if !c.sess.Status.Terminal() {
			callErr = &ValidationError{Field: "session", Reason: "job is still active"}
			return
		}
		c.detachStream()
		c.sess.Output = ""
		c.sess.TokenCount = 0
		c.sess.Language = ""
		c.sess.Filename = ""
		c.sess.Error = ""
		c.termCh = make(chan Session, 1)
		c.transition(StatusStreaming, "regenerate")
		c.attachStream(c.sess.ID)
	})
	if err != nil {
		return err
	}
	return callErr
}

// Stop cancels the active generation. The buffered output has any
// unterminated code fence closed, the channel is closed locally, and the
// server is informed best-effort with the partial output.
func (c *Controller) Stop(ctx context.Context) (Session, error) {
	var (
		stopped Session
		callErr error
	)
	err := c.call(ctx, func() {
		if c.sess.Status != StatusStreaming {
			callErr = &ValidationError{Field: "session", Reason: "no streaming job to stop"}
			return
		}
		c.sess.Output = ensureClosedFence(c.sess.Output)
		c.transition(StatusStopped, "user cancellation")
		c.detachStream()
		c.persistSnapshot(false)
		stopped = c.sess

		id, output := c.sess.ID, c.sess.Output
		go c.notifyStop(id, output)
	})
	if err != nil {
		return Session{}, err
	}
	return stopped, callErr
}

// Reset destroys the current session: any live channel is closed first,
// then the buffer, id, and persisted snapshot are cleared.
func (c *Controller) Reset(ctx context.Context) error {
	return c.call(ctx, func() {
		c.resetToIdle("reset requested")
	})
}

// LoadRecord mirrors a historical record into local state without opening a
// channel. Rejected while a job is active. If the record streams in another
// client concurrently, this mirror simply shows the last fetched state; the
// controller cannot detect that case.
func (c *Controller) LoadRecord(ctx context.Context, id string) (Session, error) {
	var active bool
	if err := c.call(ctx, func() {
		active = c.sess.Status == StatusCreating || c.sess.Status == StatusStreaming
	}); err != nil {
		return Session{}, err
	}
	if active {
		return Session{}, &ValidationError{Field: "session", Reason: "a job is active"}
	}

	record, err := c.api.FetchStatus(ctx, id)
	if err != nil {
		return Session{}, fmt.Errorf("load record %s: %w", id, err)
	}

	var loaded Session
	if err := c.call(ctx, func() {
		c.detachStream()
		c.sess = Session{
			ID:         record.ID,
			Prompt:     record.Prompt,
			Model:      record.Model,
			Output:     record.Output,
			TokenCount: record.TokenCount,
			Status:     StatusFromRecord(record.Status),
			Language:   record.Language,
			Filename:   record.Filename,
			Error:      record.Error,
		}
		loaded = c.sess
	}); err != nil {
		return Session{}, err
	}
	return loaded, nil
}

// Restore loads the persisted snapshot, mirrors it locally, and when the
// snapshot was captured mid-stream reconciles against the server: a still
// processing job resumes streaming, a terminal job is adopted as
// authoritative.
func (c *Controller) Restore(ctx context.Context) (bool, error) {
	snap, ok, err := c.store.Load()
	if err != nil {
		return false, fmt.Errorf("load persisted snapshot: %w", err)
	}
	if !ok {
		return false, nil
	}

	if err := c.call(ctx, func() {
		c.sess = Session{
			ID:         snap.SessionID,
			Prompt:     snap.Prompt,
			Output:     snap.Output,
			TokenCount: snap.TokenCount,
			Status:     StatusIdle,
		}
		if snap.Generating {
			c.sess.Status = StatusStreaming
		}
	}); err != nil {
		return false, err
	}

	if !snap.Generating {
		return true, nil
	}
	if err := c.Reconcile(ctx); err != nil {
		return true, fmt.Errorf("reconcile restored session: %w", err)
	}
	return true, nil
}

// Resume re-evaluates a session the controller believes is streaming, e.g.
// after the client regains foreground visibility. An open channel is left
// alone; a connecting channel is granted a grace period; a closed channel
// triggers reconciliation against authoritative state.
func (c *Controller) Resume(ctx context.Context) error {
	var state channel.State
	var streaming bool
	if err := c.call(ctx, func() {
		streaming = c.sess.Status == StatusStreaming
		if c.stream != nil {
			state = c.stream.State()
		} else {
			state = channel.StateClosed
		}
	}); err != nil {
		return err
	}
	if !streaming {
		return nil
	}

	switch state {
	case channel.StateOpen:
		return nil
	case channel.StateConnecting:
		// One grace period only; a channel still not open afterwards goes
		// through reconciliation rather than waiting again.
		select {
		case <-time.After(c.reconnectGrace):
		case <-ctx.Done():
			return ctx.Err()
		}
		var open bool
		if err := c.call(ctx, func() {
			open = c.stream != nil && c.stream.State() == channel.StateOpen
		}); err != nil {
			return err
		}
		if open {
			return nil
		}
		return c.Reconcile(ctx)
	default:
		return c.Reconcile(ctx)
	}
}

// Reconcile fetches authoritative job state and converges: still-processing
// jobs get a fresh channel, terminal jobs are adopted wholesale, deleted
// jobs reset the session to idle.
func (c *Controller) Reconcile(ctx context.Context) error {
	var id string
	var streaming bool
	if err := c.call(ctx, func() {
		id = c.sess.ID
		streaming = c.sess.Status == StatusStreaming
	}); err != nil {
		return err
	}
	if !streaming || id == "" {
		return nil
	}

	record, err := c.fetchWithRetry(ctx, id)
	if errors.Is(err, api.ErrNotFound) {
		// The record was deleted upstream: drop local state, never retry.
		return c.call(ctx, func() {
			if c.sess.ID != id {
				return
			}
			c.resetToIdle("job deleted upstream")
			c.notify(events.SeverityWarn, "generation no longer exists; session reset")
		})
	}
	if err != nil {
		return fmt.Errorf("reconcile session %s: %w", id, err)
	}

	return c.call(ctx, func() {
		if c.sess.ID != id || c.sess.Status != StatusStreaming {
			// The session moved on while the fetch was in flight.
			return
		}
		if !api.TerminalStatus(record.Status) {
			// The server replays the stream from the first token on every
			// connect, so the reopened channel starts from an empty buffer.
			c.logger.Info("server still processing; reopening channel", "session_id", id)
			c.detachStream()
			c.sess.Output = ""
			c.sess.TokenCount = 0
			c.sess.Language = ""
			c.sess.Filename = ""
			c.sess.Error = ""
			c.attachStream(id)
			return
		}
		c.adoptRecord(record)
	})
}

// ForceFail marks the session failed from the client's vantage point,
// reporting the failure to the server best-effort. Safe to repeat: once the
// session is terminal later calls are ignored and the first error message
// is retained.
func (c *Controller) ForceFail(ctx context.Context, id, reason string) error {
	var output string
	var apply bool
	if err := c.call(ctx, func() {
		if c.sess.ID != id || c.sess.Status.Terminal() {
			return
		}
		if c.sess.Status != StatusStreaming && c.sess.Status != StatusCreating {
			return
		}
		apply = true
		if c.sess.Status == StatusCreating {
			// No streaming transition exists from creating; fail through it.
			c.transition(StatusStreaming, "failing in-flight creation")
		}
		c.sess.Error = reason
		c.transition(StatusFailed, reason)
		c.detachStream()
		c.persistSnapshot(false)
		output = c.sess.Output
	}); err != nil {
		return err
	}
	if !apply {
		return nil
	}

	go c.notifyFailure(id, reason, output)
	return nil
}

// NotifyUnload fires a best-effort stop notification carrying the current
// buffer so the server can persist partial output during client teardown.
// The result is discarded; teardown must not block on it.
func (c *Controller) NotifyUnload(ctx context.Context) error {
	var id, output string
	var streaming bool
	if err := c.call(ctx, func() {
		streaming = c.sess.Status == StatusStreaming
		id = c.sess.ID
		output = c.sess.Output
	}); err != nil {
		return err
	}
	if !streaming || id == "" {
		return nil
	}

	go c.notifyStop(id, output)
	return nil
}

// --- run-loop internals; every method below executes on the loop goroutine.

func (c *Controller) resetToIdle(reason string) {
	c.detachStream()
	// Invalidate in-flight async completions even when no stream was live;
	// a create issued before this reset must not attach afterwards.
	c.seq++
	if err := c.store.Clear(); err != nil {
		c.logger.Warn("clear persisted snapshot", "error", err)
	}
	c.sess = Session{Status: StatusIdle, Model: c.sess.Model}
	c.termCh = make(chan Session, 1)
	c.logger.Info("session reset", "reason", reason)
}

func (c *Controller) attachStream(id string) {
	c.seq++
	seq := c.seq
	stream := c.transport.Open(id)
	c.stream = stream

	go func() {
		for event := range stream.Events() {
			ev := event
			c.post(func() {
				c.handleStreamEvent(seq, ev)
			})
		}
	}()
}

func (c *Controller) detachStream() {
	if c.stream == nil {
		return
	}
	c.stream.Close()
	c.stream = nil
	c.seq++
}

func (c *Controller) handleStreamEvent(seq uint64, event channel.Event) {
	if seq != c.seq {
		// Event from a superseded channel; terminal states stay sticky.
		return
	}

	switch event.Type {
	case channel.EventOpened:
		c.logger.Info("channel opened", "session_id", c.sess.ID)

	case channel.EventToken:
		if c.sess.Status != StatusStreaming {
			return
		}
		c.sess.Output += event.Token
		c.sess.TokenCount++
		c.bus.Publish(events.Event{
			Type:      events.EventTypeToken,
			SessionID: c.sess.ID,
			Payload:   event.Token,
			Severity:  events.SeverityInfo,
		})
		if c.sess.TokenCount%c.persistEvery == 0 {
			c.persistSnapshot(true)
		}

	case channel.EventProgress:
		if c.sess.Status != StatusStreaming {
			return
		}
		c.sess.TokenCount = event.Tokens
		c.bus.Publish(events.Event{
			Type:      events.EventTypeProgress,
			SessionID: c.sess.ID,
			Payload:   event.Tokens,
			Severity:  events.SeverityInfo,
		})

	case channel.EventStatus:
		// Display-only phase label; the session status is untouched.
		c.sess.Phase = event.Phase

	case channel.EventDone:
		if c.sess.Status != StatusStreaming {
			return
		}
		c.sess.Language = event.Language
		c.sess.Filename = event.Filename
		if event.TokenCount > 0 {
			c.sess.TokenCount = event.TokenCount
		}
		c.transition(StatusCompleted, "generation complete")
		c.detachStream()
		c.persistSnapshot(false)

	case channel.EventError:
		if c.sess.Status.Terminal() {
			return
		}
		c.sess.Error = event.Message
		c.transition(StatusFailed, event.Message)
		c.detachStream()
		c.persistSnapshot(false)

	case channel.EventClosed:
		if c.sess.Status != StatusStreaming {
			return
		}
		// Ambiguous close: the socket died without a terminal event while
		// we still believe the job is running. Re-verify off-loop.
		c.logger.Warn("channel closed unexpectedly", "session_id", c.sess.ID, "detail", event.Message)
		c.seq++
		c.stream = nil
		runCtx := c.runCtx
		go func() {
			if err := c.Reconcile(runCtx); err != nil {
				c.logger.Warn("reconcile after channel close", "error", err)
			}
		}()
	}
}

// adoptRecord overwrites local state with the authoritative server record,
// discarding any local-only unflushed buffer beyond what the server holds.
func (c *Controller) adoptRecord(record api.Record) {
	c.sess.Output = record.Output
	c.sess.Language = record.Language
	c.sess.Filename = record.Filename
	c.sess.Error = record.Error
	if record.TokenCount > 0 {
		c.sess.TokenCount = record.TokenCount
	}
	c.transition(StatusFromRecord(record.Status), "adopted authoritative state")
	c.detachStream()
	c.persistSnapshot(false)
}

func (c *Controller) transition(to Status, reason string) {
	from := c.sess.Status
	if from == to {
		return
	}
	if !transitionAllowed(from, to) {
		c.logger.Error("illegal transition suppressed",
			"session_id", c.sess.ID, "from", from, "to", to, "reason", reason)
		return
	}

	_, span := c.tracer.Start(context.Background(), "session.transition")
	span.SetAttributes(
		attribute.String("session_id", c.sess.ID),
		attribute.String("from_state", string(from)),
		attribute.String("to_state", string(to)),
		attribute.String("reason", reason),
	)
	span.End()

	c.sess.Status = to
	c.logger.Info("session transition",
		"session_id", c.sess.ID, "from", from, "to", to, "reason", reason)
	c.bus.Publish(events.Event{
		Type:      events.EventTypeStateTransition,
		Timestamp: c.now().UTC(),
		SessionID: c.sess.ID,
		Payload:   map[string]string{"from": string(from), "to": string(to), "reason": reason},
		Severity:  events.SeverityInfo,
	})

	if to.Terminal() {
		select {
		case c.termCh <- c.sess:
		default:
		}
	}
}

func (c *Controller) persistSnapshot(generating bool) {
	snap := snapshot.Snapshot{
		SessionID:  c.sess.ID,
		Prompt:     c.sess.Prompt,
		Output:     c.sess.Output,
		TokenCount: c.sess.TokenCount,
		Generating: generating,
		Timestamp:  c.now().UTC(),
	}
	if err := c.store.Save(snap); err != nil {
		c.logger.Warn("persist snapshot", "error", err)
	}
}

func (c *Controller) notify(severity, message string) {
	c.bus.Publish(events.Event{
		Type:      events.EventTypeNotification,
		Timestamp: c.now().UTC(),
		SessionID: c.sess.ID,
		Payload:   message,
		Severity:  severity,
	})
}

// notifyStop and notifyFailure run detached; failures are logged and
// swallowed because nobody is waiting on them.

func (c *Controller) notifyStop(id, output string) {
	ctx, cancel := context.WithTimeout(context.Background(), unloadNotifyTimeout)
	defer cancel()
	if err := c.api.RequestStop(ctx, id, output); err != nil {
		c.logger.Warn("stop notification", "session_id", id, "error", err)
	}
}

func (c *Controller) notifyFailure(id, reason, output string) {
	ctx, cancel := context.WithTimeout(context.Background(), unloadNotifyTimeout)
	defer cancel()
	if err := c.api.ReportFailure(ctx, id, reason, output); err != nil {
		c.logger.Warn("failure report", "session_id", id, "error", err)
	}
}

func (c *Controller) fetchWithRetry(ctx context.Context, id string) (api.Record, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 200 * time.Millisecond

	operation := func() (api.Record, error) {
		record, err := c.api.FetchStatus(ctx, id)
		if err != nil {
			if errors.Is(err, api.ErrNotFound) {
				return api.Record{}, backoff.Permanent(err)
			}
			return api.Record{}, err
		}
		return record, nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(reconcileMaxTries),
	)
}
