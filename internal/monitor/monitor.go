// Package monitor watches server health and session liveness on a periodic
// heartbeat. It never mutates session state directly; recovery goes through
// the session controller so terminal states stay sticky.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/genwatch/genwatch/internal/api"
	"github.com/genwatch/genwatch/internal/events"
	"github.com/genwatch/genwatch/internal/session"
)

const (
	defaultHeartbeatInterval = 10 * time.Second
	defaultFailureThreshold  = 3
	defaultStuckTimeout      = 2 * time.Minute
)

// Prober performs server health probes.
type Prober interface {
	ProbeHealth(ctx context.Context) (api.Health, error)
}

// SessionController is the subset of controller behavior the monitor drives.
type SessionController interface {
	Current(ctx context.Context) (session.Session, error)
	Resume(ctx context.Context) error
	ForceFail(ctx context.Context, id, reason string) error
}

// EventBus publishes health and alert events.
type EventBus interface {
	Publish(event events.Event)
}

// Config controls heartbeat cadence and failure thresholds.
type Config struct {
	// HeartbeatInterval is the probe cadence.
	HeartbeatInterval time.Duration
	// FailureThreshold is how many consecutive probe failures are tolerated
	// before a streaming session is failed as unreachable. A single failed
	// probe is treated as transient, so worst-case detection of a dead
	// server is FailureThreshold * HeartbeatInterval. Set to 1 to fail on
	// the first missed probe.
	FailureThreshold int
	// StuckTimeout is how long a streaming session may go without token
	// progress before the monitor asks the controller to reconcile.
	StuckTimeout time.Duration
}

// HealthReport is emitted on every heartbeat.
type HealthReport struct {
	Healthy             bool      `json:"healthy"`
	MongoDB             bool      `json:"mongodb"`
	Ollama              bool      `json:"ollama"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	SessionID           string    `json:"session_id,omitempty"`
	SessionStatus       string    `json:"session_status"`
	StuckDetected       bool      `json:"stuck_detected"`
	CheckedAt           time.Time `json:"checked_at"`
}

// Manager executes deterministic health checks on a periodic ticker.
type Manager struct {
	prober     Prober
	controller SessionController
	bus        EventBus
	interval   time.Duration
	threshold  int
	stuckAfter time.Duration
	now        func() time.Time
	newTicker  func(time.Duration) *time.Ticker

	// Heartbeat-to-heartbeat progress tracking, accessed only from the
	// heartbeat goroutine.
	consecutiveFailures int
	lastSessionID       string
	lastTokenCount      int
	lastProgressAt      time.Time
}

// NewManager builds a health monitor with sane defaults.
func NewManager(prober Prober, controller SessionController, bus EventBus, cfg Config) (*Manager, error) {
	if prober == nil {
		return nil, errors.New("prober is required")
	}
	if controller == nil {
		return nil, errors.New("session controller is required")
	}
	if bus == nil {
		return nil, errors.New("event bus is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.StuckTimeout <= 0 {
		cfg.StuckTimeout = defaultStuckTimeout
	}
	return &Manager{
		prober:     prober,
		controller: controller,
		bus:        bus,
		interval:   cfg.HeartbeatInterval,
		threshold:  cfg.FailureThreshold,
		stuckAfter: cfg.StuckTimeout,
		now:        time.Now,
		newTicker:  time.NewTicker,
	}, nil
}

// Start runs heartbeat checks until context cancellation.
func (m *Manager) Start(ctx context.Context) {
	if m == nil {
		return
	}
	ticker := m.newTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.RunOnce(ctx); err != nil {
				m.bus.Publish(events.Event{
					Type:      events.EventTypeSystemAlert,
					Timestamp: m.now().UTC(),
					Payload:   map[string]string{"error": err.Error()},
					Severity:  events.SeverityError,
				})
			}
		}
	}
}

// RunOnce executes one health check cycle: probe the server, track session
// progress, and trigger recovery through the controller when needed.
func (m *Manager) RunOnce(ctx context.Context) (HealthReport, error) {
	if m == nil {
		return HealthReport{}, errors.New("monitor manager is nil")
	}

	current, err := m.controller.Current(ctx)
	if err != nil {
		return HealthReport{}, fmt.Errorf("read session state: %w", err)
	}

	now := m.now().UTC()
	report := HealthReport{
		SessionID:     current.ID,
		SessionStatus: string(current.Status),
		CheckedAt:     now,
	}

	health, probeErr := m.prober.ProbeHealth(ctx)
	if probeErr != nil {
		m.consecutiveFailures++
		report.ConsecutiveFailures = m.consecutiveFailures

		if current.Status == session.StatusStreaming && m.consecutiveFailures >= m.threshold {
			if err := m.controller.ForceFail(ctx, current.ID, "server unreachable"); err != nil {
				return report, fmt.Errorf("fail unreachable session: %w", err)
			}
			report.SessionStatus = string(session.StatusFailed)
		}

		m.publishReport(report)
		return report, nil
	}

	m.consecutiveFailures = 0
	report.Healthy = health.Status == "ok"
	report.MongoDB = health.MongoDB
	report.Ollama = health.Ollama

	if current.Status == session.StatusStreaming {
		stuck := m.trackProgress(current, now)
		report.StuckDetected = stuck
		if stuck {
			// The socket may have died silently; let the controller decide
			// between reattaching and adopting authoritative state.
			if err := m.controller.Resume(ctx); err != nil {
				if failErr := m.controller.ForceFail(ctx, current.ID, "connection lost"); failErr != nil {
					return report, fmt.Errorf("fail stuck session: %w", failErr)
				}
				report.SessionStatus = string(session.StatusFailed)
			}
			m.lastProgressAt = now
		}
	} else {
		m.lastSessionID = ""
	}

	m.publishReport(report)
	return report, nil
}

// trackProgress reports whether the streaming session made no token progress
// for longer than the stuck timeout.
func (m *Manager) trackProgress(current session.Session, now time.Time) bool {
	if current.ID != m.lastSessionID {
		m.lastSessionID = current.ID
		m.lastTokenCount = current.TokenCount
		m.lastProgressAt = now
		return false
	}
	if current.TokenCount != m.lastTokenCount {
		m.lastTokenCount = current.TokenCount
		m.lastProgressAt = now
		return false
	}
	return now.Sub(m.lastProgressAt) > m.stuckAfter
}

func (m *Manager) publishReport(report HealthReport) {
	severity := events.SeverityInfo
	if !report.Healthy || report.StuckDetected {
		severity = events.SeverityWarn
	}
	m.bus.Publish(events.Event{
		Type:      events.EventTypeHealthCheck,
		Timestamp: report.CheckedAt,
		SessionID: report.SessionID,
		Payload:   report,
		Severity:  severity,
	})
}
