package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/genwatch/genwatch/internal/api"
	"github.com/genwatch/genwatch/internal/events"
)

const (
	defaultSweepLimit = 100

	orphanReason = "client disconnected"
)

// HistoryAPI is the subset of the reconciliation client the sweeper needs.
type HistoryAPI interface {
	History(ctx context.Context, limit int) ([]api.Record, error)
	ReportFailure(ctx context.Context, id, reason, partialOutput string) error
}

// SweepConfig configures the startup orphan sweep.
type SweepConfig struct {
	// Limit bounds how many history records are inspected.
	Limit int
	// EventBus optionally receives per-repair audit events.
	EventBus EventBus
}

// SweepResult captures deterministic startup sweep outputs.
type SweepResult struct {
	Inspected   int
	RepairedIDs []string
	SkippedIDs  []string
}

// Sweeper repairs generation records orphaned by a crashed client: records
// the server still believes are processing but that no client is streaming.
type Sweeper struct {
	client HistoryAPI
	bus    EventBus
	limit  int
	now    func() time.Time
}

// NewSweeper constructs a startup sweeper.
func NewSweeper(client HistoryAPI, cfg SweepConfig) (*Sweeper, error) {
	if client == nil {
		return nil, errors.New("history client is required")
	}
	if cfg.Limit <= 0 {
		cfg.Limit = defaultSweepLimit
	}
	return &Sweeper{
		client: client,
		bus:    cfg.EventBus,
		limit:  cfg.Limit,
		now:    time.Now,
	}, nil
}

// Sweep marks every processing record in history as failed. At startup no
// client is attached to any of them, so a processing status can only be a
// leftover from a crashed or disconnected client. keepID identifies the
// record this client is about to resume; it is never repaired.
func (s *Sweeper) Sweep(ctx context.Context, keepID string) (SweepResult, error) {
	if s == nil {
		return SweepResult{}, errors.New("sweeper is nil")
	}

	records, err := s.client.History(ctx, s.limit)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list history for sweep: %w", err)
	}

	now := s.now().UTC()
	result := SweepResult{
		RepairedIDs: make([]string, 0),
		SkippedIDs:  make([]string, 0),
	}

	for _, record := range records {
		if !strings.EqualFold(strings.TrimSpace(record.Status), api.StatusProcessing) {
			continue
		}
		result.Inspected++
		if record.ID == keepID {
			result.SkippedIDs = append(result.SkippedIDs, record.ID)
			continue
		}

		if err := s.client.ReportFailure(ctx, record.ID, orphanReason, record.Output); err != nil {
			if errors.Is(err, api.ErrNotFound) {
				// Deleted between listing and repair; nothing to do.
				continue
			}
			return SweepResult{}, fmt.Errorf("repair orphaned generation %s: %w", record.ID, err)
		}
		result.RepairedIDs = append(result.RepairedIDs, record.ID)
		s.publishRepair(record.ID, now)
	}

	s.publishSummary(result, now)
	return result, nil
}

func (s *Sweeper) publishRepair(id string, timestamp time.Time) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Type:      events.EventTypeStateTransition,
		Timestamp: timestamp,
		SessionID: id,
		Payload: map[string]string{
			"from":   api.StatusProcessing,
			"to":     api.StatusFailed,
			"reason": orphanReason,
		},
		Severity: events.SeverityWarn,
	})
}

func (s *Sweeper) publishSummary(result SweepResult, timestamp time.Time) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Type:      events.EventTypeHealthCheck,
		Timestamp: timestamp,
		Payload: map[string]any{
			"inspected_processing": result.Inspected,
			"repaired_ids":         append([]string(nil), result.RepairedIDs...),
			"skipped_ids":          append([]string(nil), result.SkippedIDs...),
		},
		Severity: events.SeverityInfo,
	})
}
