// Package schedule turns declarative recurring triggers into dispatches.
// It only produces events: evaluating what a fired task means is handler
// territory.
package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/concierge-sh/concierge/pkg/config"
	"github.com/concierge-sh/concierge/pkg/dispatch"
	"github.com/concierge-sh/concierge/pkg/logger"
)

// Submitter is the narrow dispatch surface the service needs.
type Submitter interface {
	Dispatch(ctx context.Context, raw dispatch.Raw, opts ...dispatch.Option) (string, error)
}

// Trigger is one recurring schedule entry.
type Trigger struct {
	Name    string
	Cron    string
	Intent  string
	Context map[string]string
}

// Service fires task.scheduled dispatches for due triggers, checking once
// per minute (cron granularity).
type Service struct {
	submitter Submitter
	cron      *gronx.Gronx

	mu       sync.Mutex
	triggers []Trigger
	lastFire map[string]time.Time
}

// NewService builds the service from config triggers. Entries with
// invalid cron expressions are dropped with a warning.
func NewService(submitter Submitter, cfgs []config.TriggerConfig) *Service {
	s := &Service{
		submitter: submitter,
		cron:      gronx.New(),
		lastFire:  make(map[string]time.Time),
	}
	s.triggers = s.buildTriggers(cfgs)
	return s
}

func (s *Service) buildTriggers(cfgs []config.TriggerConfig) []Trigger {
	var triggers []Trigger
	for _, c := range cfgs {
		if !s.cron.IsValid(c.Cron) {
			logger.WarnCF("schedule", "Dropping trigger with invalid cron expression", map[string]interface{}{
				"name": c.Name,
				"cron": c.Cron,
			})
			continue
		}
		triggers = append(triggers, Trigger{
			Name:    c.Name,
			Cron:    c.Cron,
			Intent:  c.Intent,
			Context: c.Context,
		})
	}
	return triggers
}

// Reload replaces the trigger set, typically from the reload watcher
// after the schedule scope's flag was observed.
func (s *Service) Reload(cfgs []config.TriggerConfig) {
	triggers := s.buildTriggers(cfgs)
	s.mu.Lock()
	s.triggers = triggers
	s.mu.Unlock()
	logger.InfoCF("schedule", "Triggers reloaded", map[string]interface{}{
		"triggers": len(triggers),
	})
}

// Run ticks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	s.mu.Lock()
	count := len(s.triggers)
	s.mu.Unlock()
	logger.InfoCF("schedule", "Schedule service started", map[string]interface{}{
		"triggers": count,
	})

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.InfoC("schedule", "Schedule service stopped")
			return
		case now := <-ticker.C:
			s.fireDue(ctx, now)
		}
	}
}

// fireDue dispatches every trigger due at the given instant. The instant
// is truncated to the minute: triggers are minute-granular, and gronx
// evaluates seconds, so a tick landing mid-minute must not miss the
// minute it belongs to.
func (s *Service) fireDue(ctx context.Context, now time.Time) {
	now = now.Truncate(time.Minute)

	s.mu.Lock()
	triggers := s.triggers
	s.mu.Unlock()

	for _, t := range triggers {
		due, err := s.cron.IsDue(t.Cron, now)
		if err != nil || !due {
			continue
		}

		taskContext := map[string]interface{}{}
		for k, v := range t.Context {
			taskContext[k] = v
		}

		id, err := s.submitter.Dispatch(ctx, dispatch.Raw{
			Source: "scheduler",
			Type:   dispatch.TypeTaskScheduled,
			Payload: map[string]interface{}{
				"intent":  t.Intent,
				"context": taskContext,
				"cron":    t.Cron,
			},
		})
		if err != nil {
			logger.ErrorCF("schedule", "Trigger dispatch failed", map[string]interface{}{
				"name":  t.Name,
				"error": err.Error(),
			})
			continue
		}

		s.mu.Lock()
		s.lastFire[t.Name] = now
		s.mu.Unlock()

		logger.InfoCF("schedule", "Trigger fired", map[string]interface{}{
			"name":     t.Name,
			"event_id": id,
		})
	}
}

// Status returns a per-trigger summary for the API.
func (s *Service) Status() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	triggers := make([]map[string]interface{}, 0, len(s.triggers))
	for _, t := range s.triggers {
		entry := map[string]interface{}{
			"name":   t.Name,
			"cron":   t.Cron,
			"intent": t.Intent,
		}
		if last, ok := s.lastFire[t.Name]; ok {
			entry["last_fired"] = last.UTC().Format(time.RFC3339)
		}
		triggers = append(triggers, entry)
	}

	return map[string]interface{}{
		"triggers": triggers,
		"count":    len(triggers),
	}
}
