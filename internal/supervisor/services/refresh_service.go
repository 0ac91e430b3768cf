// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package services

import (
	"context"
	"errors"
	"time"

	"github.com/tomtom215/cardpulse/internal/logging"
	"github.com/tomtom215/cardpulse/internal/metrics"
	"github.com/tomtom215/cardpulse/internal/models"
	"github.com/tomtom215/cardpulse/internal/refresh"
)

// RefreshOrchestrator is satisfied by *refresh.Orchestrator.
type RefreshOrchestrator interface {
	Serve(ctx context.Context) error
}

// OrchestratorService ties the orchestrator's lifetime to the tree: on
// shutdown the running job is canceled between days and every stream ends.
type OrchestratorService struct {
	orch RefreshOrchestrator
	name string
}

// NewOrchestratorService wraps orch.
func NewOrchestratorService(orch RefreshOrchestrator) *OrchestratorService {
	return &OrchestratorService{orch: orch, name: "refresh-orchestrator"}
}

// Serve implements suture.Service.
func (s *OrchestratorService) Serve(ctx context.Context) error {
	return s.orch.Serve(ctx)
}

func (s *OrchestratorService) String() string {
	return s.name
}

// RefreshStarter is satisfied by *refresh.Orchestrator.
type RefreshStarter interface {
	Start(ctx context.Context, req refresh.Request) (*refresh.Subscription, bool, error)
}

// RefreshScheduler refreshes yesterday and today on a fixed interval.
// A tick that lands while a job is running joins it instead, so a slow run
// is never stacked. The scheduler does not follow the job's events.
type RefreshScheduler struct {
	starter  RefreshStarter
	interval time.Duration
	now      func() time.Time
	name     string
}

// NewRefreshScheduler creates a scheduler firing every interval.
func NewRefreshScheduler(starter RefreshStarter, interval time.Duration) *RefreshScheduler {
	return &RefreshScheduler{
		starter:  starter,
		interval: interval,
		now:      time.Now,
		name:     "refresh-scheduler",
	}
}

// Serve implements suture.Service. The first run happens one interval
// after start.
func (s *RefreshScheduler) Serve(ctx context.Context) error {
	if s.interval <= 0 {
		// Nothing to do; stay up so the supervisor does not restart us.
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logging.Info().Dur("interval", s.interval).Msg("Refresh scheduler started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *RefreshScheduler) tick(ctx context.Context) {
	ctx = logging.ContextWithNewCorrelationID(ctx)
	today := models.Today(s.now())
	req := refresh.Request{Start: models.AddDays(today, -1), End: today}

	sub, started, err := s.starter.Start(ctx, req)
	if err != nil {
		metrics.ScheduledRefreshes.WithLabelValues("error").Inc()
		if errors.Is(err, refresh.ErrClosed) {
			logging.Ctx(ctx).Debug().Msg("Scheduled refresh skipped; orchestrator closed")
			return
		}
		logging.Ctx(ctx).Error().Err(err).Msg("Scheduled refresh failed to start")
		return
	}
	sub.Cancel()

	if started {
		metrics.ScheduledRefreshes.WithLabelValues("started").Inc()
		logging.Ctx(ctx).Info().Str("window", req.Start+".."+req.End).Msg("Scheduled refresh started")
		return
	}
	metrics.ScheduledRefreshes.WithLabelValues("joined").Inc()
	logging.Ctx(ctx).Info().Msg("Refresh already running; scheduled tick skipped")
}

func (s *RefreshScheduler) String() string {
	return s.name
}
