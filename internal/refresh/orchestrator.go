// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package refresh

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tomtom215/cardpulse/internal/logging"
	"github.com/tomtom215/cardpulse/internal/metrics"
	"github.com/tomtom215/cardpulse/internal/models"
	"github.com/tomtom215/cardpulse/internal/pipeline"
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("refresh orchestrator closed")

// DefaultWindowDays is the rolling window used when a request names no dates.
const DefaultWindowDays = 30

// Runner is the pipeline as seen by the orchestrator.
type Runner interface {
	Run(ctx context.Context, r models.DateRange, force bool, progress pipeline.ProgressFunc) (*pipeline.RunResult, error)
	Today() string
}

// Request asks for a refresh. Empty dates select the rolling window; a
// start without an end refreshes that single day.
type Request struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
	Force bool   `json:"force,omitempty"`
}

// Options configure an Orchestrator.
type Options struct {
	WindowDays       int
	SubscriberBuffer int
	State            StateStore // optional
}

// Orchestrator owns the singleton refresh job.
type Orchestrator struct {
	runner     Runner
	bcast      *Broadcaster
	state      StateStore
	windowDays int
	now        func() time.Time

	mu        sync.Mutex
	status    Status
	closed    bool
	observers []func(Event)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator. The last persisted status is restored; a job
// that was still running when the process stopped is reported as failed.
func New(runner Runner, opts Options) *Orchestrator {
	if opts.WindowDays < 1 {
		opts.WindowDays = DefaultWindowDays
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		runner:     runner,
		bcast:      NewBroadcaster(opts.SubscriberBuffer),
		state:      opts.State,
		windowDays: opts.WindowDays,
		now:        time.Now,
		status:     Status{State: StateIdle},
		ctx:        ctx,
		cancel:     cancel,
	}
	o.restore()
	return o
}

func (o *Orchestrator) restore() {
	if o.state == nil {
		return
	}
	st, err := o.state.Load()
	if err != nil {
		logging.Warn().Err(err).Msg("Could not load last refresh state")
		return
	}
	if st == nil {
		return
	}
	st.Progress = nil
	if st.State == StateRunning {
		st.State = StateFailed
		st.Error = "interrupted by restart"
	}
	o.status = *st
}

// Start starts a job, or joins the running one. started reports whether
// this call started the job. The subscription's first event is always a
// snapshot of the current status.
func (o *Orchestrator) Start(ctx context.Context, req Request) (sub *Subscription, started bool, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil, false, ErrClosed
	}
	if o.status.State == StateRunning {
		logging.Ctx(ctx).Info().Str("job_id", o.status.JobID).Msg("Refresh already running; joining")
		return o.bcast.Subscribe(o.snapshotLocked()), false, nil
	}

	window, err := o.window(req)
	if err != nil {
		return nil, false, err
	}

	jobID := ulid.Make().String()
	startedAt := o.now().UTC()
	o.status = Status{
		State:     StateRunning,
		JobID:     jobID,
		Window:    &window,
		Force:     req.Force,
		StartedAt: &startedAt,
	}
	sub = o.bcast.Subscribe(o.snapshotLocked())
	o.publishLocked(EventInit, InitData{Window: window, Force: req.Force})
	metrics.RefreshRunning.Set(1)

	runCtx := logging.ContextWithJobID(o.ctx, jobID)
	if cid := logging.CorrelationIDFromContext(ctx); cid != "" {
		runCtx = logging.ContextWithCorrelationID(runCtx, cid)
	}
	logging.Ctx(runCtx).Info().Str("window", window.String()).Bool("force", req.Force).Msg("Refresh started")

	o.wg.Add(1)
	go o.run(runCtx, window, req.Force)
	return sub, true, nil
}

// Subscribe follows the running job without starting one. With no job
// running, the subscription yields the snapshot and ends.
func (o *Orchestrator) Subscribe() *Subscription {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status.State == StateRunning && !o.closed {
		return o.bcast.Subscribe(o.snapshotLocked())
	}
	return o.bcast.subscribeClosed(o.snapshotLocked())
}

// Observe registers fn to receive every broadcast event (not snapshots).
// fn is called with the orchestrator lock held and must not block.
func (o *Orchestrator) Observe(fn func(Event)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observers = append(o.observers, fn)
}

// Status returns the current status.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.status
	st.Subscribers = o.bcast.Len()
	return st
}

// Running reports whether a job is in progress.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status.State == StateRunning
}

// Close cancels a running job between days, waits for it to finish and
// ends every subscription. Start fails with ErrClosed afterwards.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	o.cancel()
	o.wg.Wait()
	o.bcast.CloseAll()
}

// Serve blocks until ctx is done and then closes the orchestrator, so it
// can run as a supervised service.
func (o *Orchestrator) Serve(ctx context.Context) error {
	<-ctx.Done()
	o.Close()
	return ctx.Err()
}

func (o *Orchestrator) window(req Request) (models.DateRange, error) {
	if req.Start == "" && req.End == "" {
		return models.RollingWindow(o.runner.Today(), o.windowDays), nil
	}
	end := req.End
	if end == "" {
		end = req.Start
	}
	return models.NewDateRange(req.Start, end)
}

func (o *Orchestrator) run(ctx context.Context, window models.DateRange, force bool) {
	defer o.wg.Done()
	start := time.Now()

	var (
		res *pipeline.RunResult
		err error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("refresh panicked: %v", r)
				logging.Ctx(ctx).Error().Str("stack", string(debug.Stack())).Msg("Recovered from refresh panic")
			}
		}()
		res, err = o.runner.Run(ctx, window, force, func(p pipeline.Progress) {
			o.progress(p)
		})
	}()

	metrics.RecordRefreshRun(time.Since(start), err)
	o.finish(ctx, window, res, err)
}

func (o *Orchestrator) progress(p pipeline.Progress) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status.Progress = &p
	o.publishLocked(EventProgress, p)
}

func (o *Orchestrator) finish(ctx context.Context, window models.DateRange, res *pipeline.RunResult, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	finishedAt := o.now().UTC()
	o.status.FinishedAt = &finishedAt
	o.status.Progress = nil
	o.status.Result = res

	log := logging.Ctx(ctx)
	if err != nil {
		o.status.State = StateFailed
		o.status.Error = err.Error()
		log.Error().Err(err).Str("window", window.String()).Msg("Refresh failed")
	} else {
		o.status.State = StateDone
		log.Info().Str("window", window.String()).Msg("Refresh finished")
	}
	if o.state != nil {
		if serr := o.state.Save(&o.status); serr != nil {
			log.Warn().Err(serr).Msg("Could not persist refresh state")
		}
	}
	metrics.RefreshRunning.Set(0)

	if err != nil {
		o.publishLocked(EventError, ErrorData{Message: err.Error()})
		return
	}
	o.publishLocked(EventDone, DoneData{Window: window, Result: res})
}

func (o *Orchestrator) snapshotLocked() Event {
	st := o.status
	st.Subscribers = o.bcast.Len()
	return Event{Type: EventSnapshot, JobID: st.JobID, Time: o.now().UTC(), Data: st}
}

func (o *Orchestrator) publishLocked(t EventType, data any) {
	ev := Event{Type: t, JobID: o.status.JobID, Time: o.now().UTC(), Data: data}
	o.bcast.Publish(ev)
	for _, fn := range o.observers {
		fn(ev)
	}
}
