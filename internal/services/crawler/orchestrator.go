package crawler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/aranea/internal/models"
	"github.com/ternarybob/aranea/internal/services/render"
)

const (
	// monitorInterval is how often the orchestrator evaluates stop
	// conditions and publishes periodic progress.
	monitorInterval = 5 * time.Second

	// progressBuffer sizes the channel between workers and the single
	// consumer that reflects stats into the manifest. When the consumer
	// falls behind, intermediate updates are dropped instead of stalling
	// workers.
	progressBuffer = 64
)

// Orchestrator runs one crawl job end to end. It owns the frontier, the
// worker pool, and the monitor loop, and its progress consumer is the only
// writer of the job manifest while the crawl is live.
//
// Pausing cancels the current worker generation and resuming starts a fresh
// one against the same frontier, so no crawl state is lost across the gap.
type Orchestrator struct {
	jobID  string
	params *models.CrawlParams

	frontier *Frontier
	limiter  *RateLimiter
	robots   *RobotsAdvisor
	scope    *ScopeFilter
	canon    *Canonicalizer
	fetcher  *Fetcher
	renderer render.Renderer
	store    interfaces.CrawlStore
	events   interfaces.EventService
	logger   arbor.ILogger

	mu       sync.Mutex
	manifest *models.Manifest

	runCtx    context.Context
	runCancel context.CancelFunc

	workerCancel context.CancelFunc
	workerWg     sync.WaitGroup

	// busy counts workers currently processing a URL. The monitor treats
	// the crawl as finished only when the frontier is empty and busy is
	// zero, which is sound because links are enqueued while their source
	// page still counts as busy.
	busy atomic.Int64

	progressCh     chan models.ProgressEvent
	progressClosed bool
	consumerWg     sync.WaitGroup

	startedAt  time.Time
	finishOnce sync.Once
	done       chan struct{}
}

// OrchestratorDeps wires the collaborators an orchestrator needs. All fields
// are required except Events.
type OrchestratorDeps struct {
	Frontier *Frontier
	Limiter  *RateLimiter
	Robots   *RobotsAdvisor
	Scope    *ScopeFilter
	Canon    *Canonicalizer
	Fetcher  *Fetcher
	Renderer render.Renderer
	Store    interfaces.CrawlStore
	Events   interfaces.EventService
	Logger   arbor.ILogger
}

// NewOrchestrator builds an orchestrator for the job described by the
// manifest. Start must be called to begin crawling.
func NewOrchestrator(manifest *models.Manifest, deps OrchestratorDeps) *Orchestrator {
	return &Orchestrator{
		jobID:      manifest.JobID,
		params:     manifest.Params,
		manifest:   manifest,
		frontier:   deps.Frontier,
		limiter:    deps.Limiter,
		robots:     deps.Robots,
		scope:      deps.Scope,
		canon:      deps.Canon,
		fetcher:    deps.Fetcher,
		renderer:   deps.Renderer,
		store:      deps.Store,
		events:     deps.Events,
		logger:     deps.Logger,
		progressCh: make(chan models.ProgressEvent, progressBuffer),
		done:       make(chan struct{}),
	}
}

// Start seeds the frontier and launches the worker pool, the progress
// consumer, and the monitor. It returns an error only for startup failures;
// the crawl itself runs in the background until Done is closed.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.runCtx != nil {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	// The crawl outlives the request that started it; only Stop or a stop
	// condition ends the run.
	o.runCtx, o.runCancel = context.WithCancel(context.Background())
	o.startedAt = time.Now().UTC()
	startedAt := o.startedAt
	o.manifest.Status.State = models.JobStateRunning
	o.manifest.Status.StartedAt = &startedAt
	o.mu.Unlock()

	if init, ok := o.renderer.(render.Initializer); ok {
		if err := init.Init(o.runCtx); err != nil {
			err = fmt.Errorf("failed to initialize renderer: %w", err)
			o.failStartup(err)
			return err
		}
	}

	seed, err := o.canon.Canonicalize(o.params.StartURL)
	if err != nil {
		err = fmt.Errorf("invalid start URL: %w", err)
		o.failStartup(err)
		return err
	}
	o.frontier.Enqueue(seed, 0)

	if err := o.writeManifestSnapshot(); err != nil {
		err = fmt.Errorf("failed to write manifest: %w", err)
		o.failStartup(err)
		return err
	}
	if err := o.store.AppendLog(o.jobID, fmt.Sprintf("Starting crawl from %s", seed)); err != nil {
		o.logger.Debug().Err(err).Msg("Failed to append job log")
	}

	o.consumerWg.Add(1)
	go o.consumeProgress()

	o.mu.Lock()
	o.startWorkersLocked()
	o.mu.Unlock()

	go o.monitor()

	o.publishEvent(interfaces.EventJobStarted)
	o.logger.Info().
		Str("job_id", o.jobID).
		Str("seed", seed).
		Int("concurrency", o.params.Concurrency).
		Int("max_depth", o.params.MaxDepth).
		Int("max_pages", o.params.MaxPages).
		Msg("Crawl started")
	return nil
}

// startWorkersLocked spawns a fresh worker generation. Callers must hold
// the mutex.
func (o *Orchestrator) startWorkersLocked() {
	workerCtx, workerCancel := context.WithCancel(o.runCtx)
	o.workerCancel = workerCancel

	concurrency := o.params.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		w := &worker{
			id:       i,
			jobID:    o.jobID,
			params:   o.params,
			frontier: o.frontier,
			limiter:  o.limiter,
			robots:   o.robots,
			scope:    o.scope,
			canon:    o.canon,
			fetcher:  o.fetcher,
			renderer: o.renderer,
			store:    o.store,
			logger:   o.logger,
			busy:     &o.busy,
			progress: o.emitProgress,
		}
		o.workerWg.Add(1)
		go func() {
			defer o.workerWg.Done()
			w.run(workerCtx)
		}()
	}
}

// Pause stops the worker pool but keeps the frontier, counters, and monitor
// alive. URLs being processed when the pause lands are abandoned mid-flight.
func (o *Orchestrator) Pause() error {
	o.mu.Lock()
	if o.manifest.Status.State != models.JobStateRunning {
		o.mu.Unlock()
		return ErrNotRunning
	}
	o.manifest.Status.State = models.JobStatePaused
	cancel := o.workerCancel
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.workerWg.Wait()

	if err := o.writeManifestSnapshot(); err != nil {
		o.logger.Error().Str("job_id", o.jobID).Err(err).Msg("Failed to persist paused state")
	}
	if err := o.store.AppendLog(o.jobID, "Crawl paused"); err != nil {
		o.logger.Debug().Err(err).Msg("Failed to append job log")
	}
	o.publishEvent(interfaces.EventJobPaused)
	o.logger.Info().Str("job_id", o.jobID).Msg("Crawl paused")
	return nil
}

// Resume restarts the worker pool after a pause.
func (o *Orchestrator) Resume() error {
	o.mu.Lock()
	if o.manifest.Status.State != models.JobStatePaused {
		o.mu.Unlock()
		return ErrNotPaused
	}
	o.manifest.Status.State = models.JobStateRunning
	o.startWorkersLocked()
	o.mu.Unlock()

	if err := o.writeManifestSnapshot(); err != nil {
		o.logger.Error().Str("job_id", o.jobID).Err(err).Msg("Failed to persist resumed state")
	}
	if err := o.store.AppendLog(o.jobID, "Crawl resumed"); err != nil {
		o.logger.Debug().Err(err).Msg("Failed to append job log")
	}
	o.publishEvent(interfaces.EventJobResumed)
	o.logger.Info().Str("job_id", o.jobID).Msg("Crawl resumed")
	return nil
}

// Stop ends the crawl and blocks until the final manifest is on disk. A
// paused crawl can be stopped; a finished one cannot.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if o.runCtx == nil || o.manifest.Status.State.IsTerminal() {
		o.mu.Unlock()
		return ErrNotRunning
	}
	o.manifest.Status.State = models.JobStateStopped
	o.mu.Unlock()

	o.runCancel()
	<-o.done
	return nil
}

// Done is closed once the crawl has fully finished and the final manifest
// is written.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() models.JobState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.manifest.Status.State
}

// Status returns a live status snapshot with up-to-date counters and
// elapsed time.
func (o *Orchestrator) Status() models.JobStatusDetail {
	o.mu.Lock()
	status := o.manifest.Status
	o.mu.Unlock()

	status.Stats = o.frontier.Stats()
	if status.StartedAt != nil {
		if status.FinishedAt != nil {
			status.ElapsedSec = status.FinishedAt.Sub(*status.StartedAt).Seconds()
		} else {
			status.ElapsedSec = time.Since(*status.StartedAt).Seconds()
		}
	}
	return status
}

// monitor periodically evaluates the stop conditions: wall-clock budget,
// page budget, and frontier exhaustion with an idle pool. The checks keep
// running while the crawl is paused, so a paused job still honors its time
// budget.
func (o *Orchestrator) monitor() {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	maxDuration := time.Duration(o.params.MaxDurationSec) * time.Second

	for {
		select {
		case <-o.runCtx.Done():
			o.finalize()
			return
		case <-ticker.C:
		}

		if maxDuration > 0 && time.Since(o.startedAt) >= maxDuration {
			o.logger.Info().Str("job_id", o.jobID).Msg("Crawl reached time limit")
			if err := o.store.AppendLog(o.jobID, "Crawl stopped: time limit reached"); err != nil {
				o.logger.Debug().Err(err).Msg("Failed to append job log")
			}
			o.finalize()
			return
		}

		stats := o.frontier.Stats()
		if o.params.MaxPages > 0 && stats.Visited >= o.params.MaxPages {
			o.logger.Info().
				Str("job_id", o.jobID).
				Int("visited", stats.Visited).
				Msg("Crawl reached page limit")
			if err := o.store.AppendLog(o.jobID, "Crawl stopped: page limit reached"); err != nil {
				o.logger.Debug().Err(err).Msg("Failed to append job log")
			}
			o.finalize()
			return
		}

		if o.frontier.IsEmpty() && o.busy.Load() == 0 {
			o.logger.Info().Str("job_id", o.jobID).Msg("Frontier empty and workers idle")
			o.finalize()
			return
		}

		o.emitProgress()
	}
}

// emitProgress pushes the current counters onto the progress channel. The
// send never blocks; a full channel drops the update.
func (o *Orchestrator) emitProgress() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.progressClosed {
		return
	}
	ev := models.ProgressEvent{
		JobID:     o.jobID,
		State:     o.manifest.Status.State,
		Stats:     o.frontier.Stats(),
		Timestamp: time.Now().UTC(),
	}
	select {
	case o.progressCh <- ev:
	default:
	}
}

// consumeProgress is the single goroutine that reflects worker progress into
// the manifest and onto the event bus. Manifest write failures are treated
// as fatal for the job since its output directory is gone or read-only.
func (o *Orchestrator) consumeProgress() {
	defer o.consumerWg.Done()
	for ev := range o.progressCh {
		o.mu.Lock()
		o.manifest.Status.Stats = ev.Stats
		if o.manifest.Status.StartedAt != nil {
			o.manifest.Status.ElapsedSec = ev.Timestamp.Sub(*o.manifest.Status.StartedAt).Seconds()
		}
		snapshot := *o.manifest
		o.mu.Unlock()

		if err := o.store.WriteManifest(&snapshot); err != nil {
			o.logger.Error().Str("job_id", o.jobID).Err(err).Msg("Failed to write manifest")
			o.setFailure(fmt.Sprintf("io failure: %v", err))
			o.runCancel()
			continue
		}
		if o.events != nil {
			if err := o.events.Publish(context.Background(), interfaces.Event{
				Type:    interfaces.EventCrawlProgress,
				Payload: ev,
			}); err != nil {
				o.logger.Debug().Err(err).Msg("Failed to publish progress event")
			}
		}
	}
}

// finalize tears the crawl down exactly once: stop workers, drain the
// progress consumer, settle the final state, and write the last manifest.
// Final state precedence is stopped, then failed, then completed.
func (o *Orchestrator) finalize() {
	o.finishOnce.Do(func() {
		o.runCancel()

		o.mu.Lock()
		cancel := o.workerCancel
		o.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		o.workerWg.Wait()

		o.mu.Lock()
		status := &o.manifest.Status
		switch {
		case status.State == models.JobStateStopped:
		case status.State == models.JobStateFailed || status.LastError != "":
			status.State = models.JobStateFailed
		default:
			status.State = models.JobStateCompleted
		}
		now := time.Now().UTC()
		status.FinishedAt = &now
		if status.StartedAt != nil {
			status.ElapsedSec = now.Sub(*status.StartedAt).Seconds()
		}
		finalState := status.State
		o.progressClosed = true
		close(o.progressCh)
		o.mu.Unlock()

		o.consumerWg.Wait()

		if err := o.writeManifestSnapshot(); err != nil {
			o.logger.Error().Str("job_id", o.jobID).Err(err).Msg("Failed to write final manifest")
		}

		o.frontier.Close()
		if err := o.renderer.Close(); err != nil {
			o.logger.Warn().Err(err).Msg("Failed to close renderer")
		}

		if err := o.store.AppendLog(o.jobID, fmt.Sprintf("Crawl finished with state %s", finalState)); err != nil {
			o.logger.Debug().Err(err).Msg("Failed to append job log")
		}
		o.publishEvent(terminalEventFor(finalState))

		stats := o.frontier.Stats()
		o.logger.Info().
			Str("job_id", o.jobID).
			Str("state", string(finalState)).
			Int("visited", stats.Visited).
			Int("ok", stats.OK).
			Int("failed", stats.Failed).
			Int("skipped", stats.Skipped).
			Msg("Crawl finished")

		close(o.done)
	})
}

// failStartup marks the job failed before any workers ran.
func (o *Orchestrator) failStartup(err error) {
	o.logger.Error().Str("job_id", o.jobID).Err(err).Msg("Crawl failed to start")
	o.setFailure(err.Error())
	o.finalize()
}

// setFailure records the first error and moves the job to failed unless a
// terminal state is already set.
func (o *Orchestrator) setFailure(msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.manifest.Status.LastError == "" {
		o.manifest.Status.LastError = msg
	}
	if !o.manifest.Status.State.IsTerminal() {
		o.manifest.Status.State = models.JobStateFailed
	}
}

// writeManifestSnapshot persists the manifest with fresh counters.
func (o *Orchestrator) writeManifestSnapshot() error {
	o.mu.Lock()
	o.manifest.Status.Stats = o.frontier.Stats()
	snapshot := *o.manifest
	o.mu.Unlock()
	return o.store.WriteManifest(&snapshot)
}

// publishEvent emits a lifecycle event carrying a progress payload.
func (o *Orchestrator) publishEvent(eventType interfaces.EventType) {
	if o.events == nil {
		return
	}
	ev := models.ProgressEvent{
		JobID:     o.jobID,
		State:     o.State(),
		Stats:     o.frontier.Stats(),
		Timestamp: time.Now().UTC(),
	}
	if err := o.events.Publish(context.Background(), interfaces.Event{Type: eventType, Payload: ev}); err != nil {
		o.logger.Debug().Err(err).Msg("Failed to publish job event")
	}
}

func terminalEventFor(state models.JobState) interfaces.EventType {
	switch state {
	case models.JobStateStopped:
		return interfaces.EventJobStopped
	case models.JobStateFailed:
		return interfaces.EventJobFailed
	default:
		return interfaces.EventJobCompleted
	}
}
