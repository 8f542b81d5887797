package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/assess-pipeline/internal/models"
	"github.com/noah-isme/assess-pipeline/internal/observability"
	"github.com/noah-isme/assess-pipeline/internal/repository"
	"github.com/noah-isme/assess-pipeline/pkg/ai"
	"github.com/noah-isme/assess-pipeline/pkg/docstore"
	"github.com/noah-isme/assess-pipeline/pkg/jobs"
	"github.com/noah-isme/assess-pipeline/pkg/report"
)

const analysisJobType = "submission.analysis"

// ReportRenderer renders and stores the report artifact for an analysis.
type ReportRenderer interface {
	Generate(ctx context.Context, store docstore.Store, in report.Input) (docstore.Ref, error)
}

// OrchestratorConfig tunes the analysis workers.
type OrchestratorConfig struct {
	Workers       int
	BufferSize    int
	SweepInterval time.Duration
	SweepBatch    int
	MaxAttempts   int
	RetryDelay    time.Duration
	// ShutdownGrace is how long Stop lets a running analyzer call finish before cancelling it.
	ShutdownGrace time.Duration
	// StaleAfter is how long an analyzing claim may go untouched before the sweeper reclaims it.
	StaleAfter time.Duration
}

// PipelineOrchestrator advances pending submissions through analysis.
type PipelineOrchestrator interface {
	Start(ctx context.Context)
	Stop()
	Enqueue(submissionID string) bool
	Process(ctx context.Context, submissionID string) error
	Cancel(submissionID string) bool
	Sweep(ctx context.Context) int
	Depth() int
}

type pipelineOrchestrator struct {
	registry SubmissionRegistry
	store    docstore.Store
	analyzer ai.Analyzer
	reports  ReportRenderer
	events   EventBus
	cfg      OrchestratorConfig
	queue    *jobs.Queue
	logger   zerolog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	mu        sync.Mutex
	inFlight  map[string]bool
	cancelled map[string]bool
	stop      context.CancelFunc
	done      sync.WaitGroup
}

// NewPipelineOrchestrator wires the analysis workers. events may be nil.
func NewPipelineOrchestrator(registry SubmissionRegistry, store docstore.Store, analyzer ai.Analyzer, reports ReportRenderer, events EventBus, cfg OrchestratorConfig, logger zerolog.Logger) PipelineOrchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 10 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}

	o := &pipelineOrchestrator{
		registry:  registry,
		store:     store,
		analyzer:  analyzer,
		reports:   reports,
		events:    events,
		cfg:       cfg,
		logger:    logger.With().Str("component", "pipeline_orchestrator").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/assess-pipeline/internal/service/orchestrator"),
		now:       time.Now,
		inFlight:  make(map[string]bool),
		cancelled: make(map[string]bool),
	}

	o.queue = jobs.NewQueue("analysis", o.handle, jobs.QueueConfig{
		Workers:    cfg.Workers,
		BufferSize: cfg.BufferSize,
		MaxRetries: 3,
		RetryDelay: time.Second,
		Logger:     logger,
	})

	return o
}

// Start launches workers, the pending sweeper and the event driven wake-up.
func (o *pipelineOrchestrator) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	o.mu.Lock()
	o.stop = cancel
	o.mu.Unlock()

	o.queue.Start(ctx)

	o.done.Add(1)
	go o.sweepLoop(ctx)

	if o.events != nil {
		events, unsubscribe := o.events.SubscribeAll()
		o.done.Add(1)
		go o.wakeLoop(ctx, events, unsubscribe)
	}

	o.logger.Info().Int("workers", o.cfg.Workers).Dur("sweep_interval", o.cfg.SweepInterval).Msg("pipeline orchestrator started")
}

// Stop lets in-flight analyses finish and shuts the workers down.
func (o *pipelineOrchestrator) Stop() {
	o.mu.Lock()
	stop := o.stop
	o.mu.Unlock()
	if stop != nil {
		stop()
	}
	o.done.Wait()
	o.queue.Stop()
}

// Enqueue schedules a submission for analysis without blocking. The sweeper picks up anything dropped.
func (o *pipelineOrchestrator) Enqueue(submissionID string) bool {
	accepted := o.queue.TryEnqueue(jobs.Job{ID: submissionID, Type: analysisJobType})
	observability.QueueDepth().Set(float64(o.queue.Depth()))
	if !accepted {
		o.logger.Debug().Str("submission_id", submissionID).Msg("analysis queue full, deferring to sweeper")
	}
	return accepted
}

// Cancel flags an in-flight analysis. The running analyzer call is allowed to finish and its result is discarded.
// Only analyses running in this process can be cancelled, and a true result means the analysis will not commit.
func (o *pipelineOrchestrator) Cancel(submissionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.inFlight[submissionID] {
		return false
	}
	o.cancelled[submissionID] = true
	return true
}

// Sweep reclaims stale analysis claims, then enqueues a batch of pending submissions and returns how many were accepted.
func (o *pipelineOrchestrator) Sweep(ctx context.Context) int {
	o.reclaimStale(ctx)

	pending, err := o.registry.List(ctx, repository.SubmissionFilter{
		States:      []models.SubmissionState{models.SubmissionStatePending},
		OldestFirst: true,
		Limit:       o.cfg.SweepBatch,
	})
	if err != nil {
		o.logger.Error().Err(err).Msg("failed to list pending submissions")
		return 0
	}

	accepted := 0
	for _, submission := range pending {
		if o.isInFlight(submission.ID) {
			continue
		}
		if o.Enqueue(submission.ID) {
			accepted++
		}
	}
	return accepted
}

// reclaimStale fails claims left behind by crashed or interrupted workers and returns them to
// pending while attempts remain.
func (o *pipelineOrchestrator) reclaimStale(ctx context.Context) {
	cutoff := o.now().Add(-o.cfg.StaleAfter)
	stale, err := o.registry.List(ctx, repository.SubmissionFilter{
		States:        []models.SubmissionState{models.SubmissionStateAnalyzing},
		UpdatedBefore: &cutoff,
		OldestFirst:   true,
		Limit:         o.cfg.SweepBatch,
	})
	if err != nil {
		o.logger.Error().Err(err).Msg("failed to list stale analyses")
		return
	}

	for _, submission := range stale {
		if o.isInFlight(submission.ID) {
			continue
		}
		if err := o.registry.ReclaimStale(ctx, submission.ID, cutoff); err != nil {
			if !errors.Is(err, ErrInvalidState) {
				o.logger.Warn().Err(err).Str("submission_id", submission.ID).Msg("failed to reclaim stale analysis")
			}
			continue
		}

		o.logger.Warn().Str("submission_id", submission.ID).Time("claimed_at", submission.UpdatedAt).Msg("reclaimed stale analysis")
		if submission.Attempts < o.cfg.MaxAttempts {
			if err := o.registry.RetryFailed(ctx, submission.ID); err != nil {
				o.logger.Warn().Err(err).Str("submission_id", submission.ID).Msg("failed to requeue reclaimed analysis")
			}
		}
	}
}

// Depth reports how many analyses are buffered for a worker.
func (o *pipelineOrchestrator) Depth() int {
	return o.queue.Depth()
}

func (o *pipelineOrchestrator) sweepLoop(ctx context.Context) {
	defer o.done.Done()

	o.Sweep(ctx)

	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Sweep(ctx)
		}
	}
}

func (o *pipelineOrchestrator) wakeLoop(ctx context.Context, events <-chan SubmissionEvent, unsubscribe func()) {
	defer o.done.Done()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Type == EventSubmissionCreated {
				o.Enqueue(event.SubmissionID)
			}
		}
	}
}

func (o *pipelineOrchestrator) handle(ctx context.Context, job jobs.Job) error {
	observability.QueueDepth().Set(float64(o.queue.Depth()))
	return o.Process(ctx, job.ID)
}

// Process runs one analysis attempt. Analysis failures are recorded on the submission and not returned.
// Once admitted, the attempt always settles: the analyzer gets ShutdownGrace after ctx ends, and the
// commit or failure write ignores ctx cancellation.
func (o *pipelineOrchestrator) Process(ctx context.Context, submissionID string) error {
	if err := o.registry.BeginAnalysis(ctx, submissionID); err != nil {
		switch {
		case errors.Is(err, ErrAlreadyInProgress), errors.Is(err, ErrInvalidState), errors.Is(err, ErrSubmissionNotFound):
			o.logger.Debug().Err(err).Str("submission_id", submissionID).Msg("submission not admitted for analysis")
			return nil
		default:
			return fmt.Errorf("begin analysis: %w", err)
		}
	}

	o.markInFlight(submissionID)
	defer o.clearInFlight(submissionID)

	spanCtx, span := o.tracer.Start(ctx, "pipeline.process", trace.WithAttributes(
		attribute.String("submission.id", submissionID),
	))
	defer span.End()

	settleCtx := context.WithoutCancel(spanCtx)
	analysisCtx, release := o.drainContext(spanCtx)
	defer release()

	start := o.now()
	outcome, reason, err := o.analyze(analysisCtx, submissionID)
	if err != nil && ctx.Err() != nil && reason == ai.ReasonCancelled {
		reason = ai.ReasonTimeout
	}

	if o.settle(submissionID) {
		reason = ai.ReasonCancelled
		err = ai.NewError(ai.ReasonCancelled, errors.New("analysis cancelled"))
	}

	if err != nil {
		observability.AnalysisDuration().WithLabelValues("failed").Observe(o.now().Sub(start).Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, string(reason))
		return o.fail(settleCtx, submissionID, reason, err)
	}

	updated, err := o.registry.CompleteAnalysis(settleCtx, submissionID, outcome)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "complete_failed")
		if errors.Is(err, ErrInvalidState) {
			return nil
		}
		return o.fail(settleCtx, submissionID, ai.ReasonCapabilityUnavailable, fmt.Errorf("complete analysis: %w", err))
	}

	observability.AnalysisDuration().WithLabelValues("analyzed").Observe(o.now().Sub(start).Seconds())
	span.SetAttributes(attribute.String("submission.state", string(updated.State)))
	o.logger.Info().
		Str("submission_id", submissionID).
		Str("state", string(updated.State)).
		Float64("auto_score", outcome.AutoScore).
		Msg("analysis completed")

	return nil
}

// drainContext detaches the analyzer call from ctx, cancelling it only ShutdownGrace after ctx ends.
func (o *pipelineOrchestrator) drainContext(ctx context.Context) (context.Context, context.CancelFunc) {
	drain, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(o.cfg.ShutdownGrace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancel()
		case <-drain.Done():
		}
	})

	return drain, func() {
		stop()
		cancel()
	}
}

func (o *pipelineOrchestrator) analyze(ctx context.Context, submissionID string) (AnalysisOutcome, ai.Reason, error) {
	submission, err := o.registry.Get(ctx, submissionID)
	if err != nil {
		return AnalysisOutcome{}, ai.ReasonCapabilityUnavailable, err
	}

	content, err := o.store.Get(ctx, submission.DocumentRef)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) || errors.Is(err, docstore.ErrInvalidRef) {
			return AnalysisOutcome{}, ai.ReasonUnreadableDocument, err
		}
		return AnalysisOutcome{}, ai.ReasonCapabilityUnavailable, err
	}

	result, err := o.analyzer.Analyze(ctx, ai.Document{
		Ref:          submission.DocumentRef,
		FileName:     submission.FileName,
		ContentType:  submission.ContentType,
		Content:      content,
		AssignmentID: submission.AssignmentID,
		StudentID:    submission.StudentID,
	})
	if err != nil {
		return AnalysisOutcome{}, ai.Classify(err), err
	}
	if result.Score < 0 || result.Score > 100 {
		return AnalysisOutcome{}, ai.ReasonCapabilityUnavailable, fmt.Errorf("analyzer returned out of range score %v", result.Score)
	}

	reportRef, err := o.reports.Generate(ctx, o.store, report.Input{
		Text:        result.ExtractedText,
		FileName:    submission.FileName,
		ProcessedAt: o.now(),
	})
	if err != nil {
		return AnalysisOutcome{}, ai.ReasonCapabilityUnavailable, fmt.Errorf("generate report: %w", err)
	}

	return AnalysisOutcome{
		ExtractedText: result.ExtractedText,
		ReportRef:     reportRef,
		AutoScore:     result.Score,
		Feedback:      result.Feedback,
		Details:       result.Details,
	}, "", nil
}

func (o *pipelineOrchestrator) fail(ctx context.Context, submissionID string, reason ai.Reason, cause error) error {
	if !reason.Valid() {
		reason = ai.ReasonCapabilityUnavailable
	}

	o.logger.Warn().Err(cause).Str("submission_id", submissionID).Str("reason", string(reason)).Msg("analysis failed")

	if err := o.registry.FailAnalysis(ctx, submissionID, reason); err != nil {
		if errors.Is(err, ErrInvalidState) {
			return nil
		}
		return fmt.Errorf("record analysis failure: %w", err)
	}

	if reason.Transient() {
		o.scheduleRetry(ctx, submissionID)
	}
	return nil
}

func (o *pipelineOrchestrator) scheduleRetry(ctx context.Context, submissionID string) {
	submission, err := o.registry.Get(ctx, submissionID)
	if err != nil {
		o.logger.Warn().Err(err).Str("submission_id", submissionID).Msg("failed to load submission for retry")
		return
	}
	if submission.Attempts >= o.cfg.MaxAttempts {
		o.logger.Info().Str("submission_id", submissionID).Int("attempts", submission.Attempts).Msg("automatic retries exhausted")
		return
	}

	if err := o.registry.RetryFailed(ctx, submissionID); err != nil {
		o.logger.Warn().Err(err).Str("submission_id", submissionID).Msg("automatic retry rejected")
		return
	}

	delay := o.cfg.RetryDelay * time.Duration(submission.Attempts)
	o.queue.EnqueueAfter(jobs.Job{ID: submissionID, Type: analysisJobType, Attempt: submission.Attempts}, delay)
}

func (o *pipelineOrchestrator) markInFlight(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inFlight[id] = true
}

func (o *pipelineOrchestrator) clearInFlight(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, id)
	delete(o.cancelled, id)
}

func (o *pipelineOrchestrator) isInFlight(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inFlight[id]
}

// settle ends the in-flight window and reports whether a cancellation arrived before it closed.
func (o *pipelineOrchestrator) settle(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	cancelled := o.cancelled[id]
	delete(o.inFlight, id)
	delete(o.cancelled, id)
	return cancelled
}
