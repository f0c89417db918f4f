// Package scheduler fires configured messages into the agent on a cron
// schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/jholhewres/opsclaw/pkg/opsclaw/bus"
	"github.com/jholhewres/opsclaw/pkg/opsclaw/config"
)

// Channel is the inbound channel name used for scheduled messages.
const Channel = "cron"

// ErrJobNotFound is returned for an unknown job ID.
var ErrJobNotFound = errors.New("job not found")

// Processor handles one inbound message. *agent.AgentLoop satisfies it.
type Processor interface {
	ProcessMessage(ctx context.Context, msg bus.InboundMessage) (*bus.OutboundMessage, error)
}

// Publisher delivers a reply. *bus.MessageBus satisfies it.
type Publisher interface {
	PublishOutbound(ctx context.Context, msg bus.OutboundMessage) error
}

// Job is one scheduled message. Channel and ChatID name where the reply is
// delivered; when empty the reply goes to the "cron" channel.
type Job struct {
	ID       string
	Schedule string
	Message  string
	Channel  string
	ChatID   string
}

// JobFromConfig converts a config entry.
func JobFromConfig(jc config.JobConfig) Job {
	return Job{
		ID:       jc.ID,
		Schedule: jc.Schedule,
		Message:  jc.Message,
		Channel:  jc.Channel,
		ChatID:   jc.ChatID,
	}
}

// JobStatus is a job with its next firing time.
type JobStatus struct {
	Job
	Next time.Time
}

// ValidateSchedule checks a standard five-field cron expression or a
// descriptor such as "@hourly" or "@every 5m".
func ValidateSchedule(schedule string) error {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	return nil
}

// Scheduler runs jobs on a cron.
type Scheduler struct {
	cron      *cron.Cron
	processor Processor
	publisher Publisher
	logger    *slog.Logger

	mu      sync.Mutex
	jobs    map[string]*entry
	baseCtx context.Context
}

type entry struct {
	job Job
	id  cron.EntryID
}

// New creates a stopped scheduler. publisher may be nil, in which case
// replies are only logged.
func New(processor Processor, publisher Publisher, logger *slog.Logger) *Scheduler {
	logger = logger.With("component", "scheduler")
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		processor: processor,
		publisher: publisher,
		logger:    logger,
		jobs:      make(map[string]*entry),
		baseCtx:   context.Background(),
	}
}

// Add schedules job and returns it with its ID filled in.
func (s *Scheduler) Add(job Job) (Job, error) {
	if job.Message == "" {
		return Job{}, errors.New("job message is empty")
	}
	if err := ValidateSchedule(job.Schedule); err != nil {
		return Job{}, err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return Job{}, fmt.Errorf("job %s already exists", job.ID)
	}
	j := job
	id, err := s.cron.AddFunc(job.Schedule, func() { s.fire(j) })
	if err != nil {
		return Job{}, fmt.Errorf("scheduling job %s: %w", job.ID, err)
	}
	s.jobs[job.ID] = &entry{job: job, id: id}
	s.logger.Info("job scheduled", "job_id", job.ID, "schedule", job.Schedule)
	return job, nil
}

// Remove unschedules a job.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	s.cron.Remove(e.id)
	delete(s.jobs, id)
	return nil
}

// List returns the scheduled jobs sorted by ID.
func (s *Scheduler) List() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, JobStatus{Job: e.job, Next: s.cron.Entry(e.id).Next})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Start begins firing jobs. Runs use ctx; cancelling it aborts in-flight
// runs but does not stop the cron, use Stop for that.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.List()))
}

// Stop halts the cron and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// RunNow fires a job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return s.run(ctx, e.job)
}

func (s *Scheduler) fire(job Job) {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()
	if err := s.run(ctx, job); err != nil {
		s.logger.Warn("job run failed", "job_id", job.ID, "error", err)
	}
}

func (s *Scheduler) run(ctx context.Context, job Job) error {
	msg := bus.NewInbound(Channel, "scheduler", job.ID, job.Message)
	msg.Metadata = map[string]any{"job_id": job.ID}

	start := time.Now()
	out, err := s.processor.ProcessMessage(ctx, msg)
	if err != nil {
		return err
	}
	s.logger.Info("job ran", "job_id", job.ID, "duration_ms", time.Since(start).Milliseconds())

	if job.Channel != "" {
		out.Channel = job.Channel
	}
	if job.ChatID != "" {
		out.ChatID = job.ChatID
	}
	if s.publisher == nil {
		s.logger.Info("job reply", "job_id", job.ID, "content", out.Content)
		return nil
	}
	if err := s.publisher.PublishOutbound(ctx, *out); err != nil {
		return fmt.Errorf("publishing reply: %w", err)
	}
	return nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
