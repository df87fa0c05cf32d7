// Package cron runs scheduled, unattended sessions. Jobs live as JSON files
// under the cron directory; the Scheduler keeps exactly one timer per
// enabled job and launches a fresh session each time it fires.
package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shehryarbajwa/companion/internal/adapter"
	"github.com/shehryarbajwa/companion/internal/apperr"
	"github.com/shehryarbajwa/companion/internal/clock"
	"github.com/shehryarbajwa/companion/internal/logging"
	"github.com/shehryarbajwa/companion/pkg/models"
)

var log = logging.NewLogger("cron")

const (
	// MaxConsecutiveFailures disables a job once reached
	MaxConsecutiveFailures = 5

	// DisplayPrefix is prepended to the job name for the session title
	DisplayPrefix = "⏰ "

	DefaultConnectTimeout = 30 * time.Second

	maxExecutionsPerJob = 50
)

// Launcher starts and drives the sessions a job fires
type Launcher interface {
	Launch(ctx context.Context, req models.CreateSessionRequest) (string, error)
	IsAlive(sessionID string) bool
	Tag(sessionID, jobID, jobName, displayName string) error
	InjectUserMessage(sessionID, text string) error
	WaitForConnection(ctx context.Context, sessionID string, timeout time.Duration) error
}

type scheduled struct {
	timer *clock.Timer
	next  time.Time
}

// Scheduler owns the per-job timers and the in-memory execution history
type Scheduler struct {
	store          *Store
	launcher       Launcher
	clock          clock.Clock
	connectTimeout time.Duration

	mu         sync.Mutex
	timers     map[string]*scheduled
	executions map[string][]models.CronJobExecution
}

// NewScheduler creates a scheduler. Nothing is scheduled until StartAll.
func NewScheduler(store *Store, launcher Launcher, clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	return &Scheduler{
		store:          store,
		launcher:       launcher,
		clock:          clk,
		connectTimeout: DefaultConnectTimeout,
		timers:         make(map[string]*scheduled),
		executions:     make(map[string][]models.CronJobExecution),
	}
}

// Store returns the backing job store
func (s *Scheduler) Store() *Store { return s.store }

// StartAll schedules every enabled job in the store
func (s *Scheduler) StartAll() int {
	count := 0
	for _, job := range s.store.List() {
		if !job.Enabled {
			continue
		}
		if s.ScheduleJob(job) {
			count++
		}
	}
	log.WithField("count", count).Info("Cron jobs scheduled")
	return count
}

// ScheduleJob replaces any timer for job with one for its next fire time.
// Returns false when nothing was scheduled.
func (s *Scheduler) ScheduleJob(job *models.CronJob) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.unscheduleLocked(job.ID)

	next, ok := NextRun(job, s.clock.Now())
	if !ok {
		return false
	}

	id := job.ID
	entry := &scheduled{next: next}
	entry.timer = s.clock.AfterFunc(next.Sub(s.clock.Now()), func() { s.fire(id, entry) })
	s.timers[id] = entry

	log.WithField("job_id", id).WithField("next_run", next).Debug("Cron job scheduled")
	return true
}

// Unschedule cancels the timer for id, if any
func (s *Scheduler) Unschedule(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unscheduleLocked(id)
}

func (s *Scheduler) unscheduleLocked(id string) {
	if entry, ok := s.timers[id]; ok {
		entry.timer.Stop()
		delete(s.timers, id)
	}
}

// fire runs when a job's timer expires. A timer that was replaced or
// cancelled after it started firing does nothing.
func (s *Scheduler) fire(id string, entry *scheduled) {
	s.mu.Lock()
	if s.timers[id] != entry {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	s.mu.Unlock()

	// recurring jobs are rescheduled before running so a slow launch does
	// not push later firings back
	if job, ok := s.store.Get(id); ok && job.Recurring {
		s.ScheduleJob(job)
	}

	s.ExecuteJob(context.Background(), id)
}

// NextRunTime returns when id fires next, or nil
func (s *Scheduler) NextRunTime(id string) *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.timers[id]
	if !ok {
		return nil
	}
	next := entry.next
	return &next
}

// Executions returns the recorded firings of id, oldest first
func (s *Scheduler) Executions(id string) []models.CronJobExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.CronJobExecution{}, s.executions[id]...)
}

func (s *Scheduler) recordExecution(exec models.CronJobExecution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := append(s.executions[exec.JobID], exec)
	if len(history) > maxExecutionsPerJob {
		history = append([]models.CronJobExecution(nil), history[len(history)-maxExecutionsPerJob:]...)
	}
	s.executions[exec.JobID] = history
}

// FormatPrompt tags the job prompt so the transcript shows where it came
// from
func FormatPrompt(job *models.CronJob) string {
	return fmt.Sprintf("[cron:%s %s]\n\n%s", job.ID, job.Name, job.Prompt)
}

// LaunchRequest builds the session parameters for one firing. Codex runs
// unattended inside a sandbox derived from the permission mode.
func LaunchRequest(job *models.CronJob) models.CreateSessionRequest {
	req := models.CreateSessionRequest{
		BackendType:    job.BackendType,
		Model:          job.Model,
		Cwd:            job.Cwd,
		PermissionMode: job.PermissionMode,
	}
	if job.BackendType == models.BackendCodex {
		req.Sandbox = adapter.CodexSandbox(job.PermissionMode)
		internet := true
		if job.CodexInternetAccess != nil {
			internet = *job.CodexInternetAccess
		}
		req.InternetAccess = &internet
	}
	return req
}

// ExecuteJob fires id once. Missing or disabled jobs are ignored, as is a
// firing while the previous run's session is still alive.
func (s *Scheduler) ExecuteJob(ctx context.Context, id string) {
	job, ok := s.store.Get(id)
	if !ok || !job.Enabled {
		return
	}
	entry := log.WithField("job_id", id)

	if job.LastSessionID != "" && s.launcher.IsAlive(job.LastSessionID) {
		entry.WithField("session_id", job.LastSessionID).Info("Previous run still active, skipping")
		return
	}

	startedAt := s.clock.Now()
	exec := models.CronJobExecution{JobID: id, StartedAt: startedAt}

	sessionID, err := s.launcher.Launch(ctx, LaunchRequest(job))
	if err == nil {
		exec.SessionID = sessionID
		if tagErr := s.launcher.Tag(sessionID, job.ID, job.Name, DisplayPrefix+job.Name); tagErr != nil {
			entry.WithError(tagErr).Warn("Failed to tag cron session")
		}
		err = s.launcher.InjectUserMessage(sessionID, FormatPrompt(job))
		if err == nil {
			err = s.launcher.WaitForConnection(ctx, sessionID, s.connectTimeout)
		}
	}

	completedAt := s.clock.Now()
	success := err == nil
	exec.CompletedAt = &completedAt
	exec.Success = &success
	if err != nil {
		exec.Error = fmt.Sprintf("session failed to start: %v", err)
	}
	s.recordExecution(exec)

	updated, exists, saveErr := s.store.mutate(id, func(job *models.CronJob) {
		job.TotalRuns++
		job.LastRunAt = &startedAt
		if sessionID != "" {
			job.LastSessionID = sessionID
		}
		if success {
			job.ConsecutiveFailures = 0
		} else {
			job.ConsecutiveFailures++
			if job.ConsecutiveFailures >= MaxConsecutiveFailures {
				job.Enabled = false
			}
		}
		job.UpdatedAt = completedAt
	})
	switch {
	case saveErr != nil:
		entry.WithError(saveErr).Error("Failed to record cron run")
	case !exists:
		return
	case !updated.Enabled:
		entry.WithField("failures", updated.ConsecutiveFailures).Warn("Cron job disabled after repeated failures")
		s.Unschedule(id)
	}

	if success {
		entry.WithField("session_id", sessionID).Info("Cron job started session")
	} else {
		entry.WithError(err).Warn("Cron job run failed")
	}
}

// RunNow fires id immediately in the background
func (s *Scheduler) RunNow(id string) error {
	job, ok := s.store.Get(id)
	if !ok {
		return apperr.NotFound("cron job", id)
	}
	if !job.Enabled {
		return apperr.New(apperr.CodeConflict, fmt.Sprintf("cron job %q is disabled", id))
	}
	go s.ExecuteJob(context.Background(), id)
	return nil
}

// CreateJob stores and schedules a new job
func (s *Scheduler) CreateJob(req models.CreateCronJobRequest) (*models.CronJob, error) {
	job, err := s.store.Create(req)
	if err != nil {
		return nil, err
	}
	s.ScheduleJob(job)
	return job, nil
}

// UpdateJob patches a job and reschedules it under its possibly new id
func (s *Scheduler) UpdateJob(id string, req models.UpdateCronJobRequest) (*models.CronJob, error) {
	job, err := s.store.Update(id, req)
	if err != nil {
		return nil, err
	}
	if job.ID != id {
		s.Unschedule(id)
		s.mu.Lock()
		if history, ok := s.executions[id]; ok {
			s.executions[job.ID] = history
			delete(s.executions, id)
		}
		s.mu.Unlock()
	}
	s.ScheduleJob(job)
	return job, nil
}

// DeleteJob removes a job and its timer
func (s *Scheduler) DeleteJob(id string) error {
	s.Unschedule(id)
	existed, err := s.store.Delete(id)
	if err != nil {
		return err
	}
	if !existed {
		return apperr.NotFound("cron job", id)
	}
	s.mu.Lock()
	delete(s.executions, id)
	s.mu.Unlock()
	return nil
}

// Destroy cancels every timer and forgets execution history. Stored jobs
// are untouched.
func (s *Scheduler) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.timers {
		s.unscheduleLocked(id)
	}
	s.executions = make(map[string][]models.CronJobExecution)
}
