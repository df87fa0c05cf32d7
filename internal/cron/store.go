package cron

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/shehryarbajwa/companion/internal/apperr"
	"github.com/shehryarbajwa/companion/internal/clock"
	"github.com/shehryarbajwa/companion/pkg/models"
)

// Store keeps one JSON file per job under dir
type Store struct {
	dir   string
	clock clock.Clock
	mu    sync.Mutex
}

// NewStore creates the cron directory if needed
func NewStore(dir string, clk clock.Clock) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cron directory: %w", err)
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Store{dir: dir, clock: clk}, nil
}

// Dir returns the cron directory
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// idFromPath returns the job id for a job file, or false for anything else
// in the directory.
func idFromPath(path string) (string, bool) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
		return "", false
	}
	return strings.TrimSuffix(name, ".json"), true
}

// Get loads a job. A missing or corrupt file reports false.
func (s *Store) Get(id string) (*models.CronJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(id)
}

func (s *Store) read(id string) (*models.CronJob, bool) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, false
	}
	var job models.CronJob
	if err := json.Unmarshal(data, &job); err != nil {
		log.WithError(err).WithField("job_id", id).Warn("Ignoring corrupt cron job file")
		return nil, false
	}
	if job.ID == "" {
		job.ID = id
	}
	return &job, true
}

// List returns every readable job sorted by id
func (s *Store) List() []*models.CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var jobs []*models.CronJob
	for _, entry := range entries {
		id, ok := idFromPath(entry.Name())
		if !ok || entry.IsDir() {
			continue
		}
		if job, ok := s.read(id); ok {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs
}

func (s *Store) write(job *models.CronJob) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode cron job: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, "."+job.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write cron job: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write cron job: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write cron job: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(job.ID)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write cron job: %w", err)
	}
	return nil
}

func validateJob(job *models.CronJob) error {
	if strings.TrimSpace(job.Name) == "" {
		return apperr.Validation("name", "is required")
	}
	if strings.TrimSpace(job.Prompt) == "" {
		return apperr.Validation("prompt", "is required")
	}
	if strings.TrimSpace(job.Schedule) == "" {
		return apperr.Validation("schedule", "is required")
	}
	if strings.TrimSpace(job.Cwd) == "" {
		return apperr.Validation("cwd", "is required")
	}
	if !job.BackendType.Valid() {
		return apperr.Validation("backendType", fmt.Sprintf("unsupported backend %q", job.BackendType))
	}
	if _, _, err := parseSchedule(job.Schedule, job.Recurring); err != nil {
		return err
	}
	return nil
}

// Create validates and stores a new job. Its id is the slug of its name.
func (s *Store) Create(req models.CreateCronJobRequest) (*models.CronJob, error) {
	now := s.clock.Now()
	job := &models.CronJob{
		Name:                strings.TrimSpace(req.Name),
		Prompt:              req.Prompt,
		Schedule:            strings.TrimSpace(req.Schedule),
		Recurring:           req.Recurring,
		BackendType:         req.BackendType,
		Model:               req.Model,
		Cwd:                 req.Cwd,
		EnvSlug:             req.EnvSlug,
		Enabled:             true,
		PermissionMode:      req.PermissionMode,
		CodexInternetAccess: req.CodexInternetAccess,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if job.BackendType == "" {
		job.BackendType = models.BackendClaude
	}
	if job.PermissionMode == "" {
		job.PermissionMode = models.PermissionBypassPermissions
	}
	if req.Enabled != nil {
		job.Enabled = *req.Enabled
	}
	if err := validateJob(job); err != nil {
		return nil, err
	}
	id, err := Slugify(job.Name)
	if err != nil {
		return nil, err
	}
	job.ID = id

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.read(id); exists {
		return nil, apperr.Conflict("cron job", id)
	}
	if err := s.write(job); err != nil {
		return nil, err
	}
	return job, nil
}

// Update applies a patch. Renaming a job moves it to the new slug; the
// returned job carries the new id.
func (s *Store) Update(id string, req models.UpdateCronJobRequest) (*models.CronJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.read(id)
	if !ok {
		return nil, apperr.NotFound("cron job", id)
	}

	if req.Name != nil {
		job.Name = strings.TrimSpace(*req.Name)
	}
	if req.Prompt != nil {
		job.Prompt = *req.Prompt
	}
	if req.Schedule != nil {
		job.Schedule = strings.TrimSpace(*req.Schedule)
	}
	if req.Recurring != nil {
		job.Recurring = *req.Recurring
	}
	if req.BackendType != nil {
		job.BackendType = *req.BackendType
	}
	if req.Model != nil {
		job.Model = *req.Model
	}
	if req.Cwd != nil {
		job.Cwd = *req.Cwd
	}
	if req.EnvSlug != nil {
		job.EnvSlug = *req.EnvSlug
	}
	if req.Enabled != nil {
		job.Enabled = *req.Enabled
		if job.Enabled {
			job.ConsecutiveFailures = 0
		}
	}
	if req.PermissionMode != nil {
		job.PermissionMode = *req.PermissionMode
	}
	if req.CodexInternetAccess != nil {
		job.CodexInternetAccess = req.CodexInternetAccess
	}
	if err := validateJob(job); err != nil {
		return nil, err
	}

	newID, err := Slugify(job.Name)
	if err != nil {
		return nil, err
	}
	if newID != id {
		if _, exists := s.read(newID); exists {
			return nil, apperr.Conflict("cron job", newID)
		}
	}
	job.ID = newID
	job.UpdatedAt = s.clock.Now()

	if err := s.write(job); err != nil {
		return nil, err
	}
	if newID != id {
		if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove renamed cron job: %w", err)
		}
	}
	return job, nil
}

// mutate applies fn to the stored job and writes it back. Returns false if
// the job no longer exists.
func (s *Store) mutate(id string, fn func(job *models.CronJob)) (*models.CronJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.read(id)
	if !ok {
		return nil, false, nil
	}
	fn(job)
	if err := s.write(job); err != nil {
		return nil, true, err
	}
	return job, true, nil
}

// Delete removes a job. Returns false if it did not exist.
func (s *Store) Delete(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to delete cron job: %w", err)
	}
	return true, nil
}
