package models

import "time"

// CronJob is a scheduled autonomous launch of a bridged session
type CronJob struct {
	ID                  string      `json:"id"`
	Name                string      `json:"name"`
	Prompt              string      `json:"prompt"`
	Schedule            string      `json:"schedule"` // cron expression, or ISO timestamp when not recurring
	Recurring           bool        `json:"recurring"`
	BackendType         BackendType `json:"backendType"`
	Model               string      `json:"model"`
	Cwd                 string      `json:"cwd"`
	EnvSlug             string      `json:"envSlug,omitempty"`
	Enabled             bool        `json:"enabled"`
	PermissionMode      string      `json:"permissionMode"`
	CodexInternetAccess *bool       `json:"codexInternetAccess,omitempty"`

	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
	LastRunAt           *time.Time `json:"lastRunAt,omitempty"`
	LastSessionID       string     `json:"lastSessionId,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	TotalRuns           int        `json:"totalRuns"`
}

// CronJobExecution is the in-memory record of one firing
type CronJobExecution struct {
	SessionID   string     `json:"sessionId"`
	JobID       string     `json:"jobId"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Success     *bool      `json:"success,omitempty"`
	Error       string     `json:"error,omitempty"`
	CostUSD     float64    `json:"costUsd,omitempty"`
}

// CreateCronJobRequest is the payload for creating a cron job
type CreateCronJobRequest struct {
	Name                string      `json:"name"`
	Prompt              string      `json:"prompt"`
	Schedule            string      `json:"schedule"`
	Recurring           bool        `json:"recurring"`
	BackendType         BackendType `json:"backendType"`
	Model               string      `json:"model"`
	Cwd                 string      `json:"cwd"`
	EnvSlug             string      `json:"envSlug,omitempty"`
	Enabled             *bool       `json:"enabled,omitempty"`
	PermissionMode      string      `json:"permissionMode,omitempty"`
	CodexInternetAccess *bool       `json:"codexInternetAccess,omitempty"`
}

// UpdateCronJobRequest patches a cron job; nil fields are left untouched
type UpdateCronJobRequest struct {
	Name                *string      `json:"name,omitempty"`
	Prompt              *string      `json:"prompt,omitempty"`
	Schedule            *string      `json:"schedule,omitempty"`
	Recurring           *bool        `json:"recurring,omitempty"`
	BackendType         *BackendType `json:"backendType,omitempty"`
	Model               *string      `json:"model,omitempty"`
	Cwd                 *string      `json:"cwd,omitempty"`
	EnvSlug             *string      `json:"envSlug,omitempty"`
	Enabled             *bool        `json:"enabled,omitempty"`
	PermissionMode      *string      `json:"permissionMode,omitempty"`
	CodexInternetAccess *bool        `json:"codexInternetAccess,omitempty"`
}
