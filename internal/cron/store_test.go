package cron

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/companion/internal/apperr"
	"github.com/shehryarbajwa/companion/internal/clock"
	"github.com/shehryarbajwa/companion/pkg/models"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(epoch)
	st, err := NewStore(t.TempDir(), clk)
	require.NoError(t, err)
	return st, clk
}

func validRequest(name string) models.CreateCronJobRequest {
	return models.CreateCronJobRequest{
		Name:        name,
		Prompt:      "summarize open PRs",
		Schedule:    "0 9 * * *",
		Recurring:   true,
		BackendType: models.BackendClaude,
		Cwd:         "/repo",
	}
}

func TestCreateJobDefaults(t *testing.T) {
	st, _ := newTestStore(t)

	job, err := st.Create(validRequest("My Daily Task"))
	require.NoError(t, err)
	assert.Equal(t, "my-daily-task", job.ID)
	assert.True(t, job.Enabled)
	assert.Equal(t, models.PermissionBypassPermissions, job.PermissionMode)
	assert.Equal(t, epoch, job.CreatedAt)

	loaded, ok := st.Get("my-daily-task")
	require.True(t, ok)
	assert.Equal(t, job.Prompt, loaded.Prompt)
	assert.FileExists(t, filepath.Join(st.Dir(), "my-daily-task.json"))
}

func TestCreateJobValidation(t *testing.T) {
	st, _ := newTestStore(t)

	mutations := map[string]func(*models.CreateCronJobRequest){
		"empty name":       func(r *models.CreateCronJobRequest) { r.Name = "  " },
		"empty prompt":     func(r *models.CreateCronJobRequest) { r.Prompt = "" },
		"empty schedule":   func(r *models.CreateCronJobRequest) { r.Schedule = "" },
		"empty cwd":        func(r *models.CreateCronJobRequest) { r.Cwd = "" },
		"bad cron":         func(r *models.CreateCronJobRequest) { r.Schedule = "every tuesday" },
		"bad timestamp":    func(r *models.CreateCronJobRequest) { r.Recurring = false; r.Schedule = "tomorrow" },
		"bad backend":      func(r *models.CreateCronJobRequest) { r.BackendType = "gemini" },
		"punctuation only": func(r *models.CreateCronJobRequest) { r.Name = "@#$%" },
	}
	for name, mutate := range mutations {
		req := validRequest("Valid")
		mutate(&req)
		_, err := st.Create(req)
		assert.ErrorIs(t, err, apperr.ErrValidation, name)
	}
	assert.Empty(t, st.List())
}

func TestCreateJobDuplicateSlug(t *testing.T) {
	st, _ := newTestStore(t)
	_, err := st.Create(validRequest("Check PRs"))
	require.NoError(t, err)

	_, err = st.Create(validRequest("check prs!"))
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestUpdateJobRename(t *testing.T) {
	st, clk := newTestStore(t)
	_, err := st.Create(validRequest("Old Name"))
	require.NoError(t, err)
	_, err = st.Create(validRequest("Taken"))
	require.NoError(t, err)

	taken := "Taken"
	_, err = st.Update("old-name", models.UpdateCronJobRequest{Name: &taken})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	clk.Advance(time.Minute)
	name := "New Name"
	job, err := st.Update("old-name", models.UpdateCronJobRequest{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "new-name", job.ID)
	assert.Equal(t, epoch.Add(time.Minute), job.UpdatedAt)

	_, ok := st.Get("old-name")
	assert.False(t, ok)
	_, ok = st.Get("new-name")
	assert.True(t, ok)

	_, err = st.Update("ghost", models.UpdateCronJobRequest{Name: &name})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestUpdateJobValidatesPatch(t *testing.T) {
	st, _ := newTestStore(t)
	_, err := st.Create(validRequest("Job"))
	require.NoError(t, err)

	bad := "not a schedule"
	_, err = st.Update("job", models.UpdateCronJobRequest{Schedule: &bad})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	job, ok := st.Get("job")
	require.True(t, ok)
	assert.Equal(t, "0 9 * * *", job.Schedule)
}

func TestReEnableResetsFailures(t *testing.T) {
	st, _ := newTestStore(t)
	_, err := st.Create(validRequest("Job"))
	require.NoError(t, err)
	_, _, err = st.mutate("job", func(job *models.CronJob) {
		job.ConsecutiveFailures = 5
		job.Enabled = false
	})
	require.NoError(t, err)

	enabled := true
	job, err := st.Update("job", models.UpdateCronJobRequest{Enabled: &enabled})
	require.NoError(t, err)
	assert.True(t, job.Enabled)
	assert.Zero(t, job.ConsecutiveFailures)
}

func TestListSkipsCorruptAndForeignFiles(t *testing.T) {
	st, _ := newTestStore(t)
	_, err := st.Create(validRequest("Good"))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(st.Dir(), "broken.json"), []byte("{nope"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(st.Dir(), "notes.txt"), []byte("hi"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(st.Dir(), ".good.123.tmp"), []byte("{}"), 0644))

	jobs := st.List()
	require.Len(t, jobs, 1)
	assert.Equal(t, "good", jobs[0].ID)

	_, ok := st.Get("broken")
	assert.False(t, ok)
}

func TestDeleteJob(t *testing.T) {
	st, _ := newTestStore(t)
	_, err := st.Create(validRequest("Job"))
	require.NoError(t, err)

	existed, err := st.Delete("job")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = st.Delete("job")
	require.NoError(t, err)
	assert.False(t, existed)
}
