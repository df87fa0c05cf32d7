package cron

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherFollowsFileChanges(t *testing.T) {
	s, _ := newTestScheduler(t)
	w, err := NewWatcher(s)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	// written behind the scheduler's back, as a hand edit would be
	job, err := s.store.Create(validRequest("Edited"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return s.NextRunTime(job.ID) != nil
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(s.store.Dir(), job.ID+".json")))
	require.Eventually(t, func() bool {
		return s.NextRunTime(job.ID) == nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWatcherIgnoresForeignFiles(t *testing.T) {
	_, ok := idFromPath("/x/cron/.job.123.tmp")
	assert.False(t, ok)
	_, ok = idFromPath("/x/cron/readme.md")
	assert.False(t, ok)
	id, ok := idFromPath("/x/cron/nightly.json")
	assert.True(t, ok)
	assert.Equal(t, "nightly", id)
}
