package storage

import (
	"context"
	"database/sql"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)

	db, err := NewDatabase(filepath.Join(t.TempDir(), "data", "runs.db"), l)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func run(id string, started time.Time, errorKind string) *Run {
	r := &Run{
		SessionID:  id,
		State:      "CLOSED",
		ErrorKind:  errorKind,
		UserAgent:  "Mozilla/5.0",
		Viewport:   "1280x800",
		Locale:     "en-US",
		Timezone:   "America/New_York",
		StartedAt:  started,
		FinishedAt: started.Add(20 * time.Second),
	}
	switch errorKind {
	case "MissingCredentialsError", "ProvisionError", "LaunchError":
		r.Detail = "stopped before the login page"
		return r
	}
	r.Submitted = true
	if errorKind == "" {
		r.EvidencePath = "./screenshots/usps_dashboard.png"
	} else {
		r.Detail = "wait for dashboard: marker did not appear"
	}
	return r
}

func TestRecordAndLastAttempt(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	last, err := db.LastAttempt(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	first := run("a", base, "")
	require.NoError(t, db.RecordRun(ctx, first))
	assert.NotZero(t, first.ID)
	require.NoError(t, db.RecordRun(ctx, run("b", base.Add(time.Hour), "TimeoutError")))

	last, err = db.LastAttempt(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "b", last.SessionID)
	assert.Equal(t, "TimeoutError", last.ErrorKind)
	assert.False(t, last.Succeeded())
	assert.True(t, last.StartedAt.Equal(base.Add(time.Hour)))
	assert.True(t, last.Submitted)
}

func TestLastAttemptSkipsRunsThatNeverSubmitted(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, db.RecordRun(ctx, run("missing-creds", base, "MissingCredentialsError")))
	last, err := db.LastAttempt(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)

	require.NoError(t, db.RecordRun(ctx, run("login", base.Add(time.Minute), "TimeoutError")))
	require.NoError(t, db.RecordRun(ctx, run("no-browser", base.Add(2*time.Minute), "LaunchError")))

	last, err = db.LastAttempt(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "login", last.SessionID)

	runs, err := db.RecentRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.False(t, runs[0].Submitted)
}

func TestMigrateAddsSubmittedColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = raw.Exec(`CREATE TABLE runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT UNIQUE NOT NULL,
		state TEXT NOT NULL,
		error_kind TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		evidence_path TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		viewport TEXT NOT NULL DEFAULT '',
		locale TEXT NOT NULL DEFAULT '',
		timezone TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL
	)`)
	require.NoError(t, err)
	_, err = raw.Exec(`INSERT INTO runs (session_id, state, started_at, finished_at) VALUES ('old', 'FAILED', ?, ?)`,
		time.Now().UTC(), time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	l := logrus.New()
	l.SetOutput(io.Discard)
	db, err := NewDatabase(path, l)
	require.NoError(t, err)
	defer db.Close()

	last, err := db.LastAttempt(context.Background())
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "old", last.SessionID)
	assert.True(t, last.Submitted, "rows from before the column existed count as attempts")
}

func TestRecordRejectsDuplicateSession(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, db.RecordRun(ctx, run("dup", now, "")))
	assert.Error(t, db.RecordRun(ctx, run("dup", now, "")))
}

func TestRecentRuns(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for i, id := range []string{"one", "two", "three"} {
		require.NoError(t, db.RecordRun(ctx, run(id, base.Add(time.Duration(i)*time.Minute), "")))
	}

	runs, err := db.RecentRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "three", runs[0].SessionID)
	assert.Equal(t, "two", runs[1].SessionID)
	assert.True(t, runs[0].Succeeded())
}

func TestGetDailyStats(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, db.RecordRun(ctx, run("yesterday", day.Add(-time.Minute), "")))
	require.NoError(t, db.RecordRun(ctx, run("ok", day.Add(8*time.Hour), "")))
	require.NoError(t, db.RecordRun(ctx, run("bad", day.Add(9*time.Hour), "ElementNotFoundError")))
	require.NoError(t, db.RecordRun(ctx, run("late", day.Add(23*time.Hour+59*time.Minute), "")))
	require.NoError(t, db.RecordRun(ctx, run("no-creds", day.Add(10*time.Hour), "MissingCredentialsError")))

	stats, err := db.GetDailyStats(ctx, day.Add(12*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"runs": 4, "attempts": 3, "succeeded": 2, "failed": 2}, stats)

	empty, err := db.GetDailyStats(ctx, day.AddDate(0, 0, 5))
	require.NoError(t, err)
	assert.Equal(t, 0, empty["attempts"])
}
