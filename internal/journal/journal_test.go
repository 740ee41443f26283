package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupJournal(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "journal.db")
	j, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j, path
}

func TestRecordAndLatest(t *testing.T) {
	j, _ := setupJournal(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	events := []Event{
		{RegistrationID: "site/a", Kind: KindPush, Success: true, Bytes: 100, At: base},
		{RegistrationID: "site/a", Kind: KindPush, Success: false, Detail: "dial failed", At: base.Add(time.Minute)},
		{RegistrationID: "site/a", Kind: KindPush, Success: true, Bytes: 120, At: base.Add(2 * time.Minute)},
		{RegistrationID: "site/b", Kind: KindPull, Success: false, Detail: "untrusted peer", At: base},
	}
	for _, e := range events {
		require.NoError(t, j.Record(ctx, e))
	}

	latest, err := j.Latest(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 2)

	a := latest["site/a"]
	require.NotNil(t, a.LastSuccess)
	require.NotNil(t, a.LastFailure)
	assert.True(t, a.LastSuccess.Equal(base.Add(2*time.Minute)))
	assert.True(t, a.LastFailure.Equal(base.Add(time.Minute)))
	assert.Equal(t, "dial failed", a.LastError)
	assert.EqualValues(t, 120, a.LastBytes)

	b := latest["site/b"]
	assert.Nil(t, b.LastSuccess)
	assert.Equal(t, "untrusted peer", b.LastError)
}

func TestRecord_FillsDefaults(t *testing.T) {
	j, _ := setupJournal(t)
	ctx := context.Background()

	require.NoError(t, j.Record(ctx, Event{RegistrationID: "site/a", Kind: KindPull, Success: true}))
	require.NoError(t, j.Record(ctx, Event{RegistrationID: "site/a", Kind: KindPull, Success: true}))

	latest, err := j.Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest["site/a"].LastSuccess)
	assert.WithinDuration(t, time.Now(), *latest["site/a"].LastSuccess, time.Minute)
}

func TestRecord_RejectsUnknownKind(t *testing.T) {
	j, _ := setupJournal(t)
	err := j.Record(context.Background(), Event{RegistrationID: "site/a", Kind: "carrier-pigeon"})
	require.Error(t, err)
}

func TestPrune(t *testing.T) {
	j, _ := setupJournal(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, j.Record(ctx, Event{RegistrationID: "site/a", Kind: KindPush, Success: i%2 == 0}))
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, j.Record(ctx, Event{RegistrationID: "site/b", Kind: KindPush, Success: true}))
	}

	n, err := j.Prune(ctx, 4)
	require.NoError(t, err)
	assert.EqualValues(t, 6, n)

	var remaining int
	require.NoError(t, j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&remaining))
	assert.Equal(t, 7, remaining)

	// The newest of each kind survives
	latest, err := j.Latest(ctx)
	require.NoError(t, err)
	assert.NotNil(t, latest["site/a"].LastSuccess)
	assert.NotNil(t, latest["site/a"].LastFailure)
}

func TestForget(t *testing.T) {
	j, _ := setupJournal(t)
	ctx := context.Background()
	require.NoError(t, j.Record(ctx, Event{RegistrationID: "site/a", Kind: KindPush, Success: true}))
	require.NoError(t, j.Record(ctx, Event{RegistrationID: "site/b", Kind: KindPush, Success: true}))

	require.NoError(t, j.Forget(ctx, "site/a"))
	latest, err := j.Latest(ctx)
	require.NoError(t, err)
	assert.NotContains(t, latest, "site/a")
	assert.Contains(t, latest, "site/b")
}

func TestOpenReadOnly(t *testing.T) {
	j, path := setupJournal(t)
	ctx := context.Background()
	require.NoError(t, j.Record(ctx, Event{RegistrationID: "site/a", Kind: KindPull, Success: true}))

	ro, err := OpenReadOnly(path)
	require.NoError(t, err)
	defer ro.Close()

	latest, err := ro.Latest(ctx)
	require.NoError(t, err)
	assert.Contains(t, latest, "site/a")

	err = ro.Record(ctx, Event{RegistrationID: "site/a", Kind: KindPull, Success: true})
	assert.Error(t, err, "read-only journal must refuse writes")
}

func TestOpenReadOnly_Missing(t *testing.T) {
	_, err := OpenReadOnly(filepath.Join(t.TempDir(), "journal.db"))
	require.ErrorIs(t, err, ErrNotFound)
}
