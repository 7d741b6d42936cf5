package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func openTestDB(t *testing.T) *Pebble {
	t.Helper()
	db, err := OpenPebble(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPebbleValidatorRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	now := time.Now().UTC().Truncate(time.Millisecond)
	row := &ValidatorRow{
		Identity:     "aa11",
		Origins:      []string{"https://example.com/unl", "local"},
		Rounds:       10,
		Signed:       8,
		Participated: 7,
		Wasted:       1,
		Trusted:      true,
		PinnedBy:     []string{"local"},
		FirstSeen:    now.Add(-time.Hour),
		LastSeen:     now,
	}
	require.NoError(t, db.PutValidator(ctx, row))

	rows, err := db.ListValidators(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, row, rows[0])

	// Same key overwrites.
	row.Signed = 9
	require.NoError(t, db.PutValidator(ctx, row))
	rows, err = db.ListValidators(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, uint64(9), rows[0].Signed)
}

func TestPebbleSourceLifecycle(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	row := &SourceRow{
		Name:       "https://example.com/unl",
		Kind:       "url",
		Descriptor: "https://example.com/unl",
		Membership: []string{"aa11", "bb22"},
		Degraded:   true,
	}
	require.NoError(t, db.PutSource(ctx, row))

	rows, err := db.ListSources(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, row, rows[0])

	require.NoError(t, db.DeleteSource(ctx, row.Name))
	rows, err = db.ListSources(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)

	// Deleting a missing key is not an error.
	require.NoError(t, db.DeleteSource(ctx, "never-existed"))
}

func TestPebblePrefixesDoNotCollide(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, db.PutValidator(ctx, &ValidatorRow{Identity: "shared-name"}))
	require.NoError(t, db.PutSource(ctx, &SourceRow{Name: "shared-name"}))

	validators, err := db.ListValidators(ctx)
	require.NoError(t, err)
	assert.Len(t, validators, 1)

	sources, err := db.ListSources(ctx)
	require.NoError(t, err)
	assert.Len(t, sources, 1)
}

func TestPebbleSkipsCorruptRecords(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, db.PutValidator(ctx, &ValidatorRow{Identity: "good"}))
	require.NoError(t, db.db.Set([]byte(validatorPrefix+"bad"), []byte("{not json"), nil))

	rows, err := db.ListValidators(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "good", rows[0].Identity)
}

func TestPebblePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	logger := zaptest.NewLogger(t)

	db, err := OpenPebble(dir, logger)
	require.NoError(t, err)
	require.NoError(t, db.PutValidator(ctx, &ValidatorRow{Identity: "persisted", Trusted: true}))
	require.NoError(t, db.Close())

	db, err = OpenPebble(dir, logger)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	rows, err := db.ListValidators(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "persisted", rows[0].Identity)
	assert.True(t, rows[0].Trusted)
}
