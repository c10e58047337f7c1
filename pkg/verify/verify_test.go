package verify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/conductorone/branch-cdc/internal/enginetest"
	"github.com/conductorone/branch-cdc/pkg/task"
)

func TestLevelFor(t *testing.T) {
	v := New(nil, nil)
	require.Equal(t, LevelNone, v.LevelFor(0))
	require.Equal(t, LevelNone, v.LevelFor(4))
	require.Equal(t, LevelFast, v.LevelFor(5))
	require.Equal(t, LevelFast, v.LevelFor(45))
	require.Equal(t, LevelFull, v.LevelFor(50), "full takes precedence over fast")
	require.Equal(t, LevelFull, v.LevelFor(100))

	v = New(nil, nil, WithFullEvery(0))
	require.Equal(t, LevelFast, v.LevelFor(50))

	v = New(nil, nil, WithFullEvery(7))
	require.Equal(t, LevelFull, v.LevelFor(7))
	require.Equal(t, LevelFast, v.LevelFor(10))
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("full")
	require.NoError(t, err)
	require.Equal(t, LevelFull, l)
	_, err = ParseLevel("deep")
	require.Error(t, err)
}

type fixture struct {
	up   *enginetest.Upstream
	down *enginetest.Downstream
	task *task.SyncTask
	snap string
}

func newFixture(t *testing.T, ddl string) *fixture {
	t.Helper()
	up := enginetest.NewUpstream(t)
	down := enginetest.NewDownstream(t)
	up.Exec(t, ddl)
	down.Exec(t, ddl)

	st, err := task.New(
		task.Endpoint{Host: "up", Port: 6001, Database: enginetest.Schema, Table: "orders"},
		task.Endpoint{Host: "down", Port: 6001, Database: enginetest.Schema, Table: "orders"},
		"file://"+t.TempDir(),
	)
	require.NoError(t, err)
	return &fixture{up: up, down: down, task: st}
}

func (f *fixture) snapshot(t *testing.T) {
	t.Helper()
	f.snap = "cdc_" + f.task.Fingerprint() + "_260101000000000"
	require.NoError(t, f.up.CreateSnapshot(context.Background(), f.snap, f.task.Source()))
}

func TestVerifyFullReadsAtSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "CREATE TABLE `orders` (`id` INTEGER PRIMARY KEY, `item` TEXT)")
	f.up.Exec(t, "INSERT INTO orders VALUES (1, 'apple'), (2, 'pear')")
	f.down.Exec(t, "INSERT INTO orders VALUES (1, 'apple'), (2, 'pear')")
	f.snapshot(t)

	// Upstream moves on after the snapshot; the audit must not see it.
	f.up.Exec(t, "INSERT INTO orders VALUES (3, 'fig')")

	v := New(f.up, f.down)
	rep, err := v.Verify(ctx, f.task, LevelFull, f.snap)
	require.NoError(t, err)
	require.True(t, rep.Match)
	require.EqualValues(t, 2, rep.Upstream.Rows)
	require.NotZero(t, rep.Upstream.Hash)
}

func TestVerifyFullDetectsContentDrift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "CREATE TABLE `orders` (`id` INTEGER PRIMARY KEY, `item` TEXT)")
	f.up.Exec(t, "INSERT INTO orders VALUES (1, 'apple'), (2, 'pear')")
	f.down.Exec(t, "INSERT INTO orders VALUES (1, 'apple'), (2, 'PEAR')")
	f.snapshot(t)

	v := New(f.up, f.down)
	rep, err := v.Verify(ctx, f.task, LevelFull, f.snap)
	require.NoError(t, err)
	require.False(t, rep.Match)
	require.Equal(t, rep.Upstream.Rows, rep.Downstream.Rows)
}

func TestVerifyFastCountMismatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "CREATE TABLE `orders` (`id` INTEGER PRIMARY KEY, `item` TEXT)")
	f.up.Exec(t, "INSERT INTO orders VALUES (1, 'apple'), (2, 'pear')")
	f.down.Exec(t, "INSERT INTO orders VALUES (1, 'apple')")
	f.snapshot(t)

	rep, err := New(f.up, f.down).Verify(ctx, f.task, LevelFast, f.snap)
	require.NoError(t, err)
	require.False(t, rep.Match)
	require.False(t, rep.Sampled)
}

func TestVerifyFastSamplesByKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "CREATE TABLE `orders` (`id` INTEGER PRIMARY KEY, `item` TEXT)")
	f.up.Exec(t, "INSERT INTO orders VALUES (1, 'apple'), (2, 'pear')")
	f.down.Exec(t, "INSERT INTO orders VALUES (1, 'apple'), (2, 'pear')")
	f.snapshot(t)

	rep, err := New(f.up, f.down, WithSamplePercent(50)).Verify(ctx, f.task, LevelFast, f.snap)
	require.NoError(t, err)
	require.True(t, rep.Match)
	require.True(t, rep.Sampled)
}

func TestVerifyFastWithoutPrimaryKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "CREATE TABLE `orders` (`item` TEXT, `qty` INTEGER)")
	f.up.Exec(t, "INSERT INTO orders VALUES ('apple', 1), ('apple', 1)")
	f.down.Exec(t, "INSERT INTO orders VALUES ('apple', 1), ('pear', 9)")
	f.snapshot(t)

	rep, err := New(f.up, f.down).Verify(ctx, f.task, LevelFast, f.snap)
	require.NoError(t, err)
	require.True(t, rep.Match, "without a key only the count is compared")
	require.False(t, rep.Sampled)
}
