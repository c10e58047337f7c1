package reaper

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/conductorone/branch-cdc/internal/enginetest"
	"github.com/conductorone/branch-cdc/pkg/capture"
	"github.com/conductorone/branch-cdc/pkg/engine"
	"github.com/conductorone/branch-cdc/pkg/stage"
	"github.com/conductorone/branch-cdc/pkg/task"
)

type fixture struct {
	up   *enginetest.Upstream
	task *task.SyncTask
	now  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	up := enginetest.NewUpstream(t)
	up.Exec(t, "CREATE TABLE `orders` (`id` INTEGER NOT NULL PRIMARY KEY, `item` TEXT)")

	st, err := task.New(
		task.Endpoint{Host: "up", Port: 6001, Database: enginetest.Schema, Table: "orders"},
		task.Endpoint{Host: "down", Port: 6001, Database: enginetest.Schema, Table: "orders"},
		"file://"+t.TempDir(),
	)
	require.NoError(t, err)

	f := &fixture{up: up, task: st, now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	up.SetClock(func() time.Time { return f.now })
	return f
}

// snapshots creates n task snapshots one minute apart and returns their
// names oldest first.
func (f *fixture) snapshots(t *testing.T, n int) []string {
	t.Helper()
	names := make([]string, 0, n)
	for i := 0; i < n; i++ {
		f.now = f.now.Add(time.Minute)
		name := f.task.SnapshotName(f.now)
		require.NoError(t, f.up.CreateSnapshot(context.Background(), name, f.task.Source()))
		names = append(names, name)
	}
	return names
}

func (f *fixture) remaining() []string {
	var names []string
	for _, s := range f.up.Snapshots() {
		names = append(names, s.Name)
	}
	return names
}

func writeArtifact(t *testing.T, name string, body string) capture.Location {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return capture.Location{Path: "file://" + p, Format: engine.FormatForLocation(p)}
}

func TestReapRemovesTempTablesAndArtifacts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	prev := f.task.TempTable("prev")
	f.up.Exec(t, "CREATE TABLE "+prev.Quoted()+" (`id` INTEGER)")
	loc := writeArtifact(t, "diff.sql", "DELETE FROM `orders` WHERE `id` = 1;\n")
	snaps := f.snapshots(t, 1)

	art := &capture.Artifact{
		Snapshot:   snaps[0],
		Locations:  []capture.Location{loc},
		TempTables: []engine.TableRef{prev},
	}
	sum := New(f.up, stage.LocalStore{}).Reap(ctx, f.task, art, false, snaps[0])
	require.Empty(t, sum.Errors)
	require.Equal(t, []engine.TableRef{prev}, sum.TablesDropped)
	require.Equal(t, []string{loc.Path}, sum.ArtifactsRemoved)

	exists, err := f.up.TableExists(ctx, prev)
	require.NoError(t, err)
	require.False(t, exists)
	_, err = os.Stat(filepath.Clean(loc.Path[len("file://"):]))
	require.True(t, os.IsNotExist(err))
	require.Equal(t, snaps, f.remaining())
}

func TestReapFailedCycleDropsItsSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	snaps := f.snapshots(t, 2)

	art := &capture.Artifact{Snapshot: snaps[1]}
	sum := New(f.up, stage.LocalStore{}).Reap(ctx, f.task, art, true, snaps[0])
	require.Equal(t, []string{snaps[1]}, sum.SnapshotsDropped)
	require.Equal(t, snaps[:1], f.remaining())

	// The watermark snapshot survives even when the failed cycle names it.
	sum = New(f.up, stage.LocalStore{}).Reap(ctx, f.task, &capture.Artifact{Snapshot: snaps[0]}, true, snaps[0])
	require.Empty(t, sum.SnapshotsDropped)
	require.Equal(t, snaps[:1], f.remaining())
}

func TestReapPrunesToRetention(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	snaps := f.snapshots(t, 7)

	// A snapshot of another task shares nothing with this one and is left alone.
	other := "cdc_000000000000_260301120000000"
	require.NoError(t, f.up.CreateSnapshot(ctx, other, f.task.Source()))

	// The oldest snapshot is the watermark; it takes one of the three slots.
	sum := New(f.up, stage.LocalStore{}, WithRetention(3)).Reap(ctx, f.task, nil, false, snaps[0])
	require.Empty(t, sum.Errors)
	require.ElementsMatch(t, []string{snaps[1], snaps[2], snaps[3], snaps[4]}, sum.SnapshotsDropped)
	require.ElementsMatch(t, []string{snaps[0], snaps[5], snaps[6], other}, f.remaining())
}

func TestReapDefaultRetentionCountsWatermark(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	snaps := f.snapshots(t, 6)

	sum := New(f.up, stage.LocalStore{}).Reap(ctx, f.task, nil, false, snaps[5])
	require.Empty(t, sum.Errors)
	require.ElementsMatch(t, []string{snaps[0], snaps[1]}, sum.SnapshotsDropped)
	require.ElementsMatch(t, snaps[2:], f.remaining())
	require.Len(t, f.remaining(), DefaultRetention)
}

func TestReapWithoutWatermarkKeepsNewest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	snaps := f.snapshots(t, 3)

	sum := New(f.up, stage.LocalStore{}, WithRetention(2)).Reap(ctx, f.task, nil, false, "")
	require.Empty(t, sum.Errors)
	require.Equal(t, []string{snaps[0]}, sum.SnapshotsDropped)
	require.ElementsMatch(t, snaps[1:], f.remaining())
}

func TestReapIsBestEffort(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	snaps := f.snapshots(t, 2)
	f.up.FailOn("DropTable", errors.New("catalog unavailable"))
	f.up.FailOn("ListSnapshots", errors.New("catalog unavailable"))

	loc := writeArtifact(t, "diff.sql", "")
	art := &capture.Artifact{
		Snapshot:   snaps[1],
		Locations:  []capture.Location{loc},
		TempTables: []engine.TableRef{f.task.TempTable("zero")},
	}
	sum := New(f.up, stage.LocalStore{}).Reap(ctx, f.task, art, true, snaps[0])
	require.Len(t, sum.Errors, 2)
	require.Equal(t, []string{loc.Path}, sum.ArtifactsRemoved)
	require.Equal(t, []string{snaps[1]}, sum.SnapshotsDropped)
}

func TestReapArchivesBeforeRemoving(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	body := "REPLACE INTO `orders` VALUES (1, 'apple');\n"
	loc := writeArtifact(t, "diff_1.sql", body)

	dir := t.TempDir()
	r := New(f.up, stage.LocalStore{}, WithArchiver(stage.NewArchiver(stage.LocalStore{}, dir)))
	sum := r.Reap(ctx, f.task, &capture.Artifact{Locations: []capture.Location{loc}}, false, "")
	require.Empty(t, sum.Errors)
	require.Len(t, sum.Archived, 1)
	require.Equal(t, filepath.Join(dir, f.task.Fingerprint(), "diff_1.sql"+stage.ArchiveExt), sum.Archived[0])

	rc, err := stage.OpenArchive(sum.Archived[0])
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, body, string(got))
}

func TestDiscardLeavesOlderSnapshots(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	snaps := f.snapshots(t, 6)

	sum := New(f.up, stage.LocalStore{}, WithRetention(1)).Discard(ctx, f.task, &capture.Artifact{Snapshot: snaps[5]}, true)
	require.Equal(t, []string{snaps[5]}, sum.SnapshotsDropped)
	require.Equal(t, snaps[:5], f.remaining())
}
