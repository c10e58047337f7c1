package capture

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/conductorone/branch-cdc/internal/enginetest"
	"github.com/conductorone/branch-cdc/pkg/engine"
	"github.com/conductorone/branch-cdc/pkg/task"
)

type fixture struct {
	up   *enginetest.Upstream
	task *task.SyncTask
	cap  *Capturer
	now  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	up := enginetest.NewUpstream(t)
	up.Exec(t, "CREATE TABLE `orders` (`id` INTEGER NOT NULL PRIMARY KEY, `item` TEXT)")
	up.Exec(t, "INSERT INTO orders VALUES (1, 'apple'), (2, 'pear')")

	st, err := task.New(
		task.Endpoint{Host: "up", Port: 6001, Database: enginetest.Schema, Table: "orders"},
		task.Endpoint{Host: "down", Port: 6001, Database: enginetest.Schema, Table: "orders"},
		"file://"+t.TempDir(),
	)
	require.NoError(t, err)

	f := &fixture{up: up, task: st, now: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
	f.cap = New(up, WithClock(func() time.Time {
		f.now = f.now.Add(time.Second)
		return f.now
	}))
	return f
}

func readLocation(t *testing.T, l Location) string {
	t.Helper()
	body, err := os.ReadFile(strings.TrimPrefix(l.Path, "file://"))
	require.NoError(t, err)
	return string(body)
}

func TestCaptureFull(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	art, err := f.cap.Capture(ctx, f.task, Plan{Mode: ModeFull, Truncate: true})
	require.NoError(t, err)
	require.Equal(t, ModeFull, art.Mode)
	require.True(t, art.Truncate)
	require.True(t, strings.HasPrefix(art.Snapshot, f.task.SnapshotPrefix()))
	require.Equal(t, []engine.TableRef{f.task.TempTable("zero")}, art.TempTables)

	require.Len(t, art.Locations, 1)
	require.Equal(t, engine.FormatBootstrap, art.Locations[0].Format)
	require.Equal(t, "\"1\",\"apple\"\n\"2\",\"pear\"\n", readLocation(t, art.Locations[0]))

	exists, err := f.up.SnapshotExists(ctx, art.Snapshot)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestCaptureIncremental(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	base, err := f.cap.Capture(ctx, f.task, Plan{Mode: ModeFull})
	require.NoError(t, err)

	f.up.Exec(t, "DELETE FROM orders WHERE id = 1")
	f.up.Exec(t, "UPDATE orders SET item = 'plum' WHERE id = 2")
	f.up.Exec(t, "INSERT INTO orders VALUES (3, 'fig')")

	art, err := f.cap.Capture(ctx, f.task, Plan{Mode: ModeIncremental, Watermark: base.Snapshot})
	require.NoError(t, err)
	require.Equal(t, base.Snapshot, art.Base)
	require.NotEqual(t, base.Snapshot, art.Snapshot)
	require.Equal(t, []engine.TableRef{f.task.TempTable("prev")}, art.TempTables)
	require.Len(t, art.Locations, 1)
	require.Equal(t, engine.FormatIncremental, art.Locations[0].Format)

	body := readLocation(t, art.Locations[0])
	require.Contains(t, body, "DELETE FROM `main`.`orders` WHERE `id` = 1;")
	require.Contains(t, body, "REPLACE INTO `main`.`orders` VALUES (2, 'plum');")
	require.Contains(t, body, "REPLACE INTO `main`.`orders` VALUES (3, 'fig');")
}

func TestCaptureIncrementalNoChanges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	base, err := f.cap.Capture(ctx, f.task, Plan{Mode: ModeFull})
	require.NoError(t, err)

	art, err := f.cap.Capture(ctx, f.task, Plan{Mode: ModeIncremental, Watermark: base.Snapshot})
	require.NoError(t, err)
	require.Empty(t, art.Locations)
	require.NotEmpty(t, art.Snapshot)
}

func TestCaptureFailureKeepsCreatedResources(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	boom := errors.New("stage unavailable")
	f.up.FailOn("Diff", boom)

	art, err := f.cap.Capture(ctx, f.task, Plan{Mode: ModeFull})
	require.ErrorIs(t, err, boom)
	require.NotNil(t, art)
	require.NotEmpty(t, art.Snapshot, "the snapshot must be handed to the reaper")
	require.Len(t, art.TempTables, 1)
	require.Empty(t, art.Locations)
}

func TestCaptureIncrementalRequiresWatermark(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.cap.Capture(ctx, f.task, Plan{Mode: ModeIncremental})
	require.ErrorIs(t, err, ErrNoWatermark)

	art, err := f.cap.Capture(ctx, f.task, Plan{Mode: ModeIncremental, Watermark: "cdc_gone"})
	require.ErrorIs(t, err, engine.ErrSnapshotNotFound)
	require.Empty(t, art.Snapshot)
	require.Empty(t, art.TempTables)
}
