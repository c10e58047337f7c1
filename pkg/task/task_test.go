package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/conductorone/branch-cdc/pkg/engine"
)

func newTestTask(t *testing.T) *SyncTask {
	t.Helper()
	st, err := New(
		Endpoint{Host: "10.0.0.1", Port: 6001, Database: "src", Table: "orders"},
		Endpoint{Host: "10.0.0.2", Port: 6001, Database: "dst", Table: "orders"},
		"stage://cdc",
	)
	require.NoError(t, err)
	return st
}

func TestNewValidates(t *testing.T) {
	_, err := New(Endpoint{Database: "a"}, Endpoint{Database: "b", Table: "t"}, "stage://s")
	require.ErrorIs(t, err, ErrInvalidTask)
	_, err = New(Endpoint{Database: "a", Table: "t"}, Endpoint{Database: "b", Table: "t"}, "")
	require.ErrorIs(t, err, ErrInvalidTask)
}

func TestID(t *testing.T) {
	st := newTestTask(t)
	require.Equal(t, "10_0_0_1_6001_src_orders_to_dst_orders", st.ID())
	require.Len(t, st.Fingerprint(), 12)

	other, err := New(
		Endpoint{Host: "10.0.0.1", Port: 6001, Database: "src", Table: "orders"},
		Endpoint{Host: "10.0.0.2", Port: 6001, Database: "dst", Table: "orders_v2"},
		"stage://cdc",
	)
	require.NoError(t, err)
	require.NotEqual(t, st.Fingerprint(), other.Fingerprint())
}

func TestSnapshotName(t *testing.T) {
	st := newTestTask(t)
	ts := time.Date(2026, 3, 4, 5, 6, 7, 89*int(time.Millisecond), time.UTC)

	name := st.SnapshotName(ts)
	require.Equal(t, "cdc_"+st.Fingerprint()+"_260304050607089", name)

	parsed, ok := ParseSnapshotTime(name[len(st.SnapshotPrefix()):])
	require.True(t, ok)
	require.True(t, parsed.Equal(ts))
}

func TestOwnsSnapshot(t *testing.T) {
	st := newTestTask(t)
	name := st.SnapshotName(time.Now())

	require.True(t, st.OwnsSnapshot(engine.SnapshotRef{Name: name, Database: "src", Table: "orders"}))
	// Same name prefix but a different table.
	require.False(t, st.OwnsSnapshot(engine.SnapshotRef{Name: name, Database: "src", Table: "orders_archive"}))
	// Malformed timestamp suffix.
	require.False(t, st.OwnsSnapshot(engine.SnapshotRef{Name: st.SnapshotPrefix() + "manual", Database: "src", Table: "orders"}))
	// Another task's fingerprint.
	require.False(t, st.OwnsSnapshot(engine.SnapshotRef{Name: "cdc_000000000000_260304050607089", Database: "src", Table: "orders"}))
}

func TestTempTable(t *testing.T) {
	st := newTestTask(t)
	tmp := st.TempTable("zero")
	require.Equal(t, "src", tmp.Database)
	require.Equal(t, "orders_"+st.Fingerprint()+"_zero", tmp.Table)
}

func TestRunState(t *testing.T) {
	rs := NewRunState(newTestTask(t), NewOwnerID())
	require.NotEmpty(t, rs.OwnerID)

	require.Equal(t, 1, rs.RecordApplyFailure())
	require.Equal(t, 2, rs.RecordApplyFailure())

	rs.ForceFull("checksum mismatch")
	pending, reason := rs.ForceFullPending()
	require.True(t, pending)
	require.Equal(t, "checksum mismatch", reason)

	require.EqualValues(t, 1, rs.CompleteCycle())
	require.Equal(t, 0, rs.ApplyFailures())

	rs.ClearForceFull()
	pending, _ = rs.ForceFullPending()
	require.False(t, pending)
}
