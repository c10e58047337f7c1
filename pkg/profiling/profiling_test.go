package profiling

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDisabledProfilerIsNoop(t *testing.T) {
	p := New(Config{Dir: t.TempDir()}, time.Now())
	require.Nil(t, p)
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Stop(context.Background()))
}

func TestProfilerWritesFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "profiles")
	at := time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC)
	p := New(Config{Dir: dir, CPU: true, Mem: true}, at)

	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.Stop(ctx))

	for _, name := range []string{"cpu-20261019-083000.prof", "mem-20261019-083000.prof"} {
		st, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
		require.Positive(t, st.Size(), name)
	}
}
