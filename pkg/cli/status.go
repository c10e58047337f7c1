package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/conductorone/branch-cdc/pkg/cycle"
	"github.com/conductorone/branch-cdc/pkg/engine"
	"github.com/conductorone/branch-cdc/pkg/healthcheck"
	"github.com/conductorone/branch-cdc/pkg/task"
)

// controllerStatus summarises what one controller last did, for the health check.
func controllerStatus(c *cycle.Controller) healthcheck.TaskStatus {
	state := c.State()
	st := healthcheck.TaskStatus{
		TaskID:        state.Task.ID(),
		Cycles:        state.Cycles(),
		ApplyFailures: state.ApplyFailures(),
	}
	if pending, reason := state.ForceFullPending(); pending {
		st.ForceFull = reason
	}

	out := c.LastOutcome()
	if out == nil {
		return st
	}
	st.LastCycle = out.Finished.UTC().Format(time.RFC3339)
	st.Skipped = out.Skipped
	st.Watermark = out.Watermark
	if out.Reason != "" {
		st.Mode = out.Mode.String()
	}
	if out.Err != nil {
		st.Error = out.Err.Error()
	}
	return st
}

func groupStatus(g *cycle.Group) healthcheck.StatusFunc {
	return func(context.Context) ([]healthcheck.TaskStatus, error) {
		controllers := g.Controllers()
		ret := make([]healthcheck.TaskStatus, 0, len(controllers))
		for _, c := range controllers {
			ret = append(ret, controllerStatus(c))
		}
		return ret, nil
	}
}

type lockStatus struct {
	Owner      string    `json:"owner,omitempty" yaml:"owner,omitempty"`
	AcquiredAt time.Time `json:"acquired_at,omitempty" yaml:"acquired_at,omitempty"`
	Stale      bool      `json:"stale,omitempty" yaml:"stale,omitempty"`
}

type watermarkStatus struct {
	Snapshot  string    `json:"snapshot" yaml:"snapshot"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
	// Exists is false when the snapshot has been dropped upstream, which
	// forces a full resync on the next cycle.
	Exists bool `json:"exists" yaml:"exists"`
}

// persistedStatus is what the meta tables and the upstream say about a task,
// independent of any running process.
type persistedStatus struct {
	TaskID    string           `json:"task_id" yaml:"task_id"`
	Source    string           `json:"source" yaml:"source"`
	Target    string           `json:"target" yaml:"target"`
	Stage     string           `json:"stage" yaml:"stage"`
	Lock      *lockStatus      `json:"lock,omitempty" yaml:"lock,omitempty"`
	Watermark *watermarkStatus `json:"watermark,omitempty" yaml:"watermark,omitempty"`
	Snapshots []string         `json:"snapshots" yaml:"snapshots"`
}

func (tr *taskRuntime) status(ctx context.Context, now time.Time) (*persistedStatus, error) {
	t := tr.task
	st := &persistedStatus{
		TaskID: t.ID(),
		Source: t.Source().String(),
		Target: t.Target().String(),
		Stage:  t.Stage(),
	}

	rec, err := tr.locks.Get(ctx, t.ID())
	if err != nil {
		return nil, err
	}
	if rec != nil && rec.OwnerID != "" {
		st.Lock = &lockStatus{
			Owner:      rec.OwnerID,
			AcquiredAt: rec.AcquiredAt,
			Stale:      now.Sub(rec.AcquiredAt) > tr.locks.TTL(),
		}
	}

	wm, err := tr.watermarks.Record(ctx, t.ID())
	if err != nil {
		return nil, err
	}
	if wm != nil {
		exists, err := tr.upstream.SnapshotExists(ctx, wm.Snapshot)
		if err != nil {
			return nil, err
		}
		st.Watermark = &watermarkStatus{Snapshot: wm.Snapshot, UpdatedAt: wm.UpdatedAt, Exists: exists}
	}

	st.Snapshots, err = ownedSnapshots(ctx, tr.upstream, t)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func ownedSnapshots(ctx context.Context, up engine.Snapshotter, t *task.SyncTask) ([]string, error) {
	refs, err := up.ListSnapshots(ctx, t.SnapshotPrefix())
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(refs))
	for _, ref := range refs {
		if t.OwnsSnapshot(ref) {
			names = append(names, ref.Name)
		}
	}
	return names, nil
}

const (
	OutputJSON = "json"
	OutputYAML = "yaml"
)

func outputFormat(cmd *cobra.Command) (string, error) {
	format, err := cmd.Flags().GetString("output")
	if err != nil {
		return "", err
	}
	switch format {
	case OutputJSON, OutputYAML:
		return format, nil
	}
	return "", fmt.Errorf("invalid output %q (valid: %s, %s)", format, OutputJSON, OutputYAML)
}

func writeOutput(w io.Writer, format string, v any) error {
	var err error
	switch format {
	case OutputYAML:
		enc := yaml.NewEncoder(w)
		if err = enc.Encode(v); err == nil {
			err = enc.Close()
		}
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		err = enc.Encode(v)
	}
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
