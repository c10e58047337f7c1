package task

import (
	"crypto/md5" //nolint:gosec // fingerprint, not a security boundary
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/conductorone/branch-cdc/pkg/engine"
)

const (
	SnapshotPrefix    = "cdc_"
	fingerprintLength = 12
	// yymmddHHMMSS followed by milliseconds.
	snapshotTimeLayout = "060102150405"
)

var ErrInvalidTask = errors.New("task: invalid sync task")

// Endpoint locates one side of a sync task.
type Endpoint struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	Table    string
}

func (e Endpoint) TableRef() engine.TableRef {
	return engine.TableRef{Database: e.Database, Table: e.Table}
}

func (e Endpoint) Addr() string {
	return e.Host + ":" + strconv.Itoa(e.Port)
}

// SyncTask is one upstream table replicated into one downstream table.
// It is immutable once created.
type SyncTask struct {
	id          string
	fingerprint string
	upstream    Endpoint
	downstream  Endpoint
	stage       string
}

func New(upstream Endpoint, downstream Endpoint, stage string) (*SyncTask, error) {
	if upstream.Database == "" || upstream.Table == "" {
		return nil, fmt.Errorf("%w: upstream database and table are required", ErrInvalidTask)
	}
	if downstream.Database == "" || downstream.Table == "" {
		return nil, fmt.Errorf("%w: downstream database and table are required", ErrInvalidTask)
	}
	if stage == "" {
		return nil, fmt.Errorf("%w: stage is required", ErrInvalidTask)
	}

	id := fmt.Sprintf("%s_%d_%s_%s_to_%s_%s",
		upstream.Host, upstream.Port, upstream.Database, upstream.Table,
		downstream.Database, downstream.Table,
	)
	id = strings.ReplaceAll(id, ".", "_")

	sum := md5.Sum([]byte(id)) //nolint:gosec // fingerprint only
	return &SyncTask{
		id:          id,
		fingerprint: hex.EncodeToString(sum[:])[:fingerprintLength],
		upstream:    upstream,
		downstream:  downstream,
		stage:       stage,
	}, nil
}

func (t *SyncTask) ID() string {
	return t.id
}

// Fingerprint is the first 12 hex characters of md5(ID). It scopes snapshot and
// temp table names to the task.
func (t *SyncTask) Fingerprint() string {
	return t.fingerprint
}

func (t *SyncTask) Upstream() Endpoint {
	return t.upstream
}

func (t *SyncTask) Downstream() Endpoint {
	return t.downstream
}

func (t *SyncTask) Source() engine.TableRef {
	return t.upstream.TableRef()
}

func (t *SyncTask) Target() engine.TableRef {
	return t.downstream.TableRef()
}

// Stage is where the engine writes diff artifacts, e.g. stage://name or file:///dir.
func (t *SyncTask) Stage() string {
	return t.stage
}

func (t *SyncTask) SnapshotPrefix() string {
	return SnapshotPrefix + t.fingerprint + "_"
}

// SnapshotName returns the name for a snapshot taken at now.
func (t *SyncTask) SnapshotName(now time.Time) string {
	now = now.UTC()
	return fmt.Sprintf("%s%s%03d", t.SnapshotPrefix(), now.Format(snapshotTimeLayout), now.Nanosecond()/int(time.Millisecond))
}

// OwnsSnapshot reports whether ref was created by this task: the name carries
// the task fingerprint followed by a well formed timestamp, and the snapshot
// covers the task's source table.
func (t *SyncTask) OwnsSnapshot(ref engine.SnapshotRef) bool {
	suffix, ok := strings.CutPrefix(ref.Name, t.SnapshotPrefix())
	if !ok {
		return false
	}
	if _, ok := ParseSnapshotTime(suffix); !ok {
		return false
	}
	return ref.Database == t.upstream.Database && ref.Table == t.upstream.Table
}

// ParseSnapshotTime decodes the yymmddHHMMSSmmm suffix of a snapshot name.
func ParseSnapshotTime(suffix string) (time.Time, bool) {
	if len(suffix) != len(snapshotTimeLayout)+3 {
		return time.Time{}, false
	}
	ts, err := time.Parse(snapshotTimeLayout, suffix[:len(snapshotTimeLayout)])
	if err != nil {
		return time.Time{}, false
	}
	ms, err := strconv.Atoi(suffix[len(snapshotTimeLayout):])
	if err != nil || ms < 0 {
		return time.Time{}, false
	}
	return ts.Add(time.Duration(ms) * time.Millisecond), true
}

// TempTable names a task-scoped scratch table in the source database.
func (t *SyncTask) TempTable(suffix string) engine.TableRef {
	return engine.TableRef{
		Database: t.upstream.Database,
		Table:    fmt.Sprintf("%s_%s_%s", t.upstream.Table, t.fingerprint, suffix),
	}
}
