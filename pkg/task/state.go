package task

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// NewOwnerID returns an identifier unique to this process instance.
func NewOwnerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("%s_%d_%s", host, os.Getpid(), suffix)
}

// RunState is the mutable per-task state of one running instance. The cycle
// controller owns it; readers such as the health check take snapshots through
// the accessor methods.
type RunState struct {
	Task    *SyncTask
	OwnerID string

	mtx           sync.Mutex
	cycles        uint64
	forceFull     bool
	forceReason   string
	applyFailures int
}

func NewRunState(t *SyncTask, ownerID string) *RunState {
	return &RunState{Task: t, OwnerID: ownerID}
}

// CompleteCycle counts a successful cycle and returns the new count.
func (s *RunState) CompleteCycle() uint64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.cycles++
	s.applyFailures = 0
	return s.cycles
}

func (s *RunState) Cycles() uint64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.cycles
}

// ForceFull makes the next cycle a truncating full resync.
func (s *RunState) ForceFull(reason string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.forceFull = true
	s.forceReason = reason
}

func (s *RunState) ForceFullPending() (bool, string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.forceFull, s.forceReason
}

func (s *RunState) ClearForceFull() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.forceFull = false
	s.forceReason = ""
}

// RecordApplyFailure returns the length of the current failure streak.
func (s *RunState) RecordApplyFailure() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.applyFailures++
	return s.applyFailures
}

func (s *RunState) ApplyFailures() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.applyFailures
}
