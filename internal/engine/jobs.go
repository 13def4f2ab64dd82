package engine

import (
	"sync"
	"time"

	"github.com/mzyy94/esclbridge/internal/escl"
	"github.com/mzyy94/esclbridge/internal/job"
)

// jobHistory bounds the number of finished jobs kept per device.
const jobHistory = 16

type jobEntry struct {
	id       string
	settings escl.ScanSettings
	adapter  *job.Adapter
	state    escl.JobState
	reasons  []string
	created  time.Time
}

// jobTable is the per-device view of recent jobs, fed by status
// transitions.
type jobTable struct {
	mu    sync.Mutex
	jobs  map[string]*jobEntry
	order []string
	limit int
	now   func() time.Time
}

func newJobTable() *jobTable {
	return &jobTable{
		jobs:  make(map[string]*jobEntry),
		limit: jobHistory,
		now:   time.Now,
	}
}

func (t *jobTable) add(id string, settings escl.ScanSettings) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[id] = &jobEntry{
		id:       id,
		settings: settings,
		state:    escl.JobStatePending,
		created:  t.now(),
	}
	t.order = append(t.order, id)
	t.prune()
}

func (t *jobTable) attach(id string, a *job.Adapter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.jobs[id]
	if !ok {
		return
	}
	e.adapter = a
	if !e.state.Terminal() {
		e.state = escl.JobStateProcessing
	}
}

func (t *jobTable) transition(id string, tr escl.StatusTransition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.jobs[id]
	if !ok {
		return
	}
	switch tr {
	case escl.CancelJob:
		e.state = escl.JobStateCanceled
		e.reasons = []string{"JobCanceledByUser"}
	case escl.DeviceIdle:
		if e.state != escl.JobStateCanceled {
			e.state = escl.JobStateCompleted
			e.reasons = []string{"JobCompletedSuccessfully"}
		}
	case escl.AbortJob:
		if e.state != escl.JobStateCanceled {
			e.state = escl.JobStateAborted
			e.reasons = []string{"AbortedBySystem"}
		}
	}
}

// lookup returns the adapter of a job, nil while the job is starting.
func (t *jobTable) lookup(id string) (*job.Adapter, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.jobs[id]
	if !ok {
		return nil, false
	}
	return e.adapter, true
}

// status renders the table as an eSCL scanner status. Job URIs are
// relative to base.
func (t *jobTable) status(base string) *escl.ScannerStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := &escl.ScannerStatus{
		Version: escl.DefaultVersion,
		State:   escl.ScannerStateIdle,
		Jobs:    make(map[string]escl.JobInfo, len(t.jobs)),
	}
	now := t.now()
	for id, e := range t.jobs {
		info := escl.JobInfo{
			URI:          base + "/ScanJobs/" + id,
			UUID:         id,
			Age:          int(now.Sub(e.created) / time.Second),
			State:        e.state,
			StateReasons: e.reasons,
		}
		if e.adapter != nil {
			info.ImagesCompleted = e.adapter.PagesCompleted()
		}
		if !e.state.Terminal() {
			st.State = escl.ScannerStateProcessing
			info.ImagesToTransfer = 1
		}
		st.Jobs[id] = info
	}
	return st
}

// prune drops the oldest finished jobs beyond the limit. Running jobs
// are never dropped.
func (t *jobTable) prune() {
	excess := len(t.order) - t.limit
	if excess <= 0 {
		return
	}
	kept := t.order[:0]
	for _, id := range t.order {
		if excess > 0 && t.jobs[id].state.Terminal() {
			delete(t.jobs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept
}
