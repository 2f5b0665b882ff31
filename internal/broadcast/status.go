package broadcast

import (
	"sort"
	"time"
)

// JobStatus is the live view of a job kept for the ops endpoint and /runs.
type JobStatus struct {
	ID        string    `json:"id"`
	Operator  int64     `json:"operator"`
	Total     int       `json:"total"`
	Attempted int       `json:"attempted"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Percent   int       `json:"percent"`
	Running   bool      `json:"running"`
	Cancelled bool      `json:"cancelled"`
	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at"`
	DoneAt    time.Time `json:"done_at,omitempty"`
}

func (s *Service) trackNew(job *Job) {
	now := time.Now()
	s.statusMu.Lock()
	s.status[job.ID] = &JobStatus{
		ID:        job.ID,
		Operator:  job.Operator,
		Total:     job.Total(),
		Running:   true,
		CreatedAt: job.CreatedAt,
		StartedAt: now,
	}
	s.statusMu.Unlock()
	s.Prune(now)
}

func (s *Service) trackProgress(id string, percent int) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.Percent = percent
	}
}

func (s *Service) trackStep(id string, c Counters) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.Attempted = c.Attempted
		st.Succeeded = c.Succeeded
		st.Failed = c.PermanentlyFailed
	}
}

func (s *Service) trackFinished(rep Report) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[rep.JobID]; st != nil {
		st.Attempted = rep.Succeeded + rep.Failed
		st.Succeeded = rep.Succeeded
		st.Failed = rep.Failed
		st.Running = false
		st.Cancelled = rep.Cancelled
		st.DoneAt = rep.DoneAt
		if !rep.Cancelled {
			st.Percent = 100
		}
	}
}

// Status returns a copy of the status entry for id.
func (s *Service) Status(id string) (JobStatus, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.status[id]
	if !ok || st == nil {
		return JobStatus{}, false
	}
	return *st, true
}

// Snapshot lists known jobs, newest first.
func (s *Service) Snapshot() []JobStatus {
	s.statusMu.RLock()
	out := make([]JobStatus, 0, len(s.status))
	for _, st := range s.status {
		out = append(out, *st)
	}
	s.statusMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Prune drops finished entries older than the TTL and trims the table to its
// size bound (oldest finished first). Running jobs are never pruned.
func (s *Service) Prune(now time.Time) int {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	removed := 0
	for id, st := range s.status {
		if st.Running || st.DoneAt.IsZero() {
			continue
		}
		if now.Sub(st.DoneAt) > s.statusTTL {
			delete(s.status, id)
			removed++
		}
	}
	if len(s.status) <= s.statusMax {
		return removed
	}

	finished := make([]*JobStatus, 0, len(s.status))
	for _, st := range s.status {
		if !st.Running {
			finished = append(finished, st)
		}
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].DoneAt.Before(finished[j].DoneAt) })
	for _, st := range finished {
		if len(s.status) <= s.statusMax {
			break
		}
		delete(s.status, st.ID)
		removed++
	}
	return removed
}
