package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logx "castbot/pkg/logx"
)

// fileStore writes JSON Lines next to the configured path.
//
// Files:
//   - <prefix>.audit.jsonl (append-only)
//   - <prefix>.runs.jsonl  (append-only, replayed on open)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File
	runsFile  *os.File

	// recent holds the newest runs, oldest first.
	recent []RunRecord
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	runsPath := prefix + ".runs.jsonl"
	recent, err := replayRuns(runsPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("run history replay failed", logx.String("path", runsPath), logx.Err(err))
	}

	rf, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	return &fileStore{
		log:       log,
		auditFile: af,
		runsFile:  rf,
		recent:    recent,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.auditFile != nil {
		err1 = s.auditFile.Close()
		s.auditFile = nil
	}
	if s.runsFile != nil {
		err2 = s.runsFile.Close()
		s.runsFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) SaveRun(ctx context.Context, r RunRecord) error {
	_ = ctx
	if r.JobID == "" {
		return errors.New("run record without job id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return errors.New("runs file closed")
	}
	if err := json.NewEncoder(s.runsFile).Encode(r); err != nil {
		return err
	}
	s.recent = appendRun(s.recent, r)
	return nil
}

func (s *fileStore) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	_ = ctx
	limit = clampLimit(limit)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RunRecord, 0, min(limit, len(s.recent)))
	for i := len(s.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.recent[i])
	}
	return out, nil
}

// appendRun replaces an existing record with the same job id and keeps the
// slice bounded and ordered by DoneAt.
func appendRun(recent []RunRecord, r RunRecord) []RunRecord {
	for i := range recent {
		if recent[i].JobID == r.JobID {
			recent = append(recent[:i], recent[i+1:]...)
			break
		}
	}
	recent = append(recent, r)
	sort.SliceStable(recent, func(i, j int) bool { return recent[i].DoneAt.Before(recent[j].DoneAt) })
	if len(recent) > maxRecentRuns {
		recent = append([]RunRecord(nil), recent[len(recent)-maxRecentRuns:]...)
	}
	return recent
}

func replayRuns(path string) ([]RunRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []RunRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.JobID == "" {
			continue
		}
		out = appendRun(out, r)
	}
	return out, sc.Err()
}
