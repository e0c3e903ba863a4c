package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"hyperisle/internal/island"
	logx "hyperisle/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.suppressed.jsonl       (append-only JSON Lines)
//   - <prefix>.counters.json          (whole-map snapshot, atomic rename)
//   - <prefix>.cooldown.snapshot.json (periodic snapshot)
//   - <prefix>.cooldown.journal.jsonl (append-only journal)
//
// The cooldown journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	suppressedFile *os.File

	countersPath string

	cooldownSnapshotPath string
	cooldownJournalFile  *os.File
	cooldowns            map[string]int64 // unix milli

	cooldownWrites int
}

type cooldownRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

type counterSnapshot struct {
	LastDecay int64                    `json:"last_decay"` // unix milli, 0 = never
	Counters  map[string]counterRecord `json:"counters"`
}

type counterRecord struct {
	FastDismiss int `json:"fast_dismiss"`
	TapOpen     int `json:"tap_open"`
	MuteBlock   int `json:"mute_block"`
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
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	suppressedPath := prefix + ".suppressed.jsonl"
	countersPath := prefix + ".counters.json"
	snapPath := prefix + ".cooldown.snapshot.json"
	journalPath := prefix + ".cooldown.journal.jsonl"

	sf, err := os.OpenFile(suppressedPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	// Load cooldowns from snapshot + journal.
	cooldowns := map[string]int64{}
	_ = loadCooldownSnapshot(snapPath, cooldowns)
	_ = replayCooldownJournal(journalPath, cooldowns)
	pruneExpiredCooldowns(cooldowns)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = sf.Close()
		return nil, err
	}

	return &fileStore{
		log:                  log,
		suppressedFile:       sf,
		countersPath:         countersPath,
		cooldownSnapshotPath: snapPath,
		cooldownJournalFile:  jf,
		cooldowns:            cooldowns,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.suppressedFile != nil {
		err1 = s.suppressedFile.Close()
		s.suppressedFile = nil
	}
	if s.cooldownJournalFile != nil {
		err2 = s.cooldownJournalFile.Close()
		s.cooldownJournalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) AppendSuppressed(ctx context.Context, e SuppressedEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suppressedFile == nil {
		return errors.New("suppressed log closed")
	}
	return json.NewEncoder(s.suppressedFile).Encode(e)
}

func (s *fileStore) SaveCounters(ctx context.Context, counters map[string]island.Counters, lastDecay time.Time) error {
	_ = ctx
	snap := counterSnapshot{Counters: map[string]counterRecord{}}
	if !lastDecay.IsZero() {
		snap.LastDecay = lastDecay.UnixMilli()
	}
	for k, c := range counters {
		snap.Counters[k] = counterRecord{
			FastDismiss: c.FastDismiss,
			TapOpen:     c.TapOpen,
			MuteBlock:   c.MuteBlock,
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.countersPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.countersPath)
}

func (s *fileStore) LoadCounters(ctx context.Context) (map[string]island.Counters, time.Time, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.countersPath)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]island.Counters{}, time.Time{}, nil
		}
		return nil, time.Time{}, err
	}
	defer f.Close()

	var snap counterSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return nil, time.Time{}, err
	}

	out := make(map[string]island.Counters, len(snap.Counters))
	for k, c := range snap.Counters {
		out[k] = island.Counters{
			FastDismiss: c.FastDismiss,
			TapOpen:     c.TapOpen,
			MuteBlock:   c.MuteBlock,
		}
	}
	var last time.Time
	if snap.LastDecay > 0 {
		last = time.UnixMilli(snap.LastDecay)
	}
	return out, last, nil
}

func (s *fileStore) SaveCooldown(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cooldownJournalFile == nil {
		return errors.New("cooldown journal closed")
	}
	if s.cooldowns == nil {
		s.cooldowns = map[string]int64{}
	}
	s.cooldowns[key] = ms

	enc := json.NewEncoder(s.cooldownJournalFile)
	if err := enc.Encode(cooldownRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.cooldownWrites++
	if s.cooldownWrites%500 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("cooldown compact failed", logx.Any("err", err))
		}
	}
	return nil
}

func (s *fileStore) LoadCooldowns(ctx context.Context) (map[string]time.Time, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	out := make(map[string]time.Time, len(s.cooldowns))
	for k, ms := range s.cooldowns {
		if ms <= now {
			continue
		}
		out[k] = time.UnixMilli(ms)
	}
	return out, nil
}

func (s *fileStore) compactLocked() error {
	if s.cooldowns == nil {
		return nil
	}
	pruneExpiredCooldowns(s.cooldowns)

	tmp := s.cooldownSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.cooldowns); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.cooldownSnapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.cooldownJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.cooldownJournalFile.Seek(0, 2)
	return err
}

func loadCooldownSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayCooldownJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		var r cooldownRecord
		if err := json.Unmarshal(s.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return s.Err()
}

func pruneExpiredCooldowns(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
