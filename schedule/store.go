package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"iter"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Source is where the declarative schedule comes from.
type Source interface {
	Name() string
	Read() ([]byte, error)
}

// FileSource reads a schedule file. A missing file is an empty schedule.
type FileSource string

func (f FileSource) Name() string {
	return string(f)
}

func (f FileSource) Read() ([]byte, error) {
	data, err := os.ReadFile(string(f))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

// BytesSource serves an in-memory schedule.
type BytesSource []byte

func (b BytesSource) Name() string {
	return "inline"
}

func (b BytesSource) Read() ([]byte, error) {
	return b, nil
}

// Mirror receives every schedule that was loaded successfully.
type Mirror interface {
	ReplaceSchedule(ctx context.Context, entries map[string][]byte) error
}

// Store holds the active schedule. A reload swaps the whole snapshot at
// once, readers see either the old or the new schedule.
type Store struct {
	source Source
	checks Checks
	mirror Mirror
	logger *logrus.Logger

	mu        sync.RWMutex
	listeners []func()
	current   *Schedule
	problems  *InvalidScheduleError
	loadedAt  time.Time
}

func NewStore(source Source, checks Checks, mirror Mirror, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Store{
		source:  source,
		checks:  checks,
		mirror:  mirror,
		logger:  logger,
		current: newSchedule(nil),
	}
}

// Load reads and validates the source. On failure the previous schedule
// stays active and the problems are kept for inspection.
func (s *Store) Load(ctx context.Context) error {
	data, err := s.source.Read()
	if err != nil {
		return err
	}
	sched, err := Parse(data, s.checks)
	if err != nil {
		var invalid *InvalidScheduleError
		if errors.As(err, &invalid) {
			s.mu.Lock()
			s.problems = invalid
			s.mu.Unlock()
		}
		return err
	}

	s.mu.Lock()
	s.current = sched
	s.problems = nil
	s.loadedAt = time.Now()
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"source":  s.source.Name(),
		"entries": sched.Len(),
	}).Info("Schedule loaded")
	if s.mirror != nil {
		if err := s.mirror.ReplaceSchedule(ctx, encodeEntries(sched)); err != nil {
			// the schedule runs from memory, the mirror is for inspection only
			s.logger.WithField("err", err).Warn("Failed to mirror the schedule")
		}
	}
	s.mu.RLock()
	listeners := s.listeners
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn()
	}
	return nil
}

// OnLoad registers fn to run after every successful load.
func (s *Store) OnLoad(fn func()) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Reload is Load for a running process, a failure is logged and the
// current schedule keeps running.
func (s *Store) Reload(ctx context.Context) error {
	err := s.Load(ctx)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"source": s.source.Name(),
			"err":    err,
		}).Error("Failed to reload the schedule, keeping the previous one")
	}
	return err
}

// Snapshot returns the active schedule.
func (s *Store) Snapshot() *Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Entries yields the entries of the schedule active at the time of the call.
func (s *Store) Entries() iter.Seq[*Entry] {
	return s.Snapshot().All()
}

// Problems returns the validation failure of the last load, nil if it
// succeeded.
func (s *Store) Problems() *InvalidScheduleError {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.problems
}

func (s *Store) LoadedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadedAt
}

func (s *Store) SourceName() string {
	return s.source.Name()
}

func encodeEntries(sched *Schedule) map[string][]byte {
	out := make(map[string][]byte, sched.Len())
	for e := range sched.All() {
		b, err := json.Marshal(e)
		if err != nil {
			continue
		}
		out[e.Name] = b
	}
	return out
}
