// Package registry binds job names to the handlers that run them.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JMMolenaar/Fab-CIC-manager/engine"
)

var (
	ErrRegistryFrozen = errors.New("registry is frozen")
	ErrDuplicateJob   = errors.New("job already registered")
)

// Handler runs one job. A returned error fails the attempt, the context is
// cancelled when the job's timeout passes.
type Handler func(ctx context.Context, args json.RawMessage) error

// UniqueKeyFunc derives the deduplication key from the job arguments. An
// empty key disables deduplication for that job.
type UniqueKeyFunc func(args json.RawMessage) string

type Definition struct {
	Name        string
	Handler     Handler
	Queue       string
	MaxAttempts int
	Timeout     time.Duration
	Backoff     engine.Backoff
	UniqueKey   UniqueKeyFunc
}

type Option func(*Definition)

func WithMaxAttempts(n int) Option {
	return func(d *Definition) {
		d.MaxAttempts = n
	}
}

func WithBackoff(b engine.Backoff) Option {
	return func(d *Definition) {
		d.Backoff = b
	}
}

func WithUniqueKey(f UniqueKeyFunc) Option {
	return func(d *Definition) {
		d.UniqueKey = f
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(d *Definition) {
		d.Timeout = timeout
	}
}

func WithQueue(queue string) Option {
	return func(d *Definition) {
		d.Queue = queue
	}
}

// Defaults fill the options a definition leaves unset.
type Defaults struct {
	Queue       string
	MaxAttempts int
	Timeout     time.Duration
}

// Registry is filled once at startup and frozen before the workers start,
// lookups after that need no coordination with writers.
type Registry struct {
	mu       sync.RWMutex
	defaults Defaults
	defs     map[string]*Definition
	frozen   bool
}

func New(defaults Defaults) *Registry {
	if defaults.MaxAttempts < 1 {
		defaults.MaxAttempts = 1
	}
	return &Registry{
		defaults: defaults,
		defs:     make(map[string]*Definition),
	}
}

func (r *Registry) Register(name string, handler Handler, opts ...Option) error {
	if name == "" || handler == nil {
		return errors.New("job name and handler are required")
	}
	def := &Definition{
		Name:        name,
		Handler:     handler,
		Queue:       r.defaults.Queue,
		MaxAttempts: r.defaults.MaxAttempts,
		Timeout:     r.defaults.Timeout,
	}
	for _, opt := range opts {
		opt(def)
	}
	if def.MaxAttempts < 1 {
		return fmt.Errorf("job %s: max attempts must be positive", name)
	}
	if def.Timeout < 0 {
		return fmt.Errorf("job %s: timeout must not be negative", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrRegistryFrozen
	}
	if _, ok := r.defs[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}
	r.defs[name] = def
	return nil
}

// MustRegister is Register for init code where a failure is a bug.
func (r *Registry) MustRegister(name string, handler Handler, opts ...Option) {
	if err := r.Register(name, handler, opts...); err != nil {
		panic(err)
	}
}

// Freeze makes the registry immutable.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

func (r *Registry) Lookup(name string) (*Definition, error) {
	r.mu.RLock()
	def, ok := r.defs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrUnknownJob, name)
	}
	return def, nil
}

func (r *Registry) Has(name string) bool {
	_, err := r.Lookup(name)
	return err == nil
}

// Names returns the registered job names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Queues returns the distinct queues the definitions route to.
func (r *Registry) Queues() []string {
	r.mu.RLock()
	seen := make(map[string]bool)
	queues := make([]string, 0)
	for _, def := range r.defs {
		if def.Queue != "" && !seen[def.Queue] {
			seen[def.Queue] = true
			queues = append(queues, def.Queue)
		}
	}
	r.mu.RUnlock()
	sort.Strings(queues)
	return queues
}

// MaxTimeout is the longest handler timeout, it sizes the worker leases.
// Definitions without a timeout count as fallback, an empty registry
// returns fallback.
func (r *Registry) MaxTimeout(fallback time.Duration) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	max := time.Duration(0)
	for _, def := range r.defs {
		timeout := def.Timeout
		if timeout <= 0 {
			timeout = fallback
		}
		if timeout > max {
			max = timeout
		}
	}
	if max <= 0 {
		return fallback
	}
	return max
}

// NewJob builds a job for name with the definition's queue, attempts and
// unique key. queue overrides the definition when not empty.
func (r *Registry) NewJob(name, queue string, args json.RawMessage) (*engine.Job, error) {
	def, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	if queue == "" {
		queue = def.Queue
	}
	job := engine.NewJob(name, queue, args, def.MaxAttempts)
	if def.UniqueKey != nil {
		job.UniqueKey = def.UniqueKey(args)
	}
	return job, nil
}
