// Package schedule parses and holds the recurring job definitions.
package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	yaml "go.yaml.in/yaml/v3"
)

var ErrInvalidSchedule = errors.New("invalid schedule")

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Entry is one recurring job. Entries are immutable once parsed.
type Entry struct {
	Name        string          `json:"name"`
	Cron        string          `json:"cron"`
	Job         string          `json:"job"`
	Queue       string          `json:"queue,omitempty"`
	Args        json.RawMessage `json:"args,omitempty"`
	Enabled     bool            `json:"enabled"`
	Description string          `json:"description,omitempty"`

	schedule cron.Schedule
	interval time.Duration
}

// NewEntry builds an enabled entry firing on sched.
func NewEntry(name, job string, sched cron.Schedule) *Entry {
	e := &Entry{Name: name, Job: job, Enabled: true}
	e.setSchedule(sched)
	return e
}

func (e *Entry) setSchedule(sched cron.Schedule) {
	e.schedule, e.interval = sched, 0
	if every, ok := sched.(cron.ConstantDelaySchedule); ok {
		e.interval = every.Delay
	}
}

// Next returns the first fire time strictly after t, or the zero time when
// the entry never fires again.
func (e *Entry) Next(t time.Time) time.Time {
	return e.schedule.Next(t)
}

// Interval is the period of an "@every" entry, zero for calendar entries.
func (e *Entry) Interval() time.Duration {
	return e.interval
}

// Schedule is a validated set of entries in source order.
type Schedule struct {
	entries []*Entry
	byName  map[string]*Entry
}

func newSchedule(entries []*Entry) *Schedule {
	s := &Schedule{entries: entries, byName: make(map[string]*Entry, len(entries))}
	for _, e := range entries {
		s.byName[e.Name] = e
	}
	return s
}

func (s *Schedule) Len() int {
	return len(s.entries)
}

func (s *Schedule) Get(name string) (*Entry, bool) {
	e, ok := s.byName[name]
	return e, ok
}

// All yields the entries in source order. The sequence can be ranged over
// any number of times.
func (s *Schedule) All() iter.Seq[*Entry] {
	return func(yield func(*Entry) bool) {
		for _, e := range s.entries {
			if !yield(e) {
				return
			}
		}
	}
}

// Problem is one reason an entry was rejected.
type Problem struct {
	Entry   string `json:"entry,omitempty"`
	Line    int    `json:"line,omitempty"`
	Message string `json:"message"`
}

func (p Problem) String() string {
	switch {
	case p.Entry != "" && p.Line > 0:
		return fmt.Sprintf("entry %q (line %d): %s", p.Entry, p.Line, p.Message)
	case p.Entry != "":
		return fmt.Sprintf("entry %q: %s", p.Entry, p.Message)
	case p.Line > 0:
		return fmt.Sprintf("line %d: %s", p.Line, p.Message)
	}
	return p.Message
}

// InvalidScheduleError lists every problem found, not just the first one.
type InvalidScheduleError struct {
	Problems []Problem
}

func (e *InvalidScheduleError) Error() string {
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.String()
	}
	return fmt.Sprintf("invalid schedule: %s", strings.Join(msgs, "; "))
}

func (e *InvalidScheduleError) Is(target error) bool {
	return target == ErrInvalidSchedule
}

// ParseCron accepts standard cron specs, descriptors like "@daily" and the
// "every 24h" shorthand. Specs that never match a date, like "0 0 30 2 *",
// are rejected.
func ParseCron(spec string) (cron.Schedule, time.Duration, error) {
	spec = normalizeCron(spec)
	if spec == "" {
		return nil, 0, errors.New("cron expression is required")
	}
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, 0, err
	}
	if sched.Next(time.Now()).IsZero() {
		return nil, 0, errors.New("never fires")
	}
	if every, ok := sched.(cron.ConstantDelaySchedule); ok {
		return sched, every.Delay, nil
	}
	return sched, 0, nil
}

func normalizeCron(spec string) string {
	spec = strings.TrimSpace(spec)
	low := strings.ToLower(spec)
	for _, prefix := range []string{"every:", "every "} {
		if strings.HasPrefix(low, prefix) {
			return "@every " + strings.TrimSpace(spec[len(prefix):])
		}
	}
	return spec
}

var allowedKeys = map[string]bool{
	"name": true, "cron": true, "every": true, "class": true, "job": true,
	"args": true, "queue": true, "enabled": true, "status": true, "description": true,
}

type rawEntry struct {
	Name        string      `yaml:"name"`
	Cron        string      `yaml:"cron"`
	Every       string      `yaml:"every"`
	Class       string      `yaml:"class"`
	Job         string      `yaml:"job"`
	Args        interface{} `yaml:"args"`
	Queue       string      `yaml:"queue"`
	Enabled     *bool       `yaml:"enabled"`
	Status      string      `yaml:"status"`
	Description string      `yaml:"description"`
}

// Checks tie a schedule to what the process can run. A nil func skips that
// check.
type Checks struct {
	// Job reports whether a job name is registered.
	Job func(string) bool
	// Queue reports whether a queue is served.
	Queue func(string) bool
}

// Parse validates a schedule document without side effects. The document
// is either a mapping of entry name to entry, or a list of entries carrying
// a name.
func Parse(data []byte, checks Checks) (*Schedule, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &InvalidScheduleError{Problems: []Problem{{Message: err.Error()}}}
	}
	if len(doc.Content) == 0 {
		return newSchedule(nil), nil
	}
	root := doc.Content[0]

	type item struct {
		name string
		node *yaml.Node
	}
	var items []item
	var problems []Problem
	switch root.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(root.Content); i += 2 {
			items = append(items, item{name: root.Content[i].Value, node: root.Content[i+1]})
		}
	case yaml.SequenceNode:
		for _, n := range root.Content {
			var named struct {
				Name string `yaml:"name"`
			}
			_ = n.Decode(&named)
			items = append(items, item{name: named.Name, node: n})
		}
	case yaml.ScalarNode:
		if root.Tag == "!!null" {
			return newSchedule(nil), nil
		}
		fallthrough
	default:
		return nil, &InvalidScheduleError{Problems: []Problem{{Line: root.Line, Message: "schedule must be a mapping or a list of entries"}}}
	}

	entries := make([]*Entry, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		entry, entryProblems := parseEntry(it.name, it.node, checks)
		if it.name != "" && seen[it.name] {
			entryProblems = append(entryProblems, Problem{Entry: it.name, Line: it.node.Line, Message: "duplicated entry name"})
		}
		seen[it.name] = true
		if len(entryProblems) > 0 {
			problems = append(problems, entryProblems...)
			continue
		}
		entries = append(entries, entry)
	}
	if len(problems) > 0 {
		return nil, &InvalidScheduleError{Problems: problems}
	}
	return newSchedule(entries), nil
}

func parseEntry(name string, node *yaml.Node, checks Checks) (*Entry, []Problem) {
	var problems []Problem
	add := func(format string, args ...interface{}) {
		problems = append(problems, Problem{Entry: name, Line: node.Line, Message: fmt.Sprintf(format, args...)})
	}
	if name == "" {
		add("entry name is required")
	}
	if node.Kind != yaml.MappingNode {
		add("entry must be a mapping")
		return nil, problems
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if key := node.Content[i].Value; !allowedKeys[key] {
			add("unknown key %q", key)
		}
	}
	var raw rawEntry
	if err := node.Decode(&raw); err != nil {
		add("%s", err)
		return nil, problems
	}

	job := raw.Job
	if job == "" {
		job = raw.Class
	}
	entry := NewEntry(name, job, nil)
	entry.Queue = raw.Queue
	entry.Description = raw.Description

	switch {
	case entry.Job == "":
		add("job identifier is required")
	case raw.Job != "" && raw.Class != "" && raw.Job != raw.Class:
		add("job %q and class %q disagree", raw.Job, raw.Class)
	case checks.Job != nil && !checks.Job(entry.Job):
		add("unknown job %q", entry.Job)
	}
	if entry.Queue != "" && checks.Queue != nil && !checks.Queue(entry.Queue) {
		add("unknown queue %q", entry.Queue)
	}

	spec := raw.Cron
	if spec == "" && raw.Every != "" {
		spec = "every " + raw.Every
	} else if spec != "" && raw.Every != "" {
		add("cron and every are mutually exclusive")
	}
	sched, _, err := ParseCron(spec)
	if err != nil {
		add("invalid cron %q: %s", spec, err)
	} else {
		entry.Cron = normalizeCron(spec)
		entry.setSchedule(sched)
	}

	switch strings.ToLower(raw.Status) {
	case "", "enabled", "enable", "active":
	case "disabled", "disable", "inactive":
		entry.Enabled = false
	default:
		add("invalid status %q", raw.Status)
	}
	if raw.Enabled != nil {
		if raw.Status != "" && *raw.Enabled != entry.Enabled {
			add("enabled and status disagree")
		}
		entry.Enabled = *raw.Enabled
	}

	if raw.Args != nil {
		args, err := json.Marshal(raw.Args)
		if err != nil {
			add("args can't be encoded as JSON: %s", err)
		} else {
			entry.Args = args
		}
	}
	if len(problems) > 0 {
		return nil, problems
	}
	return entry, nil
}
