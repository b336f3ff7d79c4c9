package jobs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/teranos/spacerjobs/errors"
)

// Task queue names.
const (
	QueueDefault    = "default"
	QueueBackground = "background"
	QueueRealtime   = "realtime"
)

// Variant selects the lifecycle wrapper a registration runs under.
type Variant int

const (
	// VariantFullJob creates its own job record. Reserved for timer-driven
	// jobs that take no arguments.
	VariantFullJob Variant = iota
	// VariantRunner starts an existing pending job and finishes it.
	VariantRunner
	// VariantStarter starts an existing pending job and leaves finishing
	// to whoever collects its remote result.
	VariantStarter
)

func (v Variant) String() string {
	switch v {
	case VariantFullJob:
		return "full_job"
	case VariantRunner:
		return "job_runner"
	case VariantStarter:
		return "job_starter"
	default:
		return "unknown"
	}
}

// RunFunc is a FullJob or JobRunner handler.
type RunFunc func(ctx context.Context, args []string) Outcome

// StartFunc is a JobStarter handler. Ok means the work was submitted.
type StartFunc func(ctx context.Context, args []string, jobID int64) Outcome

// StartGate decides whether a pending job may start now. Returning false
// leaves the job pending for a later sweep.
type StartGate func(ctx context.Context, jobID int64) (bool, error)

// Registration declares one job type.
type Registration struct {
	Name        string
	DisplayName string // defaults to DisplayNameFor(Name)
	Variant     Variant
	Run         RunFunc   // FullJob, JobRunner
	Start       StartFunc // JobStarter
	QueueName   string    // defaults to QueueDefault
	// EntityArg names the domain entity the job's first argument refers
	// to, e.g. "source_id" or "image_id". Empty for global jobs.
	EntityArg      string
	StartGate      StartGate
	Atomic         bool
	AfterFinishing func(ctx context.Context, jobID int64)
}

// EntityAssociated reports whether the job acts on a domain entity.
func (r Registration) EntityAssociated() bool { return r.EntityArg != "" }

// PeriodicSchedule is a fixed cadence, phase-aligned to Offset since the
// Unix epoch.
type PeriodicSchedule struct {
	Interval time.Duration
	Offset   time.Duration
}

// DisplayNameFor turns "update_label_details" into "Update label details".
func DisplayNameFor(name string) string {
	s := strings.ReplaceAll(name, "_", " ")
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

// Provider declares registrations on a builder.
type Provider func(b *RegistryBuilder)

// RegistryBuilder collects registrations during discovery.
type RegistryBuilder struct {
	registrations map[string]Registration
	periodic      map[string]PeriodicSchedule
}

// Register adds a job type.
// Panics if a job is already registered with that name, or if the
// registration has no handler for its variant.
func (b *RegistryBuilder) Register(reg Registration) {
	if reg.Name == "" {
		panic("job registration without a name")
	}
	if _, exists := b.registrations[reg.Name]; exists {
		panic(fmt.Sprintf("job already registered for name: %s", reg.Name))
	}
	switch reg.Variant {
	case VariantStarter:
		if reg.Start == nil {
			panic(fmt.Sprintf("job starter %s has no Start func", reg.Name))
		}
	default:
		if reg.Run == nil {
			panic(fmt.Sprintf("job %s has no Run func", reg.Name))
		}
	}
	if reg.DisplayName == "" {
		reg.DisplayName = DisplayNameFor(reg.Name)
	}
	if reg.QueueName == "" {
		reg.QueueName = QueueDefault
	}
	b.registrations[reg.Name] = reg
}

// Periodic puts a registered (or soon to be registered) job on a cadence.
func (b *RegistryBuilder) Periodic(name string, interval, offset time.Duration) {
	if interval <= 0 {
		panic(fmt.Sprintf("periodic job %s needs a positive interval", name))
	}
	b.periodic[name] = PeriodicSchedule{Interval: interval, Offset: offset}
}

// Registry is the catalog of job types. Providers run once, on the first
// read, and the catalog is read-only afterwards.
type Registry struct {
	mu         sync.Mutex
	providers  []Provider
	discovered bool
	once       sync.Once

	registrations map[string]Registration
	periodic      map[string]PeriodicSchedule
}

// NewRegistry creates a registry that discovers its job types lazily.
func NewRegistry(providers ...Provider) *Registry {
	return &Registry{providers: providers}
}

// Add appends providers for components built after the registry, such as
// the scheduler, which needs the manager. Panics once discovery has run.
func (r *Registry) Add(providers ...Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.discovered {
		panic("registry already discovered; providers must be added before first use")
	}
	r.providers = append(r.providers, providers...)
}

func (r *Registry) discover() {
	r.once.Do(func() {
		r.mu.Lock()
		r.discovered = true
		providers := r.providers
		r.mu.Unlock()

		b := &RegistryBuilder{
			registrations: make(map[string]Registration),
			periodic:      make(map[string]PeriodicSchedule),
		}
		for _, p := range providers {
			p(b)
		}
		for name := range b.periodic {
			if _, ok := b.registrations[name]; !ok {
				panic(fmt.Sprintf("periodic schedule for unregistered job: %s", name))
			}
		}
		r.registrations = b.registrations
		r.periodic = b.periodic
	})
}

// JobDetails returns the registration for name.
func (r *Registry) JobDetails(name string) (Registration, error) {
	r.discover()
	reg, ok := r.registrations[name]
	if !ok {
		return Registration{}, errors.Wrapf(errors.ErrUnrecognizedJobName, "%q", name)
	}
	return reg, nil
}

// Names returns every registered job name, sorted.
func (r *Registry) Names() []string {
	r.discover()
	names := make([]string, 0, len(r.registrations))
	for name := range r.registrations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NamesByQueue groups job names by task queue.
func (r *Registry) NamesByQueue() map[string][]string {
	r.discover()
	byQueue := make(map[string][]string)
	for name, reg := range r.registrations {
		byQueue[reg.QueueName] = append(byQueue[reg.QueueName], name)
	}
	for _, names := range byQueue {
		sort.Strings(names)
	}
	return byQueue
}

// Queues returns the distinct task queue names, sorted.
func (r *Registry) Queues() []string {
	byQueue := r.NamesByQueue()
	queues := make([]string, 0, len(byQueue))
	for q := range byQueue {
		queues = append(queues, q)
	}
	sort.Strings(queues)
	return queues
}

func (r *Registry) namesWhere(keep func(Registration) bool) []string {
	r.discover()
	var names []string
	for name, reg := range r.registrations {
		if keep(reg) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// EntityAssociatedNames returns the jobs that act on a domain entity.
func (r *Registry) EntityAssociatedNames() []string {
	return r.namesWhere(Registration.EntityAssociated)
}

// GlobalNames returns the jobs that don't act on a domain entity.
func (r *Registry) GlobalNames() []string {
	return r.namesWhere(func(reg Registration) bool { return !reg.EntityAssociated() })
}

// PeriodicSchedules returns a copy of the periodic cadences.
func (r *Registry) PeriodicSchedules() map[string]PeriodicSchedule {
	r.discover()
	out := make(map[string]PeriodicSchedule, len(r.periodic))
	for name, s := range r.periodic {
		out[name] = s
	}
	return out
}

// Periodic returns the cadence for name, if it has one.
func (r *Registry) Periodic(name string) (PeriodicSchedule, bool) {
	r.discover()
	s, ok := r.periodic[name]
	return s, ok
}
