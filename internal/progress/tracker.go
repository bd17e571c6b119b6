package progress

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/juju/clock"
)

var (
	// ErrUnknownStep is returned by StartStep for a name outside the table.
	ErrUnknownStep = errors.New("unknown progress step")
	// ErrNoActiveStep is returned by UpdateStep before any StartStep.
	ErrNoActiveStep = errors.New("no progress step started")
)

// Option customises a Tracker.
type Option func(*Tracker)

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// WithJob stamps the job identity into every record.
func WithJob(id string) Option {
	return func(t *Tracker) { t.jobID = id }
}

// WithPID overrides the process id written into the record.
func WithPID(pid int) Option {
	return func(t *Tracker) { t.pid = pid }
}

// Tracker turns an ordered list of weighted steps into one monotone
// percentage and persists it at path after every change.
type Tracker struct {
	path    string
	jobType string
	jobID   string
	pid     int
	host    string
	clock   clock.Clock
	start   time.Time
	steps   []Step
	current int
	last    float64
}

// New returns a Tracker using the step table of jobType.
func New(path, jobType string, opts ...Option) *Tracker {
	t := &Tracker{
		path:    path,
		jobType: jobType,
		pid:     os.Getpid(),
		host:    hostname(),
		clock:   clock.WallClock,
		steps:   Steps(jobType),
		current: -1,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.start = t.clock.Now()
	return t
}

// Path is where the record is persisted.
func (t *Tracker) Path() string { return t.path }

// Steps returns the table in use.
func (t *Tracker) Steps() []Step { return t.steps }

// Current returns the active step, if any.
func (t *Tracker) Current() (Step, bool) {
	if t.current < 0 || t.current >= len(t.steps) {
		return Step{}, false
	}
	return t.steps[t.current], true
}

// floor is the cumulative weight of every step before the current one.
func (t *Tracker) floor() float64 {
	var sum float64
	for i := 0; i < t.current && i < len(t.steps); i++ {
		sum += t.steps[i].Weight
	}
	return sum
}

// StartStep moves the cursor to name and reports the step's floor.
func (t *Tracker) StartStep(name string) error {
	for i, s := range t.steps {
		if s.Name == name {
			t.current = i
			return t.Update(t.floor(), s.Message)
		}
	}
	return fmt.Errorf("%w: %q for %s job", ErrUnknownStep, name, t.jobType)
}

// UpdateStep reports floor + weight*inner/100 for the current step. An
// empty message reuses the step's default one.
func (t *Tracker) UpdateStep(inner float64, message string) error {
	if t.current < 0 || t.current >= len(t.steps) {
		return ErrNoActiveStep
	}
	step := t.steps[t.current]
	inner = math.Max(0, math.Min(100, inner))
	pct := math.Min(100, t.floor()+step.Weight*inner/100)
	if message == "" {
		message = step.Message
	}
	return t.Update(pct, message)
}

// Update persists the full record. Within a job the percentage never goes
// down: a lower value is raised to the last one written. Failed (-1) is
// always accepted.
func (t *Tracker) Update(percentage float64, message string) error {
	if percentage != Failed {
		percentage = math.Max(percentage, t.last)
		percentage = math.Min(percentage, 100)
		t.last = percentage
	}

	now := t.clock.Now()
	elapsed := int64(now.Sub(t.start) / time.Second)
	state := State{
		Percentage:      math.Round(percentage*10) / 10,
		Message:         message,
		Timestamp:       now.Unix(),
		Elapsed:         elapsed,
		Step:            t.current + 1,
		TotalSteps:      len(t.steps),
		CurrentStepName: "unknown",
		JobID:           t.jobID,
		JobType:         t.jobType,
		PID:             t.pid,
		Host:            t.host,
	}
	if t.current >= 0 && t.current < len(t.steps) {
		state.CurrentStepName = t.steps[t.current].Name
	}
	if percentage > 0 && percentage < 100 {
		eta := int64(math.Round(float64(elapsed)*(100/percentage) - float64(elapsed)))
		state.ETA = &eta
		state.ETAFormatted = FormatSeconds(eta)
	}
	return Write(t.path, state)
}

// Complete writes the terminal record: 100 on success, Failed otherwise.
func (t *Tracker) Complete(success bool, message string) error {
	if message == "" {
		message = "Backup completed successfully"
		if !success {
			message = "Backup completed with errors"
		}
	}
	if success {
		return t.Update(100, message)
	}
	return t.Update(Failed, message)
}

// Cleanup removes the record once nobody needs to poll it anymore.
func (t *Tracker) Cleanup() error { return Remove(t.path) }

// FormatSeconds renders a duration the way the dashboard shows ETAs:
// "45s", "12m", "1.5h".
func FormatSeconds(s int64) string {
	switch {
	case s < 60:
		return strconv.FormatInt(s, 10) + "s"
	case s < 3600:
		return strconv.FormatInt(int64(math.Round(float64(s)/60)), 10) + "m"
	default:
		h := math.Round(float64(s)/3600*10) / 10
		return strconv.FormatFloat(h, 'f', -1, 64) + "h"
	}
}
