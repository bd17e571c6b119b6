package operations

import (
	"errors"
	"fmt"
	"time"
)

// Job types accepted by StartJob and Run.
const (
	TypeFull     = "full"
	TypeDatabase = "database"
	TypeStorage  = "storage"
)

// IDLayout formats job ids; ids sort in start order.
const IDLayout = "20060102_150405"

var (
	// ErrJobInProgress is returned when the progress record shows a live job.
	ErrJobInProgress = errors.New("a backup job is already in progress")
	// ErrInvalidJobType is returned for a type other than full, database or storage.
	ErrInvalidJobType = errors.New("invalid backup type")
)

// Job identifies one backup run.
type Job struct {
	ID        string
	Type      string
	StartTime time.Time
	Strategy  string
}

// NewJob returns a job of the given type started at now.
func NewJob(jobType string, now time.Time) (Job, error) {
	if err := ValidateType(jobType); err != nil {
		return Job{}, err
	}
	return Job{ID: now.Format(IDLayout), Type: jobType, StartTime: now}, nil
}

// ValidateType checks that jobType is one of the known job types.
func ValidateType(jobType string) error {
	switch jobType {
	case TypeFull, TypeDatabase, TypeStorage:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidJobType, jobType)
}

func (j Job) hasDatabase() bool { return j.Type == TypeFull || j.Type == TypeDatabase }

func (j Job) hasStorage() bool { return j.Type == TypeFull || j.Type == TypeStorage }
