// Package storage defines the job status store contract.
package storage

import (
	"errors"

	"github.com/and161185/vmstats/model"
)

// ErrNotFound is returned when no job was ever submitted for a key.
var ErrNotFound = errors.New("dump status not found")

// StatusStore keeps the latest job status per entity key.
type StatusStore interface {
	// Admit returns the active job for key if there is one, otherwise it records a new
	// queued job with the given id. created reports which of the two happened.
	Admit(key, id string) (status model.DumpStatus, created bool)
	// Update applies fn to the record of job id under key. Terminal records, records of
	// other jobs and progress regressions are left untouched.
	Update(key, id string, fn func(*model.DumpStatus)) (model.DumpStatus, bool)
	Get(key string) (model.DumpStatus, error)
	GetAll() map[string]model.DumpStatus
}
