// Package registry holds the in-memory table of worker lifecycle records.
// It owns its synchronization: callers never see the live maps, and the
// lock only ever covers table operations, never network calls.
package registry

import (
	"fmt"
	"sync"
	"time"

	"Forge/internal/labels"
	"Forge/internal/models"
)

// Status is the lifecycle state of a runner record.
type Status string

const (
	StatusStarting    Status = "starting"
	StatusActive      Status = "active"
	StatusTerminating Status = "terminating"
	StatusTerminated  Status = "terminated"
)

// Record is one provisioned worker. Name is the primary key; JobID is
// unique among non-terminal records. Identity fields never change after
// Insert; only Status does.
type Record struct {
	Name       string            `json:"name"`
	JobID      string            `json:"job_id"`
	InstanceID string            `json:"instance_id"`
	GroupID    string            `json:"group_id,omitempty"`
	GroupName  string            `json:"group_name,omitempty"`
	Scope      models.Scope      `json:"scope"`
	CreatedAt  time.Time         `json:"created_at"`
	Status     Status            `json:"status"`
	Spec       labels.LaunchSpec `json:"launch_config"`
}

// Registry serializes all access to the record table for the two producers
// (poll loop, webhook handler) and the cleanup sweep.
type Registry struct {
	mu       sync.Mutex
	records  map[string]*Record  // keyed by record name
	byJob    map[string]string   // job id -> record name
	reserved map[string]struct{} // job ids claimed but not yet inserted
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		records:  make(map[string]*Record),
		byJob:    make(map[string]string),
		reserved: make(map[string]struct{}),
	}
}

// ReserveStatus is the outcome of a reservation attempt.
type ReserveStatus int

const (
	Reserved       ReserveStatus = iota // jobID is claimed, caller provisions
	AlreadyTracked                      // another caller reserved or inserted it
	CapReached                          // records plus reservations are at max
)

// TryReserve atomically claims jobID ahead of the slow provisioning call.
// It returns false if the job is already reserved or tracked, so exactly
// one of any set of concurrent callers proceeds to provision. Every
// successful reservation must be matched by Insert or Abort.
func (r *Registry) TryReserve(jobID string) bool {
	return r.TryReserveCapped(jobID, 0) == Reserved
}

// TryReserveCapped is TryReserve with the max-runner cap folded into the
// same lock acquisition, so concurrent claims cannot each pass a separate
// count check and overshoot. A max of zero or less disables the cap.
func (r *Registry) TryReserveCapped(jobID string, max int) ReserveStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.reserved[jobID]; ok {
		return AlreadyTracked
	}
	if _, ok := r.byJob[jobID]; ok {
		return AlreadyTracked
	}
	if max > 0 && len(r.records)+len(r.reserved) >= max {
		return CapReached
	}
	r.reserved[jobID] = struct{}{}
	return Reserved
}

// Abort releases a reservation after a failed provisioning attempt so the
// job stays eligible for a future cycle.
func (r *Registry) Abort(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reserved, jobID)
}

// Insert commits a fully-formed record and consumes its reservation. It
// must only be called after a successful TryReserve for rec.JobID.
func (r *Registry) Insert(rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.reserved[rec.JobID]; !ok {
		return fmt.Errorf("no reservation held for job %s", rec.JobID)
	}
	if _, ok := r.records[rec.Name]; ok {
		return fmt.Errorf("record %s already exists", rec.Name)
	}
	for _, existing := range r.records {
		if existing.InstanceID == rec.InstanceID {
			return fmt.Errorf("instance %s already tracked by %s", rec.InstanceID, existing.Name)
		}
	}

	delete(r.reserved, rec.JobID)
	stored := rec
	r.records[rec.Name] = &stored
	r.byJob[rec.JobID] = rec.Name
	return nil
}

// Remove deletes the record and returns it so the caller can issue
// termination calls outside the lock.
func (r *Registry) Remove(name string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[name]
	if !ok {
		return Record{}, false
	}
	delete(r.records, name)
	delete(r.byJob, rec.JobID)
	return *rec, true
}

// MarkTerminating claims a record for cleanup. It returns false when the
// record is absent or another caller already claimed it, which is how a
// concurrent age sweep and completion event agree on a single termination.
func (r *Registry) MarkTerminating(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[name]
	if !ok || rec.Status == StatusTerminating {
		return false
	}
	rec.Status = StatusTerminating
	return true
}

// FindByJobID returns a copy of the record tracking jobID.
func (r *Registry) FindByJobID(jobID string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name, ok := r.byJob[jobID]
	if !ok {
		return Record{}, false
	}
	return *r.records[name], true
}

// ListActive returns a snapshot copy of every non-terminal record.
func (r *Registry) ListActive() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	return out
}

// Count returns the number of tracked records plus held reservations,
// the same occupancy TryReserveCapped holds against the max-runner cap.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records) + len(r.reserved)
}

// ActiveInGroup counts records in groupID that are not already on their way
// out. A record mid-cleanup has status terminating and does not count, so
// the cleanup protocol can decide whether it is removing the last member.
func (r *Registry) ActiveInGroup(groupID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, rec := range r.records {
		if rec.GroupID == groupID && rec.Status != StatusTerminating {
			n++
		}
	}
	return n
}
