// Package registry holds the in-memory table of supervised services.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kennethnrk/npu-supervisor/internal/common/constants"
)

var (
	ErrServiceNotFound   = errors.New("service not found")
	ErrInvalidTransition = errors.New("invalid service status transition")
	ErrImmutableField    = errors.New("service identity fields are immutable")
)

// Registry is a mutex-guarded map of services keyed by id. Callers only ever
// see copies; all changes go through Create, Update, Transition and Delete.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*Service

	newID func() string
}

func New() *Registry {
	return &Registry{
		services: make(map[string]*Service),
		newID:    shortID,
	}
}

func shortID() string {
	return uuid.NewString()[:constants.ServiceIDLength]
}

// Create registers a new service in starting state and returns it. ID,
// Status and StartTime of svc are overwritten.
func (r *Registry) Create(svc Service) Service {
	svc = svc.clone()
	svc.Status = constants.ServiceStatusStarting
	svc.StartTime = time.Now()
	svc.PID = 0
	svc.ErrorMessage = ""

	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newID()
	for {
		if _, exists := r.services[id]; !exists {
			break
		}
		id = r.newID()
	}
	svc.ID = id
	r.services[id] = &svc
	return svc.clone()
}

// Get returns a copy of the service.
func (r *Registry) Get(id string) (Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	svc, ok := r.services[id]
	if !ok {
		return Service{}, false
	}
	return svc.clone(), true
}

// List returns a snapshot of all services ordered by start time.
func (r *Registry) List() []Service {
	r.mu.RLock()
	list := make([]Service, 0, len(r.services))
	for _, svc := range r.services {
		list = append(list, svc.clone())
	}
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].StartTime.Equal(list[j].StartTime) {
			return list[i].ID < list[j].ID
		}
		return list[i].StartTime.Before(list[j].StartTime)
	})
	return list
}

// ListByStatus returns the services currently in one of statuses.
func (r *Registry) ListByStatus(statuses ...constants.ServiceStatus) []Service {
	var out []Service
	for _, svc := range r.List() {
		for _, st := range statuses {
			if svc.Status == st {
				out = append(out, svc)
				break
			}
		}
	}
	return out
}

// Delete removes the service and reports whether it existed.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.services[id]; !ok {
		return false
	}
	delete(r.services, id)
	return true
}

// Update applies fn to a copy of the service under the registry lock and
// commits the result if it keeps the identity fields and follows the status
// state machine. fn must not block.
func (r *Registry) Update(id string, fn func(*Service) error) (Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.services[id]
	if !ok {
		return Service{}, fmt.Errorf("%w: %s", ErrServiceNotFound, id)
	}

	next := cur.clone()
	if err := fn(&next); err != nil {
		return cur.clone(), err
	}

	if next.ID != cur.ID || next.Container != cur.Container || next.Port != cur.Port {
		return cur.clone(), ErrImmutableField
	}
	if next.Status != cur.Status && !CanTransition(cur.Status, next.Status) {
		return cur.clone(), fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, next.Status)
	}

	*cur = next
	return next.clone(), nil
}

// Transition moves the service to status to, recording msg as its error
// message when non-empty. Transitioning to the current status is a no-op.
func (r *Registry) Transition(id string, to constants.ServiceStatus, msg string) (Service, error) {
	return r.Update(id, func(s *Service) error {
		if s.Status == to {
			return nil
		}
		s.Status = to
		if msg != "" {
			s.ErrorMessage = msg
		}
		return nil
	})
}

// RunningCount returns the number of services in running state.
func (r *Registry) RunningCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, svc := range r.services {
		if svc.Status == constants.ServiceStatusRunning {
			n++
		}
	}
	return n
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services)
}
