package jobs

import (
	"container/list"
	"sync"
	"time"

	"github.com/howardjong/AgentPrice-sub011/models"
	"github.com/howardjong/AgentPrice-sub011/services"
)

// registryEntry wraps one stored job with its position in the
// insertion-order list.
type registryEntry struct {
	job     *models.ResearchJob
	element *list.Element
}

// Registry is the bounded in-memory store for research jobs.
// Thread-safe implementation using sync.Mutex. All job mutations go
// through Update so that readers and scheduler goroutines never race
// on job fields.
//
// Eviction rules: terminal jobs are evictable once their TTL elapses
// (janitor sweep) or when capacity pressure demands it on insert,
// oldest terminal first. Active jobs are never evicted; when the
// registry is full of active jobs, Add fails with a capacity error.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*registryEntry // Key: job ID
	order    *list.List                // Insertion order, oldest at the back
	capacity int                       // Maximum number of entries
	ttl      time.Duration             // Retention for terminal jobs
}

// NewRegistry creates a new Registry with the specified capacity and
// terminal-job TTL
func NewRegistry(capacity int, ttl time.Duration) *Registry {
	return &Registry{
		entries:  make(map[string]*registryEntry),
		order:    list.New(),
		capacity: capacity,
		ttl:      ttl,
	}
}

// Add stores a new job, evicting the oldest terminal job if the
// registry is at capacity. Fails with a capacity error when every
// stored job is still active.
func (r *Registry) Add(job *models.ResearchJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[job.ID]; exists {
		return services.NewDomainError(services.ErrorTypeInternal,
			"job already registered", nil).WithDetail("job_id", job.ID)
	}

	if len(r.entries) >= r.capacity {
		if !r.evictOldestTerminal() {
			return services.NewCapacityError("job registry full: all jobs still active").
				WithDetail("capacity", r.capacity)
		}
	}

	entry := &registryEntry{job: job}
	entry.element = r.order.PushFront(job.ID)
	r.entries[job.ID] = entry

	return nil
}

// Get returns a snapshot of the named job.
// Unknown or already evicted IDs return a job-not-found error.
func (r *Registry) Get(id string) (*models.ResearchJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[id]
	if !exists {
		return nil, services.NewJobNotFoundError(id)
	}

	return entry.job.Snapshot(), nil
}

// Update applies fn to the stored job under the registry lock and
// returns a snapshot of the result.
func (r *Registry) Update(id string, fn func(*models.ResearchJob)) (*models.ResearchJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[id]
	if !exists {
		return nil, services.NewJobNotFoundError(id)
	}

	fn(entry.job)

	return entry.job.Snapshot(), nil
}

// List returns snapshots of all stored jobs, newest first
func (r *Registry) List() []*models.ResearchJob {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*models.ResearchJob, 0, len(r.entries))
	for el := r.order.Front(); el != nil; el = el.Next() {
		if entry, exists := r.entries[el.Value.(string)]; exists {
			out = append(out, entry.job.Snapshot())
		}
	}

	return out
}

// Len returns the number of stored jobs
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.entries)
}

// RegistryStats reports registry occupancy
type RegistryStats struct {
	Size     int `json:"size"`
	Capacity int `json:"capacity"`
	Active   int `json:"active"`
	Terminal int `json:"terminal"`
}

// Stats returns registry statistics
func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := RegistryStats{
		Size:     len(r.entries),
		Capacity: r.capacity,
	}
	for _, entry := range r.entries {
		if entry.job.Terminal() {
			stats.Terminal++
		} else {
			stats.Active++
		}
	}

	return stats
}

// SweepExpired removes terminal jobs whose TTL has elapsed and returns
// how many were removed
func (r *Registry) SweepExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for el := r.order.Back(); el != nil; {
		prev := el.Prev()
		id := el.Value.(string)
		if entry, exists := r.entries[id]; exists && r.expired(entry.job) {
			r.order.Remove(el)
			delete(r.entries, id)
			removed++
		}
		el = prev
	}

	return removed
}

// StartJanitor sweeps expired terminal jobs on the given cadence until
// stopCh closes. Run it in its own goroutine.
func (r *Registry) StartJanitor(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.SweepExpired()
		case <-stopCh:
			return
		}
	}
}

// expired reports whether a terminal job has outlived its retention
// (must be called with lock held)
func (r *Registry) expired(job *models.ResearchJob) bool {
	if !job.Terminal() || job.CompletedAt == nil {
		return false
	}
	return time.Since(*job.CompletedAt) > r.ttl
}

// evictOldestTerminal removes the oldest terminal job
// (must be called with lock held)
func (r *Registry) evictOldestTerminal() bool {
	for el := r.order.Back(); el != nil; el = el.Prev() {
		id := el.Value.(string)
		entry, exists := r.entries[id]
		if exists && entry.job.Terminal() {
			r.order.Remove(el)
			delete(r.entries, id)
			return true
		}
	}

	return false
}
