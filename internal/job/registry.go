// Package job maintains the bridge's recent-jobs window: each template
// refresh mints a new Job with a monotonic id, and sessions look jobs up
// by id when a share arrives days (well, milliseconds) later.
package job

import (
	"math/big"
	"sync"
	"time"
)

// Job is one unit of work handed to miners via mining.notify.
type Job struct {
	ID            uint32
	Height        uint64
	NetworkTarget *big.Int
	HeaderPrePow  []byte
	Coinbase      []byte
	Timestamp     int64
	CreatedAt     time.Time
}

// retentionFloor is the default minimum number of jobs the registry
// keeps regardless of age, so a burst of template updates doesn't evict
// a job a slow miner is still working before retentionWindow would.
const retentionFloor = 10

// retentionWindow is the default minimum age a job is kept for
// regardless of count, so a quiet node doesn't evict jobs sessions
// still reference.
const retentionWindow = 60 * time.Second

// Registry is a bounded, thread-safe ring of recent jobs plus a
// subscriber fan-out for new-job notifications.
type Registry struct {
	mu              sync.RWMutex
	jobs            []*Job // ordered oldest to newest
	nextID          uint32
	subs            map[chan *Job]struct{}
	retentionFloor  int
	retentionWindow time.Duration
}

// NewRegistry creates an empty Registry using the default retention
// floor and window.
func NewRegistry() *Registry {
	return NewRegistryWithRetention(retentionFloor, retentionWindow)
}

// NewRegistryWithRetention creates an empty Registry with a
// configurable retention floor (minimum job count) and window (minimum
// age), so a deployment can tune how long a slow miner's in-flight job
// stays lookup-able.
func NewRegistryWithRetention(floor int, window time.Duration) *Registry {
	if floor <= 0 {
		floor = retentionFloor
	}
	if window <= 0 {
		window = retentionWindow
	}
	return &Registry{
		nextID:          1,
		subs:            make(map[chan *Job]struct{}),
		retentionFloor:  floor,
		retentionWindow: window,
	}
}

// Publish mints a new Job from a template and broadcasts it to every
// subscriber, evicting jobs that are both past retentionFloor count and
// older than retentionWindow.
func (r *Registry) Publish(height uint64, networkTarget *big.Int, headerPrePow, coinbase []byte, timestamp int64, now time.Time) *Job {
	r.mu.Lock()

	j := &Job{
		ID:            r.nextID,
		Height:        height,
		NetworkTarget: networkTarget,
		HeaderPrePow:  headerPrePow,
		Coinbase:      coinbase,
		Timestamp:     timestamp,
		CreatedAt:     now,
	}

	r.nextID++
	if r.nextID == 0 {
		// Job ids wrap to 1, never 0, so 0 can serve as a sentinel for
		// "no job" in callers that zero-initialize.
		r.nextID = 1
	}

	r.jobs = append(r.jobs, j)
	r.evictLocked(now)

	subs := make([]chan *Job, 0, len(r.subs))
	for ch := range r.subs {
		subs = append(subs, ch)
	}
	r.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- j:
		default:
			// The subscriber hasn't drained the previous job yet. Drop
			// that stale entry and send the new one instead, so a
			// lagging writer always coalesces to the latest job rather
			// than delivering one it queued an interval ago.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- j:
			default:
			}
		}
	}

	return j
}

func (r *Registry) evictLocked(now time.Time) {
	for len(r.jobs) > r.retentionFloor && now.Sub(r.jobs[0].CreatedAt) > r.retentionWindow {
		r.jobs = r.jobs[1:]
	}
}

// Latest returns the most recently published job, or nil if none has
// been published yet.
func (r *Registry) Latest() *Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.jobs) == 0 {
		return nil
	}
	return r.jobs[len(r.jobs)-1]
}

// Lookup finds a job by id, or nil if it has been evicted or never
// existed.
func (r *Registry) Lookup(id uint32) *Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.jobs) - 1; i >= 0; i-- {
		if r.jobs[i].ID == id {
			return r.jobs[i]
		}
	}
	return nil
}

// Subscribe registers a channel that receives subsequently published
// jobs. The channel holds at most one undelivered job; a newer job
// replaces one the subscriber has not yet received. Callers must call
// Unsubscribe when done to avoid a leaked entry in the subscriber set.
func (r *Registry) Subscribe() chan *Job {
	ch := make(chan *Job, 1)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a channel previously returned by Subscribe.
func (r *Registry) Unsubscribe(ch chan *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, ch)
}
