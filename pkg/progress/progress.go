// Package progress carries the typed event stream from builder and
// updater to the caller. The producer side never blocks: progress
// events are coalesced per kind (latest wins) while errors and
// completions are always queued.
package progress

import (
	"fmt"
	"sync"

	"github.com/docker/go-units"
)

// Event is one progress notification.
type Event interface {
	// coalesceKey groups events that may replace each other;
	// empty means never coalesce.
	coalesceKey() string
}

// PlanReady announces the chosen package sequence.
type PlanReady struct {
	Packages   []string
	TotalBytes uint64
}

func (PlanReady) coalesceKey() string { return "" }

func (e PlanReady) String() string {
	return fmt.Sprintf("plan ready: %d packages, %s",
		len(e.Packages), units.BytesSize(float64(e.TotalBytes)))
}

// DownloadProgress reports a downloaded byte range of one package.
type DownloadProgress struct {
	PackageID  string
	BytesStart uint64
	BytesEnd   uint64
	Total      uint64
}

func (e DownloadProgress) coalesceKey() string { return "download/" + e.PackageID }

func (e DownloadProgress) String() string {
	return fmt.Sprintf("download %s: %s/%s", e.PackageID,
		units.BytesSize(float64(e.BytesEnd)), units.BytesSize(float64(e.Total)))
}

// ApplyProgress reports operation-level apply advancement, with the
// input (compressed) and output (installed) byte counters used by
// the caller's three-bar display.
type ApplyProgress struct {
	PackageID   string
	OpIndex     int
	Total       int
	InputBytes  uint64
	OutputBytes uint64
}

func (e ApplyProgress) coalesceKey() string { return "apply/" + e.PackageID }

// BuildStage is the coarse phase of a package build.
type BuildStage int

const (
	BuildingTaskList BuildStage = iota
	BuildingOperations
	BuildingPackage
)

// BuildWorkerProgress is the per-worker counter pair.
type BuildWorkerProgress struct {
	TaskName       string
	ProcessedBytes uint64
	ProcessBytes   uint64
}

// BuildProgress reports builder advancement across its worker pool.
type BuildProgress struct {
	Stage          BuildStage
	Workers        []BuildWorkerProgress
	ProcessedBytes uint64
	ProcessBytes   uint64
}

func (BuildProgress) coalesceKey() string { return "build" }

// PackageCompleted reports that every operation of a package
// verified.
type PackageCompleted struct {
	ID string
}

func (PackageCompleted) coalesceKey() string { return "" }

// Retry reports a retried transient failure.
type Retry struct {
	Reason  string
	Attempt int
}

func (Retry) coalesceKey() string { return "" }

// Failure surfaces an error without terminating the stream; errors
// are never coalesced.
type Failure struct {
	Err error
}

func (Failure) coalesceKey() string { return "" }

// Bus is a single-producer single-consumer event stream.
type Bus struct {
	mu     sync.Mutex
	queue  []Event
	slots  map[string]int // coalesce key -> index in queue
	notify chan struct{}
	out    chan Event
	closed bool
}

// NewBus returns a started bus; consume from Events().
func NewBus() *Bus {
	b := &Bus{
		slots:  make(map[string]int),
		notify: make(chan struct{}, 1),
		out:    make(chan Event),
	}
	go b.pump()
	return b
}

// Publish enqueues e without ever blocking the producer.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if key := e.coalesceKey(); key != "" {
		if idx, ok := b.slots[key]; ok {
			b.queue[idx] = e
			b.mu.Unlock()
			return
		}
		b.slots[key] = len(b.queue)
	}
	b.queue = append(b.queue, e)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Events is the consumer side; closed after Close drains.
func (b *Bus) Events() <-chan Event { return b.out }

// Close flushes queued events and closes the consumer channel.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *Bus) pump() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			if b.closed {
				b.mu.Unlock()
				close(b.out)
				return
			}
			b.mu.Unlock()
			<-b.notify
			continue
		}
		e := b.queue[0]
		b.queue = b.queue[1:]
		for k, idx := range b.slots {
			if idx == 0 {
				delete(b.slots, k)
			} else {
				b.slots[k] = idx - 1
			}
		}
		b.mu.Unlock()
		b.out <- e
	}
}
