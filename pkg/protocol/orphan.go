package protocol

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"
	"weak"

	"github.com/rs/zerolog/log"
)

// OrphanTracker detects protocol nodes that outlive their intended owner.
// Every node that finishes Stop registers itself here via a weak reference;
// the record disappears automatically when the node is reclaimed. A record
// whose node is still reachable past the warn delay is a resource leak and is
// logged once per cooldown window.
//
// The tracker is a diagnostic aid owned by the process entry point; it never
// forcibly reclaims memory.
type OrphanTracker struct {
	interval  time.Duration
	warnAfter time.Duration
	cooldown  time.Duration

	mu      sync.Mutex
	nextID  uint64
	records map[uint64]*orphanRecord
}

type orphanRecord struct {
	ref       weak.Pointer[Node]
	name      string
	stoppedAt time.Time
	muteUntil time.Time
}

// TrackerOption configures an OrphanTracker.
type TrackerOption func(*OrphanTracker)

// WithScanInterval sets how often records are scanned.
func WithScanInterval(d time.Duration) TrackerOption {
	return func(t *OrphanTracker) { t.interval = d }
}

// WithWarnAfter sets how long after Stop a still-referenced node counts as
// leaked.
func WithWarnAfter(d time.Duration) TrackerOption {
	return func(t *OrphanTracker) { t.warnAfter = d }
}

// WithCooldown sets the repeat-warning suppression window per record.
func WithCooldown(d time.Duration) TrackerOption {
	return func(t *OrphanTracker) { t.cooldown = d }
}

// NewOrphanTracker builds a tracker with the default 1s scan, 2s warn delay
// and 30s warning cooldown.
func NewOrphanTracker(opts ...TrackerOption) *OrphanTracker {
	t := &OrphanTracker{
		interval:  time.Second,
		warnAfter: 2 * time.Second,
		cooldown:  30 * time.Second,
		records:   map[uint64]*orphanRecord{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Track records a stopped node. The record is removed automatically once the
// garbage collector reclaims the node.
func (t *OrphanTracker) Track(n *Node) {
	if t == nil || n == nil {
		return
	}
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.records[id] = &orphanRecord{
		ref:       weak.Make(n),
		name:      fmt.Sprintf("node %q", n.id),
		stoppedAt: time.Now(),
	}
	t.mu.Unlock()
	runtime.AddCleanup(n, t.remove, id)
}

// Len returns the number of live records.
func (t *OrphanTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Start launches the periodic scan on its own goroutine and returns
// immediately; the scan stops when ctx is cancelled.
func (t *OrphanTracker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				for _, name := range t.scan(now) {
					log.Warn().Str("component", "orphan_tracker").Str("node", name).Msg("orphaned protocol node still referenced after stop")
				}
			}
		}
	}()
}

// scan returns the names of records due for a leak warning at now, and mutes
// each of them for the cooldown window. Records whose node has been reclaimed
// but whose cleanup has not fired yet are skipped.
func (t *OrphanTracker) scan(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var leaked []string
	for _, rec := range t.records {
		if now.Sub(rec.stoppedAt) < t.warnAfter || now.Before(rec.muteUntil) {
			continue
		}
		if rec.ref.Value() == nil {
			continue
		}
		leaked = append(leaked, rec.name)
		rec.muteUntil = now.Add(t.cooldown)
	}
	return leaked
}

func (t *OrphanTracker) remove(id uint64) {
	t.mu.Lock()
	delete(t.records, id)
	t.mu.Unlock()
}
