// Package playback infers whether the avatar clip is playing from inbound
// video byte counters.
package playback

import (
	"context"
	"sync"
	"time"
)

// DefaultInterval is the sampling period.
const DefaultInterval = 400 * time.Millisecond

// Source reports inbound video bytes for a remote track.
type Source interface {
	InboundVideoBytes(trackID string) (uint64, bool)
	Closed() bool
}

// State is the reconciler's view of the stream.
type State struct {
	LastBytes uint64
	Playing   bool
}

// Classify reports playing iff a report exists and bytes grew since the last sample.
func Classify(prev, cur uint64, ok bool) bool {
	return ok && cur > prev
}

// Reconciler samples a Source and reports playing/paused transitions.
type Reconciler struct {
	src      Source
	trackID  string
	ready    func() bool
	onChange func(playing bool)
	interval time.Duration

	mu    sync.Mutex
	state State
}

// New creates a reconciler for one remote video track. ready gates the
// playing state; onChange is called on every transition.
func New(src Source, trackID string, ready func() bool, onChange func(playing bool), interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if ready == nil {
		ready = func() bool { return true }
	}
	return &Reconciler{
		src:      src,
		trackID:  trackID,
		ready:    ready,
		onChange: onChange,
		interval: interval,
	}
}

// State returns the current sample state.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Tick takes one sample. It returns whether the playing state changed and
// whether sampling should continue.
func (r *Reconciler) Tick() (changed, alive bool) {
	if r.src.Closed() {
		return false, false
	}

	cur, ok := r.src.InboundVideoBytes(r.trackID)
	ready := r.ready()

	r.mu.Lock()
	playing := Classify(r.state.LastBytes, cur, ok) && ready
	if ok {
		r.state.LastBytes = cur
	}
	changed = playing != r.state.Playing
	r.state.Playing = playing
	r.mu.Unlock()

	if changed && r.onChange != nil {
		r.onChange(playing)
	}
	return changed, true
}

// Run samples at the configured interval until ctx is cancelled or the
// source closes.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, alive := r.Tick(); !alive {
				return
			}
		}
	}
}

// Start runs the reconciler in a goroutine. The returned stop func cancels
// the loop and waits for it to exit.
func (r *Reconciler) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}
