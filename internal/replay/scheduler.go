// Package replay plays decoded events back onto a rendering surface at
// approximately their original pace.
package replay

import (
	"context"
	"sort"
	"time"

	"github.com/vincentbai/clarity-agent/internal/codec"
)

const (
	DefaultGapThreshold = 16
	DefaultQuantum      = 10 * time.Millisecond
)

// Scheduler paces a timeline. Events closer than GapThreshold to the last
// resume point are applied back to back; a larger gap suspends for one
// Quantum first.
type Scheduler struct {
	GapThreshold float64
	Quantum      time.Duration
	// Realtime stretches each suspension to the gap it covers, measured in
	// milliseconds, instead of a single quantum.
	Realtime bool
	// Sleep suspends for d or until ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewScheduler() *Scheduler {
	return &Scheduler{
		GapThreshold: DefaultGapThreshold,
		Quantum:      DefaultQuantum,
		Sleep:        sleep,
	}
}

// Sort orders events by time. Ties keep their input order.
func Sort(events []codec.Event) []codec.Event {
	sorted := append([]codec.Event(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time < sorted[j].Time })
	return sorted
}

// Run sorts events and applies each one, suspending at gaps. It returns
// ctx.Err() if cancelled at a suspension point.
func (s *Scheduler) Run(ctx context.Context, events []codec.Event, apply func(codec.Event)) error {
	if len(events) == 0 {
		return nil
	}
	events = Sort(events)

	start := events[0].Time
	for _, event := range events {
		if gap := event.Time - start; gap > s.GapThreshold {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.suspend(ctx, gap); err != nil {
				return err
			}
			start = event.Time
		}
		apply(event)
	}
	return nil
}

func (s *Scheduler) suspend(ctx context.Context, gap float64) error {
	d := s.Quantum
	if s.Realtime {
		if span := time.Duration(gap * float64(time.Millisecond)); span > d {
			d = span
		}
	}
	sleepFn := s.Sleep
	if sleepFn == nil {
		sleepFn = sleep
	}
	return sleepFn(ctx, d)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
