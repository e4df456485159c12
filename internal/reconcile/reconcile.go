// Package reconcile guarantees that by the grace deadline (window end plus
// five minutes) every student has exactly one attendance record for the day:
// whoever did not self-report is swept into an auto-marked absence.
package reconcile

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"classlink/internal/clock"
	"classlink/internal/ledger"
	"classlink/internal/metrics"
	"classlink/internal/queue"
	"classlink/internal/roster"
	"classlink/internal/window"
)

// Reconciler sweeps unmarked students into absent records.
type Reconciler struct {
	ros *roster.Store
	led *ledger.Ledger
	clk clock.Clock
	q   queue.Queue
}

// New creates a reconciler. q may be nil when nobody listens for
// notifications.
func New(ros *roster.Store, led *ledger.Ledger, clk clock.Clock, q queue.Queue) *Reconciler {
	return &Reconciler{ros: ros, led: led, clk: clk, q: q}
}

// Run executes one sweep for the current day and returns how many students
// were auto-marked. Idempotent: a second run on the same day marks nobody.
// A persistence failure is returned but the in-memory records stand; the
// error never stops the schedule.
func (r *Reconciler) Run(ctx context.Context) (int, error) {
	now := r.clk.Now()
	date := window.DateKey(now)
	marked := r.led.MarkedOn(date)

	var batch []ledger.Record
	for _, st := range r.ros.Students() {
		if marked[st.ID] {
			continue
		}
		batch = append(batch, ledger.Record{
			ID:          uuid.NewString(),
			StudentID:   st.ID,
			StudentName: st.Name,
			Grade:       st.Grade,
			Classroom:   st.Classroom,
			Date:        date,
			Status:      ledger.Absent,
			Timestamp:   now,
			AutoMarked:  true,
			Location:    ledger.AutoMarked(),
		})
	}
	if len(batch) == 0 {
		metrics.ReconcilerCycles.WithLabelValues("noop").Inc()
		return 0, nil
	}

	// One persistence write for the whole batch.
	added, err := r.led.AppendBatch(ctx, batch)
	if err != nil {
		metrics.PersistFailures.Inc()
		metrics.ReconcilerCycles.WithLabelValues("persist_failed").Inc()
	} else {
		metrics.ReconcilerCycles.WithLabelValues("marked").Inc()
	}
	metrics.AutoMarked.Add(float64(added))

	if added > 0 {
		r.notify(ctx, date, added)
	}
	return added, err
}

// notify publishes the side-channel notice for teacher/admin views. Failures
// are logged and never fail the sweep.
func (r *Reconciler) notify(ctx context.Context, date string, count int) {
	if r.q == nil {
		return
	}
	body, err := json.Marshal(queue.AutoMarkedNotice{Date: date, Count: count})
	if err != nil {
		log.Printf("reconcile: encode notice: %v", err)
		return
	}
	if err := r.q.Publish(ctx, queue.Message{Type: queue.TypeAutoMarked, Body: body}); err != nil {
		log.Printf("reconcile: publish notice: %v", err)
	}
}

// Scheduler fires the reconciler once at today's deadline (or immediately
// when the process starts past it) and then every 24 hours anchored to the
// wall-clock deadline, so restarts do not drift the schedule.
type Scheduler struct {
	rec *Reconciler
	win window.Policy
	clk clock.Clock
}

// NewScheduler creates a scheduler for rec.
func NewScheduler(rec *Reconciler, win window.Policy, clk clock.Clock) *Scheduler {
	return &Scheduler{rec: rec, win: win, clk: clk}
}

// FirstDelay computes the wait before the initial sweep: until today's
// deadline if it is still ahead, otherwise zero.
func (s *Scheduler) FirstDelay(now time.Time) time.Duration {
	if d := s.win.Deadline(now); d.After(now) {
		return d.Sub(now)
	}
	return 0
}

// Run blocks until ctx is canceled, sweeping on schedule. A failed cycle is
// logged and the next one still fires.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(s.FirstDelay(s.clk.Now()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		n, err := s.rec.Run(ctx)
		switch {
		case err != nil:
			log.Printf("reconcile: sweep failed (marked %d in memory): %v", n, err)
		case n > 0:
			log.Printf("reconcile: auto-marked %d students absent", n)
		}

		now := s.clk.Now()
		timer.Reset(s.win.NextDeadline(now).Sub(now))
	}
}
