package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// maxTimerInterval is the clamp on the wake timer: it fires at least once a
// minute regardless of the soonest next-run, to tolerate clock jumps and
// process suspension.
const maxTimerInterval = 60 * time.Second

// Runner executes job payloads. Implemented by the gateway wiring on top of
// the reply-turn coordinator; the scheduler never talks to channels itself.
type Runner interface {
	// RunMain delivers a main-targeted job: system event into the primary
	// session plus an optional forced heartbeat.
	RunMain(ctx context.Context, job *Job) error
	// RunIsolated runs a standalone agent turn and returns a short summary
	// for the main session.
	RunIsolated(ctx context.Context, job *Job) (summary string, err error)
}

// Scheduler owns the process-wide wake timer and the
// load-due-execute-persist cycle. The mutex makes that cycle the unit of
// interleaving: two ticks never overlap.
type Scheduler struct {
	store  *Store
	runner Runner

	mu      sync.Mutex // serializes tick cycles
	timerMu sync.Mutex
	timer   *time.Timer
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewScheduler creates a scheduler over a job store.
func NewScheduler(store *Store, runner Runner) *Scheduler {
	return &Scheduler{
		store:  store,
		runner: runner,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start recovers missed runs synchronously, then begins timer-driven
// operation on a background goroutine.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.recoverMissed(ctx); err != nil {
		return err
	}
	go s.loop(ctx)
	return nil
}

// Stop clears the timer and waits for the loop to exit. In-flight job
// execution completes or is abandoned at process exit.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.timerMu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timerMu.Unlock()
	<-s.doneCh
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)
	for {
		wait := s.armInterval()
		s.timerMu.Lock()
		s.timer = time.NewTimer(wait)
		timer := s.timer
		s.timerMu.Unlock()

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			if err := s.tick(ctx); err != nil {
				slog.Error("cron tick failed", "error", err)
			}
		}
	}
}

// armInterval computes the sleep until the soonest enabled next-run,
// clamped to [0, maxTimerInterval].
func (s *Scheduler) armInterval() time.Duration {
	doc, err := s.store.Load()
	if err != nil {
		slog.Warn("cron store unreadable while arming timer", "error", err)
		return maxTimerInterval
	}
	now := time.Now().UnixMilli()
	soonest := int64(0)
	for _, j := range doc.Jobs {
		if !j.Enabled || j.State.RunningAtMs != 0 || j.State.NextRunAtMs == 0 {
			continue
		}
		if soonest == 0 || j.State.NextRunAtMs < soonest {
			soonest = j.State.NextRunAtMs
		}
	}
	if soonest == 0 {
		return maxTimerInterval
	}
	wait := time.Duration(soonest-now) * time.Millisecond
	if wait < 0 {
		wait = 0
	}
	if wait > maxTimerInterval {
		wait = maxTimerInterval
	}
	return wait
}

// tick is one load-due-execute-persist cycle.
func (s *Scheduler) tick(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tickLocked(ctx, time.Now(), nil)
}

// tickLocked executes the due set. filter, when non-nil, further restricts
// which jobs run (used by missed-run recovery and manual runs).
func (s *Scheduler) tickLocked(ctx context.Context, now time.Time, filter func(*Job) bool) error {
	// Load fresh to pick up concurrent external edits.
	doc, err := s.store.Load()
	if err != nil {
		return err
	}

	nowMs := now.UnixMilli()
	changed := false
	for _, j := range doc.Jobs {
		if j.Enabled && j.State.NextRunAtMs == 0 && j.State.RunningAtMs == 0 {
			next, err := ComputeNextRun(j.Schedule, now)
			if err != nil {
				slog.Warn("cron job has unschedulable spec", "job_id", j.ID, "error", err)
				continue
			}
			if next == 0 && j.Schedule.Kind == "at" {
				continue // expired one-shot, recovery decides
			}
			j.State.NextRunAtMs = next
			changed = true
		}
	}

	var due []*Job
	for _, j := range doc.Jobs {
		if !j.Enabled || j.State.RunningAtMs != 0 {
			continue
		}
		if j.State.NextRunAtMs == 0 || j.State.NextRunAtMs > nowMs {
			continue
		}
		if filter != nil && !filter(j) {
			continue
		}
		due = append(due, j)
	}
	sort.Slice(due, func(i, k int) bool { return due[i].State.NextRunAtMs < due[k].State.NextRunAtMs })

	if len(due) == 0 {
		if changed {
			return s.store.Save(doc)
		}
		return nil
	}

	// Mark running and persist before executing: a crash mid-run leaves a
	// visibly running job, never a vanished one.
	for _, j := range due {
		j.State.RunningAtMs = nowMs
	}
	if err := s.store.Save(doc); err != nil {
		return fmt.Errorf("persist running markers: %w", err)
	}

	type outcome struct {
		id         string
		status     string
		durationMs int64
		errText    string
	}
	results := make([]outcome, 0, len(due))
	for _, j := range due {
		started := time.Now()
		err := s.execute(ctx, j)
		o := outcome{id: j.ID, status: "ok", durationMs: time.Since(started).Milliseconds()}
		if err != nil {
			o.status = "error"
			o.errText = err.Error()
			slog.Error("cron job failed", "job_id", j.ID, "error", err)
		} else {
			slog.Info("cron job completed", "job_id", j.ID, "duration_ms", o.durationMs)
		}
		results = append(results, o)
	}

	// Reload before applying results: the execution may have taken long
	// enough for external edits to land.
	doc, err = s.store.Load()
	if err != nil {
		return err
	}
	after := time.Now()
	for _, o := range results {
		j := doc.Find(o.id)
		if j == nil {
			continue
		}
		j.State.RunningAtMs = 0
		j.State.LastRunAtMs = nowMs
		j.State.LastStatus = o.status
		j.State.LastDurationMs = o.durationMs
		j.State.LastError = o.errText

		if j.Schedule.Kind == "at" && o.status == "ok" {
			if j.DeleteAfterRun {
				doc.RemoveJob(o.id)
				continue
			}
			j.Enabled = false
			j.State.NextRunAtMs = 0
			continue
		}

		next, err := ComputeNextRun(j.Schedule, after)
		if err != nil {
			slog.Warn("cron job next-run recompute failed", "job_id", j.ID, "error", err)
			j.State.NextRunAtMs = 0
			continue
		}
		j.State.NextRunAtMs = next
	}
	return s.store.Save(doc)
}

// execute dispatches one job to the runner by target kind.
func (s *Scheduler) execute(ctx context.Context, job *Job) error {
	switch job.SessionTarget {
	case TargetIsolated:
		_, err := s.runner.RunIsolated(ctx, job)
		return err
	default:
		return s.runner.RunMain(ctx, job)
	}
}

// recoverMissed executes, once and synchronously, every job whose next run
// passed while the process was down. One-shot jobs that already recorded a
// successful run are excluded.
func (s *Scheduler) recoverMissed(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Clear running markers abandoned by a crash so recovery can reclaim
	// those jobs.
	doc, err := s.store.Load()
	if err != nil {
		return err
	}
	stale := false
	for _, j := range doc.Jobs {
		if j.State.RunningAtMs != 0 {
			slog.Warn("cron job was running at last shutdown, reclaiming", "job_id", j.ID)
			j.State.RunningAtMs = 0
			stale = true
		}
	}
	if stale {
		if err := s.store.Save(doc); err != nil {
			return err
		}
	}

	return s.tickLocked(ctx, time.Now(), func(j *Job) bool {
		if j.Schedule.Kind == "at" && j.State.LastStatus == "ok" {
			return false
		}
		return true
	})
}

// RunJob forces one job to execute now, regardless of its schedule. Used by
// the cron.run RPC and CLI.
func (s *Scheduler) RunJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.store.Load()
	if err != nil {
		return err
	}
	job := doc.Find(id)
	if job == nil {
		return fmt.Errorf("no cron job with id %q", id)
	}
	if job.State.RunningAtMs != 0 {
		return fmt.Errorf("cron job %q is already running", id)
	}

	nowMs := time.Now().UnixMilli()
	job.State.RunningAtMs = nowMs
	if err := s.store.Save(doc); err != nil {
		return err
	}

	started := time.Now()
	execErr := s.execute(ctx, job)

	doc, err = s.store.Load()
	if err != nil {
		return err
	}
	if j := doc.Find(id); j != nil {
		j.State.RunningAtMs = 0
		j.State.LastRunAtMs = nowMs
		j.State.LastDurationMs = time.Since(started).Milliseconds()
		if execErr != nil {
			j.State.LastStatus = "error"
			j.State.LastError = execErr.Error()
		} else {
			j.State.LastStatus = "ok"
			j.State.LastError = ""
			if j.Schedule.Kind == "at" {
				if j.DeleteAfterRun {
					doc.RemoveJob(id)
				} else {
					j.Enabled = false
					j.State.NextRunAtMs = 0
				}
			}
		}
		if err := s.store.Save(doc); err != nil {
			return err
		}
	}
	return execErr
}
