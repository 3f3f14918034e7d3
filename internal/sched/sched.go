// Package sched runs plugin jobs on interval, cron, and one-shot date
// triggers, all evaluated in the bot's configured timezone.
package sched

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// Trigger describes when a job fires. Exactly one shape is active,
// selected by Kind.
type Trigger struct {
	Kind string // "interval", "cron", "date"

	// interval
	Every time.Duration

	// cron; empty fields are wildcards.
	Minute, Hour, Day, Month, DOW string

	// date
	At time.Time
}

func Interval(every time.Duration) Trigger {
	return Trigger{Kind: "interval", Every: every}
}

func Cron(minute, hour, day, month, dow string) Trigger {
	return Trigger{Kind: "cron", Minute: minute, Hour: hour, Day: day, Month: month, DOW: dow}
}

func Date(at time.Time) Trigger {
	return Trigger{Kind: "date", At: at}
}

// expr renders the trigger as a robfig/cron spec.
func (t Trigger) expr() (string, error) {
	switch t.Kind {
	case "interval":
		if t.Every <= 0 {
			return "", fmt.Errorf("interval trigger needs a positive duration")
		}
		return "@every " + t.Every.String(), nil
	case "cron":
		fields := []string{t.Minute, t.Hour, t.Day, t.Month, t.DOW}
		for i, f := range fields {
			if strings.TrimSpace(f) == "" {
				fields[i] = "*"
			}
		}
		return strings.Join(fields, " "), nil
	default:
		return "", fmt.Errorf("trigger kind %q has no cron expression", t.Kind)
	}
}

// Scheduler wraps one cron runner plus one timer per pending date
// trigger. Jobs are keyed by id; AddJob on an existing id replaces it.
type Scheduler struct {
	loc  *time.Location
	cron *rcron.Cron

	mu      sync.Mutex
	entries map[string]rcron.EntryID
	timers  map[string]*time.Timer
	started bool
}

func New(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		loc:     loc,
		cron:    rcron.New(rcron.WithLocation(loc)),
		entries: make(map[string]rcron.EntryID),
		timers:  make(map[string]*time.Timer),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.started = true
	n := len(s.entries) + len(s.timers)
	s.mu.Unlock()

	s.cron.Start()
	log.Printf("[sched] started with %d jobs", n)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop halts firing and waits briefly for running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		log.Printf("[sched] stop timeout waiting for running jobs")
	}
	log.Printf("[sched] stopped")
}

// AddJob registers fn under id, replacing any existing job with the
// same id. Each fire runs on its own goroutine so slow jobs do not
// delay others.
func (s *Scheduler) AddJob(id string, trigger Trigger, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id)

	run := func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[sched] job %s panicked: %v", id, r)
			}
		}()
		fn()
	}

	switch trigger.Kind {
	case "interval", "cron":
		expr, err := trigger.expr()
		if err != nil {
			return err
		}
		entryID, err := s.cron.AddFunc(expr, run)
		if err != nil {
			return fmt.Errorf("register job %s (%s): %w", id, expr, err)
		}
		s.entries[id] = entryID
	case "date":
		delay := time.Until(trigger.At.In(s.loc))
		if delay < 0 {
			delay = 0
		}
		s.timers[id] = time.AfterFunc(delay, func() {
			s.mu.Lock()
			delete(s.timers, id)
			s.mu.Unlock()
			go run()
		})
	default:
		return fmt.Errorf("unknown trigger kind %q", trigger.Kind)
	}
	return nil
}

// RemoveJob drops a job; absent ids are a no-op.
func (s *Scheduler) RemoveJob(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id)
}

func (s *Scheduler) removeLocked(id string) {
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
	if timer, ok := s.timers[id]; ok {
		timer.Stop()
		delete(s.timers, id)
	}
}

// Jobs lists registered job ids, sorted for stable output.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries)+len(s.timers))
	for id := range s.entries {
		ids = append(ids, id)
	}
	for id := range s.timers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
