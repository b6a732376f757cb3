package core

import "time"

// Timer represents a scheduled event
type Timer struct {
	WakeTime time.Time
	Handler  func(*Timer) uint8
	Next     *Timer
}

const (
	SF_DONE       = 0
	SF_RESCHEDULE = 1
)

// Scheduler keeps timers in a list sorted by wake time. It is not safe for
// concurrent use; the poll loop owns it.
type Scheduler struct {
	list *Timer
	now  time.Time
}

// Schedule adds a timer to the schedule
func (s *Scheduler) Schedule(t *Timer) {
	s.insert(t)
}

// insert inserts a timer in sorted order by WakeTime
func (s *Scheduler) insert(t *Timer) {
	if s.list == nil || t.WakeTime.Before(s.list.WakeTime) {
		t.Next = s.list
		s.list = t
		return
	}

	current := s.list
	for current.Next != nil && !t.WakeTime.Before(current.Next.WakeTime) {
		current = current.Next
	}

	t.Next = current.Next
	current.Next = t
}

// Cancel removes t if it is scheduled
func (s *Scheduler) Cancel(t *Timer) {
	if s.list == t {
		s.list = t.Next
		t.Next = nil
		return
	}
	for cur := s.list; cur != nil; cur = cur.Next {
		if cur.Next == t {
			cur.Next = t.Next
			t.Next = nil
			return
		}
	}
}

// Now returns the time of the dispatch in progress
func (s *Scheduler) Now() time.Time {
	return s.now
}

// Next returns the wake time of the earliest timer
func (s *Scheduler) Next() (time.Time, bool) {
	if s.list == nil {
		return time.Time{}, false
	}
	return s.list.WakeTime, true
}

// Dispatch runs every timer due at now and returns how many ran
func (s *Scheduler) Dispatch(now time.Time) int {
	s.now = now
	ran := 0
	for s.list != nil && !s.list.WakeTime.After(now) {
		timer := s.list
		s.list = timer.Next
		timer.Next = nil

		result := timer.Handler(timer)
		ran++

		if result == SF_RESCHEDULE {
			s.insert(timer)
		}
	}
	return ran
}

// Periodic creates a timer calling fn every period starting at start.
// Periods missed while the loop was busy are skipped, not replayed.
func (s *Scheduler) Periodic(start time.Time, period time.Duration, fn func(now time.Time)) *Timer {
	return &Timer{
		WakeTime: start,
		Handler: func(t *Timer) uint8 {
			fn(s.now)
			next := t.WakeTime.Add(period)
			for !next.After(s.now) {
				next = next.Add(period)
			}
			t.WakeTime = next
			return SF_RESCHEDULE
		},
	}
}
