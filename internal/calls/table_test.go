package calls

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type manualTimer struct {
	fn      func()
	stopped bool
}

func (m *manualTimer) Stop() bool {
	was := !m.stopped
	m.stopped = true
	return was
}

type manualTimers struct {
	mu     sync.Mutex
	timers []*manualTimer
	delays []time.Duration
}

func (m *manualTimers) afterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{fn: f}
	m.timers = append(m.timers, t)
	m.delays = append(m.delays, d)
	return t
}

// fire runs the i-th timer callback even if it was stopped, the way a real
// timer can fire while Stop races with it.
func (m *manualTimers) fire(i int) {
	m.mu.Lock()
	t := m.timers[i]
	m.mu.Unlock()
	t.fn()
}

func newTestTable(timers *manualTimers) *Table {
	n := 0
	now := time.Unix(1700000000, 0).UTC()
	return NewTable(
		WithAfterFunc(timers.afterFunc),
		WithClock(func() time.Time { return now }),
		WithIDGenerator(func() string { n++; return fmt.Sprintf("call-%d", n) }),
	)
}

func TestTable_CreateRejectsDuplicatePair(t *testing.T) {
	tbl := newTestTable(&manualTimers{})

	s, err := tbl.Create(1, 2)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.Status != StatusRinging {
		t.Fatalf("expected ringing, got %s", s.Status)
	}
	if _, err := tbl.Create(1, 2); !errors.Is(err, ErrDuplicateActiveCall) {
		t.Fatalf("expected ErrDuplicateActiveCall, got %v", err)
	}
	// The reverse direction is a different ordered pair.
	if _, err := tbl.Create(2, 1); err != nil {
		t.Fatalf("expected reverse pair allowed, got %v", err)
	}

	if _, ok := tbl.Delete(s.ID); !ok {
		t.Fatalf("expected delete to succeed")
	}
	if _, err := tbl.Create(1, 2); err != nil {
		t.Fatalf("expected pair free after delete, got %v", err)
	}
}

func TestTable_CreateValidatesParticipants(t *testing.T) {
	tbl := newTestTable(&manualTimers{})
	for _, tc := range [][2]int64{{0, 1}, {1, 0}, {3, 3}, {-1, 2}} {
		if _, err := tbl.Create(tc[0], tc[1]); !errors.Is(err, ErrInvalidParticipants) {
			t.Fatalf("expected ErrInvalidParticipants for %v, got %v", tc, err)
		}
	}
}

func TestTable_UniqueIDsForRepeatedAttempts(t *testing.T) {
	tbl := NewTable(WithAfterFunc((&manualTimers{}).afterFunc))
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		s, err := tbl.Create(1, 2)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if seen[s.ID] {
			t.Fatalf("duplicate call id %q", s.ID)
		}
		seen[s.ID] = true
		tbl.Delete(s.ID)
	}
}

func TestTable_TryTransitionAnswerKeepsRecord(t *testing.T) {
	timers := &manualTimers{}
	tbl := newTestTable(timers)
	s, _ := tbl.Create(1, 2)
	if err := tbl.ScheduleTimeout(s.ID, 30*time.Second, func(string) {}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	out, err := tbl.TryTransition(s.ID, StatusRinging, StatusActive)
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if out.Status != StatusActive || out.AnsweredAt.IsZero() {
		t.Fatalf("unexpected session after answer: %+v", out)
	}
	if !timers.timers[0].stopped {
		t.Fatalf("expected ring timer disarmed on answer")
	}
	got, ok := tbl.Get(s.ID)
	if !ok || got.Status != StatusActive {
		t.Fatalf("expected active record to remain, got %+v ok=%v", got, ok)
	}
	if _, err := tbl.TryTransition(s.ID, StatusRinging, StatusRejected); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestTable_TerminalTransitionDeletes(t *testing.T) {
	tbl := newTestTable(&manualTimers{})
	s, _ := tbl.Create(1, 2)

	if _, err := tbl.TryTransition(s.ID, StatusRinging, StatusCancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, ok := tbl.Get(s.ID); ok {
		t.Fatalf("expected record deleted")
	}
	if _, err := tbl.TryTransition(s.ID, StatusRinging, StatusRejected); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if tbl.Len() != 0 {
		t.Fatalf("expected empty table")
	}
}

func TestTable_TryTransitionRejectsTerminalSource(t *testing.T) {
	tbl := newTestTable(&manualTimers{})
	s, _ := tbl.Create(1, 2)
	if _, err := tbl.TryTransition(s.ID, StatusCancelled, StatusActive); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestTable_StaleTimerDoesNotFire(t *testing.T) {
	timers := &manualTimers{}
	tbl := newTestTable(timers)
	s, _ := tbl.Create(1, 2)

	var fired atomic.Int32
	_ = tbl.ScheduleTimeout(s.ID, time.Second, func(string) { fired.Add(1) })
	if _, err := tbl.TryTransition(s.ID, StatusRinging, StatusActive); err != nil {
		t.Fatalf("answer: %v", err)
	}

	timers.fire(0)
	if fired.Load() != 0 {
		t.Fatalf("expected stale timer callback suppressed")
	}
}

func TestTable_RescheduleInvalidatesPreviousTimer(t *testing.T) {
	timers := &manualTimers{}
	tbl := newTestTable(timers)
	s, _ := tbl.Create(1, 2)

	var fired atomic.Int32
	_ = tbl.ScheduleTimeout(s.ID, time.Second, func(string) { fired.Add(1) })
	_ = tbl.ScheduleTimeout(s.ID, 2*time.Second, func(string) { fired.Add(10) })

	timers.fire(0)
	timers.fire(1)
	if fired.Load() != 10 {
		t.Fatalf("expected only the latest timer to fire, got %d", fired.Load())
	}
	if timers.delays[1] != 2*time.Second {
		t.Fatalf("expected delay passed through, got %s", timers.delays[1])
	}
}

func TestTable_ScheduleTimeoutRequiresRinging(t *testing.T) {
	tbl := newTestTable(&manualTimers{})
	if err := tbl.ScheduleTimeout("missing", time.Second, func(string) {}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	s, _ := tbl.Create(1, 2)
	_, _ = tbl.TryTransition(s.ID, StatusRinging, StatusActive)
	if err := tbl.ScheduleTimeout(s.ID, time.Second, func(string) {}); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestTable_ConcurrentTerminalEventsHaveOneWinner(t *testing.T) {
	for round := 0; round < 50; round++ {
		tbl := NewTable(WithAfterFunc((&manualTimers{}).afterFunc))
		s, _ := tbl.Create(1, 2)

		targets := []Status{StatusActive, StatusRejected, StatusCancelled, StatusTimedOut}
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 40; i++ {
			wg.Add(1)
			go func(to Status) {
				defer wg.Done()
				if _, err := tbl.TryTransition(s.ID, StatusRinging, to); err == nil {
					wins.Add(1)
				}
			}(targets[i%len(targets)])
		}
		wg.Wait()
		if wins.Load() != 1 {
			t.Fatalf("round %d: expected exactly one winner, got %d", round, wins.Load())
		}
	}
}

func TestTable_DeleteFirstWriterWins(t *testing.T) {
	tbl := newTestTable(&manualTimers{})
	s, _ := tbl.Create(1, 2)
	_, _ = tbl.TryTransition(s.ID, StatusRinging, StatusActive)

	if _, ok := tbl.Delete(s.ID); !ok {
		t.Fatalf("expected first delete to win")
	}
	if _, ok := tbl.Delete(s.ID); ok {
		t.Fatalf("expected second delete to be a no-op")
	}
}

func TestTable_ForUser(t *testing.T) {
	tbl := NewTable(WithAfterFunc((&manualTimers{}).afterFunc))
	a, _ := tbl.Create(1, 2)
	b, _ := tbl.Create(3, 1)
	_, _ = tbl.Create(3, 4)

	got := tbl.ForUser(1)
	if len(got) != 2 {
		t.Fatalf("expected 2 sessions for user 1, got %d", len(got))
	}
	ids := map[string]bool{got[0].ID: true, got[1].ID: true}
	if !ids[a.ID] || !ids[b.ID] {
		t.Fatalf("unexpected sessions: %+v", got)
	}
}

func TestTable_ResolveForPicksTargetFromCurrentStatus(t *testing.T) {
	timers := &manualTimers{}
	tbl := newTestTable(timers)
	outgoing, _ := tbl.Create(1, 2)
	incoming, _ := tbl.Create(3, 1)
	answered, _ := tbl.Create(1, 4)
	_, _ = tbl.TryTransition(answered.ID, StatusRinging, StatusActive)
	other, _ := tbl.Create(5, 6)
	for _, id := range []string{outgoing.ID, incoming.ID} {
		if err := tbl.ScheduleTimeout(id, time.Second, func(string) { t.Fatalf("timer fired after resolve") }); err != nil {
			t.Fatalf("schedule: %v", err)
		}
	}

	got := tbl.ResolveFor(1)
	if len(got) != 3 {
		t.Fatalf("expected 3 resolved sessions, got %d", len(got))
	}
	want := map[string]Status{
		outgoing.ID: StatusCancelled,
		incoming.ID: StatusTimedOut,
		answered.ID: StatusEnded,
	}
	for _, s := range got {
		if want[s.ID] != s.Status {
			t.Fatalf("session %s: expected %s, got %s", s.ID, want[s.ID], s.Status)
		}
	}
	if tbl.Len() != 1 {
		t.Fatalf("expected only the unrelated session to remain, got %d", tbl.Len())
	}
	if _, ok := tbl.Get(other.ID); !ok {
		t.Fatalf("unrelated session was resolved")
	}
	timers.fire(0)
	timers.fire(1)

	// The pair is free again.
	if _, err := tbl.Create(1, 2); err != nil {
		t.Fatalf("expected pair to be released, got %v", err)
	}
}

func TestTable_ResolveForRacingAnswerLeavesNothingBehind(t *testing.T) {
	for round := 0; round < 200; round++ {
		tbl := NewTable(WithAfterFunc((&manualTimers{}).afterFunc))
		s, _ := tbl.Create(1, 2)

		var resolved []Session
		var answerErr error
		var wg sync.WaitGroup
		start := make(chan struct{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, answerErr = tbl.TryTransition(s.ID, StatusRinging, StatusActive)
		}()
		go func() {
			defer wg.Done()
			<-start
			resolved = tbl.ResolveFor(1)
		}()
		close(start)
		wg.Wait()

		if tbl.Len() != 0 {
			t.Fatalf("round %d: session left behind", round)
		}
		if len(resolved) != 1 {
			t.Fatalf("round %d: expected one resolved session, got %d", round, len(resolved))
		}
		switch resolved[0].Status {
		case StatusEnded:
			if answerErr != nil {
				t.Fatalf("round %d: ended without an answer: %v", round, answerErr)
			}
		case StatusCancelled:
			if !errors.Is(answerErr, ErrNotFound) {
				t.Fatalf("round %d: expected late answer to miss, got %v", round, answerErr)
			}
		default:
			t.Fatalf("round %d: unexpected status %s", round, resolved[0].Status)
		}
	}
}

func TestSession_Elapsed(t *testing.T) {
	at := time.Unix(1700000000, 0)
	s := Session{AnsweredAt: at}
	if got := s.Elapsed(at.Add(42500 * time.Millisecond)); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	if got := (Session{}).Elapsed(at); got != 0 {
		t.Fatalf("expected 0 for unanswered session, got %d", got)
	}
}

func TestStatusAndOutcomeVocabulary(t *testing.T) {
	if StatusRinging.Terminal() || StatusActive.Terminal() {
		t.Fatalf("ringing and active must not be terminal")
	}
	for _, s := range []Status{StatusRejected, StatusCancelled, StatusTimedOut, StatusEnded} {
		if !s.Terminal() {
			t.Fatalf("expected %s terminal", s)
		}
	}
	if Outcome("busy").Valid() {
		t.Fatalf("unexpected valid outcome")
	}
	if !OutcomeMissed.Valid() {
		t.Fatalf("expected missed valid")
	}
}
