package calls

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound            = errors.New("calls: session not found")
	ErrAlreadyResolved     = errors.New("calls: session already resolved")
	ErrDuplicateActiveCall = errors.New("calls: a call between these users is already in progress")
	ErrInvalidParticipants = errors.New("calls: invalid participants")
	ErrInvalidTransition   = errors.New("calls: invalid transition")
)

// Table exclusively owns call session records.
//
// All mutations happen under one mutex, which makes TryTransition a real
// compare-and-set: of several competing events on the same call id exactly one
// observes the expected status.
type Table struct {
	mu       sync.Mutex
	sessions map[string]*entry
	pairs    map[pair]string

	newID     func() string
	now       func() time.Time
	afterFunc AfterFunc
}

type entry struct {
	session Session
	timer   Timer
	// gen invalidates callbacks of timers that were replaced or stopped too late.
	gen uint64
}

type pair struct {
	caller   int64
	receiver int64
}

type Option func(*Table)

// WithClock overrides the clock used for StartTime and AnsweredAt.
func WithClock(now func() time.Time) Option {
	return func(t *Table) { t.now = now }
}

// WithIDGenerator overrides call id generation.
func WithIDGenerator(fn func() string) Option {
	return func(t *Table) { t.newID = fn }
}

// WithAfterFunc overrides timer scheduling.
func WithAfterFunc(fn AfterFunc) Option {
	return func(t *Table) { t.afterFunc = fn }
}

func NewTable(opts ...Option) *Table {
	t := &Table{
		sessions:  make(map[string]*entry),
		pairs:     make(map[pair]string),
		newID:     uuid.NewString,
		now:       time.Now,
		afterFunc: realAfterFunc,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Create starts a ringing session. A second attempt for the same ordered pair
// fails with ErrDuplicateActiveCall while the first is ringing or active.
func (t *Table) Create(callerID, receiverID int64) (Session, error) {
	if callerID <= 0 || receiverID <= 0 || callerID == receiverID {
		return Session{}, ErrInvalidParticipants
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := pair{caller: callerID, receiver: receiverID}
	if _, ok := t.pairs[key]; ok {
		return Session{}, ErrDuplicateActiveCall
	}

	s := Session{
		ID:         t.newID(),
		CallerID:   callerID,
		ReceiverID: receiverID,
		Status:     StatusRinging,
		StartTime:  t.now().UTC(),
	}
	t.sessions[s.ID] = &entry{session: s}
	t.pairs[key] = s.ID
	return s, nil
}

// Get returns a copy of the session.
func (t *Table) Get(callID string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.sessions[callID]
	if !ok {
		return Session{}, false
	}
	return e.session, true
}

// TryTransition atomically moves callID from `from` to `to`.
//
// Terminal targets delete the record. Any transition away from ringing disarms
// the pending timeout. The returned session carries the new status.
func (t *Table) TryTransition(callID string, from, to Status) (Session, error) {
	if from.Terminal() || from == to {
		return Session{}, ErrInvalidTransition
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.sessions[callID]
	if !ok {
		return Session{}, ErrNotFound
	}
	if e.session.Status != from {
		return Session{}, ErrAlreadyResolved
	}

	if from == StatusRinging {
		t.disarmLocked(e)
	}

	e.session.Status = to
	if to == StatusActive {
		e.session.AnsweredAt = t.now().UTC()
	}
	out := e.session
	if to.Terminal() {
		t.removeLocked(e)
	}
	return out, nil
}

// Delete removes callID regardless of status. Only the first caller gets ok=true.
func (t *Table) Delete(callID string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.sessions[callID]
	if !ok {
		return Session{}, false
	}
	t.disarmLocked(e)
	t.removeLocked(e)
	return e.session, true
}

// ScheduleTimeout arms a one-shot timer for a ringing session. onFire receives
// the call id and runs only if the session is still ringing under the same
// timer generation; it is expected to resolve the session with TryTransition.
func (t *Table) ScheduleTimeout(callID string, d time.Duration, onFire func(callID string)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.sessions[callID]
	if !ok {
		return ErrNotFound
	}
	if e.session.Status != StatusRinging {
		return ErrAlreadyResolved
	}

	t.disarmLocked(e)
	gen := e.gen
	e.timer = t.afterFunc(d, func() {
		if t.timerCurrent(callID, gen) {
			onFire(callID)
		}
	})
	return nil
}

// ForUser returns every session the user participates in, oldest first.
func (t *Table) ForUser(userID int64) []Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Session
	for _, e := range t.sessions {
		if e.session.Involves(userID) {
			out = append(out, e.session)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// ResolveFor ends every session userID takes part in because the user went
// away. The target status is chosen from each session's current status under
// the same lock that applies it, so a concurrent answer cannot slip between
// the two:
//   - ringing, userID is the caller: cancelled
//   - ringing, userID is the receiver: timed_out
//   - active: ended
//
// The returned sessions carry their new status, oldest first.
func (t *Table) ResolveFor(userID int64) []Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Session
	for _, e := range t.sessions {
		if !e.session.Involves(userID) {
			continue
		}
		switch {
		case e.session.Status == StatusActive:
			e.session.Status = StatusEnded
		case e.session.CallerID == userID:
			e.session.Status = StatusCancelled
		default:
			e.session.Status = StatusTimedOut
		}
		t.disarmLocked(e)
		t.removeLocked(e)
		out = append(out, e.session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// Len returns the number of live sessions.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (t *Table) timerCurrent(callID string, gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.sessions[callID]
	return ok && e.gen == gen && e.session.Status == StatusRinging
}

func (t *Table) disarmLocked(e *entry) {
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (t *Table) removeLocked(e *entry) {
	delete(t.sessions, e.session.ID)
	key := pair{caller: e.session.CallerID, receiver: e.session.ReceiverID}
	if t.pairs[key] == e.session.ID {
		delete(t.pairs, key)
	}
}
