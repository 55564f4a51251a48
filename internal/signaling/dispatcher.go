package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"videocall-platform/internal/calls"
	"videocall-platform/internal/metrics"
	"videocall-platform/internal/presence"
)

const (
	defaultRingTimeout    = 30 * time.Second
	defaultPersistTimeout = 5 * time.Second
	defaultPersistQueue   = 256
	mirrorSyncTimeout     = 2 * time.Second
)

// HistoryRecorder persists one row per terminal call outcome. callID lets the
// recorder make retries idempotent.
type HistoryRecorder interface {
	RecordCallHistory(ctx context.Context, callID string, callerID, receiverID int64, status calls.Outcome, durationSeconds int) error
}

// PresenceSyncer receives registry snapshots after every presence change.
type PresenceSyncer interface {
	Sync(ctx context.Context, entries []presence.Entry) error
}

type Options struct {
	// RingTimeout is how long a call may ring before it is recorded as missed.
	RingTimeout time.Duration
	// PersistTimeout bounds each history write.
	PersistTimeout time.Duration
	// PersistQueue is the number of outcomes that may wait for the history
	// writer. Outcomes beyond it are dropped and counted.
	PersistQueue   int
	Logger         *slog.Logger
	Mirror         PresenceSyncer
	Clock          func() time.Time
}

// Dispatcher is the entry point for every inbound event. It validates the
// event against presence and the call table, performs at most one state
// transition, and emits the resulting outbound events.
//
// Handle is safe for concurrent use from one goroutine per connection.
// Lookup misses and lost races are not errors; such events are dropped and
// counted. History writes and mirror syncs run on background goroutines so a
// slow store never stalls a connection's read loop; Shutdown drains them.
type Dispatcher struct {
	presence *presence.Registry
	calls    *calls.Table
	hub      *Hub
	relay    *Relay
	history  HistoryRecorder
	mirror   PresenceSyncer

	ringTimeout    time.Duration
	persistTimeout time.Duration
	now            func() time.Time
	log            *slog.Logger

	persistQueue   chan persistJob
	persistPending sync.WaitGroup
	persistDone    chan struct{}

	// mirrorKick holds at most one pending sync; the worker always publishes
	// the registry as it is when the sync runs.
	mirrorKick  chan struct{}
	mirrorFlush chan chan struct{}
	mirrorDone  chan struct{}

	stopMu  sync.RWMutex
	stopped bool
	stop    chan struct{}
}

type persistJob struct {
	ctx      context.Context
	session  calls.Session
	outcome  calls.Outcome
	duration int
}

func NewDispatcher(reg *presence.Registry, table *calls.Table, hub *Hub, history HistoryRecorder, opts Options) *Dispatcher {
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = defaultRingTimeout
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = defaultPersistTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.PersistQueue <= 0 {
		opts.PersistQueue = defaultPersistQueue
	}
	d := &Dispatcher{
		presence:       reg,
		calls:          table,
		hub:            hub,
		relay:          NewRelay(reg, hub, opts.Logger),
		history:        history,
		mirror:         opts.Mirror,
		ringTimeout:    opts.RingTimeout,
		persistTimeout: opts.PersistTimeout,
		now:            opts.Clock,
		log:            opts.Logger,
		stop:           make(chan struct{}),
	}
	if history != nil {
		d.persistQueue = make(chan persistJob, opts.PersistQueue)
		d.persistDone = make(chan struct{})
		go d.runPersist()
	}
	if opts.Mirror != nil {
		d.mirrorKick = make(chan struct{}, 1)
		d.mirrorFlush = make(chan chan struct{})
		d.mirrorDone = make(chan struct{})
		go d.runMirror()
	}
	return d
}

// Connect registers a new connection and tells it its connection id, which
// peers later echo back as callerSocketRef.
func (d *Dispatcher) Connect(conn Conn) {
	d.hub.Add(conn)
	metrics.TotalConnections.Inc()
	d.send(conn, EventConnected, Connected{ConnectionID: conn.ID()})
}

// Disconnect handles connection loss. The user bound to conn, if any, goes
// offline and its calls are abandoned.
func (d *Dispatcher) Disconnect(ctx context.Context, conn Conn) {
	d.hub.Remove(conn)
	entry, ok := d.presence.RemoveConnection(conn.ID())
	if !ok {
		return
	}
	d.log.Info("user disconnected", "user_id", entry.UserID, "conn_id", conn.ID())
	d.departed(ctx, entry.UserID)
}

// Handle dispatches one inbound event from conn.
func (d *Dispatcher) Handle(ctx context.Context, conn Conn, event string, data json.RawMessage) {
	metrics.EventsReceived.WithLabelValues(metricEvent(event)).Inc()

	var err error
	switch event {
	case EventUserOnline:
		var p userOnline
		if err = decode(data, &p); err == nil {
			d.goOnline(ctx, conn, p)
		}
	case EventUserOffline:
		var p userOffline
		if err = decode(data, &p); err == nil {
			d.goOffline(ctx, conn, p)
		}
	case EventCallInitiate:
		var p callInitiate
		if err = decode(data, &p); err == nil {
			d.callInitiate(conn, p)
		}
	case EventCallAnswer:
		var p callAnswer
		if err = decode(data, &p); err == nil {
			d.callAnswer(ctx, conn, p)
		}
	case EventCallReject:
		var p callReject
		if err = decode(data, &p); err == nil {
			d.callReject(ctx, conn, p)
		}
	case EventCallCancel:
		var p callCancel
		if err = decode(data, &p); err == nil {
			d.callCancel(ctx, conn, p)
		}
	case EventCallEnd:
		var p callEnd
		if err = decode(data, &p); err == nil {
			d.callEnd(ctx, conn, p)
		}
	case EventNegotiationOffer:
		err = d.negotiate(conn, KindOffer, data)
	case EventNegotiationAnswer:
		err = d.negotiate(conn, KindAnswer, data)
	case EventNegotiationCandidate:
		err = d.negotiate(conn, KindCandidate, data)
	default:
		d.drop(event, "unknown_event", "conn_id", conn.ID())
		return
	}
	if err != nil {
		d.drop(event, "malformed", "conn_id", conn.ID(), "err", err)
	}
}

func (d *Dispatcher) goOnline(ctx context.Context, conn Conn, p userOnline) {
	if p.UserID <= 0 {
		d.drop(EventUserOnline, "invalid_user", "conn_id", conn.ID())
		return
	}
	if !d.speaksFor(conn, p.UserID) {
		d.drop(EventUserOnline, "identity_mismatch", "conn_id", conn.ID(), "user_id", p.UserID)
		return
	}

	snapshot, evicted, displaced := d.presence.SetOnline(p.UserID, p.Username, conn.ID())
	if evicted != "" {
		d.log.Info("presence: connection replaced", "user_id", p.UserID, "old_conn_id", evicted, "conn_id", conn.ID())
	}
	if displaced != 0 {
		// The connection announced a different user; the previous one is gone.
		d.log.Info("presence: connection switched user", "user_id", displaced, "new_user_id", p.UserID, "conn_id", conn.ID())
		d.endCalls(ctx, displaced)
		d.hub.Broadcast(EventUserLeft, displaced)
		snapshot = d.presence.Snapshot()
	}
	d.hub.Broadcast(EventUserList, snapshot)
	d.syncPresence(snapshot)
}

func (d *Dispatcher) goOffline(ctx context.Context, conn Conn, p userOffline) {
	entry, ok := d.presence.FindByUserID(p.UserID)
	if !ok {
		d.drop(EventUserOffline, "not_found", "user_id", p.UserID)
		return
	}
	// Only the bound connection may take a user offline; a stale tab must not
	// evict the live one.
	if entry.ConnID != conn.ID() {
		d.drop(EventUserOffline, "not_owner", "user_id", p.UserID, "conn_id", conn.ID())
		return
	}
	if _, ok := d.presence.SetOffline(p.UserID); !ok {
		return
	}
	d.departed(ctx, p.UserID)
}

// departed finishes every call userID takes part in and announces the
// departure to the remaining connections.
func (d *Dispatcher) departed(ctx context.Context, userID int64) {
	d.endCalls(ctx, userID)
	d.hub.Broadcast(EventUserLeft, userID)
	snapshot := d.presence.Snapshot()
	d.hub.Broadcast(EventUserList, snapshot)
	d.syncPresence(snapshot)
}

// endCalls resolves every call userID takes part in and notifies the peers.
// The table picks each target status atomically, so an answer racing with
// the departure either lands first (and the call ends) or misses.
func (d *Dispatcher) endCalls(ctx context.Context, userID int64) {
	for _, s := range d.calls.ResolveFor(userID) {
		peer := s.Peer(userID)
		switch s.Status {
		case calls.StatusCancelled:
			d.sendToUser(peer, EventCallCancelled, CallRef{CallID: s.ID})
			d.persist(ctx, s, calls.OutcomeCancelled, 0)
		case calls.StatusTimedOut:
			d.sendToUser(peer, EventCallEnded, CallEnded{CallID: s.ID, From: userID})
			d.persist(ctx, s, calls.OutcomeMissed, 0)
		case calls.StatusEnded:
			d.presence.SetStatus(peer, presence.StatusIdle)
			d.sendToUser(peer, EventCallEnded, CallEnded{CallID: s.ID, From: userID})
			d.persist(ctx, s, calls.OutcomeAnswered, s.Elapsed(d.now()))
		}
		d.log.Info("call abandoned", "call_id", s.ID, "user_id", userID, "status", s.Status)
	}
}

func (d *Dispatcher) callInitiate(conn Conn, p callInitiate) {
	if !d.speaksFor(conn, p.CallerID) {
		d.drop(EventCallInitiate, "identity_mismatch", "conn_id", conn.ID(), "caller_id", p.CallerID)
		return
	}
	receiver, ok := d.presence.FindByUserID(p.ReceiverID)
	if !ok {
		d.drop(EventCallInitiate, "receiver_offline", "caller_id", p.CallerID, "receiver_id", p.ReceiverID)
		return
	}

	s, err := d.calls.Create(p.CallerID, p.ReceiverID)
	if err != nil {
		reason := "invalid"
		if errors.Is(err, calls.ErrDuplicateActiveCall) {
			reason = "duplicate"
		}
		d.drop(EventCallInitiate, reason, "caller_id", p.CallerID, "receiver_id", p.ReceiverID)
		return
	}

	callerConnID := conn.ID()
	if err := d.calls.ScheduleTimeout(s.ID, d.ringTimeout, func(callID string) {
		d.ringTimedOut(callID, callerConnID)
	}); err != nil {
		// The record was resolved between Create and here; nothing to arm.
		d.log.Debug("call: timeout not armed", "call_id", s.ID, "err", err)
		return
	}
	metrics.CallsInitiated.Inc()

	callerName := p.CallerName
	if callerName == "" {
		if e, ok := d.presence.FindByUserID(p.CallerID); ok {
			callerName = e.DisplayName
		}
	}
	if rc, ok := d.hub.Get(receiver.ConnID); ok {
		d.send(rc, EventIncomingCall, IncomingCall{
			CallID:     s.ID,
			CallerID:   s.CallerID,
			CallerName: callerName,
			ReceiverID: s.ReceiverID,
		})
	}
	d.log.Info("call ringing", "call_id", s.ID, "caller_id", s.CallerID, "receiver_id", s.ReceiverID)
}

func (d *Dispatcher) ringTimedOut(callID, callerConnID string) {
	s, err := d.calls.TryTransition(callID, calls.StatusRinging, calls.StatusTimedOut)
	if err != nil {
		return
	}
	timeout := CallRef{CallID: s.ID}
	d.sendToUser(s.ReceiverID, EventCallTimeout, timeout)
	if c, ok := d.connFor(s.CallerID, callerConnID); ok {
		d.send(c, EventCallTimeout, timeout)
	}
	d.log.Info("call timed out", "call_id", s.ID)
	d.persist(context.Background(), s, calls.OutcomeMissed, 0)
}

func (d *Dispatcher) callAnswer(ctx context.Context, conn Conn, p callAnswer) {
	cur, ok := d.calls.Get(p.CallID)
	if !ok {
		d.drop(EventCallAnswer, "not_found", "call_id", p.CallID)
		return
	}
	if !d.speaksFor(conn, cur.ReceiverID) {
		d.drop(EventCallAnswer, "identity_mismatch", "call_id", p.CallID, "conn_id", conn.ID())
		return
	}
	s, err := d.calls.TryTransition(p.CallID, calls.StatusRinging, calls.StatusActive)
	if err != nil {
		d.drop(EventCallAnswer, dropReason(err), "call_id", p.CallID)
		return
	}
	metrics.CallsAnswered.Inc()

	if c, ok := d.connFor(s.CallerID, p.CallerSocketRef); ok {
		d.send(c, EventCallAnswered, CallAnswered{CallID: s.ID, ReceiverID: s.ReceiverID})
	}
	d.presence.SetStatus(s.CallerID, presence.StatusInCall)
	d.presence.SetStatus(s.ReceiverID, presence.StatusInCall)
	// The call may have ended between the transition and the flip above, in
	// which case its cleanup already set both sides idle and was overwritten.
	if live, ok := d.calls.Get(s.ID); !ok || live.Status != calls.StatusActive {
		d.presence.SetStatus(s.CallerID, presence.StatusIdle)
		d.presence.SetStatus(s.ReceiverID, presence.StatusIdle)
	}
	d.broadcastUpdated()
	d.log.Info("call answered", "call_id", s.ID)
}

func (d *Dispatcher) callReject(ctx context.Context, conn Conn, p callReject) {
	cur, ok := d.calls.Get(p.CallID)
	if !ok {
		d.drop(EventCallReject, "not_found", "call_id", p.CallID)
		return
	}
	if !d.speaksFor(conn, cur.ReceiverID) {
		d.drop(EventCallReject, "identity_mismatch", "call_id", p.CallID, "conn_id", conn.ID())
		return
	}
	s, err := d.calls.TryTransition(p.CallID, calls.StatusRinging, calls.StatusRejected)
	if err != nil {
		d.drop(EventCallReject, dropReason(err), "call_id", p.CallID)
		return
	}
	if c, ok := d.connFor(s.CallerID, p.CallerSocketRef); ok {
		d.send(c, EventCallRejected, CallRef{CallID: s.ID})
	}
	d.log.Info("call rejected", "call_id", s.ID)
	d.persist(ctx, s, calls.OutcomeRejected, 0)
}

func (d *Dispatcher) callCancel(ctx context.Context, conn Conn, p callCancel) {
	cur, ok := d.calls.Get(p.CallID)
	if !ok {
		d.drop(EventCallCancel, "not_found", "call_id", p.CallID)
		return
	}
	if !d.speaksFor(conn, cur.CallerID) {
		d.drop(EventCallCancel, "identity_mismatch", "call_id", p.CallID, "conn_id", conn.ID())
		return
	}
	s, err := d.calls.TryTransition(p.CallID, calls.StatusRinging, calls.StatusCancelled)
	if err != nil {
		d.drop(EventCallCancel, dropReason(err), "call_id", p.CallID)
		return
	}
	d.sendToUser(s.ReceiverID, EventCallCancelled, CallRef{CallID: s.ID})
	d.log.Info("call cancelled", "call_id", s.ID)
	d.persist(ctx, s, calls.OutcomeCancelled, 0)
}

func (d *Dispatcher) callEnd(ctx context.Context, conn Conn, p callEnd) {
	cur, ok := d.calls.Get(p.CallID)
	if !ok {
		d.drop(EventCallEnd, "not_found", "call_id", p.CallID)
		return
	}
	if uid := conn.UserID(); uid != 0 && !cur.Involves(uid) {
		d.drop(EventCallEnd, "identity_mismatch", "call_id", p.CallID, "conn_id", conn.ID())
		return
	}
	s, err := d.calls.TryTransition(p.CallID, calls.StatusActive, calls.StatusEnded)
	if err != nil {
		d.drop(EventCallEnd, dropReason(err), "call_id", p.CallID)
		return
	}

	duration := p.Duration
	if duration < 0 {
		duration = 0
	}
	sender, _ := d.senderID(conn)
	for _, uid := range []int64{s.CallerID, s.ReceiverID} {
		d.presence.SetStatus(uid, presence.StatusIdle)
		if c, ok := d.connFor(uid, ""); ok && c.ID() != conn.ID() {
			d.send(c, EventCallEnded, CallEnded{CallID: s.ID, From: sender})
		}
	}
	d.broadcastUpdated()
	d.log.Info("call ended", "call_id", s.ID, "duration", duration)
	d.persist(ctx, s, calls.OutcomeAnswered, duration)
}

func (d *Dispatcher) negotiate(conn Conn, kind Kind, data json.RawMessage) error {
	var p negotiation
	if err := decode(data, &p); err != nil {
		return err
	}
	var payload json.RawMessage
	switch kind {
	case KindOffer:
		payload = p.Offer
	case KindAnswer:
		payload = p.Answer
	case KindCandidate:
		payload = p.Candidate
	}
	if len(payload) == 0 {
		return errors.New("missing " + string(kind))
	}

	sender, ok := d.senderID(conn)
	if !ok {
		sender = p.From
	}
	d.relay.Forward(p.To, kind, payload, sender)
	return nil
}

// speaksFor reports whether conn may act as userID. Connections without a
// handshake identity are trusted, as the browser client is.
func (d *Dispatcher) speaksFor(conn Conn, userID int64) bool {
	uid := conn.UserID()
	return uid == 0 || uid == userID
}

// senderID resolves the user behind conn from the handshake identity or the
// presence binding.
func (d *Dispatcher) senderID(conn Conn) (int64, bool) {
	if uid := conn.UserID(); uid != 0 {
		return uid, true
	}
	return d.presence.FindByConnection(conn.ID())
}

// connFor resolves userID's live connection through presence, falling back to
// the connection id the client supplied.
func (d *Dispatcher) connFor(userID int64, fallbackConnID string) (Conn, bool) {
	if e, ok := d.presence.FindByUserID(userID); ok {
		if c, ok := d.hub.Get(e.ConnID); ok {
			return c, true
		}
	}
	return d.hub.Get(fallbackConnID)
}

func (d *Dispatcher) sendToUser(userID int64, event string, data any) {
	if c, ok := d.connFor(userID, ""); ok {
		d.send(c, event, data)
	}
}

func (d *Dispatcher) send(c Conn, event string, data any) {
	if err := c.Send(event, data); err != nil {
		metrics.SendFailures.Inc()
		d.log.Warn("send failed", "conn_id", c.ID(), "event", event, "err", err)
	}
}

func (d *Dispatcher) broadcastUpdated() {
	snapshot := d.presence.Snapshot()
	d.hub.Broadcast(EventUsersUpdated, snapshot)
	d.syncPresence(snapshot)
}

// syncPresence records the presence gauge and schedules a mirror sync.
func (d *Dispatcher) syncPresence(snapshot []presence.Entry) {
	metrics.OnlineUsers.Set(float64(len(snapshot)))
	d.kickMirror()
}

func (d *Dispatcher) kickMirror() {
	if d.mirrorKick == nil {
		return
	}
	select {
	case d.mirrorKick <- struct{}{}:
	default:
		// A sync is already pending and will read the newer state.
	}
}

func (d *Dispatcher) runMirror() {
	defer close(d.mirrorDone)
	for {
		select {
		case <-d.mirrorKick:
			d.syncMirror()
		case done := <-d.mirrorFlush:
			select {
			case <-d.mirrorKick:
				d.syncMirror()
			default:
			}
			close(done)
		case <-d.stop:
			d.syncMirror()
			return
		}
	}
}

func (d *Dispatcher) syncMirror() {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorSyncTimeout)
	defer cancel()
	if err := d.mirror.Sync(ctx, d.presence.Snapshot()); err != nil {
		d.log.Warn("presence mirror sync failed", "err", err)
	}
}

// RefreshPresence re-publishes the registry to the mirror every interval so
// the mirrored hash does not expire while the process is healthy.
func (d *Dispatcher) RefreshPresence(ctx context.Context, interval time.Duration) {
	if d.mirrorKick == nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-t.C:
			d.kickMirror()
		}
	}
}

// persist queues the history row for a terminal outcome. The in-memory
// transition has already happened; a failed or dropped write is logged only.
func (d *Dispatcher) persist(ctx context.Context, s calls.Session, outcome calls.Outcome, durationSeconds int) {
	metrics.CallOutcomes.WithLabelValues(string(outcome)).Inc()
	if d.history == nil {
		return
	}
	job := persistJob{
		ctx:      context.WithoutCancel(ctx),
		session:  s,
		outcome:  outcome,
		duration: durationSeconds,
	}

	d.stopMu.RLock()
	defer d.stopMu.RUnlock()
	if d.stopped {
		d.dropPersist(job, "stopped")
		return
	}
	d.persistPending.Add(1)
	select {
	case d.persistQueue <- job:
	default:
		d.persistPending.Done()
		d.dropPersist(job, "queue_full")
	}
}

func (d *Dispatcher) dropPersist(job persistJob, reason string) {
	metrics.HistoryQueueDropped.Inc()
	d.log.Error("call history write dropped",
		"call_id", job.session.ID,
		"outcome", job.outcome,
		"reason", reason,
	)
}

func (d *Dispatcher) runPersist() {
	defer close(d.persistDone)
	for job := range d.persistQueue {
		d.write(job)
		d.persistPending.Done()
	}
}

func (d *Dispatcher) write(job persistJob) {
	ctx, cancel := context.WithTimeout(job.ctx, d.persistTimeout)
	defer cancel()
	s := job.session
	if err := d.history.RecordCallHistory(ctx, s.ID, s.CallerID, s.ReceiverID, job.outcome, job.duration); err != nil {
		d.log.Error("call history write failed",
			"call_id", s.ID,
			"outcome", job.outcome,
			"err", err,
		)
	}
}

// Shutdown stops accepting history writes, then waits until the queued ones
// are written and the mirror holds the final registry, or until ctx expires.
// Call it after every connection has been disconnected.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.stopMu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.stop)
		if d.persistQueue != nil {
			close(d.persistQueue)
		}
	}
	d.stopMu.Unlock()

	for _, done := range []chan struct{}{d.persistDone, d.mirrorDone} {
		if done == nil {
			continue
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// flush blocks until every queued history write has finished and the mirror
// has published the current registry.
func (d *Dispatcher) flush() {
	d.persistPending.Wait()
	if d.mirrorFlush == nil {
		return
	}
	done := make(chan struct{})
	select {
	case d.mirrorFlush <- done:
		<-done
	case <-d.mirrorDone:
	}
}

func (d *Dispatcher) drop(event, reason string, attrs ...any) {
	metrics.EventsDropped.WithLabelValues(metricEvent(event), reason).Inc()
	d.log.Debug("event dropped", append([]any{"event", event, "reason", reason}, attrs...)...)
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, calls.ErrNotFound):
		return "not_found"
	case errors.Is(err, calls.ErrAlreadyResolved):
		return "already_resolved"
	default:
		return "invalid"
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(data, v)
}

// metricEvent bounds label cardinality to the known event names.
func metricEvent(event string) string {
	switch event {
	case EventUserOnline, EventUserOffline,
		EventCallInitiate, EventCallAnswer, EventCallReject, EventCallCancel, EventCallEnd,
		EventNegotiationOffer, EventNegotiationAnswer, EventNegotiationCandidate:
		return event
	default:
		return "other"
	}
}
