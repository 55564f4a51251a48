package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"videocall-platform/internal/calls"
	"videocall-platform/internal/metrics"
	"videocall-platform/pkg/logger"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultListLimit matches the size of the history pane clients render.
	DefaultListLimit = 50
	maxListLimit     = 200

	writeMaxRetries     = 3
	writeInitialBackoff = 50 * time.Millisecond
	writeMaxBackoff     = time.Second
)

var (
	ErrInvalidRecord  = errors.New("history: invalid record")
	ErrInvalidRequest = errors.New("history: invalid request")
)

// Repository is the persistence contract for call history.
// It is append-only; no Update/Delete methods are provided.
//
// Insert must be idempotent for records that carry a CallID: inserting the
// same call id again returns the id of the existing row.
type Repository interface {
	Insert(ctx context.Context, r Record) (int64, error)
	ListForUser(ctx context.Context, userID int64, limit int) ([]Record, error)
}

// Publisher forwards written records to an event stream. Optional.
type Publisher interface {
	Publish(ctx context.Context, r Record) error
}

// Service records call outcomes and serves history reads.
//
// Callers on the signaling path treat RecordCallHistory as fire-and-forget:
// its error is logged and never rolls back in-memory call state.
type Service struct {
	repo  Repository
	pub   Publisher
	clock func() time.Time

	maxRetries uint64
}

func NewService(repo Repository, pub Publisher) *Service {
	return &Service{repo: repo, pub: pub, clock: time.Now, maxRetries: writeMaxRetries}
}

// RecordCallHistory persists the terminal outcome of callID. Transient
// repository failures are retried with exponential backoff bounded by ctx;
// the call id keeps a retried insert from writing a second row.
func (s *Service) RecordCallHistory(ctx context.Context, callID string, callerID, receiverID int64, status calls.Outcome, durationSeconds int) error {
	_, err := s.Save(ctx, Record{
		CallID:          callID,
		CallerID:        callerID,
		ReceiverID:      receiverID,
		Status:          status,
		DurationSeconds: durationSeconds,
	})
	return err
}

// Save validates, stamps and appends r, returning it with its id. Only
// records with a CallID are retried: without one, a commit whose
// acknowledgement was lost would be written twice.
func (s *Service) Save(ctx context.Context, r Record) (Record, error) {
	if s.repo == nil {
		return Record{}, errors.New("history: repository not configured")
	}
	if err := validate(r); err != nil {
		return Record{}, err
	}
	if r.Status != calls.OutcomeAnswered {
		r.DurationSeconds = 0
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = s.clock().UTC()
	}

	log := logger.From(ctx)
	op := func() error {
		id, err := s.repo.Insert(ctx, r)
		if err != nil {
			return err
		}
		r.ID = id
		return nil
	}
	retries := s.maxRetries
	if r.CallID == "" {
		retries = 0
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(writeInitialBackoff),
				backoff.WithMaxInterval(writeMaxBackoff),
			),
			retries,
		),
		ctx,
	)
	if err := backoff.RetryNotify(op, policy, func(err error, d time.Duration) {
		log.Warn("retrying call history write", "err", err, "next_in", d.String())
	}); err != nil {
		metrics.HistoryWriteFailures.Inc()
		return Record{}, fmt.Errorf("history: insert: %w", err)
	}

	if s.pub != nil {
		if err := s.pub.Publish(ctx, r); err != nil {
			metrics.HistoryPublishFailures.Inc()
			log.Warn("call history publish failed", "err", err, "history_id", r.ID)
		}
	}
	log.Debug("call history recorded",
		slog.Int64("history_id", r.ID),
		slog.String("call_id", r.CallID),
		slog.String("status", string(r.Status)),
		slog.Int("duration", r.DurationSeconds),
	)
	return r, nil
}

// List returns the newest rows where userID is caller or receiver.
func (s *Service) List(ctx context.Context, userID int64, limit int) ([]Record, error) {
	if userID <= 0 {
		return nil, ErrInvalidRequest
	}
	if s.repo == nil {
		return nil, errors.New("history: repository not configured")
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.repo.ListForUser(ctx, userID, limit)
}

// Summary aggregates up to maxListLimit recent rows for userID.
func (s *Service) Summary(ctx context.Context, userID int64) (Summary, error) {
	rows, err := s.List(ctx, userID, maxListLimit)
	if err != nil {
		return Summary{}, err
	}

	out := Summary{UserID: userID}
	for _, r := range rows {
		out.TotalCalls++
		if r.CallerID == userID {
			out.OutgoingCalls++
		} else {
			out.IncomingCalls++
		}
		switch r.Status {
		case calls.OutcomeAnswered:
			out.AnsweredCalls++
			out.TotalDurationSeconds += r.DurationSeconds
		case calls.OutcomeMissed:
			out.MissedCalls++
		case calls.OutcomeRejected:
			out.RejectedCalls++
		case calls.OutcomeCancelled:
			out.CancelledCalls++
		}
	}
	if out.AnsweredCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.AnsweredCalls
	}
	return out, nil
}

func validate(r Record) error {
	if r.CallerID <= 0 || r.ReceiverID <= 0 {
		return ErrInvalidRecord
	}
	if !r.Status.Valid() {
		return ErrInvalidRecord
	}
	if r.DurationSeconds < 0 {
		return ErrInvalidRecord
	}
	return nil
}
