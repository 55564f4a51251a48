package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"videocall-platform/internal/calls"
)

type recordingPublisher struct {
	got []Record
	err error
}

func (p *recordingPublisher) Publish(ctx context.Context, r Record) error {
	p.got = append(p.got, r)
	return p.err
}

func TestService_RecordCallHistoryAppends(t *testing.T) {
	repo := NewMemoryRepo()
	pub := &recordingPublisher{}
	svc := NewService(repo, pub)

	if err := svc.RecordCallHistory(context.Background(), "call-1", 1, 2, calls.OutcomeAnswered, 42); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	recs := repo.Records()
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if recs[0].Status != calls.OutcomeAnswered || recs[0].DurationSeconds != 42 {
		t.Fatalf("unexpected record: %+v", recs[0])
	}
	if recs[0].StartedAt.IsZero() {
		t.Fatalf("expected started_at stamped")
	}
	if len(pub.got) != 1 || pub.got[0].ID != 1 {
		t.Fatalf("expected published record with id, got %+v", pub.got)
	}
}

func TestService_NonAnsweredOutcomesHaveZeroDuration(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, nil)

	if err := svc.RecordCallHistory(context.Background(), "call-2", 1, 2, calls.OutcomeMissed, 17); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if d := repo.Records()[0].DurationSeconds; d != 0 {
		t.Fatalf("expected duration 0 for missed call, got %d", d)
	}
}

func TestService_RejectsInvalidRecords(t *testing.T) {
	svc := NewService(NewMemoryRepo(), nil)
	ctx := context.Background()

	cases := []Record{
		{CallerID: 0, ReceiverID: 2, Status: calls.OutcomeMissed},
		{CallerID: 1, ReceiverID: 0, Status: calls.OutcomeMissed},
		{CallerID: 1, ReceiverID: 2, Status: "busy"},
		{CallerID: 1, ReceiverID: 2, Status: calls.OutcomeAnswered, DurationSeconds: -1},
	}
	for _, c := range cases {
		if _, err := svc.Save(ctx, c); !errors.Is(err, ErrInvalidRecord) {
			t.Fatalf("expected ErrInvalidRecord for %+v, got %v", c, err)
		}
	}
}

func TestService_RetriesTransientFailures(t *testing.T) {
	repo := NewMemoryRepo()
	repo.FailNext = 2
	svc := NewService(repo, nil)

	if err := svc.RecordCallHistory(context.Background(), "call-3", 1, 2, calls.OutcomeRejected, 0); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if len(repo.Records()) != 1 {
		t.Fatalf("expected exactly one row after retries")
	}
}

func TestService_GivesUpAfterMaxRetries(t *testing.T) {
	repo := NewMemoryRepo()
	repo.FailNext = 100
	svc := NewService(repo, nil)
	svc.maxRetries = 1

	err := svc.RecordCallHistory(context.Background(), "call-4", 1, 2, calls.OutcomeCancelled, 0)
	if !errors.Is(err, ErrInjected) {
		t.Fatalf("expected wrapped ErrInjected, got %v", err)
	}
	if len(repo.Records()) != 0 {
		t.Fatalf("expected no rows written")
	}
}

func TestService_LostAckRetryWritesOneRow(t *testing.T) {
	repo := NewMemoryRepo()
	repo.LoseAckNext = 1
	svc := NewService(repo, nil)

	if err := svc.RecordCallHistory(context.Background(), "call-1", 1, 2, calls.OutcomeAnswered, 12); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	rows := repo.Records()
	if len(rows) != 1 {
		t.Fatalf("expected one row for one call, got %d", len(rows))
	}
	if rows[0].CallID != "call-1" {
		t.Fatalf("expected call id stored, got %q", rows[0].CallID)
	}
}

func TestService_SaveWithoutCallIDIsNotRetried(t *testing.T) {
	repo := NewMemoryRepo()
	repo.LoseAckNext = 1
	svc := NewService(repo, nil)

	_, err := svc.Save(context.Background(), Record{CallerID: 1, ReceiverID: 2, Status: calls.OutcomeMissed})
	if !errors.Is(err, ErrInjected) {
		t.Fatalf("expected the failure reported, got %v", err)
	}
	if len(repo.Records()) != 1 {
		t.Fatalf("expected no duplicate row, got %d", len(repo.Records()))
	}
}

func TestService_PublishFailureDoesNotFailWrite(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, &recordingPublisher{err: errors.New("broker down")})

	if err := svc.RecordCallHistory(context.Background(), "call-5", 1, 2, calls.OutcomeMissed, 0); err != nil {
		t.Fatalf("expected publish failure swallowed, got %v", err)
	}
	if len(repo.Records()) != 1 {
		t.Fatalf("expected row written")
	}
}

func TestService_ListNewestFirstWithNames(t *testing.T) {
	repo := NewMemoryRepo()
	repo.SetName(1, "alice")
	repo.SetName(2, "bob")
	svc := NewService(repo, nil)
	ctx := context.Background()

	base := time.Unix(1700000000, 0).UTC()
	_, _ = svc.Save(ctx, Record{CallerID: 1, ReceiverID: 2, Status: calls.OutcomeMissed, StartedAt: base})
	_, _ = svc.Save(ctx, Record{CallerID: 2, ReceiverID: 1, Status: calls.OutcomeAnswered, DurationSeconds: 60, StartedAt: base.Add(time.Minute)})
	_, _ = svc.Save(ctx, Record{CallerID: 3, ReceiverID: 4, Status: calls.OutcomeMissed, StartedAt: base})

	rows, err := svc.List(ctx, 1, 0)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Status != calls.OutcomeAnswered || rows[0].CallerName != "bob" || rows[0].ReceiverName != "alice" {
		t.Fatalf("unexpected first row: %+v", rows[0])
	}

	if _, err := svc.List(ctx, 0, 0); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestService_Summary(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()

	_ = svc.RecordCallHistory(ctx, "call-6", 1, 2, calls.OutcomeAnswered, 30)
	_ = svc.RecordCallHistory(ctx, "call-7", 2, 1, calls.OutcomeAnswered, 50)
	_ = svc.RecordCallHistory(ctx, "call-8", 1, 2, calls.OutcomeMissed, 0)
	_ = svc.RecordCallHistory(ctx, "call-9", 1, 3, calls.OutcomeRejected, 0)
	_ = svc.RecordCallHistory(ctx, "call-10", 3, 1, calls.OutcomeCancelled, 0)

	s, err := svc.Summary(ctx, 1)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if s.TotalCalls != 5 || s.AnsweredCalls != 2 || s.MissedCalls != 1 || s.RejectedCalls != 1 || s.CancelledCalls != 1 {
		t.Fatalf("unexpected counts: %+v", s)
	}
	if s.OutgoingCalls != 3 || s.IncomingCalls != 2 {
		t.Fatalf("unexpected direction counts: %+v", s)
	}
	if s.TotalDurationSeconds != 80 || s.AverageDurationSeconds != 40 {
		t.Fatalf("unexpected durations: %+v", s)
	}
}
