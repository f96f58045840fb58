package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestCampaign(t *testing.T, repo *MemoryRepository, status string) *Campaign {
	t.Helper()
	c := &Campaign{
		ID:           uuid.New(),
		TenantID:     uuid.New(),
		Name:         "spring promo",
		TemplateBody: "Oi {nome}",
		Channel:      ChannelWhatsApp,
		Status:       status,
		PeriodUnit:   PeriodHour,
	}
	if err := repo.CreateCampaign(context.Background(), c); err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	return c
}

func attach(t *testing.T, repo *MemoryRepository, campaignID uuid.UUID, n int) []*Recipient {
	t.Helper()
	rs := make([]*Recipient, n)
	for i := range rs {
		rs[i] = &Recipient{ContactID: uuid.New(), Name: "contact", Phone: "+55119999000"}
	}
	if _, err := repo.ReplaceRecipients(context.Background(), campaignID, rs, []string{StatusRunning}); err != nil {
		t.Fatalf("replace recipients: %v", err)
	}
	return rs
}

func TestMemoryRepository_GetMissing(t *testing.T) {
	repo := NewMemoryRepository(nil)
	if _, err := repo.GetCampaign(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryRepository_TransitionIsCompareAndSwap(t *testing.T) {
	repo := NewMemoryRepository(func() time.Time { return testNow })
	ctx := context.Background()
	c := newTestCampaign(t, repo, StatusDraft)

	if _, err := repo.TransitionCampaign(ctx, c.ID, []string{StatusRunning}, StatusPaused); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	got, err := repo.TransitionCampaign(ctx, c.ID, []string{StatusDraft}, StatusCancelled)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}
}

func TestMemoryRepository_ClaimOnlyOnce(t *testing.T) {
	repo := NewMemoryRepository(func() time.Time { return testNow })
	ctx := context.Background()
	c := newTestCampaign(t, repo, StatusDraft)

	if _, err := repo.ScheduleCampaign(ctx, c.ID, ScheduleParams{StartAt: testNow, PeriodUnit: PeriodHour}, []string{StatusDraft}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	_, reclaimed, err := repo.ClaimCampaign(ctx, c.ID, "runner-a", testNow, time.Minute)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if reclaimed {
		t.Error("a fresh claim is not a reclaim")
	}
	if _, _, err := repo.ClaimCampaign(ctx, c.ID, "runner-b", testNow, time.Minute); !errors.Is(err, ErrConflict) {
		t.Fatalf("second claim should conflict, got %v", err)
	}

	// An expired lease can be taken over.
	got, reclaimed, err := repo.ClaimCampaign(ctx, c.ID, "runner-b", testNow.Add(2*time.Minute), time.Minute)
	if err != nil {
		t.Fatalf("takeover claim: %v", err)
	}
	if *got.LeaseOwner != "runner-b" {
		t.Errorf("expected runner-b to own the lease, got %s", *got.LeaseOwner)
	}
	if !reclaimed {
		t.Error("takeover of an expired lease should report reclaimed")
	}
	if err := repo.RenewLease(ctx, c.ID, "runner-a", testNow.Add(time.Hour)); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale owner should not renew, got %v", err)
	}
}

func TestMemoryRepository_PausedExecutionKeepsLease(t *testing.T) {
	repo := NewMemoryRepository(func() time.Time { return testNow })
	ctx := context.Background()
	c := newTestCampaign(t, repo, StatusDraft)

	repo.ScheduleCampaign(ctx, c.ID, ScheduleParams{StartAt: testNow, PeriodUnit: PeriodHour}, []string{StatusDraft})
	if _, _, err := repo.ClaimCampaign(ctx, c.ID, "runner-a", testNow, time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}

	paused, err := repo.TransitionCampaign(ctx, c.ID, []string{StatusRunning}, StatusPaused)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if paused.LeaseOwner == nil || *paused.LeaseOwner != "runner-a" {
		t.Fatalf("pause should keep the lease, got %v", paused.LeaseOwner)
	}
	if _, err := repo.TransitionCampaign(ctx, c.ID, []string{StatusPaused}, StatusScheduled); err != nil {
		t.Fatalf("resume: %v", err)
	}

	// The worker of runner-a has not exited yet.
	if _, _, err := repo.ClaimCampaign(ctx, c.ID, "runner-b", testNow, time.Minute); !errors.Is(err, ErrConflict) {
		t.Fatalf("claim under a live lease should conflict, got %v", err)
	}
	if due, _ := repo.ListDueCampaigns(ctx, testNow, 10); len(due) != 0 {
		t.Fatalf("leased campaign should not be due, got %v", due)
	}

	if err := repo.DropLease(ctx, c.ID, "runner-b"); !errors.Is(err, ErrConflict) {
		t.Fatalf("non-owner drop should conflict, got %v", err)
	}
	if err := repo.DropLease(ctx, c.ID, "runner-a"); err != nil {
		t.Fatalf("drop lease: %v", err)
	}

	_, reclaimed, err := repo.ClaimCampaign(ctx, c.ID, "runner-b", testNow, time.Minute)
	if err != nil {
		t.Fatalf("claim after hand back: %v", err)
	}
	if reclaimed {
		t.Error("claim after a hand back is not a reclaim")
	}
}

func TestMemoryRepository_ClaimRespectsStartAt(t *testing.T) {
	repo := NewMemoryRepository(func() time.Time { return testNow })
	ctx := context.Background()
	c := newTestCampaign(t, repo, StatusDraft)

	start := testNow.Add(time.Hour)
	repo.ScheduleCampaign(ctx, c.ID, ScheduleParams{StartAt: start}, []string{StatusDraft})

	if _, _, err := repo.ClaimCampaign(ctx, c.ID, "r", testNow, time.Minute); !errors.Is(err, ErrConflict) {
		t.Fatalf("claim before start_at should conflict, got %v", err)
	}
	due, _ := repo.ListDueCampaigns(ctx, testNow, 10)
	if len(due) != 0 {
		t.Fatalf("expected nothing due, got %v", due)
	}

	due, _ = repo.ListDueCampaigns(ctx, start, 10)
	if len(due) != 1 || due[0] != c.ID {
		t.Fatalf("expected campaign due at start_at, got %v", due)
	}
}

func TestMemoryRepository_ReplaceRecipientsBlockedWhileRunning(t *testing.T) {
	repo := NewMemoryRepository(func() time.Time { return testNow })
	ctx := context.Background()
	c := newTestCampaign(t, repo, StatusRunning)

	_, err := repo.ReplaceRecipients(ctx, c.ID, []*Recipient{{ContactID: uuid.New()}}, []string{StatusRunning})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	counts, _ := repo.CountRecipientsByStatus(ctx, c.ID)
	if counts.Total() != 0 {
		t.Fatalf("recipient set should be unchanged, got %+v", counts)
	}
}

func TestMemoryRepository_RecipientLifecycle(t *testing.T) {
	repo := NewMemoryRepository(func() time.Time { return testNow })
	ctx := context.Background()
	c := newTestCampaign(t, repo, StatusDraft)
	rs := attach(t, repo, c.ID, 3)

	repo.ScheduleCampaign(ctx, c.ID, ScheduleParams{StartAt: testNow}, []string{StatusDraft})
	if _, _, err := repo.ClaimCampaign(ctx, c.ID, "owner", testNow, time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}

	next, err := repo.NextScheduledRecipient(ctx, c.ID)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next.ID != rs[0].ID {
		t.Fatalf("expected first attached recipient, got %d", next.ID)
	}

	if err := repo.MarkRecipientSending(ctx, c.ID, next.ID, "intruder", "hi"); !errors.Is(err, ErrConflict) {
		t.Fatalf("non-owner claim should conflict, got %v", err)
	}
	if err := repo.MarkRecipientSending(ctx, c.ID, next.ID, "owner", "hi"); err != nil {
		t.Fatalf("mark sending: %v", err)
	}
	if err := repo.MarkRecipientSending(ctx, c.ID, next.ID, "owner", "hi"); !errors.Is(err, ErrConflict) {
		t.Fatalf("double claim should conflict, got %v", err)
	}
	if err := repo.MarkRecipientSent(ctx, c.ID, next.ID, testNow); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	second, _ := repo.NextScheduledRecipient(ctx, c.ID)
	repo.MarkRecipientSending(ctx, c.ID, second.ID, "owner", "hi")

	n, err := repo.FailInterruptedRecipients(ctx, c.ID, "interrupted")
	if err != nil || n != 1 {
		t.Fatalf("expected one interrupted recipient, got %d, %v", n, err)
	}

	counts, _ := repo.CountRecipientsByStatus(ctx, c.ID)
	want := StatusCounts{Scheduled: 1, Sent: 1, Failed: 1}
	if counts != want {
		t.Fatalf("counts = %+v, want %+v", counts, want)
	}

	sends, _ := repo.RecentSendTimes(ctx, c.ID, testNow.Add(-time.Minute))
	if len(sends) != 1 || !sends[0].Equal(testNow) {
		t.Fatalf("unexpected send history: %v", sends)
	}
}

func TestMemoryRepository_ResetRecipients(t *testing.T) {
	repo := NewMemoryRepository(func() time.Time { return testNow })
	ctx := context.Background()
	c := newTestCampaign(t, repo, StatusDraft)
	attach(t, repo, c.ID, 2)

	repo.ScheduleCampaign(ctx, c.ID, ScheduleParams{StartAt: testNow}, []string{StatusDraft})
	repo.ClaimCampaign(ctx, c.ID, "owner", testNow, time.Minute)
	r, _ := repo.NextScheduledRecipient(ctx, c.ID)
	repo.MarkRecipientSending(ctx, c.ID, r.ID, "owner", "hi")
	repo.MarkRecipientFailed(ctx, c.ID, r.ID, "invalid number")

	if _, err := repo.ResetRecipients(ctx, c.ID, []string{RecipientFailed}, []string{StatusRunning}); !errors.Is(err, ErrConflict) {
		t.Fatalf("reset while running should conflict, got %v", err)
	}

	repo.ReleaseCampaign(ctx, c.ID, "owner", StatusPaused, nil)
	n, err := repo.ResetRecipients(ctx, c.ID, []string{RecipientFailed}, []string{StatusRunning})
	if err != nil || n != 1 {
		t.Fatalf("expected one reset, got %d, %v", n, err)
	}

	counts, _ := repo.CountRecipientsByStatus(ctx, c.ID)
	if counts.Scheduled != 2 {
		t.Fatalf("expected both recipients scheduled, got %+v", counts)
	}
}

func TestMemoryRepository_Rearm(t *testing.T) {
	repo := NewMemoryRepository(func() time.Time { return testNow })
	ctx := context.Background()
	c := newTestCampaign(t, repo, StatusDraft)
	attach(t, repo, c.ID, 1)

	repo.ScheduleCampaign(ctx, c.ID, ScheduleParams{StartAt: testNow, Recurrence: "@daily"}, []string{StatusDraft})
	repo.ClaimCampaign(ctx, c.ID, "owner", testNow, time.Minute)
	r, _ := repo.NextScheduledRecipient(ctx, c.ID)
	repo.MarkRecipientSending(ctx, c.ID, r.ID, "owner", "hi")
	repo.MarkRecipientSent(ctx, c.ID, r.ID, testNow)

	next := testNow.Add(24 * time.Hour)
	if err := repo.RearmCampaign(ctx, c.ID, "owner", next); err != nil {
		t.Fatalf("rearm: %v", err)
	}

	got, _ := repo.GetCampaign(ctx, c.ID)
	if got.Status != StatusScheduled || !got.StartAt.Equal(next) || got.LeaseOwner != nil {
		t.Fatalf("unexpected campaign after rearm: %+v", got)
	}
	counts, _ := repo.CountRecipientsByStatus(ctx, c.ID)
	if counts.Scheduled != 1 {
		t.Fatalf("expected recipient reset, got %+v", counts)
	}
}

func TestMemoryRepository_ReturnsCopies(t *testing.T) {
	repo := NewMemoryRepository(nil)
	c := newTestCampaign(t, repo, StatusDraft)

	got, _ := repo.GetCampaign(context.Background(), c.ID)
	got.Name = "mutated"

	again, _ := repo.GetCampaign(context.Background(), c.ID)
	if again.Name != "spring promo" {
		t.Fatalf("store state leaked through returned pointer: %q", again.Name)
	}
}

func TestMemoryRepository_ListContactsByIDs(t *testing.T) {
	repo := NewMemoryRepository(nil)
	ctx := context.Background()
	tenant := uuid.New()

	mine := &Contact{ID: uuid.New(), TenantID: tenant, Name: "Ana"}
	other := &Contact{ID: uuid.New(), TenantID: uuid.New(), Name: "Bia"}
	repo.CreateContact(ctx, mine)
	repo.CreateContact(ctx, other)

	got, err := repo.ListContactsByIDs(ctx, tenant, []uuid.UUID{mine.ID, other.ID, uuid.New()})
	if err != nil {
		t.Fatalf("list contacts: %v", err)
	}
	if len(got) != 1 || got[0].ID != mine.ID {
		t.Fatalf("expected only the tenant's contact, got %+v", got)
	}
}
