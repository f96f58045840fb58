package campaign_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/campaign"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/events"
	"github.com/lalithlochan/courier/internal/ratelimit"
	"github.com/lalithlochan/courier/internal/worker"
)

type fakeSender struct {
	mu     sync.Mutex
	sent   []*worker.Message
	reject map[string]bool
	onSend func(n int)
}

func (f *fakeSender) Send(ctx context.Context, msg *worker.Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	n := len(f.sent)
	hook := f.onSend
	rejected := f.reject[msg.To]
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if rejected {
		return errors.New("whatsapp gateway rejected message: 400")
	}
	return nil
}

func (f *fakeSender) SupportsChannel(string) bool { return true }

func (f *fakeSender) messages() []*worker.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*worker.Message(nil), f.sent...)
}

type env struct {
	svc      *campaign.Service
	store    *db.MemoryRepository
	runner   *worker.Runner
	clock    *worker.FakeClock
	sender   *fakeSender
	recorder *events.Recorder
	tenant   uuid.UUID
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clock := worker.NewFakeClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	store := db.NewMemoryRepository(clock.Now)
	sender := &fakeSender{reject: map[string]bool{}}
	recorder := &events.Recorder{}
	emitter := events.NewEmitter(zap.NewNop(), recorder)

	runner := worker.NewRunner(store, sender, ratelimit.NewMemory(clock.Now),
		worker.Config{Owner: "test-runner", LeaseTTL: 30 * time.Second},
		zap.NewNop(), worker.WithClock(clock), worker.WithEvents(emitter))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		runner.Shutdown(ctx)
	})

	svc := campaign.NewService(store, runner, zap.NewNop(),
		campaign.WithEvents(emitter), campaign.WithClock(clock.Now))

	return &env{
		svc:      svc,
		store:    store,
		runner:   runner,
		clock:    clock,
		sender:   sender,
		recorder: recorder,
		tenant:   uuid.New(),
	}
}

func (e *env) contacts(t *testing.T, names ...string) []uuid.UUID {
	t.Helper()
	ids := make([]uuid.UUID, len(names))
	for i, n := range names {
		c := &db.Contact{
			ID:         uuid.New(),
			TenantID:   e.tenant,
			Name:       n,
			Phone:      "+55 11 9999-" + n,
			Email:      n + "@example.com",
			Attributes: map[string]string{"cidade": "Recife"},
		}
		require.NoError(t, e.store.CreateContact(context.Background(), c))
		ids[i] = c.ID
	}
	return ids
}

func (e *env) draft(t *testing.T, template string) *db.Campaign {
	t.Helper()
	c, err := e.svc.Create(context.Background(), campaign.Input{
		TenantID:     e.tenant,
		Name:         "spring promo",
		TemplateBody: template,
	})
	require.NoError(t, err)
	return c
}

func (e *env) wait(t *testing.T, id uuid.UUID) {
	t.Helper()
	require.Eventually(t, func() bool { return !e.runner.Active(id) }, 5*time.Second, time.Millisecond)
}

func TestCreate_Validation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	neg := -1

	tests := []struct {
		name string
		in   campaign.Input
	}{
		{"missing tenant", campaign.Input{Name: "a", TemplateBody: "b"}},
		{"blank name", campaign.Input{TenantID: e.tenant, Name: "  ", TemplateBody: "b"}},
		{"blank template", campaign.Input{TenantID: e.tenant, Name: "a", TemplateBody: " "}},
		{"negative delay", campaign.Input{TenantID: e.tenant, Name: "a", TemplateBody: "b", DelaySeconds: -5}},
		{"negative max", campaign.Input{TenantID: e.tenant, Name: "a", TemplateBody: "b", MaxMessagesPerPeriod: &neg}},
		{"bad period", campaign.Input{TenantID: e.tenant, Name: "a", TemplateBody: "b", PeriodUnit: "year"}},
		{"bad channel", campaign.Input{TenantID: e.tenant, Name: "a", TemplateBody: "b", Channel: "fax"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.svc.Create(ctx, tt.in)
			require.ErrorIs(t, err, campaign.ErrValidation)
		})
	}
}

func TestCreate_Defaults(t *testing.T) {
	e := newEnv(t)
	c := e.draft(t, "Oi {nome}")

	require.Equal(t, db.StatusDraft, c.Status)
	require.Equal(t, db.ChannelWhatsApp, c.Channel)
	require.Equal(t, db.PeriodHour, c.PeriodUnit)

	got, err := e.svc.Get(context.Background(), c.ID)
	require.NoError(t, err)
	require.Equal(t, c.Name, got.Name)

	list, err := e.svc.List(context.Background(), e.tenant, 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestGet_NotFound(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.Get(context.Background(), uuid.New())
	require.ErrorIs(t, err, campaign.ErrNotFound)
}

func TestSetRecipients_DedupesInOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.draft(t, "Oi {nome}")
	ids := e.contacts(t, "ana", "bia", "caio")

	n, err := e.svc.SetRecipients(ctx, c.ID, []uuid.UUID{ids[1], ids[0], ids[1], ids[2], ids[0]})
	require.NoError(t, err)
	require.Equal(t, 3, n)

	rs, err := e.store.ListRecipients(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{ids[1], ids[0], ids[2]}, []uuid.UUID{rs[0].ContactID, rs[1].ContactID, rs[2].ContactID})
	for _, r := range rs {
		require.Equal(t, db.RecipientScheduled, r.Status)
	}
}

func TestSetRecipients_Errors(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.draft(t, "Oi {nome}")
	ids := e.contacts(t, "ana")

	_, err := e.svc.SetRecipients(ctx, c.ID, nil)
	require.ErrorIs(t, err, campaign.ErrValidation)

	_, err = e.svc.SetRecipients(ctx, c.ID, []uuid.UUID{ids[0], uuid.New()})
	require.ErrorIs(t, err, campaign.ErrValidation)

	_, err = e.svc.SetRecipients(ctx, uuid.New(), ids)
	require.ErrorIs(t, err, campaign.ErrNotFound)

	_, err = e.store.TransitionCampaign(ctx, c.ID, []string{db.StatusDraft}, db.StatusRunning)
	require.NoError(t, err)
	_, err = e.svc.SetRecipients(ctx, c.ID, ids)
	require.ErrorIs(t, err, campaign.ErrInvalidState)
}

func TestSetRecipients_IgnoresOtherTenantsContacts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.draft(t, "Oi {nome}")

	foreign := &db.Contact{ID: uuid.New(), TenantID: uuid.New(), Name: "x", Phone: "1"}
	require.NoError(t, e.store.CreateContact(ctx, foreign))

	_, err := e.svc.SetRecipients(ctx, c.ID, []uuid.UUID{foreign.ID})
	require.ErrorIs(t, err, campaign.ErrValidation)
}

func TestSchedule_RequiresRecipients(t *testing.T) {
	e := newEnv(t)
	c := e.draft(t, "Oi {nome}")

	_, err := e.svc.Schedule(context.Background(), c.ID, campaign.ScheduleInput{})
	require.ErrorIs(t, err, campaign.ErrValidation)

	got, _ := e.svc.Get(context.Background(), c.ID)
	require.Equal(t, db.StatusDraft, got.Status)
}

func TestSchedule_RejectsBadParameters(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.draft(t, "Oi {nome}")
	_, err := e.svc.SetRecipients(ctx, c.ID, e.contacts(t, "ana"))
	require.NoError(t, err)

	neg := -1
	unit := "fortnight"
	bad := []campaign.ScheduleInput{
		{DelaySeconds: &neg},
		{MaxMessagesPerPeriod: &neg},
		{PeriodUnit: &unit},
		{Recurrence: "every tuesday"},
	}
	for _, in := range bad {
		_, err := e.svc.Schedule(ctx, c.ID, in)
		require.ErrorIs(t, err, campaign.ErrValidation)
	}
}

func TestSchedule_RunsToCompletion(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.draft(t, "Oi {nome}, novidades em {cidade}")
	_, err := e.svc.SetRecipients(ctx, c.ID, e.contacts(t, "ana", "bia", "caio"))
	require.NoError(t, err)

	// Progress is consistent mid-run: the message in flight is "sending".
	e.sender.onSend = func(n int) {
		st, err := e.svc.Stats(ctx, c.ID)
		if assert.NoError(t, err) {
			assert.Equal(t, 3, st.Total)
			assert.Equal(t, 1, st.Totals.Sending)
			assert.Equal(t, n-1, st.Totals.Sent)
		}
	}

	_, err = e.svc.Schedule(ctx, c.ID, campaign.ScheduleInput{})
	require.NoError(t, err)
	e.wait(t, c.ID)

	st, err := e.svc.Stats(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, db.StatusCompleted, st.Campaign.Status)
	require.Equal(t, db.StatusCounts{Sent: 3}, st.Totals)
	require.Equal(t, st.Total, st.Totals.Scheduled+st.Totals.Sending+st.Totals.Sent+st.Totals.Failed)

	msgs := e.sender.messages()
	require.Len(t, msgs, 3)
	require.Equal(t, "Oi ana, novidades em Recife", msgs[0].Body)
	require.Equal(t, "Oi caio, novidades em Recife", msgs[2].Body)

	require.Equal(t,
		[]events.Type{events.CampaignScheduled, events.CampaignRunning, events.CampaignCompleted},
		e.recorder.Types(c.ID))
}

func TestSchedule_FutureStartWaitsForPoller(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.draft(t, "Oi {nome}")
	_, err := e.svc.SetRecipients(ctx, c.ID, e.contacts(t, "ana"))
	require.NoError(t, err)

	startAt := e.clock.Now().Add(2 * time.Hour)
	got, err := e.svc.Schedule(ctx, c.ID, campaign.ScheduleInput{StartAt: &startAt})
	require.NoError(t, err)
	require.Equal(t, db.StatusScheduled, got.Status)
	require.False(t, e.runner.Active(c.ID))

	e.runner.Poll(ctx)
	require.Empty(t, e.sender.messages())

	e.clock.Advance(2 * time.Hour)
	e.runner.Poll(ctx)
	e.wait(t, c.ID)

	got, _ = e.svc.Get(ctx, c.ID)
	require.Equal(t, db.StatusCompleted, got.Status)
	require.Len(t, e.sender.messages(), 1)
}

func TestSchedule_ConcurrentCallsStartOneWorker(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.draft(t, "Oi {nome}")
	_, err := e.svc.SetRecipients(ctx, c.ID, e.contacts(t, "a", "b", "c", "d", "e"))
	require.NoError(t, err)

	// Hold the first send until every call has returned, so none of them
	// sees the campaign already completed.
	release := make(chan struct{})
	e.sender.onSend = func(n int) {
		if n == 1 {
			<-release
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.svc.Schedule(ctx, c.ID, campaign.ScheduleInput{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	close(release)
	e.wait(t, c.ID)

	msgs := e.sender.messages()
	require.Len(t, msgs, 5)
	seen := map[int64]bool{}
	for _, m := range msgs {
		require.False(t, seen[m.RecipientID], "recipient %d sent twice", m.RecipientID)
		seen[m.RecipientID] = true
	}

	running := 0
	for _, typ := range e.recorder.Types(c.ID) {
		if typ == events.CampaignRunning {
			running++
		}
	}
	require.Equal(t, 1, running)
}

func TestSchedule_IdempotentWhileScheduled(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.draft(t, "Oi {nome}")
	_, err := e.svc.SetRecipients(ctx, c.ID, e.contacts(t, "ana"))
	require.NoError(t, err)

	startAt := e.clock.Now().Add(time.Hour)
	first, err := e.svc.Schedule(ctx, c.ID, campaign.ScheduleInput{StartAt: &startAt})
	require.NoError(t, err)

	later := startAt.Add(time.Hour)
	second, err := e.svc.Schedule(ctx, c.ID, campaign.ScheduleInput{StartAt: &later})
	require.NoError(t, err)
	require.True(t, first.StartAt.Equal(*second.StartAt), "re-schedule must not change a scheduled campaign")
}

func TestPauseResume_NeverResends(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.draft(t, "Oi {nome}")
	names := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	_, err := e.svc.SetRecipients(ctx, c.ID, e.contacts(t, names...))
	require.NoError(t, err)

	paused := make(chan error, 1)
	e.sender.onSend = func(n int) {
		if n != 3 {
			return
		}
		go func() {
			_, err := e.svc.Pause(ctx, c.ID)
			paused <- err
		}()
		// Hold the third send until the pause has landed.
		assert.Eventually(t, func() bool {
			got, _ := e.store.GetCampaign(ctx, c.ID)
			return got.Status == db.StatusPaused
		}, 5*time.Second, time.Millisecond)
	}

	_, err = e.svc.Schedule(ctx, c.ID, campaign.ScheduleInput{})
	require.NoError(t, err)
	require.NoError(t, <-paused)
	require.False(t, e.runner.Active(c.ID))

	st, err := e.svc.Stats(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, db.StatusPaused, st.Campaign.Status)
	require.Equal(t, db.StatusCounts{Sent: 3, Scheduled: 7}, st.Totals)

	e.sender.mu.Lock()
	e.sender.onSend = nil
	e.sender.mu.Unlock()

	_, err = e.svc.Resume(ctx, c.ID)
	require.NoError(t, err)
	e.wait(t, c.ID)

	st, err = e.svc.Stats(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, db.StatusCompleted, st.Campaign.Status)
	require.Equal(t, db.StatusCounts{Sent: 10}, st.Totals)

	msgs := e.sender.messages()
	require.Len(t, msgs, 10)
	seen := map[int64]bool{}
	for _, m := range msgs {
		require.False(t, seen[m.RecipientID], "recipient %d sent twice", m.RecipientID)
		seen[m.RecipientID] = true
	}
}

func TestPause_Guards(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.draft(t, "Oi {nome}")

	_, err := e.svc.Pause(ctx, c.ID)
	require.ErrorIs(t, err, campaign.ErrInvalidState)

	_, err = e.svc.Resume(ctx, c.ID)
	require.ErrorIs(t, err, campaign.ErrInvalidState)

	_, err = e.svc.SetRecipients(ctx, c.ID, e.contacts(t, "ana"))
	require.NoError(t, err)
	startAt := e.clock.Now().Add(time.Hour)
	_, err = e.svc.Schedule(ctx, c.ID, campaign.ScheduleInput{StartAt: &startAt})
	require.NoError(t, err)

	// A scheduled campaign is parked before it ever starts.
	got, err := e.svc.Pause(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, db.StatusPaused, got.Status)

	e.clock.Advance(2 * time.Hour)
	e.runner.Poll(ctx)
	require.Empty(t, e.sender.messages())
}

func TestPause_CallerGoneAfterTransition(t *testing.T) {
	e := newEnv(t)
	c := e.draft(t, "Oi {nome}")
	_, err := e.svc.SetRecipients(context.Background(), c.ID, e.contacts(t, "ana", "bia"))
	require.NoError(t, err)

	inFlight := make(chan struct{})
	release := make(chan struct{})
	e.sender.onSend = func(n int) {
		if n == 1 {
			close(inFlight)
			<-release
		}
	}

	_, err = e.svc.Schedule(context.Background(), c.ID, campaign.ScheduleInput{})
	require.NoError(t, err)
	<-inFlight

	// The client hung up before the worker finished its message.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	type result struct {
		c   *db.Campaign
		err error
	}
	done := make(chan result, 1)
	go func() {
		got, err := e.svc.Pause(ctx, c.ID)
		done <- result{got, err}
	}()
	require.Eventually(t, func() bool {
		got, _ := e.store.GetCampaign(context.Background(), c.ID)
		return got.Status == db.StatusPaused
	}, 5*time.Second, time.Millisecond)

	close(release)
	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, db.StatusPaused, res.c.Status)
	require.False(t, e.runner.Active(c.ID))

	st, err := e.svc.Stats(context.Background(), c.ID)
	require.NoError(t, err)
	require.Equal(t, db.StatusCounts{Sent: 1, Scheduled: 1}, st.Totals)
	require.Nil(t, st.Campaign.LeaseOwner, "worker should hand its lease back on exit")
}

func TestCancel(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.draft(t, "Oi {nome}")
	_, err := e.svc.SetRecipients(ctx, c.ID, e.contacts(t, "a", "b", "c"))
	require.NoError(t, err)

	cancelled := make(chan error, 1)
	e.sender.onSend = func(n int) {
		if n != 1 {
			return
		}
		go func() {
			_, err := e.svc.Cancel(ctx, c.ID)
			cancelled <- err
		}()
		assert.Eventually(t, func() bool {
			got, _ := e.store.GetCampaign(ctx, c.ID)
			return got.Status == db.StatusCancelled
		}, 5*time.Second, time.Millisecond)
	}

	_, err = e.svc.Schedule(ctx, c.ID, campaign.ScheduleInput{})
	require.NoError(t, err)
	require.NoError(t, <-cancelled)

	st, err := e.svc.Stats(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, db.StatusCancelled, st.Campaign.Status)
	// Remaining recipients stay scheduled for a future re-schedule.
	require.Equal(t, db.StatusCounts{Sent: 1, Scheduled: 2}, st.Totals)

	_, err = e.svc.Cancel(ctx, c.ID)
	require.ErrorIs(t, err, campaign.ErrInvalidState)

	e.sender.mu.Lock()
	e.sender.onSend = nil
	e.sender.mu.Unlock()

	// Re-scheduling a cancelled campaign continues where it stopped.
	_, err = e.svc.Schedule(ctx, c.ID, campaign.ScheduleInput{})
	require.NoError(t, err)
	e.wait(t, c.ID)

	st, _ = e.svc.Stats(ctx, c.ID)
	require.Equal(t, db.StatusCompleted, st.Campaign.Status)
	require.Equal(t, db.StatusCounts{Sent: 3}, st.Totals)
	require.Len(t, e.sender.messages(), 3)
}

func TestUpdateAndDelete_BlockedWhileRunning(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.draft(t, "Oi {nome}")

	_, err := e.store.TransitionCampaign(ctx, c.ID, []string{db.StatusDraft}, db.StatusRunning)
	require.NoError(t, err)

	_, err = e.svc.Update(ctx, c.ID, campaign.Input{Name: "new", TemplateBody: "x"})
	require.ErrorIs(t, err, campaign.ErrInvalidState)
	require.ErrorIs(t, e.svc.Delete(ctx, c.ID), campaign.ErrInvalidState)

	_, err = e.store.TransitionCampaign(ctx, c.ID, []string{db.StatusRunning}, db.StatusPaused)
	require.NoError(t, err)

	updated, err := e.svc.Update(ctx, c.ID, campaign.Input{Name: "new", TemplateBody: "Olá {nome}", DelaySeconds: 3})
	require.NoError(t, err)
	require.Equal(t, "new", updated.Name)
	require.Equal(t, 3, updated.DelaySeconds)
	require.Equal(t, e.tenant, updated.TenantID)

	require.NoError(t, e.svc.Delete(ctx, c.ID))
	_, err = e.svc.Get(ctx, c.ID)
	require.ErrorIs(t, err, campaign.ErrNotFound)
}

func TestResendFailed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.draft(t, "Oi {nome}")
	_, err := e.svc.SetRecipients(ctx, c.ID, e.contacts(t, "ana", "bia", "caio"))
	require.NoError(t, err)
	e.sender.reject["+55 11 9999-bia"] = true

	_, err = e.svc.Schedule(ctx, c.ID, campaign.ScheduleInput{})
	require.NoError(t, err)
	e.wait(t, c.ID)

	st, _ := e.svc.Stats(ctx, c.ID)
	require.Equal(t, db.StatusCompleted, st.Campaign.Status)
	require.Equal(t, db.StatusCounts{Sent: 2, Failed: 1}, st.Totals)

	e.sender.mu.Lock()
	e.sender.reject = map[string]bool{}
	e.sender.mu.Unlock()

	n, err := e.svc.ResendFailed(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = e.svc.Schedule(ctx, c.ID, campaign.ScheduleInput{})
	require.NoError(t, err)
	e.wait(t, c.ID)

	st, _ = e.svc.Stats(ctx, c.ID)
	require.Equal(t, db.StatusCounts{Sent: 3}, st.Totals)

	msgs := e.sender.messages()
	require.Len(t, msgs, 4, "only the failed recipient is sent again")
	require.Equal(t, "+55 11 9999-bia", msgs[3].To)
}

func TestPreview(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.draft(t, "Oi {nome} ({email}) de {cidade}, {desconhecido}")
	ids := e.contacts(t, "ana")

	text, err := e.svc.Preview(ctx, c.ID, ids[0])
	require.NoError(t, err)
	require.Equal(t, "Oi ana (ana@example.com) de Recife, {desconhecido}", text)

	_, err = e.svc.Preview(ctx, c.ID, uuid.New())
	require.ErrorIs(t, err, campaign.ErrNotFound)
}

func TestList_ScopedToTenant(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		e.draft(t, "Oi")
	}
	_, err := e.svc.Create(ctx, campaign.Input{TenantID: uuid.New(), Name: "other", TemplateBody: "x"})
	require.NoError(t, err)

	list, err := e.svc.List(ctx, e.tenant, 2, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)

	list, err = e.svc.List(ctx, e.tenant, 2, 2)
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = e.svc.List(ctx, uuid.Nil, 10, 0)
	require.ErrorIs(t, err, campaign.ErrValidation)
}
