package session_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"voicematch-service/internal/rtc"
	"voicematch-service/internal/service/session"
	"voicematch-service/internal/store"
	appErr "voicematch-service/pkg/errors"
	"voicematch-service/pkg/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type fakeBackend struct {
	mu       sync.Mutex
	failures int
	mints    int
	deleted  []string
}

func (f *fakeBackend) MintJoinToken(ctx context.Context, room, identity string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mints++
	if f.failures > 0 {
		f.failures--
		return "", appErr.ErrBackendUnavailable
	}
	return fmt.Sprintf("tok-%s-%s", room, identity), nil
}

func (f *fakeBackend) DeleteRoom(ctx context.Context, room string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, room)
	return nil
}

var _ rtc.Backend = (*fakeBackend)(nil)

func newSession(t *testing.T, backend rtc.Backend) (*store.Store, *session.Service) {
	t.Helper()
	logger.InitLogger("release")

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	st := store.NewWithConfig(rdb, store.Config{
		TicketTTL:  time.Hour,
		PairingTTL: time.Hour,
		NotifyTTL:  time.Minute,
	})
	svc := session.NewServiceWithConfig(st, backend, nil, session.Config{
		JoinTimeout:        time.Minute,
		ReapInterval:       time.Hour,
		TokenRetryAttempts: 2,
		TokenRetryBackoff:  time.Millisecond,
	})
	return st, svc
}

// makePairing commits a pending pairing for alice and bob with the given
// join deadline, mirroring what the pairing engine does.
func makePairing(t *testing.T, st *store.Store, deadline time.Time) *store.Pairing {
	t.Helper()
	ctx := context.Background()

	a := &store.Ticket{ID: "ticket-alice", UserID: "alice", State: store.TicketWaiting, EnqueuedAt: time.Now()}
	b := &store.Ticket{ID: "ticket-bob", UserID: "bob", State: store.TicketWaiting, EnqueuedAt: time.Now()}
	for _, ticket := range []*store.Ticket{a, b} {
		if err := st.CreateTicket(ctx, ticket); err != nil {
			t.Fatalf("create ticket failed: %v", err)
		}
		if ok, _ := st.ClaimTicket(ctx, ticket.ID); !ok {
			t.Fatalf("claim failed for %s", ticket.ID)
		}
	}

	p := &store.Pairing{
		ID:     uuid.NewString(),
		RoomID: "room-test",
		State:  store.PairingPendingJoin,
		Participants: [2]store.Participant{
			{UserID: "alice", TicketID: a.ID},
			{UserID: "bob", TicketID: b.ID},
		},
		CreatedAt:    time.Now(),
		JoinDeadline: deadline,
	}
	if err := st.CommitPairing(ctx, p, a, b); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	return p
}

func TestBothJoinedActivatesPairing(t *testing.T) {
	ctx := context.Background()
	st, svc := newSession(t, &fakeBackend{})
	p := makePairing(t, st, time.Now().Add(time.Minute))

	got, err := svc.MarkJoined(ctx, p.ID, "alice")
	if err != nil {
		t.Fatalf("alice join failed: %v", err)
	}
	if got.State != store.PairingPendingJoin {
		t.Fatalf("one join must not activate, got %s", got.State)
	}

	// Repeat joins are no-ops.
	if _, err := svc.MarkJoined(ctx, p.ID, "alice"); err != nil {
		t.Fatalf("repeat join errored: %v", err)
	}

	got, err = svc.MarkJoined(ctx, p.ID, "bob")
	if err != nil {
		t.Fatalf("bob join failed: %v", err)
	}
	if got.State != store.PairingActive {
		t.Fatalf("expected active after both joined, got %s", got.State)
	}

	// Active pairings are no longer candidates for join-timeout reaping.
	due, err := st.DuePairingIDs(ctx, time.Now().Add(2*time.Minute))
	if err != nil {
		t.Fatalf("due pairings failed: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected deadline removed after activation, got %v", due)
	}
}

func TestConcurrentJoinsActivatePairing(t *testing.T) {
	ctx := context.Background()
	st, svc := newSession(t, &fakeBackend{})

	for round := 0; round < 25; round++ {
		p := makePairing(t, st, time.Now().Add(time.Minute))

		start := make(chan struct{})
		errs := make(chan error, 2)
		var wg sync.WaitGroup
		for _, user := range []string{"alice", "bob"} {
			wg.Add(1)
			go func(u string) {
				defer wg.Done()
				<-start
				_, err := svc.MarkJoined(ctx, p.ID, u)
				errs <- err
			}(user)
		}
		close(start)
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("round %d: join failed: %v", round, err)
			}
		}

		got, err := st.GetPairing(ctx, p.ID)
		if err != nil {
			t.Fatalf("round %d: get pairing failed: %v", round, err)
		}
		if got.State != store.PairingActive || !got.BothJoined() {
			t.Fatalf("round %d: concurrent joins lost an update: state=%s joinedA=%v joinedB=%v",
				round, got.State,
				got.Participants[0].JoinedAt != nil,
				got.Participants[1].JoinedAt != nil,
			)
		}

		// Free both users for the next round.
		if err := svc.End(ctx, p.ID, "alice"); err != nil {
			t.Fatalf("round %d: end failed: %v", round, err)
		}
	}
}

func TestMarkJoinedNonParticipant(t *testing.T) {
	ctx := context.Background()
	st, svc := newSession(t, &fakeBackend{})
	p := makePairing(t, st, time.Now().Add(time.Minute))

	if _, err := svc.MarkJoined(ctx, p.ID, "mallory"); err != appErr.ErrNotParticipant {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if err := svc.End(ctx, p.ID, "mallory"); err != appErr.ErrNotParticipant {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if _, err := svc.MarkJoined(ctx, "missing", "alice"); err != appErr.ErrPairingNotFound {
		t.Fatalf("expected ErrPairingNotFound, got %v", err)
	}
}

func TestLateJoinRejectedAfterDeadline(t *testing.T) {
	ctx := context.Background()
	st, svc := newSession(t, &fakeBackend{})
	p := makePairing(t, st, time.Now().Add(-time.Second)) // window already over

	if _, err := svc.MarkJoined(ctx, p.ID, "alice"); err != appErr.ErrPairingClosed {
		t.Fatalf("expected ErrPairingClosed for a late join, got %v", err)
	}

	// The pairing is untouched; the reaper owns it now.
	got, err := st.GetPairing(ctx, p.ID)
	if err != nil {
		t.Fatalf("get pairing failed: %v", err)
	}
	if got.State != store.PairingPendingJoin || got.Participants[0].JoinedAt != nil {
		t.Fatalf("late join must not record anything: %+v", got)
	}
}

func TestJoinTimeoutRequeuesJoinedOnly(t *testing.T) {
	ctx := context.Background()
	st, svc := newSession(t, &fakeBackend{})
	p := makePairing(t, st, time.Now().Add(50*time.Millisecond))

	// Only alice shows up inside the window.
	if _, err := svc.MarkJoined(ctx, p.ID, "alice"); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	sub := st.SubscribeMatchEvents(ctx, "alice")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	time.Sleep(80 * time.Millisecond)
	if err := svc.ReapOverdueJoins(ctx); err != nil {
		t.Fatalf("reap failed: %v", err)
	}

	got, err := st.GetPairing(ctx, p.ID)
	if err != nil {
		t.Fatalf("get pairing failed: %v", err)
	}
	if got.State != store.PairingAborted {
		t.Fatalf("expected aborted, got %s", got.State)
	}

	// Alice joined, so she goes back to the front of the line.
	freshID, err := st.TicketIDForUser(ctx, "alice")
	if err != nil {
		t.Fatalf("alice should hold a fresh ticket: %v", err)
	}
	if freshID == "ticket-alice" {
		t.Fatalf("requeue must mint a fresh ticket")
	}
	fresh, err := st.GetTicket(ctx, freshID)
	if err != nil {
		t.Fatalf("get fresh ticket failed: %v", err)
	}
	if fresh.State != store.TicketWaiting {
		t.Fatalf("fresh ticket should be waiting, got %s", fresh.State)
	}

	// The requeue is announced on her event channel with the new ticket.
	select {
	case msg := <-sub.Channel():
		var ev store.QueueEvent
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			t.Fatalf("decode event failed: %v", err)
		}
		if ev.Type != store.EventRequeued || ev.TicketID != freshID {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no requeue event published")
	}

	// Bob never joined and is not re-enqueued.
	if _, err := st.TicketIDForUser(ctx, "bob"); err != appErr.ErrNoSuchTicket {
		t.Fatalf("bob must not be requeued, got %v", err)
	}

	// Reaping again finds nothing to do.
	if err := svc.ReapOverdueJoins(ctx); err != nil {
		t.Fatalf("repeat reap errored: %v", err)
	}
	got, _ = st.GetPairing(ctx, p.ID)
	if got.State != store.PairingAborted {
		t.Fatalf("repeat reap changed state to %s", got.State)
	}
}

func TestAbortLeavesActivePairingAlone(t *testing.T) {
	ctx := context.Background()
	st, svc := newSession(t, &fakeBackend{})
	p := makePairing(t, st, time.Now().Add(time.Minute))

	if _, err := svc.MarkJoined(ctx, p.ID, "alice"); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if _, err := svc.MarkJoined(ctx, p.ID, "bob"); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	// A reaper that scanned the deadline before activation must not
	// clobber the live call.
	if err := svc.Abort(ctx, p.ID, false); err != nil {
		t.Fatalf("abort errored: %v", err)
	}

	got, err := st.GetPairing(ctx, p.ID)
	if err != nil {
		t.Fatalf("get pairing failed: %v", err)
	}
	if got.State != store.PairingActive {
		t.Fatalf("abort clobbered an active pairing: %s", got.State)
	}

	// Both participants are still pinned to their original tickets.
	for user, ticketID := range map[string]string{"alice": "ticket-alice", "bob": "ticket-bob"} {
		id, err := st.TicketIDForUser(ctx, user)
		if err != nil || id != ticketID {
			t.Fatalf("%s should still hold %s, got %q (%v)", user, ticketID, id, err)
		}
	}
}

func TestEndIsIdempotentAndClosesJoins(t *testing.T) {
	ctx := context.Background()
	st, svc := newSession(t, &fakeBackend{})
	p := makePairing(t, st, time.Now().Add(time.Minute))

	if _, err := svc.MarkJoined(ctx, p.ID, "alice"); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if _, err := svc.MarkJoined(ctx, p.ID, "bob"); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	if err := svc.End(ctx, p.ID, "alice"); err != nil {
		t.Fatalf("end failed: %v", err)
	}
	if err := svc.End(ctx, p.ID, "bob"); err != nil {
		t.Fatalf("repeat end should be a no-op, got %v", err)
	}

	got, err := st.GetPairing(ctx, p.ID)
	if err != nil {
		t.Fatalf("get pairing failed: %v", err)
	}
	if got.State != store.PairingEnded || got.EndedAt == nil {
		t.Fatalf("expected ended with timestamp, got %+v", got)
	}

	if _, err := svc.MarkJoined(ctx, p.ID, "alice"); err != appErr.ErrPairingClosed {
		t.Fatalf("expected ErrPairingClosed, got %v", err)
	}

	// Both participants may queue again.
	for _, user := range []string{"alice", "bob"} {
		ticket := &store.Ticket{ID: "new-" + user, UserID: user, State: store.TicketWaiting, EnqueuedAt: time.Now()}
		if err := st.CreateTicket(ctx, ticket); err != nil {
			t.Fatalf("re-enqueue for %s failed: %v", user, err)
		}
	}
}

func TestEndDeletesRoomWhenConfigured(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{}
	logger.InitLogger("release")

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	st := store.NewWithConfig(rdb, store.Config{TicketTTL: time.Hour, PairingTTL: time.Hour, NotifyTTL: time.Minute})

	svc := session.NewServiceWithConfig(st, backend, nil, session.Config{
		JoinTimeout:       time.Minute,
		DeleteRoomOnEnded: true,
	})
	p := makePairing(t, st, time.Now().Add(time.Minute))

	if err := svc.End(ctx, p.ID, "alice"); err != nil {
		t.Fatalf("end failed: %v", err)
	}
	if len(backend.deleted) != 1 || backend.deleted[0] != p.RoomID {
		t.Fatalf("expected room %s deleted, got %v", p.RoomID, backend.deleted)
	}
}

func TestProvisionRetriesTransientMintFailure(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{failures: 1} // first attempt fails, retry lands
	st, svc := newSession(t, backend)
	p := makePairing(t, st, time.Now().Add(time.Minute))

	if err := svc.ProvisionPairing(ctx, p); err != nil {
		t.Fatalf("provision failed despite retry budget: %v", err)
	}
	for _, part := range p.Participants {
		if part.Token == "" {
			t.Fatalf("participant %s missing token", part.UserID)
		}
	}
	if backend.mints != 3 { // 1 failure + 2 successes
		t.Fatalf("expected 3 mint calls, got %d", backend.mints)
	}

	// Tokens survive the round trip through the store.
	got, err := st.GetPairing(ctx, p.ID)
	if err != nil {
		t.Fatalf("get pairing failed: %v", err)
	}
	for i := range got.Participants {
		if got.Participants[i].Token != p.Participants[i].Token {
			t.Fatalf("stored token mismatch for %s", got.Participants[i].UserID)
		}
	}
}

func TestProvisionFailsWhenRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{failures: 10}
	st, svc := newSession(t, backend)
	p := makePairing(t, st, time.Now().Add(time.Minute))

	if err := svc.ProvisionPairing(ctx, p); err != appErr.ErrBackendUnavailable {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
}
