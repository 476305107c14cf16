package matchmaking

import (
	"context"
	"time"

	"voicematch-service/internal/store"
	appErr "voicematch-service/pkg/errors"
	"voicematch-service/pkg/logger"
	"voicematch-service/pkg/utils/random"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func (s *Service) runSweeper(ctx context.Context) {
	logger.Log.Info("matchmaking sweeper started",
		zap.Duration("interval", s.cfg.SweepInterval),
		zap.Duration("maxWait", s.cfg.MaxWait),
	)
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Log.Info("matchmaking sweeper stopped")
			return
		case <-ticker.C:
			if err := s.ExpireOverdue(ctx); err != nil {
				logger.Log.Warn("expiry sweep error", zap.Error(err))
			}
			if err := s.TryPair(ctx); err != nil {
				logger.Log.Warn("pairing sweep error", zap.Error(err))
			}
		}
	}
}

// ExpireOverdue marks tickets waiting past max-wait as expired, using the
// same claim discipline as pairing so the sweep never races a concurrent
// match. It first restores tickets stranded by an interrupted release, so
// they rejoin the waiting set and resolve through the normal paths.
// Re-running against already-resolved tickets is a no-op.
func (s *Service) ExpireOverdue(ctx context.Context) error {
	cutoff := time.Now().Add(-s.cfg.MaxWait)
	if err := s.restoreStranded(ctx, cutoff); err != nil {
		return err
	}

	ids, err := s.store.OverdueTicketIDs(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, id := range ids {
		t, err := s.store.GetTicket(ctx, id)
		if err != nil {
			if err == appErr.ErrNoSuchTicket {
				// Record gone; drop the stale waiting-set entry.
				s.store.ClaimTicket(ctx, id)
				continue
			}
			return err
		}
		expired, err := s.store.ExpireTicket(ctx, t)
		if err != nil {
			return err
		}
		if expired {
			logger.Log.Info("ticket expired",
				zap.String("ticketID", t.ID),
				zap.String("userID", t.UserID),
			)
		}
	}
	return nil
}

// restoreStranded finds tickets whose record still reads waiting but that
// fell out of the waiting set without being resolved — a release that
// failed after a claim — and puts them back with their original score.
// The overdue-age guard keeps it clear of claims in flight right now:
// those resolve within milliseconds, while a stranded ticket only shows
// up here once it has aged past the max-wait cutoff.
func (s *Service) restoreStranded(ctx context.Context, cutoff time.Time) error {
	ids, err := s.store.ActiveTicketIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		t, err := s.store.GetTicket(ctx, id)
		if err != nil {
			if err == appErr.ErrNoSuchTicket {
				continue
			}
			return err
		}
		if t.State != store.TicketWaiting || t.EnqueuedAt.After(cutoff) {
			continue
		}
		inSet, err := s.store.InWaitingSet(ctx, t.ID)
		if err != nil {
			return err
		}
		if inSet {
			continue
		}
		if err := s.store.ReleaseTicket(ctx, t); err != nil {
			return err
		}
		logger.Log.Warn("stranded ticket restored to waiting set",
			zap.String("ticketID", t.ID),
			zap.String("userID", t.UserID),
		)
	}
	return nil
}

// TryPair scans the oldest waiting tickets in arrival order and pairs
// every mutually compatible couple it can claim. Preference filtering
// scans FIFO order for the first compatible candidate; it never reorders
// the queue, so oldest-compatible-first fairness holds.
func (s *Service) TryPair(ctx context.Context) error {
	ids, err := s.store.WaitingTicketIDs(ctx, s.cfg.CandidateLimit)
	if err != nil {
		return err
	}
	if len(ids) < 2 {
		return nil
	}

	tickets := make([]*store.Ticket, 0, len(ids))
	for _, id := range ids {
		t, err := s.store.GetTicket(ctx, id)
		if err != nil {
			if err == appErr.ErrNoSuchTicket {
				continue
			}
			return err
		}
		if t.State != store.TicketWaiting {
			// Stale entry for a resolved ticket; claim it out of the set.
			s.store.ClaimTicket(ctx, id)
			continue
		}
		tickets = append(tickets, t)
	}

	used := make([]bool, len(tickets))
	for i := range tickets {
		if used[i] {
			continue
		}
		if err := s.pairFrom(ctx, tickets, used, i); err != nil {
			return err
		}
	}
	return nil
}

// pairFrom tries to pair tickets[i] with the oldest compatible later
// candidate. tickets[i] is claimed lazily, on the first compatible
// partner, and rolled back if every partner claim is lost.
func (s *Service) pairFrom(ctx context.Context, tickets []*store.Ticket, used []bool, i int) error {
	a := tickets[i]
	claimedA := false

	for j := i + 1; j < len(tickets); j++ {
		if used[j] || !Compatible(a.Preferences, tickets[j].Preferences) {
			continue
		}

		if !claimedA {
			ok, err := s.store.ClaimTicket(ctx, a.ID)
			if err != nil {
				return err
			}
			if !ok {
				// Lost the claim race; another attempt owns this ticket.
				used[i] = true
				return nil
			}
			claimedA = true
		}

		b := tickets[j]
		ok, err := s.store.ClaimTicket(ctx, b.ID)
		if err != nil {
			s.release(ctx, a)
			return err
		}
		if !ok {
			used[j] = true
			continue
		}

		used[i], used[j] = true, true
		return s.commitPair(ctx, a, b)
	}

	if claimedA {
		// No partner survived claiming; put the ticket back unharmed.
		s.release(ctx, a)
	}
	return nil
}

// release rolls a claimed ticket back into the waiting set. A failure is
// logged loudly: the ticket stays invisible to the pairing scan until the
// reconcile sweep restores it.
func (s *Service) release(ctx context.Context, t *store.Ticket) {
	if err := s.store.ReleaseTicket(ctx, t); err != nil {
		logger.Log.Error("claimed ticket release failed",
			zap.String("ticketID", t.ID),
			zap.String("userID", t.UserID),
			zap.Error(err),
		)
	}
}

// commitPair atomically writes the pairing and both matched tickets, then
// hands it to the session manager for credential provisioning. A
// provisioning failure aborts the pairing and re-enqueues both users.
func (s *Service) commitPair(ctx context.Context, a, b *store.Ticket) error {
	now := time.Now()
	p := &store.Pairing{
		ID:     uuid.NewString(),
		RoomID: "room-" + random.Code(10),
		State:  store.PairingPendingJoin,
		Participants: [2]store.Participant{
			{UserID: a.UserID, TicketID: a.ID},
			{UserID: b.UserID, TicketID: b.ID},
		},
		CreatedAt:    now,
		JoinDeadline: s.sessions.JoinDeadline(now),
	}

	if err := s.store.CommitPairing(ctx, p, a, b); err != nil {
		s.release(ctx, a)
		s.release(ctx, b)
		return err
	}

	logger.Log.Info("pairing committed",
		zap.String("pairingID", p.ID),
		zap.String("roomID", p.RoomID),
		zap.String("userA", a.UserID),
		zap.String("userB", b.UserID),
	)

	if err := s.sessions.ProvisionPairing(ctx, p); err != nil {
		logger.Log.Warn("pairing provisioning failed, aborting",
			zap.String("pairingID", p.ID),
			zap.Error(err),
		)
		return s.sessions.Abort(ctx, p.ID, true)
	}
	return nil
}

// Compatible is the pairing predicate: symmetric and pure. Two
// preference sets are mutually satisfied when every key present in both
// carries the same value; a key only one side specifies is a wildcard.
// Two empty sets always match.
func Compatible(a, b map[string]string) bool {
	for key, av := range a {
		if bv, ok := b[key]; ok && av != bv {
			return false
		}
	}
	return true
}
