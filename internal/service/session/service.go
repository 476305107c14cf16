package session

import (
	"context"
	"sync"
	"time"

	"voicematch-service/internal/rtc"
	"voicematch-service/internal/service/history"
	"voicematch-service/internal/store"
	appErr "voicematch-service/pkg/errors"
	"voicematch-service/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Config struct {
	JoinTimeout        time.Duration
	ReapInterval       time.Duration
	TokenRetryAttempts int
	TokenRetryBackoff  time.Duration
	DeleteRoomOnEnded  bool
}

func defaultConfig() Config {
	return Config{
		JoinTimeout:        20 * time.Second,
		ReapInterval:       500 * time.Millisecond,
		TokenRetryAttempts: 3,
		TokenRetryBackoff:  200 * time.Millisecond,
	}
}

// Service is the session lifecycle manager: it provisions join
// credentials when a pairing commits, tracks per-participant join
// signals, reaps pairings whose join window elapsed and handles explicit
// session end. Every pairing mutation goes through the store's
// conditional update, so concurrent joins, ends and reaper aborts never
// overwrite each other.
type Service struct {
	store   *store.Store
	backend rtc.Backend
	history *history.Service
	cfg     Config

	startOnce sync.Once
}

func NewService(st *store.Store, backend rtc.Backend, hist *history.Service) *Service {
	return NewServiceWithConfig(st, backend, hist, defaultConfig())
}

func NewServiceWithConfig(st *store.Store, backend rtc.Backend, hist *history.Service, cfg Config) *Service {
	def := defaultConfig()
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = def.JoinTimeout
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = def.ReapInterval
	}
	if cfg.TokenRetryAttempts <= 0 {
		cfg.TokenRetryAttempts = def.TokenRetryAttempts
	}
	if cfg.TokenRetryBackoff <= 0 {
		cfg.TokenRetryBackoff = def.TokenRetryBackoff
	}
	return &Service{store: st, backend: backend, history: hist, cfg: cfg}
}

func (s *Service) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		go s.runReaper(ctx)
	})
	return nil
}

// JoinDeadline computes the join window for a pairing created at t.
func (s *Service) JoinDeadline(t time.Time) time.Time {
	return t.Add(s.cfg.JoinTimeout)
}

// ProvisionPairing mints a join token for each participant against the
// shared room, with bounded retries. The caller aborts the pairing if
// this fails; a transient backend outage must not strand either user.
func (s *Service) ProvisionPairing(ctx context.Context, p *store.Pairing) error {
	tokens := make([]string, len(p.Participants))
	for i := range p.Participants {
		token, err := s.mintWithRetry(ctx, p.RoomID, p.Participants[i].UserID)
		if err != nil {
			return err
		}
		tokens[i] = token
	}

	var provisioned bool
	updated, err := s.store.UpdatePairing(ctx, p.ID, func(cur *store.Pairing) (bool, error) {
		provisioned = false
		if cur.State.Terminal() {
			return false, nil
		}
		for i := range cur.Participants {
			cur.Participants[i].Token = tokens[i]
		}
		provisioned = true
		return true, nil
	})
	if err != nil {
		return err
	}
	if !provisioned {
		// Reaped before the tokens landed; nothing to hand out.
		return nil
	}
	*p = *updated

	for _, part := range updated.Participants {
		err := s.store.NotifyMatched(ctx, part.UserID, store.QueueEvent{
			PairingID: updated.ID,
			RoomID:    updated.RoomID,
			Token:     part.Token,
		})
		if err != nil {
			logger.Log.Warn("match notify failed",
				zap.String("pairingID", updated.ID),
				zap.String("userID", part.UserID),
				zap.Error(err),
			)
		}
	}

	logger.Log.Info("pairing provisioned",
		zap.String("pairingID", updated.ID),
		zap.String("roomID", updated.RoomID),
	)
	return nil
}

func (s *Service) mintWithRetry(ctx context.Context, room, identity string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.TokenRetryAttempts; attempt++ {
		token, err := s.backend.MintJoinToken(ctx, room, identity)
		if err == nil {
			return token, nil
		}
		lastErr = err
		logger.Log.Warn("join token mint failed",
			zap.String("roomID", room),
			zap.String("identity", identity),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt < s.cfg.TokenRetryAttempts {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * s.cfg.TokenRetryBackoff):
			}
		}
	}
	return "", lastErr
}

// MarkJoined records a participant's arrival in the room. The pairing
// becomes active once both participants have joined inside the join
// window; a first join landing after the deadline is rejected, the reaper
// owns that pairing now. Repeated joins from the same participant are
// no-ops.
func (s *Service) MarkJoined(ctx context.Context, pairingID, userID string) (*store.Pairing, error) {
	now := time.Now()
	var activated bool
	p, err := s.store.UpdatePairing(ctx, pairingID, func(p *store.Pairing) (bool, error) {
		activated = false
		part := p.Participant(userID)
		if part == nil {
			return false, appErr.ErrNotParticipant
		}
		if p.State.Terminal() {
			return false, appErr.ErrPairingClosed
		}
		if part.JoinedAt != nil {
			return false, nil
		}
		if p.State == store.PairingPendingJoin && now.After(p.JoinDeadline) {
			return false, appErr.ErrPairingClosed
		}
		part.JoinedAt = &now
		if p.State == store.PairingPendingJoin && p.BothJoined() {
			p.State = store.PairingActive
			activated = true
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if activated {
		logger.Log.Info("pairing active",
			zap.String("pairingID", p.ID),
			zap.String("roomID", p.RoomID),
		)
	}
	return p, nil
}

// End handles the explicit end signal from a participant. Ending an
// already-terminal pairing is a no-op.
func (s *Service) End(ctx context.Context, pairingID, userID string) error {
	var ended bool
	p, err := s.store.UpdatePairing(ctx, pairingID, func(p *store.Pairing) (bool, error) {
		ended = false
		if p.Participant(userID) == nil {
			return false, appErr.ErrNotParticipant
		}
		if p.State.Terminal() {
			return false, nil
		}
		now := time.Now()
		p.State = store.PairingEnded
		p.EndedAt = &now
		ended = true
		return true, nil
	})
	if err != nil {
		return err
	}
	if !ended {
		return nil
	}
	s.archive(ctx, p)

	if s.cfg.DeleteRoomOnEnded {
		if err := s.backend.DeleteRoom(ctx, p.RoomID); err != nil {
			logger.Log.Warn("room delete failed",
				zap.String("roomID", p.RoomID),
				zap.Error(err),
			)
		}
	}

	logger.Log.Info("pairing ended",
		zap.String("pairingID", p.ID),
		zap.String("endedBy", userID),
	)
	return nil
}

// Abort moves a pending pairing to aborted and re-enqueues participants
// so nobody is stranded: all of them when requeueAll is set (credential
// issuance failed before anyone could join), otherwise only those who did
// show up inside the join window. A pairing that went active or terminal
// in the meantime is left untouched.
func (s *Service) Abort(ctx context.Context, pairingID string, requeueAll bool) error {
	var aborted bool
	p, err := s.store.UpdatePairing(ctx, pairingID, func(p *store.Pairing) (bool, error) {
		aborted = false
		if p.State != store.PairingPendingJoin {
			return false, nil
		}
		now := time.Now()
		p.State = store.PairingAborted
		p.EndedAt = &now
		aborted = true
		return true, nil
	})
	if err != nil {
		return err
	}
	if !aborted {
		return nil
	}
	s.archive(ctx, p)

	for _, part := range p.Participants {
		if !requeueAll && part.JoinedAt == nil {
			continue
		}
		s.requeue(ctx, part)
	}

	logger.Log.Info("pairing aborted",
		zap.String("pairingID", p.ID),
		zap.Bool("requeueAll", requeueAll),
	)
	return nil
}

func (s *Service) requeue(ctx context.Context, part store.Participant) {
	var prefs map[string]string
	if old, err := s.store.GetTicket(ctx, part.TicketID); err == nil {
		prefs = old.Preferences
	}

	t := &store.Ticket{
		ID:          uuid.NewString(),
		UserID:      part.UserID,
		Preferences: prefs,
		State:       store.TicketWaiting,
		EnqueuedAt:  time.Now(),
	}
	if err := s.store.CreateTicket(ctx, t); err != nil {
		// AlreadyQueued means the user beat us to re-enqueueing; fine.
		if err != appErr.ErrAlreadyQueued {
			logger.Log.Warn("requeue failed",
				zap.String("userID", part.UserID),
				zap.Error(err),
			)
		}
		return
	}
	if err := s.store.NotifyRequeued(ctx, part.UserID, t.ID); err != nil {
		logger.Log.Warn("requeue notify failed",
			zap.String("userID", part.UserID),
			zap.String("ticketID", t.ID),
			zap.Error(err),
		)
	}
	logger.Log.Info("participant requeued",
		zap.String("userID", part.UserID),
		zap.String("ticketID", t.ID),
	)
}

func (s *Service) archive(ctx context.Context, p *store.Pairing) {
	if s.history == nil {
		return
	}
	if err := s.history.Record(ctx, p); err != nil {
		logger.Log.Warn("pairing archive failed",
			zap.String("pairingID", p.ID),
			zap.Error(err),
		)
	}
}

func (s *Service) runReaper(ctx context.Context) {
	logger.Log.Info("join-timeout reaper started",
		zap.Duration("interval", s.cfg.ReapInterval),
	)
	ticker := time.NewTicker(s.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Log.Info("join-timeout reaper stopped")
			return
		case <-ticker.C:
			if err := s.ReapOverdueJoins(ctx); err != nil {
				logger.Log.Warn("join-timeout reap error", zap.Error(err))
			}
		}
	}
}

// ReapOverdueJoins aborts pairings whose join window elapsed with fewer
// than two joins. Abort re-checks the state under the conditional update,
// so a pairing that activates between the deadline scan and the abort is
// left alone. Re-running against already-terminal pairings is a no-op.
func (s *Service) ReapOverdueJoins(ctx context.Context) error {
	ids, err := s.store.DuePairingIDs(ctx, time.Now())
	if err != nil {
		return err
	}
	for _, id := range ids {
		p, err := s.store.GetPairing(ctx, id)
		if err != nil {
			if err == appErr.ErrPairingNotFound {
				s.store.RemoveDeadline(ctx, id)
				continue
			}
			return err
		}
		if p.State != store.PairingPendingJoin {
			if err := s.store.RemoveDeadline(ctx, id); err != nil {
				return err
			}
			continue
		}
		if err := s.Abort(ctx, id, false); err != nil {
			logger.Log.Warn("join-timeout abort failed",
				zap.String("pairingID", id),
				zap.Error(err),
			)
		}
	}
	return nil
}
