package matchmaking

import (
	"context"
	"sync"
	"time"

	"voicematch-service/internal/service/session"
	"voicematch-service/internal/store"
	appErr "voicematch-service/pkg/errors"
	"voicematch-service/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Config struct {
	MaxWait        time.Duration
	SweepInterval  time.Duration
	CandidateLimit int
}

func defaultConfig() Config {
	return Config{
		MaxWait:        60 * time.Second,
		SweepInterval:  500 * time.Millisecond,
		CandidateLimit: 32,
	}
}

// Service is the matchmaking engine. Enqueue and Cancel are a handful of
// atomic store operations each and return promptly; match discovery is
// asynchronous, driven by the post-enqueue attempt and the background
// sweep, and observed through Status or the websocket push.
type Service struct {
	store    *store.Store
	sessions *session.Service
	cfg      Config

	startOnce sync.Once
}

func NewService(st *store.Store, sessions *session.Service) *Service {
	return NewServiceWithConfig(st, sessions, defaultConfig())
}

func NewServiceWithConfig(st *store.Store, sessions *session.Service, cfg Config) *Service {
	def := defaultConfig()
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = def.MaxWait
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = def.CandidateLimit
	}
	return &Service{store: st, sessions: sessions, cfg: cfg}
}

func (s *Service) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		go s.runSweeper(ctx)
	})
	return nil
}

// Enqueue creates a waiting ticket for the user and immediately attempts
// one pairing pass. Fails with ErrAlreadyQueued while the user holds a
// waiting ticket or sits in a live pairing.
func (s *Service) Enqueue(ctx context.Context, userID string, prefs map[string]string) (string, error) {
	t := &store.Ticket{
		ID:          uuid.NewString(),
		UserID:      userID,
		Preferences: prefs,
		State:       store.TicketWaiting,
		EnqueuedAt:  time.Now(),
	}
	if err := s.store.CreateTicket(ctx, t); err != nil {
		return "", err
	}

	logger.Log.Info("user enqueued",
		zap.String("userID", userID),
		zap.String("ticketID", t.ID),
	)

	if err := s.TryPair(ctx); err != nil {
		// The ticket is safely waiting; the sweep will retry.
		logger.Log.Warn("post-enqueue pairing attempt failed", zap.Error(err))
	}
	return t.ID, nil
}

// Cancel transitions the caller's waiting ticket to cancelled. It fails
// explicitly with ErrAlreadyMatched if a pairing attempt claimed the
// ticket first; the pairing commits normally in that case.
func (s *Service) Cancel(ctx context.Context, userID, ticketID string) error {
	if err := s.store.CancelTicket(ctx, userID, ticketID); err != nil {
		return err
	}
	logger.Log.Info("ticket cancelled",
		zap.String("userID", userID),
		zap.String("ticketID", ticketID),
	)
	return nil
}

type StatusResult struct {
	TicketID     string             `json:"ticketId"`
	State        store.TicketState  `json:"state"`
	EnqueuedAt   time.Time          `json:"enqueuedAt"`
	PairingID    string             `json:"pairingId,omitempty"`
	PairingState store.PairingState `json:"pairingState,omitempty"`
	RoomID       string             `json:"roomId,omitempty"`
	Token        string             `json:"token,omitempty"`
}

// Current resolves the caller's active ticket, waiting or paired. Lets a
// client recover its ticket id after a reconnect, or after an aborted
// pairing re-enqueued it under a fresh one.
func (s *Service) Current(ctx context.Context, userID string) (*StatusResult, error) {
	ticketID, err := s.store.TicketIDForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.Status(ctx, userID, ticketID)
}

// Status re-reads current store state; nothing is answered from memory.
func (s *Service) Status(ctx context.Context, userID, ticketID string) (*StatusResult, error) {
	t, err := s.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, appErr.ErrNoSuchTicket
	}

	result := &StatusResult{
		TicketID:   t.ID,
		State:      t.State,
		EnqueuedAt: t.EnqueuedAt,
	}
	if t.State != store.TicketMatched || t.PairingID == "" {
		return result, nil
	}

	p, err := s.store.GetPairing(ctx, t.PairingID)
	if err != nil {
		if err == appErr.ErrPairingNotFound {
			// Pairing already past retention; the ticket outcome stands.
			result.PairingID = t.PairingID
			return result, nil
		}
		return nil, err
	}

	result.PairingID = p.ID
	result.PairingState = p.State
	result.RoomID = p.RoomID
	if part := p.Participant(userID); part != nil {
		result.Token = part.Token
	}
	return result, nil
}
