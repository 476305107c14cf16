package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	appErr "voicematch-service/pkg/errors"

	"github.com/redis/go-redis/v9"
)

// Store is the queue-store access layer. It is the single source of truth
// for ticket and pairing state; the engine and the session manager never
// keep authoritative state in process memory, so multiple service
// instances can run against one Redis.
//
// Mutual exclusion during pairing relies on ZREM of the waiting set being
// atomic: of any number of concurrent claimers of the same ticket, exactly
// one observes removed==1. Rolling back a claim is a ZADD with the
// original enqueue score, so the ticket keeps its place in FIFO order.
type Store struct {
	rdb *redis.Client
	cfg Config
}

type Config struct {
	TicketTTL  time.Duration
	PairingTTL time.Duration
	NotifyTTL  time.Duration
}

func defaultConfig() Config {
	return Config{
		TicketTTL:  25 * time.Hour,
		PairingTTL: 24 * time.Hour,
		NotifyTTL:  5 * time.Minute,
	}
}

func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, cfg: defaultConfig()}
}

func NewWithConfig(rdb *redis.Client, cfg Config) *Store {
	if cfg.TicketTTL <= 0 {
		cfg.TicketTTL = defaultConfig().TicketTTL
	}
	if cfg.PairingTTL <= 0 {
		cfg.PairingTTL = defaultConfig().PairingTTL
	}
	if cfg.NotifyTTL <= 0 {
		cfg.NotifyTTL = defaultConfig().NotifyTTL
	}
	return &Store{rdb: rdb, cfg: cfg}
}

func wrapStoreErr(err error) error {
	return fmt.Errorf("%w: %v", appErr.ErrStoreUnavailable, err)
}

// CreateTicket registers a waiting ticket. The SETNX on the per-user key
// enforces the one-active-ticket invariant; the waiting set entry is added
// last so a ticket visible to the matcher always has a record behind it.
func (s *Store) CreateTicket(ctx context.Context, t *Ticket) error {
	ok, err := s.rdb.SetNX(ctx, userTicketKey(t.UserID), t.ID, s.cfg.TicketTTL).Result()
	if err != nil {
		return wrapStoreErr(err)
	}
	if !ok {
		return appErr.ErrAlreadyQueued
	}

	if err := s.saveTicket(ctx, t); err != nil {
		s.rdb.Del(ctx, userTicketKey(t.UserID))
		return err
	}

	if err := s.rdb.ZAdd(ctx, waitingKey, redis.Z{
		Score:  float64(t.EnqueuedAt.UnixMilli()),
		Member: t.ID,
	}).Err(); err != nil {
		s.rdb.Del(ctx, ticketKey(t.ID), userTicketKey(t.UserID))
		return wrapStoreErr(err)
	}
	return nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (*Ticket, error) {
	data, err := s.rdb.Get(ctx, ticketKey(ticketID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, appErr.ErrNoSuchTicket
		}
		return nil, wrapStoreErr(err)
	}
	var t Ticket
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("decode ticket %s: %w", ticketID, err)
	}
	return &t, nil
}

// TicketIDForUser resolves a user's current ticket, if any.
func (s *Store) TicketIDForUser(ctx context.Context, userID string) (string, error) {
	id, err := s.rdb.Get(ctx, userTicketKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", appErr.ErrNoSuchTicket
		}
		return "", wrapStoreErr(err)
	}
	return id, nil
}

// WaitingTicketIDs returns up to limit ticket ids in arrival order.
func (s *Store) WaitingTicketIDs(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := s.rdb.ZRange(ctx, waitingKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return ids, nil
}

// OverdueTicketIDs returns tickets that have been waiting since before the
// cutoff, oldest first.
func (s *Store) OverdueTicketIDs(ctx context.Context, cutoff time.Time) ([]string, error) {
	maxScore := strconv.FormatInt(cutoff.UnixMilli(), 10)
	ids, err := s.rdb.ZRangeByScore(ctx, waitingKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: maxScore,
	}).Result()
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return ids, nil
}

// ClaimTicket conditionally takes a ticket out of the waiting set. Exactly
// one of any set of concurrent claims succeeds.
func (s *Store) ClaimTicket(ctx context.Context, ticketID string) (bool, error) {
	removed, err := s.rdb.ZRem(ctx, waitingKey, ticketID).Result()
	if err != nil {
		return false, wrapStoreErr(err)
	}
	return removed == 1, nil
}

// ReleaseTicket rolls a claimed ticket back into the waiting set with its
// original arrival score.
func (s *Store) ReleaseTicket(ctx context.Context, t *Ticket) error {
	err := s.rdb.ZAdd(ctx, waitingKey, redis.Z{
		Score:  float64(t.EnqueuedAt.UnixMilli()),
		Member: t.ID,
	}).Err()
	if err != nil {
		return wrapStoreErr(err)
	}
	return nil
}

// CancelTicket transitions waiting -> cancelled. A cancel that loses the
// race to a concurrent claim fails with ErrAlreadyMatched rather than
// silently succeeding: the pairing in flight commits normally.
func (s *Store) CancelTicket(ctx context.Context, userID, ticketID string) error {
	t, err := s.GetTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	if t.UserID != userID {
		return appErr.ErrNoSuchTicket
	}

	switch t.State {
	case TicketMatched:
		return appErr.ErrAlreadyMatched
	case TicketCancelled:
		return nil // idempotent
	case TicketExpired:
		return appErr.ErrNoSuchTicket
	}

	claimed, err := s.ClaimTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	if !claimed {
		// Out of the waiting set but record still reads waiting: a
		// pairing attempt holds the claim right now.
		return appErr.ErrAlreadyMatched
	}

	t.State = TicketCancelled
	if err := s.saveTicket(ctx, t); err != nil {
		return err
	}
	if err := s.rdb.Del(ctx, userTicketKey(t.UserID)).Err(); err != nil {
		return wrapStoreErr(err)
	}
	return nil
}

// ExpireTicket transitions waiting -> expired under the same claim
// discipline as pairing, so the sweep never races a concurrent match.
// Returns false when the ticket was already claimed or gone.
func (s *Store) ExpireTicket(ctx context.Context, t *Ticket) (bool, error) {
	if t.State != TicketWaiting {
		return false, nil
	}
	claimed, err := s.ClaimTicket(ctx, t.ID)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}

	t.State = TicketExpired
	if err := s.saveTicket(ctx, t); err != nil {
		return false, err
	}
	if err := s.rdb.Del(ctx, userTicketKey(t.UserID)).Err(); err != nil {
		return false, wrapStoreErr(err)
	}
	return true, nil
}

// CommitPairing writes the pairing and marks both constituent tickets
// matched in a single MULTI/EXEC, so no orphaned ticket is ever left
// waiting while its peer is paired. Both tickets must already be claimed
// by the caller. The per-user keys are refreshed so neither participant
// can re-enqueue while the pairing is live.
func (s *Store) CommitPairing(ctx context.Context, p *Pairing, a, b *Ticket) error {
	a.State = TicketMatched
	a.PairingID = p.ID
	b.State = TicketMatched
	b.PairingID = p.ID

	aData, err := json.Marshal(a)
	if err != nil {
		return err
	}
	bData, err := json.Marshal(b)
	if err != nil {
		return err
	}
	pData, err := json.Marshal(p)
	if err != nil {
		return err
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, ticketKey(a.ID), aData, s.cfg.TicketTTL)
		pipe.Set(ctx, ticketKey(b.ID), bData, s.cfg.TicketTTL)
		pipe.Set(ctx, pairingKey(p.ID), pData, s.cfg.PairingTTL)
		pipe.ZAdd(ctx, deadlineKey, redis.Z{
			Score:  float64(p.JoinDeadline.UnixMilli()),
			Member: p.ID,
		})
		pipe.Set(ctx, userTicketKey(a.UserID), a.ID, s.cfg.PairingTTL)
		pipe.Set(ctx, userTicketKey(b.UserID), b.ID, s.cfg.PairingTTL)
		return nil
	})
	if err != nil {
		return wrapStoreErr(err)
	}
	return nil
}

func (s *Store) GetPairing(ctx context.Context, pairingID string) (*Pairing, error) {
	data, err := s.rdb.Get(ctx, pairingKey(pairingID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, appErr.ErrPairingNotFound
		}
		return nil, wrapStoreErr(err)
	}
	var p Pairing
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("decode pairing %s: %w", pairingID, err)
	}
	return &p, nil
}

// pairingTxRetries bounds the optimistic-concurrency retry loop in
// UpdatePairing. Contention on one pairing key is at most two clients and
// the reaper, so a handful of attempts is plenty.
const pairingTxRetries = 5

// UpdatePairing mutates the pairing record under optimistic concurrency
// control: the key is WATCHed, apply runs against the current record and
// the write only lands if no concurrent writer touched the key in between,
// retrying on conflict. apply returns false to skip the write; errors it
// returns pass through unchanged. A write that leaves the pairing terminal
// releases the join deadline, the per-user keys and the notify keys in the
// same MULTI/EXEC, so a pairing can never be terminal while its
// participants stay pinned; activation drops the deadline the same way.
func (s *Store) UpdatePairing(ctx context.Context, pairingID string, apply func(*Pairing) (bool, error)) (*Pairing, error) {
	var result *Pairing
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, pairingKey(pairingID)).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return appErr.ErrPairingNotFound
			}
			return wrapStoreErr(err)
		}
		var p Pairing
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return fmt.Errorf("decode pairing %s: %w", pairingID, err)
		}

		write, err := apply(&p)
		if err != nil {
			return err
		}
		result = &p
		if !write {
			return nil
		}

		payload, err := json.Marshal(&p)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, pairingKey(p.ID), payload, s.cfg.PairingTTL)
			if p.State == PairingActive {
				pipe.ZRem(ctx, deadlineKey, p.ID)
			}
			if p.State.Terminal() {
				pipe.ZRem(ctx, deadlineKey, p.ID)
				for _, part := range p.Participants {
					pipe.Del(ctx, userTicketKey(part.UserID))
					pipe.Del(ctx, notifyKey(part.UserID))
				}
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < pairingTxRetries; attempt++ {
		err := s.rdb.Watch(ctx, txf, pairingKey(pairingID))
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("%w: pairing %s update contention", appErr.ErrStoreUnavailable, pairingID)
}

// DuePairingIDs returns pairings whose join deadline has passed.
func (s *Store) DuePairingIDs(ctx context.Context, now time.Time) ([]string, error) {
	maxScore := strconv.FormatInt(now.UnixMilli(), 10)
	ids, err := s.rdb.ZRangeByScore(ctx, deadlineKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: maxScore,
	}).Result()
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return ids, nil
}

func (s *Store) RemoveDeadline(ctx context.Context, pairingID string) error {
	if err := s.rdb.ZRem(ctx, deadlineKey, pairingID).Err(); err != nil {
		return wrapStoreErr(err)
	}
	return nil
}

// NotifyMatched pushes the matched payload to the participant: stored
// under the notify key for quick reads and published on the event channel
// for websocket push.
func (s *Store) NotifyMatched(ctx context.Context, userID string, ev QueueEvent) error {
	ev.Type = EventMatched
	return s.publishEvent(ctx, userID, ev)
}

// NotifyRequeued tells a user their pairing fell through and which fresh
// ticket now represents them in the queue.
func (s *Store) NotifyRequeued(ctx context.Context, userID, ticketID string) error {
	return s.publishEvent(ctx, userID, QueueEvent{Type: EventRequeued, TicketID: ticketID})
}

func (s *Store) publishEvent(ctx context.Context, userID string, ev QueueEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, notifyKey(userID), data, s.cfg.NotifyTTL).Err(); err != nil {
		return wrapStoreErr(err)
	}
	if err := s.rdb.Publish(ctx, eventChannel(userID), data).Err(); err != nil {
		return wrapStoreErr(err)
	}
	return nil
}

// ActiveTicketIDs lists the ticket ids currently referenced by per-user
// keys, waiting and paired alike. Used by the reconcile sweep to find
// tickets that fell out of the waiting set without being resolved.
func (s *Store) ActiveTicketIDs(ctx context.Context) ([]string, error) {
	var ids []string
	iter := s.rdb.Scan(ctx, 0, userTicketPattern, 100).Iterator()
	for iter.Next(ctx) {
		id, err := s.rdb.Get(ctx, iter.Val()).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // key expired mid-scan
			}
			return nil, wrapStoreErr(err)
		}
		ids = append(ids, id)
	}
	if err := iter.Err(); err != nil {
		return nil, wrapStoreErr(err)
	}
	return ids, nil
}

// InWaitingSet reports whether the ticket currently sits in the waiting
// set.
func (s *Store) InWaitingSet(ctx context.Context, ticketID string) (bool, error) {
	err := s.rdb.ZScore(ctx, waitingKey, ticketID).Err()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, wrapStoreErr(err)
	}
	return true, nil
}

// SubscribeMatchEvents opens a pubsub subscription on the user's match
// event channel. The caller owns the returned subscription.
func (s *Store) SubscribeMatchEvents(ctx context.Context, userID string) *redis.PubSub {
	return s.rdb.Subscribe(ctx, eventChannel(userID))
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return wrapStoreErr(err)
	}
	return nil
}

func (s *Store) saveTicket(ctx context.Context, t *Ticket) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, ticketKey(t.ID), data, s.cfg.TicketTTL).Err(); err != nil {
		return wrapStoreErr(err)
	}
	return nil
}
