package service

import (
	"context"
	"time"

	"voicematch-service/internal/config"
	"voicematch-service/internal/rtc"
	"voicematch-service/internal/service/history"
	"voicematch-service/internal/service/matchmaking"
	"voicematch-service/internal/service/session"
	"voicematch-service/internal/store"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type Container struct {
	Store   *store.Store
	Match   *matchmaking.Service
	Session *session.Service
	History *history.Service
}

func NewContainer(db *gorm.DB, rdb *redis.Client) *Container {
	mm := config.GlobalConfig.Matchmaking

	st := store.NewWithConfig(rdb, store.Config{
		TicketTTL:  mm.MaxWait() + mm.Retention(),
		PairingTTL: mm.Retention(),
		NotifyTTL:  5 * time.Minute,
	})

	hist := history.NewService(db)
	backend := rtc.NewLiveKit(config.GlobalConfig.LiveKit)

	sessions := session.NewServiceWithConfig(st, backend, hist, session.Config{
		JoinTimeout:        mm.JoinTimeout(),
		ReapInterval:       mm.SweepInterval(),
		TokenRetryAttempts: mm.TokenRetryAttempts,
		TokenRetryBackoff:  mm.TokenRetryBackoff(),
		DeleteRoomOnEnded:  config.GlobalConfig.LiveKit.DeleteOnEnded,
	})

	match := matchmaking.NewServiceWithConfig(st, sessions, matchmaking.Config{
		MaxWait:        mm.MaxWait(),
		SweepInterval:  mm.SweepInterval(),
		CandidateLimit: mm.CandidateLimit,
	})

	return &Container{
		Store:   st,
		Match:   match,
		Session: sessions,
		History: hist,
	}
}

func (c *Container) Start(ctx context.Context) error {
	if err := c.Match.Start(ctx); err != nil {
		return err
	}
	return c.Session.Start(ctx)
}
