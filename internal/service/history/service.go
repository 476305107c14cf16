package history

import (
	"context"
	"encoding/json"
	"time"

	"voicematch-service/internal/model"
	"voicematch-service/internal/store"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Service archives terminal pairings and serves the match-history query.
// Redis keeps the live records only until their retention TTL; this table
// is the durable audit trail.
type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

type archivedParticipant struct {
	UserID   string     `json:"userId"`
	TicketID string     `json:"ticketId"`
	JoinedAt *time.Time `json:"joinedAt,omitempty"`
}

// Record upserts the archive row for a terminal pairing. Re-recording the
// same pairing is a no-op overwrite, so the reaper and an explicit end
// signal can both archive without coordination. Join tokens are never
// persisted.
func (s *Service) Record(ctx context.Context, p *store.Pairing) error {
	parts := make([]archivedParticipant, 0, len(p.Participants))
	for _, part := range p.Participants {
		parts = append(parts, archivedParticipant{
			UserID:   part.UserID,
			TicketID: part.TicketID,
			JoinedAt: part.JoinedAt,
		})
	}
	data, err := json.Marshal(parts)
	if err != nil {
		return err
	}

	row := model.PairingArchive{
		ID:               p.ID,
		RoomID:           p.RoomID,
		State:            string(p.State),
		UserAID:          p.Participants[0].UserID,
		UserBID:          p.Participants[1].UserID,
		ParticipantsJSON: datatypes.JSON(data),
		CreatedAt:        p.CreatedAt,
		EndedAt:          p.EndedAt,
	}

	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
}

// ListForUser returns a user's past pairings, newest first.
func (s *Service) ListForUser(ctx context.Context, userID string, limit int) ([]model.PairingArchive, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var rows []model.PairingArchive
	err := s.db.WithContext(ctx).
		Where("user_a_id = ? OR user_b_id = ?", userID, userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
