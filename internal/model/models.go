package model

import (
	"time"

	"gorm.io/datatypes"
)

// PairingArchive is the durable audit row written when a pairing reaches a
// terminal state. The live pairing record stays in the queue store until its
// retention TTL; this table is what the match-history endpoint reads.
type PairingArchive struct {
	ID               string `gorm:"primaryKey;size:64"`
	RoomID           string `gorm:"size:128;index"`
	State            string `gorm:"size:16;not null"` // ended/aborted
	UserAID          string `gorm:"size:64;index"`
	UserBID          string `gorm:"size:64;index"`
	ParticipantsJSON datatypes.JSON
	CreatedAt        time.Time
	EndedAt          *time.Time
}
