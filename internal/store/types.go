package store

import "time"

type TicketState string

const (
	TicketWaiting   TicketState = "waiting"
	TicketMatched   TicketState = "matched"
	TicketCancelled TicketState = "cancelled"
	TicketExpired   TicketState = "expired"
)

func (s TicketState) Terminal() bool {
	return s == TicketMatched || s == TicketCancelled || s == TicketExpired
}

// Ticket is a user's outstanding request to be matched. A claimed ticket is
// never persisted with an intermediate state: between claim and commit the
// record still reads waiting but is absent from the waiting set, so status
// queries only ever observe waiting, matched, cancelled or expired.
type Ticket struct {
	ID          string            `json:"id"`
	UserID      string            `json:"userId"`
	Preferences map[string]string `json:"preferences,omitempty"`
	State       TicketState       `json:"state"`
	EnqueuedAt  time.Time         `json:"enqueuedAt"`
	PairingID   string            `json:"pairingId,omitempty"`
}

type PairingState string

const (
	PairingPendingJoin PairingState = "pending_join"
	PairingActive      PairingState = "active"
	PairingEnded       PairingState = "ended"
	PairingAborted     PairingState = "aborted"
)

func (s PairingState) Terminal() bool {
	return s == PairingEnded || s == PairingAborted
}

type Participant struct {
	UserID   string     `json:"userId"`
	TicketID string     `json:"ticketId"`
	Token    string     `json:"token,omitempty"`
	JoinedAt *time.Time `json:"joinedAt,omitempty"`
}

// Pairing is a committed match between exactly two tickets, backing one
// voice session.
type Pairing struct {
	ID           string         `json:"id"`
	RoomID       string         `json:"roomId"`
	State        PairingState   `json:"state"`
	Participants [2]Participant `json:"participants"`
	CreatedAt    time.Time      `json:"createdAt"`
	JoinDeadline time.Time      `json:"joinDeadline"`
	EndedAt      *time.Time     `json:"endedAt,omitempty"`
}

func (p *Pairing) Participant(userID string) *Participant {
	for i := range p.Participants {
		if p.Participants[i].UserID == userID {
			return &p.Participants[i]
		}
	}
	return nil
}

func (p *Pairing) BothJoined() bool {
	return p.Participants[0].JoinedAt != nil && p.Participants[1].JoinedAt != nil
}

const (
	EventMatched  = "matched"
	EventRequeued = "requeued"
)

// QueueEvent is the payload pushed to a user on their event channel and
// mirrored under the notify key: matched carries the pairing and join
// credential, requeued carries the replacement ticket issued after an
// aborted pairing.
type QueueEvent struct {
	Type      string `json:"type"`
	PairingID string `json:"pairingId,omitempty"`
	RoomID    string `json:"roomId,omitempty"`
	Token     string `json:"token,omitempty"`
	TicketID  string `json:"ticketId,omitempty"`
}
