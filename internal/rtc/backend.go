package rtc

import "context"

// Backend is the session-backend boundary: the real-time audio
// infrastructure that hosts the call. The service only ever asks it to
// mint short-lived join credentials and to tear rooms down; media never
// flows through this process.
type Backend interface {
	MintJoinToken(ctx context.Context, room, identity string) (string, error)
	DeleteRoom(ctx context.Context, room string) error
}
