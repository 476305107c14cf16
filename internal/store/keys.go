package store

import "fmt"

const (
	waitingKey        = "queue:waiting"
	deadlineKey       = "pairing:deadlines"
	userTicketPattern = "queue:user:*"
)

func ticketKey(ticketID string) string {
	return fmt.Sprintf("ticket:%s", ticketID)
}

func userTicketKey(userID string) string {
	return fmt.Sprintf("queue:user:%s", userID)
}

func pairingKey(pairingID string) string {
	return fmt.Sprintf("pairing:%s", pairingID)
}

func notifyKey(userID string) string {
	return fmt.Sprintf("match:notify:%s", userID)
}

func eventChannel(userID string) string {
	return fmt.Sprintf("match:events:%s", userID)
}
