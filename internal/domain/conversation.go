package domain

import (
	"strings"
	"time"
)

// SessionStatus is the lifecycle status of a conversation session.
type SessionStatus string

const (
	StatusActive       SessionStatus = "active"
	StatusWaitingHuman SessionStatus = "waiting_human"
	StatusClosed       SessionStatus = "closed"
)

// ProducedBy tags which component produced a message.
type ProducedBy string

const (
	ProducedByPattern      ProducedBy = "pattern"
	ProducedByStateMachine ProducedBy = "state_machine"
	ProducedByGeneration   ProducedBy = "generation"
	ProducedByFallback     ProducedBy = "fallback"
	ProducedByHuman        ProducedBy = "human"
)

// Session is one conversation per (tenant, channel address).
type Session struct {
	ID             string
	TenantID       string
	ChannelAddress string
	PartyID        string
	Status         SessionStatus
	Flow           FlowState
	// DroppedFlow is a stored dialog tag that no flow understands. The engine
	// clears it before handling the next message.
	DroppedFlow    DialogState
	TakeoverAt     time.Time
	LastActivityAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Message is a single persisted conversation turn. Past messages are never
// mutated.
type Message struct {
	ID         string
	SessionID  string
	Role       string
	Content    string
	Intent     string
	ProducedBy ProducedBy
	TokenCost  int
	MessageRef string
	CreatedAt  time.Time
}

// NormalizeAddress keeps only digits and '+' from a channel address.
func NormalizeAddress(address string) string {
	var b strings.Builder
	b.Grow(len(address))
	for _, r := range address {
		if (r >= '0' && r <= '9') || r == '+' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SessionID returns the deterministic session identity for a tenant and a
// normalized channel address.
func SessionID(tenantID, address string) string {
	return tenantID + "#" + address
}
