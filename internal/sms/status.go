package sms

import (
	"sync"
	"time"
)

// AccountStatus is the last observed channel activity for one account.
type AccountStatus struct {
	AccountID      string     `json:"account_id"`
	LastInboundAt  *time.Time `json:"last_inbound_at,omitempty"`
	LastOutboundAt *time.Time `json:"last_outbound_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// StatusBoard collects StatusPatch updates for external observability. It is
// the default StatusSink implementation; callers may substitute their own.
type StatusBoard struct {
	mu       sync.Mutex
	accounts map[string]AccountStatus
}

// NewStatusBoard creates an empty StatusBoard.
func NewStatusBoard() *StatusBoard {
	return &StatusBoard{accounts: map[string]AccountStatus{}}
}

// Sink returns a StatusSink applying patches to this board.
func (b *StatusBoard) Sink() StatusSink {
	return b.Apply
}

// Apply merges one patch into the board.
func (b *StatusBoard) Apply(patch StatusPatch) {
	if patch.AccountID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	status := b.accounts[patch.AccountID]
	status.AccountID = patch.AccountID
	if patch.LastInboundAt != nil {
		status.LastInboundAt = patch.LastInboundAt
	}
	if patch.LastOutboundAt != nil {
		status.LastOutboundAt = patch.LastOutboundAt
		status.LastError = ""
	}
	if patch.LastError != "" {
		status.LastError = patch.LastError
	}
	status.UpdatedAt = time.Now().UTC()
	b.accounts[patch.AccountID] = status
}

// Snapshot returns a copy of all account statuses.
func (b *StatusBoard) Snapshot() []AccountStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := make([]AccountStatus, 0, len(b.accounts))
	for _, status := range b.accounts {
		items = append(items, status)
	}
	return items
}
