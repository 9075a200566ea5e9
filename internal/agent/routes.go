package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/deepclaw/smsgate/internal/sms"
)

// StaticRouteResolver maps every peer to a single configured agent. The
// session key partitions conversations per account and sender.
type StaticRouteResolver struct {
	agentID string
}

func NewStaticRouteResolver(agentID string) *StaticRouteResolver {
	return &StaticRouteResolver{agentID: agentID}
}

func (r *StaticRouteResolver) Resolve(_ context.Context, channel, accountID, peer string) (sms.Route, error) {
	if r.agentID == "" {
		return sms.Route{}, fmt.Errorf("no agent configured")
	}
	return sms.Route{
		AgentID:    r.agentID,
		SessionKey: fmt.Sprintf("%s:%s:%s", channel, accountID, peer),
	}, nil
}

// SessionLog keeps last-activity timestamps per session key in memory.
// Session history itself lives with the agent; the adapter only needs the
// previous-activity marker for the envelope.
type SessionLog struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func NewSessionLog() *SessionLog {
	return &SessionLog{seen: make(map[string]time.Time)}
}

func (s *SessionLog) Touch(_ context.Context, sessionKey string, at time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.seen[sessionKey]
	s.seen[sessionKey] = at
	return prev, nil
}

// AllowListAuthorizer lets only allow-listed senders issue control commands.
type AllowListAuthorizer struct{}

func (AllowListAuthorizer) Authorized(_ context.Context, _, _, _ string, allowListed bool) (bool, error) {
	return allowListed, nil
}
