// Package sms implements the inbound/outbound SMS channel gateway: webhook
// ingress, signature authentication, per-account access control, and the
// reply delivery pipeline. Agent reasoning, session storage, and pairing
// approval UIs are external collaborators reached through the interfaces
// defined here.
package sms

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// ChannelName identifies this channel in route keys and the pairing store.
const ChannelName = "sms"

// DMPolicy is the access-control mode governing which senders reach the agent.
type DMPolicy string

const (
	DMPolicyOpen      DMPolicy = "open"
	DMPolicyPairing   DMPolicy = "pairing"
	DMPolicyAllowlist DMPolicy = "allowlist"
	DMPolicyDisabled  DMPolicy = "disabled"
)

// CredentialSource records where an account's provider credentials came from.
type CredentialSource string

const (
	CredentialSourceConfig CredentialSource = "config"
	CredentialSourceEnv    CredentialSource = "env"
	CredentialSourceNone   CredentialSource = "none"
)

// ChunkMode selects the outbound text chunking strategy.
type ChunkMode string

const (
	ChunkModeText     ChunkMode = "text"
	ChunkModeMarkdown ChunkMode = "markdown"
)

// ResolvedAccount is an immutable per-request snapshot of one account's
// effective configuration. It is recomputed on every inbound and outbound
// operation; configuration may change between requests.
type ResolvedAccount struct {
	AccountID        string
	Name             string
	Enabled          bool
	AccountSID       string
	AuthToken        string
	FromNumber       string
	CredentialSource CredentialSource
	DMPolicy         DMPolicy
	AllowFrom        []string
	TextChunkLimit   int
	ChunkMode        ChunkMode
	MediaMaxBytes    int64
	ProxyURL         string
	WebhookPath      string
}

// HasCredentials reports whether provider credentials are configured.
func (a ResolvedAccount) HasCredentials() bool {
	return a.CredentialSource != CredentialSourceNone &&
		strings.TrimSpace(a.AccountSID) != "" &&
		strings.TrimSpace(a.AuthToken) != ""
}

// ProxyMode reports whether outbound traffic (and inbound trust) goes through
// a forwarding proxy instead of the provider API.
func (a ResolvedAccount) ProxyMode() bool {
	return strings.TrimSpace(a.ProxyURL) != ""
}

// Usable reports whether the account can move messages at all.
func (a ResolvedAccount) Usable() bool {
	return a.Enabled && (a.HasCredentials() || a.ProxyMode())
}

// MediaAttachment is one provider media item attached to an inbound message.
type MediaAttachment struct {
	URL         string
	ContentType string
	Size        int64
}

// SavedMedia references a locally persisted media file.
type SavedMedia struct {
	Path        string
	ContentType string
}

// InboundMessage is the normalized representation of one webhook delivery.
// It is created once per webhook call, never persisted, and consumed exactly
// once. From must be non-empty before any side effect occurs.
type InboundMessage struct {
	MessageSID string
	From       string
	To         string
	Body       string
	Media      []MediaAttachment
	Raw        map[string]string
	ReceivedAt time.Time
}

// StatusPatch carries observability updates emitted on channel activity.
type StatusPatch struct {
	AccountID      string
	LastInboundAt  *time.Time
	LastOutboundAt *time.Time
	LastError      string
}

// StatusSink receives StatusPatch updates. Implementations must be cheap and
// non-blocking; the gateway calls them inline on the message path.
type StatusSink func(patch StatusPatch)

// WebhookTarget binds one account to one normalized webhook path along with
// the runtime handles it needs during processing. The account snapshot is
// produced fresh by Resolve on each request.
type WebhookTarget struct {
	AccountID string
	Path      string
	Resolve   func() ResolvedAccount
	Logger    *slog.Logger
	Status    StatusSink
}

// Account resolves the current account snapshot for this target.
func (t *WebhookTarget) Account() ResolvedAccount {
	if t == nil || t.Resolve == nil {
		return ResolvedAccount{}
	}
	return t.Resolve()
}

// --- Collaborator interfaces consumed by the core ---

// PairingStore persists pairing requests and approved senders.
type PairingStore interface {
	// UpsertPairingRequest creates a pairing request for the sender or
	// returns the pending one. created is true only on first creation.
	UpsertPairingRequest(ctx context.Context, channel, sender string) (code string, created bool, err error)
	// ReadAllow returns approved sender ids for the channel.
	ReadAllow(ctx context.Context, channel string) ([]string, error)
}

// Route identifies the agent and session an inbound message is dispatched to.
type Route struct {
	AgentID    string
	SessionKey string
}

// RouteResolver maps channel, account, and peer identity to an agent route.
type RouteResolver interface {
	Resolve(ctx context.Context, channel, accountID, peer string) (Route, error)
}

// SessionRecorder tracks per-session activity timestamps. Touch returns the
// previous activity time, zero when the session is new.
type SessionRecorder interface {
	Touch(ctx context.Context, sessionKey string, at time.Time) (time.Time, error)
}

// Envelope is the normalized inbound payload handed to the dispatcher.
type Envelope struct {
	Sender        string
	SentAt        time.Time
	PrevSessionAt time.Time
	Body          string
	RawBody       string
	Media         *SavedMedia
}

// ReplyPayload is one agent reply to deliver back over the channel.
type ReplyPayload struct {
	Text      string
	MediaURLs []string
}

// DeliverFunc sends an agent reply back to the message's sender.
type DeliverFunc func(ctx context.Context, reply ReplyPayload) error

// ReplyDispatcher hands a message to the agent pipeline. Replies arrive
// through deliver, failures through onError; both may fire after Dispatch
// returns.
type ReplyDispatcher interface {
	Dispatch(ctx context.Context, route Route, env Envelope, deliver DeliverFunc, onError func(error)) error
}

// CommandAuthorizer decides whether a sender may issue control commands.
type CommandAuthorizer interface {
	Authorized(ctx context.Context, channel, accountID, sender string, allowListed bool) (bool, error)
}

// IsCommand reports whether a message body looks like a control command.
func IsCommand(body string) bool {
	trimmed := strings.TrimSpace(body)
	return strings.HasPrefix(trimmed, "/") || strings.HasPrefix(trimmed, "!")
}
