package sms

import (
	"os"
	"sort"
	"strings"

	"github.com/deepclaw/smsgate/internal/config"
	"github.com/deepclaw/smsgate/internal/phone"
)

// Environment fallback credentials, honored for the default account only.
const (
	EnvAccountSID = "TWILIO_ACCOUNT_SID"
	EnvAuthToken  = "TWILIO_AUTH_TOKEN"
	EnvFromNumber = "TWILIO_FROM_NUMBER"
)

// EnvLookup reads one environment variable. Tests substitute a fake.
type EnvLookup func(key string) string

// AccountResolver computes immutable ResolvedAccount snapshots from live
// configuration. It holds no per-request state and never caches: every call
// re-merges channel-wide fields, per-account overrides, and (for the default
// account) environment credentials.
type AccountResolver struct {
	env EnvLookup
}

// NewAccountResolver creates a resolver using process environment variables.
func NewAccountResolver() *AccountResolver {
	return &AccountResolver{env: os.Getenv}
}

// NewAccountResolverWithEnv creates a resolver with a custom env lookup.
func NewAccountResolverWithEnv(env EnvLookup) *AccountResolver {
	if env == nil {
		env = func(string) string { return "" }
	}
	return &AccountResolver{env: env}
}

// DefaultAccountID returns the configured default account id, or the first
// configured account id in lexicographic order, or "default".
func (r *AccountResolver) DefaultAccountID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Channel.DefaultAccount); id != "" {
		return id
	}
	ids := make([]string, 0, len(cfg.Accounts))
	for id := range cfg.Accounts {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return "default"
	}
	sort.Strings(ids)
	return ids[0]
}

// AccountIDs returns every account id that Resolve can produce, the default
// account included, sorted for stable iteration.
func (r *AccountResolver) AccountIDs(cfg config.Config) []string {
	seen := map[string]bool{r.DefaultAccountID(cfg): true}
	for id := range cfg.Accounts {
		seen[id] = true
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resolve merges channel-wide fields, per-account overrides, and env fallback
// credentials into a snapshot for accountID. An empty accountID resolves the
// default account. Resolve never fails: missing credentials yield
// CredentialSourceNone and the account is unusable downstream.
func (r *AccountResolver) Resolve(cfg config.Config, accountID string) ResolvedAccount {
	accountID = strings.TrimSpace(accountID)
	defaultID := r.DefaultAccountID(cfg)
	if accountID == "" {
		accountID = defaultID
	}
	isDefault := accountID == defaultID

	base := cfg.Channel
	account := cfg.Accounts[accountID]

	resolved := ResolvedAccount{
		AccountID:      accountID,
		Name:           strings.TrimSpace(account.Name),
		AccountSID:     pickString(account.AccountSID, base.AccountSID),
		AuthToken:      pickString(account.AuthToken, base.AuthToken),
		FromNumber:     phone.Normalize(pickString(account.FromNumber, base.FromNumber)),
		DMPolicy:       DMPolicy(pickString(account.DMPolicy, base.DMPolicy)),
		AllowFrom:      pickList(account.AllowFrom, base.AllowFrom),
		TextChunkLimit: pickInt(account.TextChunkLimit, base.TextChunkLimit),
		ChunkMode:      ChunkMode(pickString(account.ChunkMode, base.ChunkMode)),
		MediaMaxBytes:  pickInt64(account.MediaMaxBytes, base.MediaMaxBytes),
		ProxyURL:       pickString(account.ProxyURL, base.ProxyURL),
		WebhookPath:    NormalizePath(pickString(account.WebhookPath, base.WebhookPath)),
	}
	if resolved.Name == "" {
		resolved.Name = accountID
	}
	if resolved.DMPolicy == "" {
		resolved.DMPolicy = DMPolicy(config.DefaultDMPolicy)
	}
	if resolved.TextChunkLimit <= 0 {
		resolved.TextChunkLimit = config.DefaultTextChunkLimit
	}
	if resolved.ChunkMode == "" {
		resolved.ChunkMode = ChunkMode(config.DefaultChunkMode)
	}
	if resolved.MediaMaxBytes <= 0 {
		resolved.MediaMaxBytes = config.DefaultMediaMaxBytes
	}
	if resolved.WebhookPath == "" {
		resolved.WebhookPath = config.DefaultWebhookPath
	}

	switch {
	case resolved.AccountSID != "" && resolved.AuthToken != "":
		resolved.CredentialSource = CredentialSourceConfig
	case isDefault && r.env(EnvAccountSID) != "" && r.env(EnvAuthToken) != "":
		// Env credentials never leak into non-default accounts.
		resolved.AccountSID = strings.TrimSpace(r.env(EnvAccountSID))
		resolved.AuthToken = strings.TrimSpace(r.env(EnvAuthToken))
		if resolved.FromNumber == "" {
			resolved.FromNumber = phone.Normalize(r.env(EnvFromNumber))
		}
		resolved.CredentialSource = CredentialSourceEnv
	default:
		resolved.AccountSID = ""
		resolved.AuthToken = ""
		resolved.CredentialSource = CredentialSourceNone
	}

	channelEnabled := boolOr(cfg.Channel.Enabled, true)
	accountEnabled := boolOr(account.Enabled, true)
	resolved.Enabled = channelEnabled && accountEnabled
	return resolved
}

func pickString(override, base string) string {
	if strings.TrimSpace(override) != "" {
		return strings.TrimSpace(override)
	}
	return strings.TrimSpace(base)
}

func pickList(override, base []string) []string {
	src := base
	if len(override) > 0 {
		src = override
	}
	out := make([]string, 0, len(src))
	for _, entry := range src {
		if strings.TrimSpace(entry) != "" {
			out = append(out, strings.TrimSpace(entry))
		}
	}
	return out
}

func pickInt(override, base int) int {
	if override > 0 {
		return override
	}
	return base
}

func pickInt64(override, base int64) int64 {
	if override > 0 {
		return override
	}
	return base
}

func boolOr(value *bool, fallback bool) bool {
	if value == nil {
		return fallback
	}
	return *value
}
