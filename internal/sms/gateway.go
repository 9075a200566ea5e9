package sms

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/deepclaw/smsgate/internal/config"
)

// Gateway owns webhook target lifecycle: it registers one WebhookTarget per
// enabled account when the channel starts and removes them when it stops.
// Account snapshots resolve fresh on every request, so environment credential
// changes apply without re-registration.
type Gateway struct {
	cfg      config.Config
	resolver *AccountResolver
	registry *PathRegistry
	status   StatusSink
	logger   *slog.Logger

	mu         sync.Mutex
	unregister map[string]func()
}

// NewGateway creates a gateway over the given configuration and registry.
func NewGateway(log *slog.Logger, cfg config.Config, resolver *AccountResolver, registry *PathRegistry, status StatusSink) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	if resolver == nil {
		resolver = NewAccountResolver()
	}
	if registry == nil {
		registry = NewPathRegistry()
	}
	return &Gateway{
		cfg:        cfg,
		resolver:   resolver,
		registry:   registry,
		status:     status,
		logger:     log.With(slog.String("component", "sms_gateway")),
		unregister: map[string]func(){},
	}
}

// Start registers targets for every enabled account. Accounts without
// credentials or proxy are registered anyway (they can still receive and
// drop traffic) but logged as unusable.
func (g *Gateway) Start(ctx context.Context) error {
	for _, accountID := range g.resolver.AccountIDs(g.cfg) {
		if err := g.StartAccount(ctx, accountID); err != nil {
			return err
		}
	}
	return nil
}

// StartAccount registers the webhook target for one account. Idempotent.
func (g *Gateway) StartAccount(_ context.Context, accountID string) error {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return fmt.Errorf("account id is required")
	}
	account := g.resolver.Resolve(g.cfg, accountID)
	if !account.Enabled {
		g.logger.Info("account disabled, not registering", slog.String("account", accountID))
		return nil
	}
	if !account.Usable() {
		g.logger.Warn("account has no credentials or proxy, inbound traffic will be dropped",
			slog.String("account", accountID),
			slog.String("credential_source", string(account.CredentialSource)),
		)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.unregister[accountID]; exists {
		return nil
	}
	target := &WebhookTarget{
		AccountID: accountID,
		Path:      account.WebhookPath,
		Resolve: func() ResolvedAccount {
			return g.resolver.Resolve(g.cfg, accountID)
		},
		Logger: g.logger.With(slog.String("account", accountID)),
		Status: g.status,
	}
	g.unregister[accountID] = g.registry.Register(target)
	g.logger.Info("webhook target registered",
		slog.String("account", accountID),
		slog.String("path", target.Path),
		slog.String("policy", string(account.DMPolicy)),
	)
	return nil
}

// StopAccount removes one account's webhook target, preserving other
// accounts sharing the same path.
func (g *Gateway) StopAccount(accountID string) {
	g.mu.Lock()
	unregister := g.unregister[accountID]
	delete(g.unregister, accountID)
	g.mu.Unlock()
	if unregister != nil {
		unregister()
		g.logger.Info("webhook target removed", slog.String("account", accountID))
	}
}

// Stop removes all registered targets.
func (g *Gateway) Stop() {
	g.mu.Lock()
	targets := g.unregister
	g.unregister = map[string]func(){}
	g.mu.Unlock()
	for accountID, unregister := range targets {
		unregister()
		g.logger.Info("webhook target removed", slog.String("account", accountID))
	}
}
