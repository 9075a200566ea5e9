package sms

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/deepclaw/smsgate/internal/phone"
)

// ackBody is the acknowledgment returned to the provider on every accepted
// POST, before any business logic runs. An empty TwiML response tells the
// provider not to send an automatic reply.
const ackBody = `<?xml version="1.0" encoding="UTF-8"?><Response/>`

// Processor turns a verified webhook request into either a discarded no-op or
// a dispatched agent turn.
//
// The defining behavior is the immediate-acknowledgment / detached-processing
// split: the HTTP response completes inside Handle, while policy evaluation,
// routing, media fetch, and dispatch run in a background task decoupled from
// the request context. Provider retry timers never observe agent latency, and
// a dropped client connection never cancels an in-flight message.
type Processor struct {
	registry   *PathRegistry
	pairing    PairingStore
	routes     RouteResolver
	sessions   SessionRecorder
	dispatcher ReplyDispatcher
	commands   CommandAuthorizer
	fetcher    *MediaFetcher
	sender     *Sender
	logger     *slog.Logger

	bodyLimit     int64
	publicBaseURL string
	now           func() time.Time
	tasks         sync.WaitGroup
}

// NewProcessor creates an inbound processor. pairing, sessions, and commands
// may be nil when the corresponding collaborator is not deployed; routes,
// dispatcher, fetcher, and sender are required for dispatch to happen.
func NewProcessor(
	log *slog.Logger,
	registry *PathRegistry,
	pairing PairingStore,
	routes RouteResolver,
	sessions SessionRecorder,
	dispatcher ReplyDispatcher,
	commands CommandAuthorizer,
	fetcher *MediaFetcher,
	sender *Sender,
) *Processor {
	if log == nil {
		log = slog.Default()
	}
	if registry == nil {
		registry = NewPathRegistry()
	}
	return &Processor{
		registry:   registry,
		pairing:    pairing,
		routes:     routes,
		sessions:   sessions,
		dispatcher: dispatcher,
		commands:   commands,
		fetcher:    fetcher,
		sender:     sender,
		logger:     log.With(slog.String("component", "sms_inbound")),
		bodyLimit:  64 * 1024,
		now:        time.Now,
	}
}

// SetBodyLimit overrides the inbound payload byte ceiling.
func (p *Processor) SetBodyLimit(limit int64) {
	if limit > 0 {
		p.bodyLimit = limit
	}
}

// SetPublicBaseURL fixes the externally visible base URL used for signature
// canonicalization when forwarding headers are unavailable.
func (p *Processor) SetPublicBaseURL(base string) {
	p.publicBaseURL = strings.TrimSpace(base)
}

// Register mounts the webhook dispatch route. Paths are dynamic (accounts
// register and unregister at runtime), so a single catch-all route consults
// the path registry per request.
func (p *Processor) Register(e *echo.Echo) {
	e.Any("/*", p.Handle)
}

// Wait blocks until all detached background tasks have finished. Tests use it
// to observe outcomes deterministically; production shutdown may call it to
// drain in-flight messages.
func (p *Processor) Wait() {
	p.tasks.Wait()
}

// Handle processes one webhook request: protocol checks, signature
// verification across candidate accounts, immediate acknowledgment, then
// detached policy evaluation and dispatch.
func (p *Processor) Handle(c echo.Context) error {
	req := c.Request()
	path := NormalizePath(req.URL.Path)
	targets := p.registry.Lookup(path)
	if len(targets) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "no webhook registered at path")
	}
	if req.Method != http.MethodPost {
		return echo.NewHTTPError(http.StatusMethodNotAllowed, "webhook accepts POST only")
	}

	// Oversized bodies are rejected, never truncated-and-processed. The
	// limited reader stops one byte past the ceiling so the full payload is
	// never buffered.
	if req.ContentLength > p.bodyLimit {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("payload too large: max %d bytes", p.bodyLimit))
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, p.bodyLimit+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
	}
	if int64(len(body)) > p.bodyLimit {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("payload too large: max %d bytes", p.bodyLimit))
	}

	var (
		form    url.Values
		payload interface{ Normalize(time.Time) InboundMessage }
	)
	if strings.HasPrefix(req.Header.Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		// JSON bodies are Telnyx-shaped events forwarded by a gateway. They
		// carry no form for the signature to cover, so verification below
		// passes only for proxy-mode or secretless targets.
		parsed, perr := ParseTelnyxJSON(body)
		if perr != nil {
			return echo.NewHTTPError(http.StatusBadRequest, perr.Error())
		}
		form = url.Values{}
		payload = parsed
	} else {
		form, err = url.ParseQuery(string(body))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("parse form: %v", err))
		}
		parsed, perr := ParseTwilioForm(form)
		if perr != nil {
			return echo.NewHTTPError(http.StatusBadRequest, perr.Error())
		}
		payload = parsed
	}

	canonicalURL := CanonicalRequestURL(req, p.publicBaseURL)
	target, account, ok := p.verifyCandidates(targets, req.Header.Get(SignatureHeader), canonicalURL, form)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "signature verification failed for all registered accounts")
	}

	msg := payload.Normalize(p.now().UTC())
	// Missing sender is fatal before any side effect; empty messages are
	// discarded silently. Both still get the success ack so the provider
	// does not retry.
	if strings.TrimSpace(msg.From) == "" {
		p.logger.Warn("dropping message without sender", slog.String("message_sid", msg.MessageSID))
		return c.Blob(http.StatusOK, "application/xml", []byte(ackBody))
	}
	if strings.TrimSpace(msg.Body) == "" && len(msg.Media) == 0 {
		p.logger.Debug("dropping empty message", slog.String("message_sid", msg.MessageSID))
		return c.Blob(http.StatusOK, "application/xml", []byte(ackBody))
	}

	if err := c.Blob(http.StatusOK, "application/xml", []byte(ackBody)); err != nil {
		return err
	}

	taskCtx := context.WithoutCancel(req.Context())
	p.tasks.Add(1)
	go func() {
		defer p.tasks.Done()
		p.process(taskCtx, target, account, msg)
	}()
	return nil
}

// verifyCandidates tries each registered target's credentials against the
// request, in registration order. Proxy-mode accounts are tried first and
// accepted unconditionally: the proxy verified the original request and the
// signature header does not survive the forwarding hop.
func (p *Processor) verifyCandidates(targets []*WebhookTarget, signature, canonicalURL string, form url.Values) (*WebhookTarget, ResolvedAccount, bool) {
	for _, target := range targets {
		account := target.Account()
		if account.ProxyMode() {
			return target, account, true
		}
	}
	for _, target := range targets {
		account := target.Account()
		if account.ProxyMode() {
			continue
		}
		result := VerifySignature(account.AuthToken, signature, canonicalURL, form)
		if !result.OK {
			continue
		}
		if !account.HasCredentials() {
			p.logger.Warn("signature verification skipped, account has no secret configured",
				slog.String("account", account.AccountID))
		}
		return target, account, true
	}
	return nil, ResolvedAccount{}, false
}

// process runs the post-acknowledgment pipeline. Every downstream call is
// independently guarded: failures log and degrade rather than aborting the
// message, except dispatch failure, which is terminal for this message.
func (p *Processor) process(ctx context.Context, target *WebhookTarget, account ResolvedAccount, msg InboundMessage) {
	log := p.logger.With(
		slog.String("account", account.AccountID),
		slog.String("message_sid", msg.MessageSID),
	)
	p.markInbound(target, msg.ReceivedAt)

	sender := phone.Normalize(msg.From)
	if sender == "" {
		log.Warn("sender did not normalize, dropping", slog.String("from", msg.From))
		return
	}
	log = log.With(slog.String("sender", sender))

	decision := p.evaluatePolicy(ctx, account, sender, msg.Body, log)
	switch decision.action {
	case policyDrop:
		log.Info("message dropped by policy", slog.String("policy", string(account.DMPolicy)), slog.String("reason", decision.reason))
		return
	case policyPairingReply:
		p.sendPairingReply(ctx, target, account, sender, decision.pairingCode, log)
		return
	}

	if IsCommand(msg.Body) && !decision.commandAuthorized {
		log.Info("command from unauthorized sender dropped")
		return
	}

	route := p.resolveRoute(ctx, account, sender, log)
	prevAt := p.touchSession(ctx, route.SessionKey, msg.ReceivedAt, log)
	media := p.fetchFirstMedia(ctx, account, msg, log)

	env := Envelope{
		Sender:        sender,
		SentAt:        msg.ReceivedAt,
		PrevSessionAt: prevAt,
		Body:          strings.TrimSpace(msg.Body),
		RawBody:       msg.Body,
		Media:         media,
	}
	deliver := func(ctx context.Context, reply ReplyPayload) error {
		return p.deliverReply(ctx, target, sender, reply)
	}
	onError := func(err error) {
		log.Error("agent dispatch reported error", slog.Any("error", err))
	}
	if p.dispatcher == nil {
		log.Error("no dispatcher configured, dropping message")
		return
	}
	if err := p.dispatcher.Dispatch(ctx, route, env, deliver, onError); err != nil {
		// Terminal for this message, no retry.
		log.Error("agent dispatch failed", slog.Any("error", err))
		return
	}
	log.Info("message dispatched", slog.String("session", route.SessionKey))
}

type policyAction int

const (
	policyAccept policyAction = iota
	policyDrop
	policyPairingReply
)

type policyDecision struct {
	action            policyAction
	reason            string
	pairingCode       string
	commandAuthorized bool
}

// evaluatePolicy runs the DM policy state machine for one sender. The pairing
// store is consulted only when the policy needs the persisted allow-list or
// when command authorization must be computed.
func (p *Processor) evaluatePolicy(ctx context.Context, account ResolvedAccount, sender, body string, log *slog.Logger) policyDecision {
	if !account.Enabled || account.DMPolicy == DMPolicyDisabled {
		return policyDecision{action: policyDrop, reason: "messaging disabled"}
	}

	isCommand := IsCommand(body)
	needAllow := account.DMPolicy == DMPolicyPairing || account.DMPolicy == DMPolicyAllowlist ||
		(isCommand && p.commands != nil)

	allowListed := false
	if needAllow {
		allowListed = phone.InList(sender, p.effectiveAllowList(ctx, account, log))
	}

	decision := policyDecision{action: policyAccept}
	switch account.DMPolicy {
	case DMPolicyOpen:
		// Always accepted; command authorization computed below if needed.
	case DMPolicyPairing:
		if !allowListed {
			return p.pairingDecision(ctx, sender, log)
		}
	case DMPolicyAllowlist:
		if !allowListed {
			return policyDecision{action: policyDrop, reason: "sender not in allow-list"}
		}
	default:
		return policyDecision{action: policyDrop, reason: fmt.Sprintf("unknown policy %q", account.DMPolicy)}
	}

	if isCommand {
		decision.commandAuthorized = p.commandAuthorized(ctx, account, sender, allowListed, log)
	}
	return decision
}

// pairingDecision creates or refreshes the sender's pairing request. Only the
// first creation triggers the pairing-code reply; repeats are dropped quietly
// so an unapproved sender cannot generate reply traffic.
func (p *Processor) pairingDecision(ctx context.Context, sender string, log *slog.Logger) policyDecision {
	if p.pairing == nil {
		return policyDecision{action: policyDrop, reason: "pairing policy without pairing store"}
	}
	code, created, err := p.pairing.UpsertPairingRequest(ctx, ChannelName, sender)
	if err != nil {
		log.Error("pairing request failed", slog.Any("error", err))
		return policyDecision{action: policyDrop, reason: "pairing store error"}
	}
	if !created {
		return policyDecision{action: policyDrop, reason: "pairing already pending"}
	}
	return policyDecision{action: policyPairingReply, pairingCode: code}
}

func (p *Processor) effectiveAllowList(ctx context.Context, account ResolvedAccount, log *slog.Logger) []string {
	allow := append([]string{}, account.AllowFrom...)
	if p.pairing == nil {
		return allow
	}
	stored, err := p.pairing.ReadAllow(ctx, ChannelName)
	if err != nil {
		log.Warn("reading stored allow-list failed", slog.Any("error", err))
		return allow
	}
	return append(allow, stored...)
}

func (p *Processor) commandAuthorized(ctx context.Context, account ResolvedAccount, sender string, allowListed bool, log *slog.Logger) bool {
	if p.commands == nil {
		// No access-group enforcement deployed; commands pass.
		return true
	}
	authorized, err := p.commands.Authorized(ctx, ChannelName, account.AccountID, sender, allowListed)
	if err != nil {
		log.Warn("command authorization check failed, treating as unauthorized", slog.Any("error", err))
		return false
	}
	return authorized
}

func (p *Processor) sendPairingReply(ctx context.Context, target *WebhookTarget, account ResolvedAccount, sender, code string, log *slog.Logger) {
	log.Info("pairing request created, sending code")
	text := fmt.Sprintf("Pairing code: %s. Ask the operator to approve this number before messaging again.", code)
	if p.sender == nil {
		log.Error("no outbound sender configured for pairing reply")
		return
	}
	outcomes := p.sender.Send(ctx, account, sender, text, nil, targetStatus(target))
	for _, outcome := range outcomes {
		if outcome.Err != nil {
			log.Error("pairing reply failed", slog.Any("error", outcome.Err))
		}
	}
}

func (p *Processor) resolveRoute(ctx context.Context, account ResolvedAccount, sender string, log *slog.Logger) Route {
	fallback := Route{SessionKey: fmt.Sprintf("%s:%s:%s", ChannelName, account.AccountID, sender)}
	if p.routes == nil {
		return fallback
	}
	route, err := p.routes.Resolve(ctx, ChannelName, account.AccountID, sender)
	if err != nil {
		log.Warn("route resolution failed, using fallback session", slog.Any("error", err))
		return fallback
	}
	if strings.TrimSpace(route.SessionKey) == "" {
		route.SessionKey = fallback.SessionKey
	}
	return route
}

func (p *Processor) touchSession(ctx context.Context, sessionKey string, at time.Time, log *slog.Logger) time.Time {
	if p.sessions == nil {
		return time.Time{}
	}
	prev, err := p.sessions.Touch(ctx, sessionKey, at)
	if err != nil {
		log.Warn("session bookkeeping failed", slog.Any("error", err))
		return time.Time{}
	}
	return prev
}

// fetchFirstMedia downloads and saves the first attachment only; additional
// attachments are counted in the log and skipped. Failures degrade the
// message to text-only dispatch.
func (p *Processor) fetchFirstMedia(ctx context.Context, account ResolvedAccount, msg InboundMessage, log *slog.Logger) *SavedMedia {
	if len(msg.Media) == 0 || p.fetcher == nil {
		return nil
	}
	if len(msg.Media) > 1 {
		log.Info("multiple attachments received, forwarding first only", slog.Int("count", len(msg.Media)))
	}
	attachment := msg.Media[0]
	var decorator AuthDecorator
	if !account.ProxyMode() {
		decorator = BasicAuthDecorator(account)
	}
	fetched, err := p.fetcher.Fetch(ctx, attachment.URL, account.MediaMaxBytes, decorator)
	if err != nil {
		log.Warn("media fetch failed, continuing text-only", slog.Any("error", err))
		return nil
	}
	if fetched.ContentType == "" {
		fetched.ContentType = attachment.ContentType
	}
	saved, err := p.fetcher.Save(fetched, "inbound", account.MediaMaxBytes)
	if err != nil {
		log.Warn("media save failed, continuing text-only", slog.Any("error", err))
		return nil
	}
	return &saved
}

// deliverReply is the delivery callback handed to the dispatcher. It resolves
// a fresh account snapshot so credential or policy changes made while the
// agent was thinking apply to the reply.
func (p *Processor) deliverReply(ctx context.Context, target *WebhookTarget, to string, reply ReplyPayload) error {
	if p.sender == nil {
		return fmt.Errorf("no outbound sender configured")
	}
	account := target.Account()
	outcomes := p.sender.Send(ctx, account, to, reply.Text, reply.MediaURLs, targetStatus(target))
	var firstErr error
	succeeded := false
	for _, outcome := range outcomes {
		if outcome.Err == nil {
			succeeded = true
		} else if firstErr == nil {
			firstErr = outcome.Err
		}
	}
	if !succeeded && firstErr != nil {
		return firstErr
	}
	return nil
}

func (p *Processor) markInbound(target *WebhookTarget, at time.Time) {
	if target == nil || target.Status == nil {
		return
	}
	stamp := at.UTC()
	target.Status(StatusPatch{AccountID: target.AccountID, LastInboundAt: &stamp})
}

func targetStatus(target *WebhookTarget) StatusSink {
	if target == nil {
		return nil
	}
	return target.Status
}
