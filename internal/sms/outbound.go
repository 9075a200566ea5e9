package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultProviderAPIBase is the provider REST endpoint for direct sends.
const DefaultProviderAPIBase = "https://api.twilio.com"

// proxySendPath is appended to an account's proxy URL for forwarded sends.
const proxySendPath = "/api/sms/send"

// ProviderResult is the provider's acknowledgment of one outbound message.
type ProviderResult struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// SendOutcome is the observable result of one outbound API call. A failed
// chunk records its error without stopping later chunks.
type SendOutcome struct {
	Result ProviderResult
	Err    error
}

// Sender is the outbound delivery pipeline: it chunks long reply text to the
// account's limit, sends each chunk (or a single MMS payload) through the
// provider API or the account's forwarding proxy, and stamps the status sink
// on every success. Failures are logged and recorded per call; they never
// propagate past this layer.
type Sender struct {
	client  *http.Client
	apiBase string
	logger  *slog.Logger
	now     func() time.Time
}

// NewSender creates a Sender. A nil client gets a default with a 30s timeout.
func NewSender(log *slog.Logger, client *http.Client) *Sender {
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Sender{
		client:  client,
		apiBase: DefaultProviderAPIBase,
		logger:  log.With(slog.String("component", "sms_outbound")),
		now:     time.Now,
	}
}

// SetAPIBase overrides the provider API base URL. Tests point it at a local
// server.
func (s *Sender) SetAPIBase(base string) {
	if strings.TrimSpace(base) != "" {
		s.apiBase = strings.TrimSuffix(strings.TrimSpace(base), "/")
	}
}

// Send delivers text and/or media to one recipient. Media URLs present means
// one multi-media send; otherwise text is split into provider-safe chunks and
// each chunk is an independent API call. There is no atomicity across chunks:
// a failure on chunk k does not prevent chunk k+1, and partial delivery is an
// accepted outcome. status may be nil.
func (s *Sender) Send(ctx context.Context, account ResolvedAccount, to, text string, mediaURLs []string, status StatusSink) []SendOutcome {
	to = strings.TrimSpace(to)
	if to == "" {
		return []SendOutcome{{Err: fmt.Errorf("recipient is required")}}
	}
	if len(mediaURLs) > 0 {
		outcome := s.sendOne(ctx, account, to, text, mediaURLs)
		s.observe(account, outcome, status)
		return []SendOutcome{outcome}
	}
	chunks := ChunkerFor(account.ChunkMode)(text, account.TextChunkLimit)
	if len(chunks) == 0 {
		return nil
	}
	outcomes := make([]SendOutcome, 0, len(chunks))
	for idx, chunk := range chunks {
		outcome := s.sendOne(ctx, account, to, chunk, nil)
		if outcome.Err != nil {
			s.logger.Error("chunk send failed",
				slog.String("account", account.AccountID),
				slog.String("to", to),
				slog.Int("chunk", idx+1),
				slog.Int("chunks", len(chunks)),
				slog.Any("error", outcome.Err),
			)
		} else {
			s.logger.Info("chunk sent",
				slog.String("account", account.AccountID),
				slog.String("to", to),
				slog.Int("chunk", idx+1),
				slog.Int("chunks", len(chunks)),
				slog.String("sid", outcome.Result.SID),
			)
		}
		s.observe(account, outcome, status)
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

func (s *Sender) observe(account ResolvedAccount, outcome SendOutcome, status StatusSink) {
	if status == nil {
		return
	}
	patch := StatusPatch{AccountID: account.AccountID}
	if outcome.Err != nil {
		patch.LastError = outcome.Err.Error()
	} else {
		at := s.now().UTC()
		patch.LastOutboundAt = &at
	}
	status(patch)
}

func (s *Sender) sendOne(ctx context.Context, account ResolvedAccount, to, text string, mediaURLs []string) SendOutcome {
	switch {
	case account.HasCredentials():
		result, err := s.sendDirect(ctx, account, to, text, mediaURLs)
		return SendOutcome{Result: result, Err: err}
	case account.ProxyMode():
		result, err := s.sendViaProxy(ctx, account, to, text, mediaURLs)
		return SendOutcome{Result: result, Err: err}
	default:
		return SendOutcome{Err: fmt.Errorf("account %s has no credentials and no proxy", account.AccountID)}
	}
}

// sendDirect calls the provider Messages API with basic auth credentials.
func (s *Sender) sendDirect(ctx context.Context, account ResolvedAccount, to, text string, mediaURLs []string) (ProviderResult, error) {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", account.FromNumber)
	if text != "" {
		form.Set("Body", text)
	}
	for _, mediaURL := range mediaURLs {
		form.Add("MediaUrl", mediaURL)
	}
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", s.apiBase, url.PathEscape(account.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return ProviderResult{}, fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(account.AccountSID, account.AuthToken)
	return s.doSend(req)
}

// sendViaProxy forwards the send as JSON to the account's proxy, which holds
// the real provider credentials.
func (s *Sender) sendViaProxy(ctx context.Context, account ResolvedAccount, to, text string, mediaURLs []string) (ProviderResult, error) {
	payload := map[string]any{
		"from": account.FromNumber,
		"to":   to,
		"text": text,
	}
	if mediaURLs != nil {
		payload["mediaUrls"] = mediaURLs
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return ProviderResult{}, fmt.Errorf("encode proxy payload: %w", err)
	}
	endpoint := strings.TrimSuffix(account.ProxyURL, "/") + proxySendPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return ProviderResult{}, fmt.Errorf("build proxy request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return s.doSend(req)
}

func (s *Sender) doSend(req *http.Request) (ProviderResult, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return ProviderResult{}, fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ProviderResult{}, fmt.Errorf("read send response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ProviderResult{}, fmt.Errorf("send message: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var result ProviderResult
	if err := json.Unmarshal(data, &result); err != nil {
		// Some proxies return an empty body on success.
		return ProviderResult{Status: "accepted"}, nil
	}
	return result, nil
}
