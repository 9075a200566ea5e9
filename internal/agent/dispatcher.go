// Package agent provides the default collaborators behind the inbound
// processor: route resolution, session bookkeeping, command authorization,
// and dispatch of envelopes to a remote agent endpoint.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/deepclaw/smsgate/internal/sms"
)

type dispatchRequest struct {
	AgentID       string    `json:"agentId"`
	SessionKey    string    `json:"sessionKey"`
	Sender        string    `json:"sender"`
	SentAt        time.Time `json:"sentAt"`
	PrevSessionAt time.Time `json:"prevSessionAt,omitzero"`
	Body          string    `json:"body"`
	MediaPath     string    `json:"mediaPath,omitempty"`
	MediaType     string    `json:"mediaContentType,omitempty"`
}

type dispatchResponse struct {
	Text      string   `json:"text"`
	MediaURLs []string `json:"mediaUrls"`
}

// HTTPDispatcher posts envelopes to an agent endpoint and feeds the reply
// back through the deliver callback. Dispatch is synchronous; the caller
// already runs it off the request path.
type HTTPDispatcher struct {
	client   *http.Client
	endpoint string
	logger   *slog.Logger
}

func NewHTTPDispatcher(log *slog.Logger, endpoint string, client *http.Client) *HTTPDispatcher {
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	return &HTTPDispatcher{
		client:   client,
		endpoint: endpoint,
		logger:   log.With(slog.String("component", "agent_dispatch")),
	}
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, route sms.Route, env sms.Envelope, deliver sms.DeliverFunc, onError func(error)) error {
	if d.endpoint == "" {
		return fmt.Errorf("agent endpoint not configured")
	}

	payload := dispatchRequest{
		AgentID:       route.AgentID,
		SessionKey:    route.SessionKey,
		Sender:        env.Sender,
		SentAt:        env.SentAt,
		PrevSessionAt: env.PrevSessionAt,
		Body:          env.Body,
	}
	if env.Media != nil {
		payload.MediaPath = env.Media.Path
		payload.MediaType = env.Media.ContentType
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode dispatch request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch to agent: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read agent response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("agent endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	var reply dispatchResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &reply); err != nil {
			return fmt.Errorf("decode agent response: %w", err)
		}
	}
	if reply.Text == "" && len(reply.MediaURLs) == 0 {
		d.logger.Info("agent returned empty reply", slog.String("session", route.SessionKey))
		return nil
	}

	if err := deliver(ctx, sms.ReplyPayload{Text: reply.Text, MediaURLs: reply.MediaURLs}); err != nil {
		onError(err)
	}
	return nil
}
