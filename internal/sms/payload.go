package sms

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// maxMediaItems caps how many indexed media fields are read from a payload,
// regardless of the declared count.
const maxMediaItems = 10

// ErrMissingMessageID indicates the payload carries no provider message id.
var ErrMissingMessageID = fmt.Errorf("payload missing message id")

// TwilioPayload is the Twilio-shaped webhook form body. Media attachments
// arrive as NumMedia plus indexed MediaUrlN / MediaContentTypeN pairs.
type TwilioPayload struct {
	MessageSID string
	From       string
	To         string
	Body       string
	NumMedia   int
	Media      []MediaAttachment
	Raw        map[string]string
}

// ParseTwilioForm decodes a Twilio webhook form into a tagged payload struct.
// The media loop is bounded by the declared NumMedia, capped at maxMediaItems.
func ParseTwilioForm(form url.Values) (TwilioPayload, error) {
	payload := TwilioPayload{
		MessageSID: strings.TrimSpace(form.Get("MessageSid")),
		From:       strings.TrimSpace(form.Get("From")),
		To:         strings.TrimSpace(form.Get("To")),
		Body:       form.Get("Body"),
		Raw:        flattenForm(form),
	}
	if payload.MessageSID == "" {
		return payload, ErrMissingMessageID
	}
	declared, _ := strconv.Atoi(strings.TrimSpace(form.Get("NumMedia")))
	if declared < 0 {
		declared = 0
	}
	payload.NumMedia = declared
	count := declared
	if count > maxMediaItems {
		count = maxMediaItems
	}
	for i := 0; i < count; i++ {
		mediaURL := strings.TrimSpace(form.Get("MediaUrl" + strconv.Itoa(i)))
		if mediaURL == "" {
			continue
		}
		payload.Media = append(payload.Media, MediaAttachment{
			URL:         mediaURL,
			ContentType: strings.TrimSpace(form.Get("MediaContentType" + strconv.Itoa(i))),
		})
	}
	return payload, nil
}

// Normalize converts the provider payload into the channel-neutral
// InboundMessage consumed by the policy engine.
func (p TwilioPayload) Normalize(receivedAt time.Time) InboundMessage {
	return InboundMessage{
		MessageSID: p.MessageSID,
		From:       p.From,
		To:         p.To,
		Body:       p.Body,
		Media:      p.Media,
		Raw:        p.Raw,
		ReceivedAt: receivedAt,
	}
}

// TelnyxPayload is the Telnyx-shaped webhook JSON body.
type TelnyxPayload struct {
	Data struct {
		Payload struct {
			ID   string `json:"id"`
			From struct {
				PhoneNumber string `json:"phone_number"`
			} `json:"from"`
			To []struct {
				PhoneNumber string `json:"phone_number"`
			} `json:"to"`
			Text  string `json:"text"`
			Media []struct {
				URL         string `json:"url"`
				ContentType string `json:"content_type"`
				Size        int64  `json:"size"`
			} `json:"media"`
		} `json:"payload"`
	} `json:"data"`
}

// ParseTelnyxJSON decodes a Telnyx webhook body into a tagged payload struct.
func ParseTelnyxJSON(body []byte) (TelnyxPayload, error) {
	var payload TelnyxPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return payload, fmt.Errorf("decode telnyx payload: %w", err)
	}
	if strings.TrimSpace(payload.Data.Payload.ID) == "" {
		return payload, ErrMissingMessageID
	}
	return payload, nil
}

// Normalize converts the Telnyx payload into the channel-neutral form.
func (p TelnyxPayload) Normalize(receivedAt time.Time) InboundMessage {
	inner := p.Data.Payload
	msg := InboundMessage{
		MessageSID: inner.ID,
		From:       inner.From.PhoneNumber,
		Body:       inner.Text,
		Raw: map[string]string{
			"id":   inner.ID,
			"from": inner.From.PhoneNumber,
			"text": inner.Text,
		},
		ReceivedAt: receivedAt,
	}
	if len(inner.To) > 0 {
		msg.To = inner.To[0].PhoneNumber
	}
	count := len(inner.Media)
	if count > maxMediaItems {
		count = maxMediaItems
	}
	for _, item := range inner.Media[:count] {
		if strings.TrimSpace(item.URL) == "" {
			continue
		}
		msg.Media = append(msg.Media, MediaAttachment{
			URL:         strings.TrimSpace(item.URL),
			ContentType: strings.TrimSpace(item.ContentType),
			Size:        item.Size,
		})
	}
	return msg
}

func flattenForm(form url.Values) map[string]string {
	out := make(map[string]string, len(form))
	for key, values := range form {
		if len(values) > 0 {
			out[key] = values[0]
		}
	}
	return out
}
