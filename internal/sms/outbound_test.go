package sms

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func directAccount() ResolvedAccount {
	return ResolvedAccount{
		AccountID:        "main",
		Enabled:          true,
		AccountSID:       "ACxxx",
		AuthToken:        "token",
		FromNumber:       "+15550001111",
		CredentialSource: CredentialSourceConfig,
		TextChunkLimit:   20,
		ChunkMode:        ChunkModeText,
	}
}

func TestSendDirectSingleMessage(t *testing.T) {
	t.Parallel()

	var gotPath, gotUser string
	var gotForm map[string][]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, _, _ = r.BasicAuth()
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm
		json.NewEncoder(w).Encode(ProviderResult{SID: "SMout", Status: "queued"})
	}))
	defer server.Close()

	sender := NewSender(nil, server.Client())
	sender.SetAPIBase(server.URL)

	outcomes := sender.Send(context.Background(), directAccount(), "+15552223333", "hello", nil, nil)
	require.Len(t, outcomes, 1)
	require.NoError(t, outcomes[0].Err)
	require.Equal(t, "SMout", outcomes[0].Result.SID)
	require.Equal(t, "/2010-04-01/Accounts/ACxxx/Messages.json", gotPath)
	require.Equal(t, "ACxxx", gotUser)
	require.Equal(t, []string{"+15552223333"}, gotForm["To"])
	require.Equal(t, []string{"+15550001111"}, gotForm["From"])
	require.Equal(t, []string{"hello"}, gotForm["Body"])
}

func TestSendChunksLongText(t *testing.T) {
	t.Parallel()

	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		bodies = append(bodies, r.PostFormValue("Body"))
		json.NewEncoder(w).Encode(ProviderResult{SID: "SMout", Status: "queued"})
	}))
	defer server.Close()

	sender := NewSender(nil, server.Client())
	sender.SetAPIBase(server.URL)

	text := "line one is long\nline two is long\nline three long"
	outcomes := sender.Send(context.Background(), directAccount(), "+15552223333", text, nil, nil)
	require.Greater(t, len(outcomes), 1)
	require.Equal(t, len(outcomes), len(bodies))
	require.Equal(t, strings.ReplaceAll(text, "\n", " "), strings.ReplaceAll(strings.Join(bodies, " "), "\n", " "))
}

func TestSendChunkFailureIndependence(t *testing.T) {
	t.Parallel()

	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 2 {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(ProviderResult{SID: "SMout", Status: "queued"})
	}))
	defer server.Close()

	sender := NewSender(nil, server.Client())
	sender.SetAPIBase(server.URL)

	text := "chunk one is here\nchunk two is here\nchunk three here"
	outcomes := sender.Send(context.Background(), directAccount(), "+15552223333", text, nil, nil)
	require.Len(t, outcomes, 3)
	require.NoError(t, outcomes[0].Err)
	require.Error(t, outcomes[1].Err)
	// The failure on the middle chunk does not stop the last one.
	require.NoError(t, outcomes[2].Err)
	require.Equal(t, 3, calls)
}

func TestSendMediaBypassesChunking(t *testing.T) {
	t.Parallel()

	var calls int
	var mediaURLs []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		require.NoError(t, r.ParseForm())
		mediaURLs = r.PostForm["MediaUrl"]
		json.NewEncoder(w).Encode(ProviderResult{SID: "MMout", Status: "queued"})
	}))
	defer server.Close()

	sender := NewSender(nil, server.Client())
	sender.SetAPIBase(server.URL)

	longText := strings.Repeat("long text ", 50)
	outcomes := sender.Send(context.Background(), directAccount(), "+15552223333", longText, []string{"https://cdn.example.com/a.jpg"}, nil)
	require.Len(t, outcomes, 1)
	require.NoError(t, outcomes[0].Err)
	require.Equal(t, 1, calls)
	require.Equal(t, []string{"https://cdn.example.com/a.jpg"}, mediaURLs)
}

func TestSendViaProxy(t *testing.T) {
	t.Parallel()

	var gotPath string
	var gotPayload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotPayload))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	account := ResolvedAccount{
		AccountID:        "proxied",
		Enabled:          true,
		FromNumber:       "+15550001111",
		CredentialSource: CredentialSourceNone,
		ProxyURL:         server.URL,
		TextChunkLimit:   1500,
		ChunkMode:        ChunkModeText,
	}
	sender := NewSender(nil, server.Client())

	outcomes := sender.Send(context.Background(), account, "+15552223333", "forwarded", nil, nil)
	require.Len(t, outcomes, 1)
	require.NoError(t, outcomes[0].Err)
	// Empty proxy response body is treated as accepted.
	require.Equal(t, "accepted", outcomes[0].Result.Status)
	require.Equal(t, "/api/sms/send", gotPath)
	require.Equal(t, "+15550001111", gotPayload["from"])
	require.Equal(t, "+15552223333", gotPayload["to"])
	require.Equal(t, "forwarded", gotPayload["text"])
}

func TestSendWithoutCredentialsOrProxyFails(t *testing.T) {
	t.Parallel()

	sender := NewSender(nil, &http.Client{})
	account := ResolvedAccount{AccountID: "bare", Enabled: true, CredentialSource: CredentialSourceNone, TextChunkLimit: 100, ChunkMode: ChunkModeText}
	outcomes := sender.Send(context.Background(), account, "+15552223333", "hello", nil, nil)
	require.Len(t, outcomes, 1)
	require.Error(t, outcomes[0].Err)
}

func TestSendStampsStatusSink(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ProviderResult{SID: "SMout", Status: "queued"})
	}))
	defer server.Close()

	sender := NewSender(nil, server.Client())
	sender.SetAPIBase(server.URL)

	var patches []StatusPatch
	sink := func(patch StatusPatch) { patches = append(patches, patch) }
	sender.Send(context.Background(), directAccount(), "+15552223333", "hello", nil, sink)

	require.Len(t, patches, 1)
	require.Equal(t, "main", patches[0].AccountID)
	require.NotNil(t, patches[0].LastOutboundAt)
	require.Empty(t, patches[0].LastError)
}

func TestSendEmptyTextNoCalls(t *testing.T) {
	t.Parallel()

	sender := NewSender(nil, &http.Client{})
	require.Nil(t, sender.Send(context.Background(), directAccount(), "+15552223333", "   ", nil, nil))

	outcomes := sender.Send(context.Background(), directAccount(), "", "hello", nil, nil)
	require.Len(t, outcomes, 1)
	require.Error(t, outcomes[0].Err)
}
