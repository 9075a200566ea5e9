package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepclaw/smsgate/internal/handlers"
	"github.com/deepclaw/smsgate/internal/sms"
)

func TestServerRoutes(t *testing.T) {
	t.Parallel()

	board := sms.NewStatusBoard()
	at := time.Now().UTC()
	board.Apply(sms.StatusPatch{AccountID: "main", LastInboundAt: &at})

	registry := sms.NewPathRegistry()
	registry.Register(&sms.WebhookTarget{
		AccountID: "main",
		Path:      "/webhooks/sms",
		Resolve:   func() sms.ResolvedAccount { return sms.ResolvedAccount{AccountID: "main", Enabled: true} },
	})
	processor := sms.NewProcessor(nil, registry, nil, nil, nil, nil, nil, nil, nil)

	srv := NewServer("", handlers.NewPingHandler(nil), handlers.NewStatusHandler(nil, board), processor)

	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var statuses []sms.AccountStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &statuses))
	require.Len(t, statuses, 1)
	require.Equal(t, "main", statuses[0].AccountID)

	// The catch-all webhook route answers for registered paths.
	rec = httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks/sms", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	// And 404s elsewhere.
	rec = httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
