package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boommelding/internal/config"
	"boommelding/internal/core"
	"boommelding/internal/external"
	"boommelding/internal/ingest"
	"boommelding/internal/notifications/email"
	"boommelding/internal/types"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeProvider struct {
	err      error
	delay    time.Duration
	sent     []types.SendInput
	accepted int
}

func (p *fakeProvider) Send(ctx context.Context, in types.SendInput) (string, error) {
	p.sent = append(p.sent, in)
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if p.err != nil {
		return "", p.err
	}
	p.accepted++
	return "msg-" + in.ReferenceID, nil
}

type fakeFeed struct {
	docs  map[string][]types.Feature
	fails map[string]error
	calls []string
}

func (f *fakeFeed) FetchUpdates(_ context.Context, changesURL string) ([]types.Feature, error) {
	f.calls = append(f.calls, changesURL)
	if err, ok := f.fails[changesURL]; ok {
		return nil, err
	}
	return f.docs[changesURL], nil
}

type harness struct {
	router http.Handler
	api    *fakeProvider
	smtp   *fakeProvider
	feed   *fakeFeed
	logs   *bytes.Buffer
}

func smtpConfig() config.EmailConfig {
	return config.EmailConfig{
		FromAddress:  "meldingen@gemeente.example",
		ToAddress:    "boombeheer@gemeente.example",
		SMTPHost:     "smtp.office365.com",
		SMTPPort:     587,
		SMTPPassword: "pw",
	}
}

type harnessSettings struct {
	requestTimeout time.Duration
	api            external.EmailProvider
}

type harnessOption func(*harnessSettings)

func withRequestTimeout(d time.Duration) harnessOption {
	return func(s *harnessSettings) { s.requestTimeout = d }
}

// withAPIProvider replaces the fake HTTP-API backend, e.g. with a real client.
func withAPIProvider(p external.EmailProvider) harnessOption {
	return func(s *harnessSettings) { s.api = p }
}

func newHarness(t *testing.T, emailCfg config.EmailConfig, opts ...harnessOption) *harness {
	t.Helper()

	var settings harnessSettings
	for _, opt := range opts {
		opt(&settings)
	}

	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(logs, nil))

	h := &harness{
		api:  &fakeProvider{},
		smtp: &fakeProvider{},
		feed: &fakeFeed{docs: map[string][]types.Feature{}, fails: map[string]error{}},
		logs: logs,
	}

	var api external.EmailProvider = h.api
	if settings.api != nil {
		api = settings.api
	}

	dispatcher, err := email.NewDispatcher(email.DispatcherConfig{
		Email:  emailCfg,
		API:    api,
		SMTP:   h.smtp,
		Logger: logger,
	})
	require.NoError(t, err)

	handler := NewArcGISWebhookHandler(ingest.NewNormalizer(h.feed, ingest.WithLogger(logger)), dispatcher, 0, logger)

	srv, err := core.NewServer(&config.Config{
		Environment: "local",
		Server:      config.ServerConfig{RequestTimeout: settings.requestTimeout},
	}, logger)
	require.NoError(t, err)
	srv.RouteRegistrars = append(srv.RouteRegistrars, handler.RegisterRoutes)
	srv.MountRoutes()
	h.router = srv.Handler()
	return h
}

func (h *harness) post(t *testing.T, contentType string, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/arcgis-webhook", strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec.Code, resp
}

func (h *harness) deliveries() int {
	return len(h.api.sent) + len(h.smtp.sent)
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestArcGISWebhook_MatchingAddIsDelivered(t *testing.T) {
	h := newHarness(t, smtpConfig())

	code, resp := h.post(t, "application/json",
		`{"edits":{"adds":[{"attributes":{"Id":"1","Bijzonderheden":"Iepziekte"}}],"updates":[]}}`)

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", resp["status"])
	require.Len(t, h.smtp.sent, 1)
	assert.Empty(t, h.api.sent)

	sent := h.smtp.sent[0]
	assert.Equal(t, "Nieuwe melding: Iepziekte", sent.Subject)
	lines := strings.Split(sent.BodyText, "\n")
	assert.Equal(t, "Nieuwe melding van Iepziekte:", lines[0])
	assert.Contains(t, lines, "Id: 1")
	assert.Contains(t, lines, "Stadsdeel: n.v.t.")
}

func TestArcGISWebhook_NonMatchingUpdateIsIgnored(t *testing.T) {
	h := newHarness(t, smtpConfig())

	code, resp := h.post(t, "application/json",
		`{"edits":{"adds":[],"updates":[{"attributes":{"Bijzonderheden":"Berm"}}]}}`)

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", resp["status"])
	assert.Zero(t, h.deliveries())
}

func TestArcGISWebhook_OnlyExactValuesTrigger(t *testing.T) {
	h := newHarness(t, smtpConfig())

	body := `{"edits":{"adds":[
		{"attributes":{"Id":"1","Bijzonderheden":"iepziekte"}},
		{"attributes":{"Id":"2","Bijzonderheden":"Iepziekte "}},
		{"attributes":{"Id":"3"}},
		{"attributes":{"Id":"4","Bijzonderheden":null}},
		{"attributes":{"Id":"5","Bijzonderheden":"Eikenprocessierups"}}
	]}}`
	code, _ := h.post(t, "application/json", body)

	assert.Equal(t, http.StatusOK, code)
	require.Len(t, h.smtp.sent, 1)
	assert.Contains(t, h.smtp.sent[0].BodyText, "Id: 5")
}

func TestArcGISWebhook_DeliveriesFollowPayloadOrder(t *testing.T) {
	h := newHarness(t, smtpConfig())

	body := `{"edits":{
		"adds":[{"attributes":{"Id":"a","Bijzonderheden":"Iepziekte"}}],
		"updates":[{"attributes":{"Id":"b","Bijzonderheden":"Eikenprocessierups"}},{"attributes":{"Id":"c","Bijzonderheden":"Iepziekte"}}]
	}}`
	_, _ = h.post(t, "application/json", body)

	require.Len(t, h.smtp.sent, 3)
	for i, id := range []string{"a", "b", "c"} {
		assert.Contains(t, h.smtp.sent[i].BodyText, "Id: "+id)
	}
}

func TestArcGISWebhook_FailingChangesURL(t *testing.T) {
	h := newHarness(t, smtpConfig())
	h.feed.fails["https://x/changes"] = types.NewAppError(types.ErrCodeUpstreamChangeFeed, "change feed returned 503", nil)

	refs, err := json.Marshal([]map[string]string{{"changesUrl": "https://x/changes"}})
	require.NoError(t, err)
	body := url.Values{"payload": {string(refs)}}.Encode()

	code, resp := h.post(t, "application/x-www-form-urlencoded", body)

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", resp["status"])
	assert.Zero(t, h.deliveries())
	assert.Equal(t, []string{"https://x/changes"}, h.feed.calls)
	assert.Equal(t, 1, strings.Count(h.logs.String(), "failed to fetch change document"))
	assert.Contains(t, h.logs.String(), `"fetch_failures":1`)
}

func TestArcGISWebhook_ChangeFeedMatchIsDelivered(t *testing.T) {
	h := newHarness(t, smtpConfig())
	h.feed.docs["https://services.arcgis.com/x/changes"] = []types.Feature{
		{"OBJECTID": json.Number("42"), "Leeftijd": json.Number("17"), "Bijzonderheden": "Eikenprocessierups"},
	}

	refs, err := json.Marshal([]map[string]string{{"changesUrl": "https://services.arcgis.com/x/changes"}})
	require.NoError(t, err)

	code, _ := h.post(t, "application/x-www-form-urlencoded", url.Values{"payload": {string(refs)}}.Encode())

	assert.Equal(t, http.StatusOK, code)
	require.Len(t, h.smtp.sent, 1)
	assert.Equal(t, "Nieuwe melding: Eikenprocessierups", h.smtp.sent[0].Subject)
	assert.Contains(t, h.smtp.sent[0].BodyText, "Leeftijd: 17")
	assert.Contains(t, h.smtp.sent[0].BodyText, "Id: n.v.t.")
	assert.Contains(t, h.logs.String(), `"feature_id":"42"`)
}

func TestArcGISWebhook_StatusValues(t *testing.T) {
	cases := []struct {
		name, contentType, body, status string
	}{
		{"empty body", "", "", "empty"},
		{"form without payload", "application/x-www-form-urlencoded", "foo=bar", "no payload"},
		{"json without edits", "application/json", `{"foo":1}`, "no edits"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, smtpConfig())
			code, resp := h.post(t, tc.contentType, tc.body)
			assert.Equal(t, http.StatusOK, code)
			assert.Equal(t, tc.status, resp["status"])
			assert.Zero(t, h.deliveries())
		})
	}
}

func TestArcGISWebhook_InvalidJSONIsBadRequest(t *testing.T) {
	for _, body := range []string{`{"edits":`, `[1,2]`, `{"edits":{"adds":"x"}}`} {
		h := newHarness(t, smtpConfig())

		code, resp := h.post(t, "application/json", body)

		assert.Equal(t, http.StatusBadRequest, code, body)
		errObj, ok := resp["error"].(map[string]any)
		require.True(t, ok, "expected error envelope, got %v", resp)
		assert.Equal(t, string(types.ErrCodeMalformedPayload), errObj["code"])
		assert.Zero(t, h.deliveries())
	}
}

func TestArcGISWebhook_OversizedBodyIsBadRequest(t *testing.T) {
	h := newHarness(t, smtpConfig())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	small := NewArcGISWebhookHandler(ingest.NewNormalizer(h.feed), nil, 16, logger)

	r := chi.NewRouter()
	small.RegisterRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/arcgis-webhook", strings.NewReader(strings.Repeat("a", 64))))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), string(types.ErrCodePayloadTooLarge))
}

func TestArcGISWebhook_APIKeyWinsOverSMTP(t *testing.T) {
	cfg := smtpConfig()
	cfg.SendGridAPIKey = "SG.test"
	h := newHarness(t, cfg)

	_, _ = h.post(t, "application/json", `{"edits":{"adds":[{"attributes":{"Id":"1","Bijzonderheden":"Iepziekte"}}]}}`)

	assert.Len(t, h.api.sent, 1)
	assert.Empty(t, h.smtp.sent)
}

func TestArcGISWebhook_UnconfiguredStillReturnsOK(t *testing.T) {
	h := newHarness(t, config.EmailConfig{})

	code, resp := h.post(t, "application/json", `{"edits":{"adds":[{"attributes":{"Id":"7","Bijzonderheden":"Iepziekte"}}]}}`)

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", resp["status"])
	assert.Zero(t, h.deliveries())
	assert.Contains(t, h.logs.String(), `"kind":"unconfigured"`)
	assert.Contains(t, h.logs.String(), `"feature_id":"7"`)
}

func TestArcGISWebhook_DeliveryFailureDoesNotStopSiblings(t *testing.T) {
	h := newHarness(t, smtpConfig())
	h.smtp.err = types.NewAppError(types.ErrCodeUpstreamUnavailable, "dial failed", nil)

	body := `{"edits":{"adds":[
		{"attributes":{"Id":"1","Bijzonderheden":"Iepziekte"}},
		{"attributes":{"Id":"2","Bijzonderheden":"Iepziekte"}}
	]}}`
	code, resp := h.post(t, "application/json", body)

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", resp["status"])
	assert.Len(t, h.smtp.sent, 2)
	assert.Contains(t, h.logs.String(), `"failed":2`)
}

func TestArcGISWebhook_EveryMatchIsAttemptedDuringProviderOutage(t *testing.T) {
	var hits atomic.Int32
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer provider.Close()

	cfg := smtpConfig()
	cfg.SendGridAPIKey = "SG.test"
	client := external.NewSendGridClient(&http.Client{Timeout: 2 * time.Second}, external.SendGridClientConfig{
		APIKey:  cfg.SendGridAPIKey,
		BaseURL: provider.URL,
	})
	h := newHarness(t, cfg, withAPIProvider(client))

	var adds []string
	for i := 1; i <= 8; i++ {
		adds = append(adds, fmt.Sprintf(`{"attributes":{"Id":"%d","Bijzonderheden":"Iepziekte"}}`, i))
	}
	code, _ := h.post(t, "application/json", `{"edits":{"adds":[`+strings.Join(adds, ",")+`]}}`)

	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 8, hits.Load())
	assert.Contains(t, h.logs.String(), `"failed":8`)
	assert.Contains(t, h.logs.String(), `"kind":"rejected_by_provider"`)
}

func TestArcGISWebhook_SlowDeliveriesDoNotShareRequestDeadline(t *testing.T) {
	cfg := smtpConfig()
	cfg.SendGridAPIKey = "SG.test"
	h := newHarness(t, cfg, withRequestTimeout(300*time.Millisecond))
	h.api.delay = 200 * time.Millisecond

	body := `{"edits":{"adds":[
		{"attributes":{"Id":"1","Bijzonderheden":"Iepziekte"}},
		{"attributes":{"Id":"2","Bijzonderheden":"Iepziekte"}},
		{"attributes":{"Id":"3","Bijzonderheden":"Iepziekte"}}
	]}}`
	code, resp := h.post(t, "application/json", body)

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", resp["status"])
	assert.Len(t, h.api.sent, 3)
	assert.Equal(t, 3, h.api.accepted)
	assert.Contains(t, h.logs.String(), `"sent":3`)
	assert.NotContains(t, h.logs.String(), "failed to notify for feature")
}

func TestBatchOutcome_Counts(t *testing.T) {
	o := BatchOutcome{Results: []FeatureResult{
		{Matched: false},
		{Matched: true},
		{Matched: true, Err: email.ErrUnconfigured},
	}}

	matched, sent, failed := o.Counts()
	assert.Equal(t, 2, matched)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, failed)
}
