package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortpilot/shortpilot/internal/health"
	"github.com/shortpilot/shortpilot/internal/risk"
	"github.com/shortpilot/shortpilot/internal/store"
	"github.com/shortpilot/shortpilot/internal/store/filestore"
)

func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	fs, err := filestore.New(t.TempDir())
	require.NoError(t, err)
	st := fs.Repos()

	log := zerolog.Nop()
	tracker := health.NewTracker(st.Health, health.Config{}, log)
	riskEng := risk.NewEngine(st.Risk, st.Publishes, risk.Config{}, log)
	return NewServer(":0", st, tracker, riskEng, log), st
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestStatusEndpoint(t *testing.T) {
	s, st := newTestServer(t)
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	require.NoError(t, st.Publishes.Insert(context.Background(), store.PublishRecord{
		SlotID:      "2026-08-20-01",
		AttemptedAt: now,
		Outcome:     store.OutcomePublished,
		ContentID:   "vid_1",
	}))

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, store.RiskNormal, body.Risk.Mode, "no risk doc yet defaults to NORMAL")
	require.Len(t, body.RecentSlots, 1)
	assert.Equal(t, "vid_1", body.RecentSlots[0].ContentID)
}

func TestRiskOverrideLifecycle(t *testing.T) {
	s, st := newTestServer(t)
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/risk/override", "application/json",
		bytes.NewBufferString(`{"mode":"PAUSED"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	doc, err := st.Risk.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.RiskPaused, doc.Mode)
	assert.Equal(t, string(store.RiskPaused), doc.OperatorOverride)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/risk/override", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	doc, err = st.Risk.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, doc.OperatorOverride)
}

func TestRiskOverrideRejectsUnknownMode(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/risk/override", "application/json",
		bytes.NewBufferString(`{"mode":"YOLO"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/risk/override", "application/json",
		bytes.NewBufferString(`not json`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
