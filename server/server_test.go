package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shelfsync/pkg/shelfsync"
	"shelfsync/syncer"
)

type fakeOAuth struct {
	user *shelfsync.User
	err  error
	code string
}

func (f *fakeOAuth) ExchangeCode(_ context.Context, code string) (*shelfsync.User, error) {
	f.code = code
	if f.err != nil {
		return nil, f.err
	}
	return f.user, nil
}

type fakeStore struct {
	upserted *shelfsync.User
	updated  *shelfsync.User
	err      error

	gotProfileID string
	gotPicture   bool
	gotStatus    bool
	gotTitle     bool
}

func (f *fakeStore) Upsert(_ context.Context, user *shelfsync.User) error {
	f.upserted = user
	return f.err
}

func (f *fakeStore) UpdateSettings(_ context.Context, id, profileID string, pic, status, title bool) (*shelfsync.User, error) {
	f.gotProfileID = profileID
	f.gotPicture = pic
	f.gotStatus = status
	f.gotTitle = title
	if f.err != nil {
		return nil, f.err
	}
	if f.updated != nil {
		return f.updated, nil
	}
	return &shelfsync.User{ID: id, ProfileID: profileID, UpdatePicture: pic, UpdateStatus: status, UpdateTitle: title}, nil
}

type fakeSyncer struct {
	syncErr error
	synced  []string
	results []syncer.Result
	listErr error
}

func (f *fakeSyncer) Sync(_ context.Context, user *shelfsync.User) error {
	f.synced = append(f.synced, user.ID)
	return f.syncErr
}

func (f *fakeSyncer) RefreshAll(_ context.Context) ([]syncer.Result, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.results, nil
}

func newTestServer(oauth *fakeOAuth, st *fakeStore, sy *fakeSyncer) *Server {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(&Config{
		OAuth:    oauth,
		Store:    st,
		Syncer:   sy,
		Logger:   logger,
		ClientID: "client-1",
		BaseURL:  "https://shelfsync.example",
	})
}

func TestLandingPage(t *testing.T) {
	s := newTestServer(&fakeOAuth{}, &fakeStore{}, &fakeSyncer{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "client_id=client-1")
	assert.Contains(t, body, url.QueryEscape("users.profile:read,users.profile:write"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestOAuthCallbackSavesUser(t *testing.T) {
	oauth := &fakeOAuth{user: &shelfsync.User{ID: "U123", AccessToken: "xoxp-1"}}
	st := &fakeStore{}
	s := newTestServer(oauth, st, &fakeSyncer{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?code=abc", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc", oauth.code)
	require.NotNil(t, st.upserted)
	assert.Equal(t, "U123", st.upserted.ID)
	assert.Contains(t, rec.Body.String(), `value="U123"`)
}

func TestOAuthCallbackExchangeFailure(t *testing.T) {
	oauth := &fakeOAuth{err: errors.New("invalid_code")}
	s := newTestServer(oauth, &fakeStore{}, &fakeSyncer{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?code=bad", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "did not accept")
}

func postSettings(s *Server, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/settings", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestSettingsSaveAndSync(t *testing.T) {
	st := &fakeStore{}
	sy := &fakeSyncer{}
	s := newTestServer(&fakeOAuth{}, st, sy)

	rec := postSettings(s, url.Values{
		"id":            {"U123"},
		"profile_id":    {"42"},
		"update_status": {"on"},
		"update_title":  {"on"},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "42", st.gotProfileID)
	assert.True(t, st.gotStatus)
	assert.True(t, st.gotTitle)
	assert.False(t, st.gotPicture)
	assert.Equal(t, []string{"U123"}, sy.synced)
	assert.Contains(t, rec.Body.String(), "up to date")
}

func TestSettingsUnlinkedSkipsSync(t *testing.T) {
	sy := &fakeSyncer{}
	s := newTestServer(&fakeOAuth{}, &fakeStore{}, sy)

	rec := postSettings(s, url.Values{"id": {"U123"}})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, sy.synced)
	assert.Contains(t, rec.Body.String(), "Add your Goodreads profile ID")
}

func TestSettingsSyncFailureShowsStage(t *testing.T) {
	sy := &fakeSyncer{syncErr: shelfsync.FailedAt(shelfsync.StageScrape, errors.New("profile page returned status 404"))}
	s := newTestServer(&fakeOAuth{}, &fakeStore{}, sy)

	rec := postSettings(s, url.Values{"id": {"U123"}, "profile_id": {"42"}})

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "scrape")
	assert.Contains(t, body, "404")
}

func TestSettingsMissingID(t *testing.T) {
	s := newTestServer(&fakeOAuth{}, &fakeStore{}, &fakeSyncer{})
	rec := postSettings(s, url.Values{"profile_id": {"42"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefreshSummary(t *testing.T) {
	sy := &fakeSyncer{results: []syncer.Result{
		{UserID: "U1", ProfileID: "1"},
		{UserID: "U2", ProfileID: "2", Err: shelfsync.FailedAt(shelfsync.StageCache, errors.New("bucket unavailable"))},
		{UserID: "U3", ProfileID: "3"},
	}}
	s := newTestServer(&fakeOAuth{}, &fakeStore{}, sy)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/refreshz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var summary refreshSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Results, 3)
	assert.Empty(t, summary.Results[0].Error)
	assert.Contains(t, summary.Results[1].Error, "cache")
}

func TestRefreshRequiresPost(t *testing.T) {
	s := newTestServer(&fakeOAuth{}, &fakeStore{}, &fakeSyncer{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/refreshz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRefreshListFailure(t *testing.T) {
	sy := &fakeSyncer{listErr: errors.New("db locked")}
	s := newTestServer(&fakeOAuth{}, &fakeStore{}, sy)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/refreshz", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(&fakeOAuth{}, &fakeStore{}, &fakeSyncer{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestRateLimitPerIP(t *testing.T) {
	oauth := &fakeOAuth{user: &shelfsync.User{ID: "U123"}}
	s := newTestServer(oauth, &fakeStore{}, &fakeSyncer{})

	var last int
	for range 10 {
		req := httptest.NewRequest(http.MethodGet, "/?code=abc", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		last = rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)

	// A different client is not affected.
	req := httptest.NewRequest(http.MethodGet, "/?code=abc", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCheckboxToBool(t *testing.T) {
	assert.True(t, checkboxToBool("on"))
	assert.False(t, checkboxToBool(""))
	assert.False(t, checkboxToBool("off"))
}
