package slack

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:      srv.URL,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		Logger:       slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn})),
	})
}

func TestExchangeCode(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/oauth.v2.access", r.URL.Path)
		require.Equal(t, "abc123", r.URL.Query().Get("code"))
		require.Equal(t, "client-id", r.URL.Query().Get("client_id"))
		require.Equal(t, "client-secret", r.URL.Query().Get("client_secret"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
			"authed_user": map[string]string{
				"id":           "U123",
				"scope":        "users.profile:read,users.profile:write",
				"access_token": "xoxp-token",
				"token_type":   "user",
			},
		})
	}))

	user, err := c.ExchangeCode(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, "U123", user.ID)
	assert.Equal(t, "xoxp-token", user.AccessToken)
	assert.False(t, user.UpdateStatus, "fresh users start with opt-ins off")
	assert.False(t, user.Linked())
}

func TestExchangeCodeSoftFailure(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// HTTP 200 with a payload-level failure
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "invalid_code"})
	}))

	_, err := c.ExchangeCode(context.Background(), "bad")
	require.Error(t, err)
	require.True(t, IsAPIError(err))
	assert.Contains(t, err.Error(), "invalid_code")
}

func TestStatusEmoji(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/users.profile.get", r.URL.Path)
		require.Equal(t, "Bearer xoxp-token", r.Header.Get("Authorization"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":      true,
			"profile": map[string]string{"status_emoji": ":books:"},
		})
	}))

	emoji, err := c.StatusEmoji(context.Background(), "xoxp-token")
	require.NoError(t, err)
	assert.Equal(t, ":books:", emoji)
}

func TestSetProfileFields(t *testing.T) {
	var got map[string]map[string]string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/users.profile.set", r.URL.Path)
		require.Equal(t, "Bearer xoxp-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))

	fields := map[string]string{"status_text": "Dune", "status_emoji": ":books:"}
	require.NoError(t, c.SetProfileFields(context.Background(), "xoxp-token", fields))
	assert.Equal(t, fields, got["profile"])
}

func TestSetProfileFieldsSoftFailure(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "invalid_auth"})
	}))

	err := c.SetProfileFields(context.Background(), "expired", map[string]string{"title": "Dune"})
	require.Error(t, err)
	require.True(t, IsAPIError(err))
	assert.Contains(t, err.Error(), "invalid_auth")
}

func TestSetPhotoMultipart(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/users.setPhoto", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		file, header, err := r.FormFile("image")
		require.NoError(t, err)
		defer file.Close()

		assert.Equal(t, "cover-Dune.jpg", header.Filename)
		data, err := io.ReadAll(file)
		require.NoError(t, err)
		assert.Equal(t, "jpeg-bytes", string(data))

		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))

	err := c.SetPhoto(context.Background(), "xoxp-token", "cover-Dune.jpg", strings.NewReader("jpeg-bytes"))
	require.NoError(t, err)
}

func TestSetPhotoSoftFailure(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "not_an_image"})
	}))

	err := c.SetPhoto(context.Background(), "xoxp-token", "cover.jpg", strings.NewReader("nope"))
	require.Error(t, err)
	require.True(t, IsAPIError(err))
	assert.Contains(t, err.Error(), "not_an_image")
}

func TestEmptyTokenRejected(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Fatal("no request should be sent without a token")
	}))

	_, err := c.StatusEmoji(context.Background(), "")
	require.Error(t, err)
	require.Error(t, c.SetProfileFields(context.Background(), "", map[string]string{"title": "x"}))
	require.Error(t, c.SetPhoto(context.Background(), "", "x.jpg", strings.NewReader("x")))
}
