// Package slack wraps the Slack Web API operations used to read and write
// a user's profile, plus the OAuth v2 code exchange.
//
// Every Slack endpoint answers HTTP 200 even when the operation failed,
// reporting the outcome in an {ok, error} envelope. This client decodes
// that envelope on every call and converts ok:false into an *APIError;
// transport success alone never counts as success.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"shelfsync/pkg/shelfsync"
)

// DefaultBaseURL is the Slack Web API root.
const DefaultBaseURL = "https://slack.com/api"

// APIError is a logical failure: the endpoint answered, but reported
// ok:false. Reason carries the remote-supplied error string.
type APIError struct {
	Method string
	Reason string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("slack %s failed: %s", e.Method, e.Reason)
}

// IsAPIError reports whether err is a logical failure reported by Slack.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

type envelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

type profileGetResponse struct {
	envelope
	Profile struct {
		StatusEmoji string `json:"status_emoji"`
	} `json:"profile"`
}

type authorizeResponse struct {
	envelope
	AuthedUser struct {
		ID          string `json:"id"`
		Scope       string `json:"scope"`
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	} `json:"authed_user"`
}

// Config holds Slack client configuration.
type Config struct {
	BaseURL      string // defaults to DefaultBaseURL
	ClientID     string // OAuth app credentials, used only by ExchangeCode
	ClientSecret string
	Logger       *slog.Logger
}

// Client calls the Slack Web API.
type Client struct {
	http         *resty.Client
	logger       *slog.Logger
	clientID     string
	clientSecret string
}

// New creates a Slack API client.
func New(cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetTimeout(30 * time.Second)

	return &Client{
		http:         client,
		logger:       cfg.Logger,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
	}
}

// ExchangeCode trades an OAuth authorization code for a user token and
// returns the authorized user record with opt-ins off.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*shelfsync.User, error) {
	if code == "" {
		return nil, errors.New("authorization code is empty")
	}

	res, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("code", code).
		SetQueryParam("client_id", c.clientID).
		SetQueryParam("client_secret", c.clientSecret).
		Get("/oauth.v2.access")
	if err != nil {
		return nil, fmt.Errorf("oauth.v2.access: %w", err)
	}

	var auth authorizeResponse
	if err := json.Unmarshal(res.Body(), &auth); err != nil {
		return nil, fmt.Errorf("decode oauth.v2.access response: %w", err)
	}
	if !auth.OK {
		return nil, &APIError{Method: "oauth.v2.access", Reason: auth.Error}
	}

	c.logger.Info("OAuth code exchanged", "user_id", auth.AuthedUser.ID, "scope", auth.AuthedUser.Scope)

	return &shelfsync.User{
		ID:          auth.AuthedUser.ID,
		Scope:       auth.AuthedUser.Scope,
		AccessToken: auth.AuthedUser.AccessToken,
		TokenType:   auth.AuthedUser.TokenType,
	}, nil
}

// StatusEmoji reads the current profile and returns its status emoji.
// Setting status text resets the emoji unless it is re-sent, so callers
// fetch it first to avoid clobbering it.
func (c *Client) StatusEmoji(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", errors.New("access token is empty")
	}

	res, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		Get("/users.profile.get")
	if err != nil {
		return "", fmt.Errorf("users.profile.get: %w", err)
	}

	var profile profileGetResponse
	if err := json.Unmarshal(res.Body(), &profile); err != nil {
		return "", fmt.Errorf("decode users.profile.get response: %w", err)
	}
	if !profile.OK {
		return "", &APIError{Method: "users.profile.get", Reason: profile.Error}
	}

	return profile.Profile.StatusEmoji, nil
}

// SetProfileFields writes only the fields present in the mapping; remote
// fields not listed are left untouched.
func (c *Client) SetProfileFields(ctx context.Context, token string, fields map[string]string) error {
	if token == "" {
		return errors.New("access token is empty")
	}
	if len(fields) == 0 {
		return errors.New("no profile fields to set")
	}

	c.logger.Info("Setting profile fields", "field_count", len(fields))

	res, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(map[string]any{"profile": fields}).
		Post("/users.profile.set")
	if err != nil {
		return fmt.Errorf("users.profile.set: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(res.Body(), &env); err != nil {
		return fmt.Errorf("decode users.profile.set response: %w", err)
	}
	if !env.OK {
		return &APIError{Method: "users.profile.set", Reason: env.Error}
	}
	return nil
}

// SetPhoto uploads image as the user's profile photo via multipart form.
func (c *Client) SetPhoto(ctx context.Context, token, filename string, image io.Reader) error {
	if token == "" {
		return errors.New("access token is empty")
	}

	c.logger.Info("Uploading profile photo", "filename", filename)

	res, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetFileReader("image", filename, image).
		Post("/users.setPhoto")
	if err != nil {
		return fmt.Errorf("users.setPhoto: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(res.Body(), &env); err != nil {
		return fmt.Errorf("decode users.setPhoto response: %w", err)
	}
	if !env.OK {
		return &APIError{Method: "users.setPhoto", Reason: env.Error}
	}
	return nil
}
