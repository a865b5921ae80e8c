package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// Auth endpoint paths, relative to the API root.
const (
	pathLogin    = "/auth/login"
	pathRegister = "/auth/register"
	pathRefresh  = "/auth/refresh"
	pathLogout   = "/auth/logout"
)

// ErrIncompleteAuth is a protocol error: the backend answered an auth call
// with 2xx but without a token or a user record.
var ErrIncompleteAuth = errors.New("api: auth response missing token or user")

// AuthClient calls the authentication endpoints directly, bypassing the
// refresh-and-replay pipeline. Refresh continuity relies on the cookie jar
// of the shared *http.Client, never on application-visible state.
type AuthClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	userAgent  string
}

// NewAuthClient creates an AuthClient. httpClient should be the same client
// (and cookie jar) the pipeline uses.
func NewAuthClient(baseURL string, httpClient *http.Client, logger *slog.Logger, userAgent string) *AuthClient {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	return &AuthClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
		userAgent:  userAgent,
	}
}

// Login exchanges credentials for an access token and user record.
func (a *AuthClient) Login(ctx context.Context, creds Credentials) (*AuthResult, error) {
	a.logger.Info("logging in", slog.String("email", creds.Email))

	return a.exchange(ctx, pathLogin, creds, "")
}

// Register creates an account. It does not log in.
func (a *AuthClient) Register(ctx context.Context, reg Registration) error {
	a.logger.Info("registering account", slog.String("email", reg.Email))

	resp, err := a.post(ctx, pathRegister, reg, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if _, err := decodeData[map[string]any](resp); err != nil {
		return fmt.Errorf("api: register: %w", err)
	}

	return nil
}

// Refresh trades the ambient refresh credential (cookie) for a new access
// token and user record.
func (a *AuthClient) Refresh(ctx context.Context) (*AuthResult, error) {
	a.logger.Debug("refreshing session")

	return a.exchange(ctx, pathRefresh, nil, "")
}

// Logout revokes the server-side session. accessToken may be empty.
func (a *AuthClient) Logout(ctx context.Context, accessToken string) error {
	resp, err := a.post(ctx, pathLogout, nil, accessToken)
	if err != nil {
		return err
	}

	drain(resp)

	return nil
}

func (a *AuthClient) exchange(ctx context.Context, path string, body any, token string) (*AuthResult, error) {
	resp, err := a.post(ctx, path, body, token)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := decodeData[authResponse](resp)
	if err != nil {
		return nil, err
	}

	if data.AccessToken == "" || data.User == nil {
		return nil, fmt.Errorf("api: %s: %w", path, ErrIncompleteAuth)
	}

	return &AuthResult{AccessToken: data.AccessToken, User: data.User}, nil
}

// post sends a JSON POST without any retry. Non-2xx responses, including
// 401, are returned as *APIError.
func (a *AuthClient) post(ctx context.Context, path string, body any, token string) (*http.Response, error) {
	req := &Request{Method: http.MethodPost, Path: path}

	if body != nil {
		factory, err := jsonBody(body)
		if err != nil {
			return nil, err
		}

		req.Body = factory
		req.ContentType = "application/json"
	}

	httpReq, err := buildRequest(ctx, a.baseURL, a.userAgent, req)
	if err != nil {
		return nil, err
	}

	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("api: POST %s: %w", path, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, errorFromResponse(resp)
	}

	return resp, nil
}
