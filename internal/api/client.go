package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
)

// DefaultBasePath is appended to the server URL when the configured base
// URL does not already carry a path.
const DefaultBasePath = "/api/v1"

// defaultUserAgent is sent when the caller does not configure one.
const defaultUserAgent = "crdrive/0.1"

// authPathPrefix marks the authentication endpoints. A 401 from any of them
// is terminal: refreshing cannot fix a rejected login or refresh.
const authPathPrefix = "/auth/"

// Session provides token material and refresh to the request pipeline.
// Defined at the consumer; *session.Store satisfies it.
//
// RefreshToken must return a token different from stale. When the session
// already moved past stale it returns the current token without a network
// call; otherwise it joins the single in-flight refresh.
type Session interface {
	AccessToken() string
	RefreshToken(ctx context.Context, stale string) (string, error)
	ClearAuth()
}

// Observer receives request pipeline events. Optional.
type Observer interface {
	ObserveReplay(reason string)
	ObserveLoginRequired()
}

// Request describes one authorized call. Body is a factory so that a
// replay after a token refresh never reads an already-consumed stream.
type Request struct {
	Method        string
	Path          string
	Body          func() (io.Reader, error) // nil = no body
	ContentType   string
	ContentLength int64 // 0 = unknown
}

// Client is the authorized request pipeline. It attaches the session's
// bearer token to every request and recovers 401 responses by refreshing
// the session once and replaying the request.
type Client struct {
	baseURL    string
	httpClient *http.Client
	session    Session
	logger     *slog.Logger
	userAgent  string
	observer   Observer

	// onLoginRequired is the "redirect to login" surface. redirecting
	// ensures it fires once per outage no matter how many requests fail.
	onLoginRequired func()
	redirecting     atomic.Bool
}

// NewClient creates a pipeline client. baseURL is the API root, for
// example "https://drive.example.com/api/v1".
func NewClient(
	baseURL string, httpClient *http.Client, session Session, logger *slog.Logger, userAgent string,
) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		session:    session,
		logger:     logger,
		userAgent:  userAgent,
	}
}

// OnLoginRequired registers the callback fired when the session is lost and
// the user has to sign in again. It fires at most once until an authorized
// request succeeds again.
func (c *Client) OnLoginRequired(fn func()) {
	c.onLoginRequired = fn
}

// SetObserver attaches a pipeline event observer.
func (c *Client) SetObserver(o Observer) {
	c.observer = o
}

// Do executes an authorized request. On 2xx the caller owns the response
// body. A 401 on a non-auth endpoint is recovered transparently when a
// refresh succeeds; every other non-2xx status is returned as *APIError.
func (c *Client) Do(ctx context.Context, req *Request) (*http.Response, error) {
	resp, sent, err := c.send(ctx, req, c.session.AccessToken())
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized {
		return c.checkStatus(resp, sent)
	}

	if strings.HasPrefix(req.Path, authPathPrefix) {
		apiErr := errorFromResponse(resp)
		c.loginRequired("auth endpoint returned 401", req)

		return nil, apiErr
	}

	drain(resp)

	tok, err := c.recoverToken(ctx, sent)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("api: request canceled: %w", ctx.Err())
		}

		c.loginRequired("token refresh failed", req)

		return nil, fmt.Errorf("%w: %w", ErrLoginRequired, err)
	}

	resp, sent, err = c.send(ctx, req, tok)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		apiErr := errorFromResponse(resp)
		c.loginRequired("replayed request returned 401", req)

		return nil, fmt.Errorf("%w: %w", ErrLoginRequired, apiErr)
	}

	return c.checkStatus(resp, sent)
}

// recoverToken returns a token to replay a request that failed with the
// token `sent`. When the session already holds a different token, another
// request has refreshed in the meantime and no new refresh is issued.
// Otherwise this caller joins (or starts) the single-flight refresh.
func (c *Client) recoverToken(ctx context.Context, sent string) (string, error) {
	if cur := c.session.AccessToken(); cur != "" && cur != sent {
		c.logger.Debug("replaying with token refreshed by another request")
		c.observe("token_changed")

		return cur, nil
	}

	tok, err := c.session.RefreshToken(ctx, sent)
	if err != nil {
		return "", err
	}

	c.observe("refreshed")

	return tok, nil
}

// send performs a single attempt with the given token. Returns the token
// actually used so the caller can detect a concurrent refresh.
func (c *Client) send(ctx context.Context, req *Request, token string) (*http.Response, string, error) {
	httpReq, err := c.newHTTPRequest(ctx, req)
	if err != nil {
		return nil, "", err
	}

	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", fmt.Errorf("api: request canceled: %w", ctx.Err())
		}

		c.logger.Warn("request failed",
			slog.String("method", req.Method),
			slog.String("path", req.Path),
			slog.String("error", err.Error()),
		)

		return nil, "", fmt.Errorf("api: %s %s: %w", req.Method, req.Path, err)
	}

	return resp, token, nil
}

func (c *Client) newHTTPRequest(ctx context.Context, req *Request) (*http.Request, error) {
	return buildRequest(ctx, c.baseURL, c.userAgent, req)
}

// checkStatus passes 2xx responses through and converts the rest to errors.
func (c *Client) checkStatus(resp *http.Response, sent string) (*http.Response, error) {
	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		if sent != "" {
			c.redirecting.Store(false)
		}

		return resp, nil
	}

	return nil, errorFromResponse(resp)
}

// loginRequired clears the session and fires the login hook once.
func (c *Client) loginRequired(reason string, req *Request) {
	c.session.ClearAuth()

	if !c.redirecting.CompareAndSwap(false, true) {
		return
	}

	c.logger.Warn("session lost, login required",
		slog.String("reason", reason),
		slog.String("method", req.Method),
		slog.String("path", req.Path),
	)

	if c.observer != nil {
		c.observer.ObserveLoginRequired()
	}

	if c.onLoginRequired != nil {
		c.onLoginRequired()
	}
}

func (c *Client) observe(reason string) {
	if c.observer != nil {
		c.observer.ObserveReplay(reason)
	}
}

// getJSON issues a GET and decodes the envelope data.
func getJSON[T any](ctx context.Context, c *Client, path string) (T, error) {
	resp, err := c.Do(ctx, &Request{Method: http.MethodGet, Path: path})
	if err != nil {
		var zero T
		return zero, err
	}
	defer resp.Body.Close()

	return decodeData[T](resp)
}

// postJSON issues a POST with a JSON body and decodes the envelope data.
func postJSON[T any](ctx context.Context, c *Client, path string, body any) (T, error) {
	return sendJSON[T](ctx, c, http.MethodPost, path, body)
}

// sendJSON issues method with a JSON body and decodes the envelope data.
func sendJSON[T any](ctx context.Context, c *Client, method, path string, body any) (T, error) {
	var zero T

	factory, err := jsonBody(body)
	if err != nil {
		return zero, err
	}

	resp, err := c.Do(ctx, &Request{
		Method:      method,
		Path:        path,
		Body:        factory,
		ContentType: "application/json",
	})
	if err != nil {
		return zero, err
	}
	defer resp.Body.Close()

	return decodeData[T](resp)
}

// buildRequest creates an *http.Request for a pipeline or auth call.
func buildRequest(ctx context.Context, baseURL, userAgent string, req *Request) (*http.Request, error) {
	var body io.Reader

	if req.Body != nil {
		b, err := req.Body()
		if err != nil {
			return nil, fmt.Errorf("api: creating request body: %w", err)
		}

		body = b
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, baseURL+req.Path, body)
	if err != nil {
		return nil, fmt.Errorf("api: creating request: %w", err)
	}

	if req.ContentLength > 0 {
		httpReq.ContentLength = req.ContentLength
	}

	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("Accept", "application/json")

	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}

	return httpReq, nil
}

// IsLoginRequired reports whether err means the user must sign in again.
func IsLoginRequired(err error) bool {
	return errors.Is(err, ErrLoginRequired) || errors.Is(err, ErrUnauthorized)
}
