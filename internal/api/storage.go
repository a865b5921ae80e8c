package api

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// storageError is the XML error document object stores return
// (<Error><Code>..</Code><Message>..</Message></Error>).
type storageError struct {
	Code    string `xml:"Code"`
	Message string `xml:"Message"`
}

// PutPart uploads one part to the storage endpoint named in auth and
// returns its ETag with quotes stripped. The storage endpoint is not the
// API: no bearer token is sent, only the signed Authorization.
func (c *Client) PutPart(
	ctx context.Context, auth *PartAuthorization, body io.Reader, size int64, progress ProgressFunc,
) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, auth.URL, newProgressReader(body, size, progress))
	if err != nil {
		return "", fmt.Errorf("api: creating part request: %w", err)
	}

	req.ContentLength = size
	req.Header.Set("User-Agent", c.userAgent)

	if auth.Authorization != "" {
		req.Header.Set("Authorization", auth.Authorization)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("api: part upload canceled: %w", ctx.Err())
		}

		c.logger.Error("part upload request failed", slog.String("error", err.Error()))

		return "", fmt.Errorf("api: part upload network error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody)) //nolint:errcheck // best-effort read for error message

		c.logger.Error("part upload rejected by storage",
			slog.Int("status", resp.StatusCode),
		)

		return "", &APIError{
			StatusCode: resp.StatusCode,
			Message:    partFailureMessage(resp.StatusCode, raw),
			Err:        ErrPartUpload,
		}
	}

	if _, drainErr := io.Copy(io.Discard, resp.Body); drainErr != nil {
		c.logger.Debug("draining part response", slog.String("error", drainErr.Error()))
	}

	etag := strings.ReplaceAll(resp.Header.Get("ETag"), `"`, "")
	if etag == "" {
		return "", ErrMissingETag
	}

	return etag, nil
}

// partFailureMessage renders a human-readable reason for a failed part PUT.
// JSON envelopes contribute their message; otherwise an object-store XML
// error contributes "Code: Message".
func partFailureMessage(status int, body []byte) string {
	msg := fmt.Sprintf("upload failed: HTTP %d %s", status, http.StatusText(status))

	if extra := vendorDetail(body); extra != "" {
		msg += " (" + extra + ")"
	}

	return msg
}

func vendorDetail(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return ""
	}

	var env envelope[json.RawMessage]
	if json.Unmarshal(body, &env) == nil {
		return env.Message
	}

	return ParseStorageError(body)
}

// ParseStorageError extracts "Code: Message" from an object-store XML error
// body. Returns "" unless both fields are present.
func ParseStorageError(body []byte) string {
	var se storageError
	if err := xml.Unmarshal(body, &se); err != nil {
		return ""
	}

	code := strings.TrimSpace(se.Code)
	message := strings.TrimSpace(se.Message)

	if code == "" || message == "" {
		return ""
	}

	return code + ": " + message
}
