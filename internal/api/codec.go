package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxErrorBody caps how much of an error response is read into memory.
const maxErrorBody = 64 * 1024

// decodeData decodes a {code, message, data} envelope and returns data.
// A non-zero envelope code is an error even on a 2xx response.
func decodeData[T any](resp *http.Response) (T, error) {
	var env envelope[T]
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		var zero T
		return zero, fmt.Errorf("api: decoding response: %w", err)
	}

	if env.Code != 0 {
		var zero T
		return zero, &APIError{
			StatusCode: resp.StatusCode,
			Code:       env.Code,
			Message:    env.Message,
			Err:        ErrRejected,
		}
	}

	return env.Data, nil
}

// jsonBody returns a body factory for a JSON-encoded value. The value is
// marshaled once; each call returns a fresh reader over the same bytes.
func jsonBody(v any) (func() (io.Reader, error), error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("api: encoding request: %w", err)
	}

	return func() (io.Reader, error) {
		return bytes.NewReader(data), nil
	}, nil
}

// errorFromResponse reads and closes an error response and builds an
// *APIError. JSON envelopes contribute their code and message; any other
// body is used verbatim.
func errorFromResponse(resp *http.Response) *APIError {
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()

	if readErr != nil {
		body = []byte("(failed to read response body)")
	}

	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(body)),
		Err:        classifyStatus(resp.StatusCode),
	}

	var env envelope[json.RawMessage]
	if json.Unmarshal(body, &env) == nil && (env.Code != 0 || env.Message != "") {
		apiErr.Code = env.Code
		apiErr.Message = env.Message
	}

	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}

	return apiErr
}

// drain discards and closes a response body so the connection is reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody)) //nolint:errcheck // best-effort drain
	resp.Body.Close()
}
