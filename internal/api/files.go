package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
)

// File endpoint paths, relative to the API root.
const (
	pathFiles             = "/files"
	pathUpload            = "/files/upload"
	pathMultipartInit     = "/files/multipart/init"
	pathMultipartSign     = "/files/multipart/sign"
	pathMultipartComplete = "/files/multipart/complete"
	pathMultipartAbort    = "/files/multipart/abort"
	pathPolicies          = "/storage/policies"
)

// DirectUpload describes a single-request upload. Content is read through
// a fresh SectionReader per attempt, so a replay after refresh is safe.
type DirectUpload struct {
	Name     string
	MimeType string
	Size     int64
	Content  io.ReaderAt
	ParentID string
	PolicyID string
	// Wrap, when set, wraps the file content reader of each attempt
	// (bandwidth limiting).
	Wrap func(io.Reader) io.Reader
}

// ListFiles lists a folder. Empty parentID lists the root.
func (c *Client) ListFiles(ctx context.Context, parentID, policyID string) (*FolderPage, error) {
	q := url.Values{}
	if parentID != "" {
		q.Set("parent_id", parentID)
	}

	if policyID != "" {
		q.Set("policy_id", policyID)
	}

	path := pathFiles
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	page, err := getJSON[FolderPage](ctx, c, path)
	if err != nil {
		return nil, fmt.Errorf("api: listing files: %w", err)
	}

	return &page, nil
}

// CreateDirectory creates a folder and returns its record.
func (c *Client) CreateDirectory(ctx context.Context, req CreateDirectoryRequest) (*FileItem, error) {
	c.logger.Info("creating folder",
		slog.String("name", req.Name),
		slog.String("parent_id", req.ParentID),
	)

	item, err := postJSON[FileItem](ctx, c, pathFiles, req)
	if err != nil {
		return nil, fmt.Errorf("api: creating folder %q: %w", req.Name, err)
	}

	return &item, nil
}

// RenameFile renames a file or folder in place and returns the updated
// record.
func (c *Client) RenameFile(ctx context.Context, id, name string) (*FileItem, error) {
	c.logger.Info("renaming", slog.String("id", id), slog.String("name", name))

	item, err := sendJSON[FileItem](ctx, c, http.MethodPatch, filePath(id), map[string]string{"name": name})
	if err != nil {
		return nil, fmt.Errorf("api: renaming %s: %w", id, err)
	}

	return &item, nil
}

// DeleteFile deletes a file, or a folder with everything in it.
func (c *Client) DeleteFile(ctx context.Context, id string) error {
	c.logger.Info("deleting", slog.String("id", id))

	resp, err := c.Do(ctx, &Request{Method: http.MethodDelete, Path: filePath(id)})
	if err != nil {
		return fmt.Errorf("api: deleting %s: %w", id, err)
	}
	defer resp.Body.Close()

	if _, err := decodeData[json.RawMessage](resp); err != nil {
		return fmt.Errorf("api: deleting %s: %w", id, err)
	}

	return nil
}

// DownloadFile streams a file's content into w and returns the byte count.
// progress receives cumulative bytes against the advertised length, which
// is -1 when the server sends none.
func (c *Client) DownloadFile(ctx context.Context, id string, w io.Writer, progress ProgressFunc) (int64, error) {
	resp, err := c.Do(ctx, &Request{Method: http.MethodGet, Path: filePath(id) + "/download"})
	if err != nil {
		return 0, fmt.Errorf("api: downloading %s: %w", id, err)
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, newProgressReader(resp.Body, resp.ContentLength, progress))
	if err != nil {
		return n, fmt.Errorf("api: downloading %s: %w", id, err)
	}

	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return n, fmt.Errorf("api: downloading %s: got %d of %d bytes: %w", id, n, resp.ContentLength, io.ErrUnexpectedEOF)
	}

	return n, nil
}

func filePath(id string) string {
	return pathFiles + "/" + url.PathEscape(id)
}

// StoragePolicies lists the storage policies available to the user.
func (c *Client) StoragePolicies(ctx context.Context) ([]StoragePolicy, error) {
	resp, err := getJSON[policiesResponse](ctx, c, pathPolicies)
	if err != nil {
		return nil, fmt.Errorf("api: listing storage policies: %w", err)
	}

	return resp.Policies, nil
}

// UploadFile performs a direct multipart-form upload and returns the new
// file record. progress receives file content bytes sent, not form overhead.
func (c *Client) UploadFile(ctx context.Context, up DirectUpload, progress ProgressFunc) (*FileItem, error) {
	c.logger.Info("direct upload",
		slog.String("name", up.Name),
		slog.Int64("size", up.Size),
		slog.String("parent_id", up.ParentID),
	)

	head, tail, contentType, err := formEnvelope(up)
	if err != nil {
		return nil, err
	}

	req := &Request{
		Method:        http.MethodPost,
		Path:          pathUpload,
		ContentType:   contentType,
		ContentLength: int64(len(head)) + up.Size + int64(len(tail)),
		Body: func() (io.Reader, error) {
			var content io.Reader = io.NewSectionReader(up.Content, 0, up.Size)
			if up.Wrap != nil {
				content = up.Wrap(content)
			}

			return io.MultiReader(
				bytes.NewReader(head),
				newProgressReader(content, up.Size, progress),
				bytes.NewReader(tail),
			), nil
		},
	}

	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	item, err := decodeData[FileItem](resp)
	if err != nil {
		return nil, fmt.Errorf("api: upload %q: %w", up.Name, err)
	}

	return &item, nil
}

// switchWriter lets formEnvelope capture the form parts before and after
// the file content into separate buffers.
type switchWriter struct {
	w io.Writer
}

func (s *switchWriter) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

// formEnvelope renders the multipart form around the file content: head
// holds the text fields and the file part header, tail the closing
// boundary. Knowing both up front gives the request an exact length.
func formEnvelope(up DirectUpload) ([]byte, []byte, string, error) {
	var head, tail bytes.Buffer

	sw := &switchWriter{w: &head}
	mw := multipart.NewWriter(sw)

	if up.ParentID != "" {
		if err := mw.WriteField("parent_id", up.ParentID); err != nil {
			return nil, nil, "", fmt.Errorf("api: writing form: %w", err)
		}
	}

	if up.PolicyID != "" {
		if err := mw.WriteField("policy_id", up.PolicyID); err != nil {
			return nil, nil, "", fmt.Errorf("api: writing form: %w", err)
		}
	}

	mimeType := up.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(up.Name)))
	h.Set("Content-Type", mimeType)

	if _, err := mw.CreatePart(h); err != nil {
		return nil, nil, "", fmt.Errorf("api: writing form: %w", err)
	}

	sw.w = &tail

	if err := mw.Close(); err != nil {
		return nil, nil, "", fmt.Errorf("api: closing form: %w", err)
	}

	return head.Bytes(), tail.Bytes(), mw.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// MultipartInit opens a remote multipart session.
func (c *Client) MultipartInit(ctx context.Context, req MultipartInitRequest) (*MultipartSession, error) {
	c.logger.Info("initiating multipart upload",
		slog.String("filename", req.Filename),
		slog.Int64("size", req.Size),
		slog.String("policy_id", req.PolicyID),
	)

	sess, err := postJSON[MultipartSession](ctx, c, pathMultipartInit, req)
	if err != nil {
		return nil, fmt.Errorf("api: multipart init: %w", err)
	}

	return &sess, nil
}

// MultipartSign requests a signed storage authorization for one part.
func (c *Client) MultipartSign(ctx context.Context, req SignRequest) (*PartAuthorization, error) {
	auth, err := postJSON[PartAuthorization](ctx, c, pathMultipartSign, req)
	if err != nil {
		return nil, fmt.Errorf("api: multipart sign part %d: %w", req.PartNumber, err)
	}

	if auth.URL == "" {
		return nil, fmt.Errorf("api: multipart sign part %d: empty upload URL", req.PartNumber)
	}

	return &auth, nil
}

// MultipartComplete finalizes the remote object from its parts.
func (c *Client) MultipartComplete(ctx context.Context, req CompleteRequest) error {
	c.logger.Info("completing multipart upload",
		slog.String("filename", req.Filename),
		slog.Int("parts", len(req.Parts)),
	)

	if _, err := postJSON[map[string]any](ctx, c, pathMultipartComplete, req); err != nil {
		return fmt.Errorf("api: multipart complete: %w", err)
	}

	return nil
}

// MultipartAbort releases an open multipart session.
func (c *Client) MultipartAbort(ctx context.Context, req AbortRequest) error {
	c.logger.Info("aborting multipart upload", slog.String("key", req.Key))

	if _, err := postJSON[map[string]any](ctx, c, pathMultipartAbort, req); err != nil {
		return fmt.Errorf("api: multipart abort: %w", err)
	}

	return nil
}
