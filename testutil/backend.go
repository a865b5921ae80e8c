// Package testutil provides an in-memory fake of the crdrive backend for
// package, integration, and E2E tests. It depends only on stdlib so that
// any test package can use it without import cycles.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// APIPrefix is the path under which the fake serves the API.
const APIPrefix = "/api/v1"

// RefreshCookie is the name of the http-only refresh credential cookie.
const RefreshCookie = "refresh_token"

// Envelope error codes used by the fake.
const (
	codeBadCredentials = 40101
	codeTokenInvalid   = 40102
	codeRefreshInvalid = 40103
	codeBadRequest     = 40001
	codeNotFound       = 40401
	codeConflict       = 40901
)

// CompletedPart mirrors the complete request's part entries.
type CompletedPart struct {
	PartNumber int    `json:"part_number"`
	ETag       string `json:"etag"`
}

// CompleteCall records one /files/multipart/complete request.
type CompleteCall struct {
	Key      string          `json:"key"`
	UploadID string          `json:"upload_id"`
	Parts    []CompletedPart `json:"parts"`
	ParentID string          `json:"parent_id"`
	Filename string          `json:"filename"`
	Size     int64           `json:"size"`
	PolicyID string          `json:"policy_id"`
}

// AbortCall records one /files/multipart/abort request.
type AbortCall struct {
	Key      string `json:"key"`
	UploadID string `json:"upload_id"`
	PolicyID string `json:"policy_id"`
}

// InitCall records one /files/multipart/init request.
type InitCall struct {
	Path     string `json:"path"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	ParentID string `json:"parent_id"`
	PolicyID string `json:"policy_id"`
	MimeType string `json:"mime_type"`
}

// Backend is a fake crdrive server. Configure the exported fields before
// issuing requests; read results through the accessor methods.
type Backend struct {
	Server *httptest.Server

	// Email and Password are the only accepted credentials.
	Email    string
	Password string

	// ChunkSize is returned by multipart init (0 lets the client default).
	ChunkSize int64
	// PolicyOverride, when set, replaces the requested policy on init.
	PolicyOverride string
	// FailPart makes the PUT of that part number fail with an XML error.
	FailPart int
	// OmitETag makes part PUTs succeed without an ETag header.
	OmitETag bool
	// FailAbort makes abort calls fail with 500.
	FailAbort bool
	// FailUpload makes direct uploads fail with 500.
	FailUpload bool
	// RefreshDelay holds every refresh call before it answers.
	RefreshDelay time.Duration
	// PartHook, when set, runs before a part PUT is answered.
	PartHook func(part int)
	// RefreshCookiePath scopes the refresh cookie ("/" when empty), e.g.
	// APIPrefix+"/auth" the way production backends issue it.
	RefreshCookiePath string

	mu            sync.Mutex
	tokenSeq      int
	latestToken   string
	validTokens   map[string]bool
	refreshTokens map[string]bool
	refreshFail   bool
	counts        map[string]int
	signedParts   []int
	putBytes      map[int]int64
	inits         []InitCall
	completes     []CompleteCall
	aborts        []AbortCall
	uploadBytes   int64
	authHeaders   []string
	uploadSeq     int
	files         map[string][]map[string]any
	contents      map[string][]byte
	partData      map[string]map[int][]byte
}

// NewBackend starts a fake backend that is closed with the test.
func NewBackend(t *testing.T) *Backend {
	t.Helper()

	b := &Backend{
		Email:         "user@example.com",
		Password:      "secret",
		refreshTokens: make(map[string]bool),
		validTokens:   make(map[string]bool),
		counts:        make(map[string]int),
		putBytes:      make(map[int]int64),
		files:         make(map[string][]map[string]any),
		contents:      make(map[string][]byte),
		partData:      make(map[string]map[int][]byte),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+APIPrefix+"/auth/login", b.handleLogin)
	mux.HandleFunc("POST "+APIPrefix+"/auth/register", b.handleRegister)
	mux.HandleFunc("POST "+APIPrefix+"/auth/refresh", b.handleRefresh)
	mux.HandleFunc("POST "+APIPrefix+"/auth/logout", b.handleLogout)
	mux.HandleFunc("GET "+APIPrefix+"/files", b.authorized(b.handleList))
	mux.HandleFunc("POST "+APIPrefix+"/files", b.authorized(b.handleCreateDirectory))
	mux.HandleFunc("PATCH "+APIPrefix+"/files/{id}", b.authorized(b.handleRename))
	mux.HandleFunc("DELETE "+APIPrefix+"/files/{id}", b.authorized(b.handleDelete))
	mux.HandleFunc("GET "+APIPrefix+"/files/{id}/download", b.authorized(b.handleDownload))
	mux.HandleFunc("POST "+APIPrefix+"/files/upload", b.authorized(b.handleUpload))
	mux.HandleFunc("POST "+APIPrefix+"/files/multipart/init", b.authorized(b.handleInit))
	mux.HandleFunc("POST "+APIPrefix+"/files/multipart/sign", b.authorized(b.handleSign))
	mux.HandleFunc("POST "+APIPrefix+"/files/multipart/complete", b.authorized(b.handleComplete))
	mux.HandleFunc("POST "+APIPrefix+"/files/multipart/abort", b.authorized(b.handleAbort))
	mux.HandleFunc("GET "+APIPrefix+"/storage/policies", b.authorized(b.handlePolicies))
	mux.HandleFunc("GET "+APIPrefix+"/ping", b.authorized(b.handlePing))
	mux.HandleFunc("PUT /storage/{key}/{part}", b.handlePut)

	b.Server = httptest.NewServer(mux)
	t.Cleanup(b.Server.Close)

	return b
}

// URL returns the API root, e.g. http://127.0.0.1:1234/api/v1.
func (b *Backend) URL() string {
	return b.Server.URL + APIPrefix
}

// ExpireAccessToken invalidates every issued access token so the next
// authorized request gets a 401. Refresh cookies stay valid.
func (b *Backend) ExpireAccessToken() {
	b.mu.Lock()
	defer b.mu.Unlock()

	clear(b.validTokens)
}

// RevokeRefresh invalidates every refresh cookie, as a server-side logout
// from another device would.
func (b *Backend) RevokeRefresh() {
	b.mu.Lock()
	defer b.mu.Unlock()

	clear(b.refreshTokens)
}

// SetRefreshFailure makes every refresh answer 401.
func (b *Backend) SetRefreshFailure(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refreshFail = fail
}

// CurrentToken returns the most recently issued access token, or "" when
// it is no longer accepted.
func (b *Backend) CurrentToken() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.validTokens[b.latestToken] {
		return ""
	}

	return b.latestToken
}

// Count returns how many requests hit the given API path (e.g. "/auth/refresh").
func (b *Backend) Count(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.counts[path]
}

// SignedParts returns the part numbers of sign calls in arrival order.
func (b *Backend) SignedParts() []int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]int(nil), b.signedParts...)
}

// PartBytes returns the bytes received for a part number.
func (b *Backend) PartBytes(part int) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.putBytes[part]
}

// Inits returns all recorded multipart init calls.
func (b *Backend) Inits() []InitCall {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]InitCall(nil), b.inits...)
}

// Completes returns all recorded complete calls.
func (b *Backend) Completes() []CompleteCall {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]CompleteCall(nil), b.completes...)
}

// Aborts returns all recorded abort calls.
func (b *Backend) Aborts() []AbortCall {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]AbortCall(nil), b.aborts...)
}

// UploadedBytes returns the file content bytes received by direct uploads.
func (b *Backend) UploadedBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.uploadBytes
}

// AuthHeaders returns the Authorization headers seen on part PUTs.
func (b *Backend) AuthHeaders() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]string(nil), b.authHeaders...)
}

func (b *Backend) count(r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counts[strings.TrimPrefix(r.URL.Path, APIPrefix)]++
}

// issueLocked mints a new access token. When rt is empty a new refresh
// cookie is minted too. Caller holds mu.
func (b *Backend) issueLocked(w http.ResponseWriter, rt string) string {
	b.tokenSeq++
	tok := "access-" + strconv.Itoa(b.tokenSeq)

	b.latestToken = tok
	b.validTokens[tok] = true

	if rt == "" {
		rt = "refresh-" + strconv.Itoa(b.tokenSeq)
		b.refreshTokens[rt] = true

		http.SetCookie(w, &http.Cookie{
			Name:     RefreshCookie,
			Value:    rt,
			Path:     b.refreshCookiePath(),
			HttpOnly: true,
		})
	}

	return tok
}

func (b *Backend) refreshCookiePath() string {
	if b.RefreshCookiePath == "" {
		return "/"
	}

	return b.RefreshCookiePath
}

func (b *Backend) user() map[string]any {
	return map[string]any{
		"id":                "u-1",
		"email":             b.Email,
		"name":              "Test User",
		"role":              "user",
		"default_policy_id": nil,
		"storage_used":      0,
		"storage_limit":     1 << 40,
		"is_active":         true,
		"created_at":        "2024-01-01T00:00:00Z",
	}
}

func (b *Backend) handleLogin(w http.ResponseWriter, r *http.Request) {
	b.count(r)

	var creds struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}

	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid body")
		return
	}

	if creds.Email != b.Email || creds.Password != b.Password {
		writeError(w, http.StatusUnauthorized, codeBadCredentials, "invalid email or password")
		return
	}

	b.mu.Lock()
	tok := b.issueLocked(w, "")
	b.mu.Unlock()

	writeData(w, http.StatusOK, map[string]any{"access_token": tok, "user": b.user()})
}

func (b *Backend) handleRegister(w http.ResponseWriter, r *http.Request) {
	b.count(r)

	var reg struct {
		Email    string `json:"email"`
		Name     string `json:"name"`
		Password string `json:"password"`
	}

	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil || reg.Email == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid body")
		return
	}

	b.mu.Lock()
	b.Email = reg.Email
	b.Password = reg.Password
	b.mu.Unlock()

	writeData(w, http.StatusCreated, map[string]any{"id": "u-1"})
}

func (b *Backend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	b.count(r)

	if b.RefreshDelay > 0 {
		time.Sleep(b.RefreshDelay)
	}

	cookie, err := r.Cookie(RefreshCookie)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.refreshFail || err != nil || !b.refreshTokens[cookie.Value] {
		writeError(w, http.StatusUnauthorized, codeRefreshInvalid, "refresh token invalid")
		return
	}

	tok := b.issueLocked(w, cookie.Value)

	writeData(w, http.StatusOK, map[string]any{"access_token": tok, "user": b.user()})
}

func (b *Backend) handleLogout(w http.ResponseWriter, r *http.Request) {
	b.count(r)

	b.mu.Lock()
	if cookie, err := r.Cookie(RefreshCookie); err == nil {
		delete(b.refreshTokens, cookie.Value)
	}

	if tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "); tok != "" {
		delete(b.validTokens, tok)
	}
	b.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: RefreshCookie, Value: "", Path: b.refreshCookiePath(), MaxAge: -1})
	writeData(w, http.StatusOK, nil)
}

// authorized wraps a handler with bearer token validation.
func (b *Backend) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.count(r)

		tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

		b.mu.Lock()
		ok := tok != "" && b.validTokens[tok]
		b.mu.Unlock()

		if !ok {
			_, _ = io.Copy(io.Discard, r.Body)
			writeError(w, http.StatusUnauthorized, codeTokenInvalid, "access token invalid")

			return
		}

		next(w, r)
	}
}

func (b *Backend) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, map[string]any{"pong": true})
}

func (b *Backend) handleList(w http.ResponseWriter, r *http.Request) {
	parent := r.URL.Query().Get("parent_id")

	b.mu.Lock()
	files := make([]map[string]any, 0, len(b.files[parent]))
	for _, f := range b.files[parent] {
		files = append(files, maps.Clone(f))
	}
	b.mu.Unlock()

	path := []map[string]any{}
	if parent != "" {
		path = append(path, map[string]any{"id": parent, "name": "folder-" + parent})
	}

	writeData(w, http.StatusOK, map[string]any{"files": files, "path": path})
}

func (b *Backend) handleUpload(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "expected multipart form")
		return
	}

	var (
		name, parent, policy string
		data                 []byte
	)

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}

		if err != nil {
			writeError(w, http.StatusBadRequest, codeBadRequest, "bad form")
			return
		}

		switch part.FormName() {
		case "file":
			name = part.FileName()
			data, _ = io.ReadAll(part)
		case "parent_id":
			v, _ := io.ReadAll(part)
			parent = string(v)
		case "policy_id":
			v, _ := io.ReadAll(part)
			policy = string(v)
		}
	}

	if b.FailUpload {
		writeError(w, http.StatusInternalServerError, 50000, "storage unavailable")
		return
	}

	b.mu.Lock()
	b.uploadBytes += int64(len(data))
	b.uploadSeq++
	id := "f-" + strconv.Itoa(b.uploadSeq)
	item := b.fileRecord(id, name, int64(len(data)), parent, policy)
	b.files[parent] = append(b.files[parent], item)
	b.contents[id] = data
	b.mu.Unlock()

	writeData(w, http.StatusOK, item)
}

func (b *Backend) fileRecord(id, name string, size int64, parent, policy string) map[string]any {
	rec := map[string]any{
		"id":         id,
		"user_id":    "u-1",
		"name":       name,
		"is_dir":     false,
		"size":       size,
		"created_at": "2024-01-01T00:00:00Z",
		"updated_at": "2024-01-01T00:00:00Z",
	}

	if parent != "" {
		rec["parent_id"] = parent
	}

	if policy != "" {
		rec["policy_id"] = policy
	}

	return rec
}

func (b *Backend) handleInit(w http.ResponseWriter, r *http.Request) {
	var req InitCall
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid body")
		return
	}

	b.mu.Lock()
	b.inits = append(b.inits, req)
	n := len(b.inits)
	b.mu.Unlock()

	policy := req.PolicyID
	if b.PolicyOverride != "" {
		policy = b.PolicyOverride
	}

	writeData(w, http.StatusOK, map[string]any{
		"upload_id":  fmt.Sprintf("upload-%d", n),
		"key":        fmt.Sprintf("obj-%d", n),
		"chunk_size": b.ChunkSize,
		"policy_id":  policy,
	})
}

func (b *Backend) handleSign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key        string `json:"key"`
		UploadID   string `json:"upload_id"`
		PartNumber int    `json:"part_number"`
		PolicyID   string `json:"policy_id"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid body")
		return
	}

	b.mu.Lock()
	b.signedParts = append(b.signedParts, req.PartNumber)
	b.mu.Unlock()

	writeData(w, http.StatusOK, map[string]any{
		"url":           fmt.Sprintf("%s/storage/%s/%d", b.Server.URL, req.Key, req.PartNumber),
		"authorization": fmt.Sprintf("q-sign-%s-%d", req.UploadID, req.PartNumber),
	})
}

func (b *Backend) handlePut(w http.ResponseWriter, r *http.Request) {
	part, err := strconv.Atoi(r.PathValue("part"))
	if err != nil {
		http.Error(w, "bad part", http.StatusBadRequest)
		return
	}

	data, _ := io.ReadAll(r.Body)
	n := int64(len(data))

	if b.PartHook != nil {
		b.PartHook(part)
	}

	b.mu.Lock()
	b.putBytes[part] += n

	key := r.PathValue("key")
	if b.partData[key] == nil {
		b.partData[key] = make(map[int][]byte)
	}

	b.partData[key][part] = data
	b.authHeaders = append(b.authHeaders, r.Header.Get("Authorization"))
	b.mu.Unlock()

	if part == b.FailPart {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?>
<Error><Code>AccessDenied</Code><Message>Request has expired</Message></Error>`)

		return
	}

	if !b.OmitETag {
		w.Header().Set("ETag", fmt.Sprintf(`"etag-%d"`, part))
	}

	w.WriteHeader(http.StatusOK)
}

func (b *Backend) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req CompleteCall
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid body")
		return
	}

	b.mu.Lock()
	b.completes = append(b.completes, req)
	b.uploadSeq++
	id := "f-" + strconv.Itoa(b.uploadSeq)
	item := b.fileRecord(id, req.Filename, req.Size, req.ParentID, req.PolicyID)
	b.files[req.ParentID] = append(b.files[req.ParentID], item)

	var assembled []byte
	for _, p := range req.Parts {
		assembled = append(assembled, b.partData[req.Key][p.PartNumber]...)
	}

	b.contents[id] = assembled
	delete(b.partData, req.Key)
	b.mu.Unlock()

	writeData(w, http.StatusOK, item)
}

func (b *Backend) handleAbort(w http.ResponseWriter, r *http.Request) {
	var req AbortCall
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid body")
		return
	}

	b.mu.Lock()
	b.aborts = append(b.aborts, req)
	delete(b.partData, req.Key)
	b.mu.Unlock()

	if b.FailAbort {
		writeError(w, http.StatusInternalServerError, 50001, "abort failed")
		return
	}

	writeData(w, http.StatusOK, nil)
}

func (b *Backend) handlePolicies(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, map[string]any{"policies": []map[string]any{
		{"id": "p-local", "name": "Local", "policy_type": "local", "is_default": true, "created_at": "2024-01-01T00:00:00Z"},
		{"id": "p-cos", "name": "COS", "policy_type": "cos", "is_default": false, "created_at": "2024-01-01T00:00:00Z"},
	}})
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"code": 0, "message": "ok", "data": data})
}

func writeError(w http.ResponseWriter, status, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "message": msg, "data": nil})
}
