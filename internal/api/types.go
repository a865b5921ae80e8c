package api

import "time"

// envelope is the response shape shared by every backend endpoint.
type envelope[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

// User is the profile record returned by login and refresh. It is the only
// session material that may cross process boundaries.
type User struct {
	ID              string    `json:"id"`
	Email           string    `json:"email"`
	Name            string    `json:"name"`
	Role            string    `json:"role"`
	DefaultPolicyID *string   `json:"default_policy_id"`
	StorageUsed     int64     `json:"storage_used"`
	StorageLimit    int64     `json:"storage_limit"`
	IsActive        bool      `json:"is_active"`
	AvatarURL       *string   `json:"avatar_url,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Clone returns a deep copy so callers can never mutate session state.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}

	c := *u

	if u.DefaultPolicyID != nil {
		v := *u.DefaultPolicyID
		c.DefaultPolicyID = &v
	}

	if u.AvatarURL != nil {
		v := *u.AvatarURL
		c.AvatarURL = &v
	}

	return &c
}

// authResponse is the data payload of /auth/login and /auth/refresh.
type authResponse struct {
	AccessToken string `json:"access_token"`
	User        *User  `json:"user"`
}

// AuthResult is a successful authentication exchange.
type AuthResult struct {
	AccessToken string
	User        *User
}

// Credentials are the login form fields.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Registration are the sign-up form fields.
type Registration struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

// FileItem is a file or folder record as listed by the backend.
type FileItem struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ParentID  *string   `json:"parent_id"`
	Name      string    `json:"name"`
	IsDir     bool      `json:"is_dir"`
	Size      int64     `json:"size"`
	PolicyID  *string   `json:"policy_id"`
	MimeType  *string   `json:"mime_type"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateDirectoryRequest is the body of a folder creation. Empty ParentID
// creates the folder at the root.
type CreateDirectoryRequest struct {
	Name     string `json:"name"`
	ParentID string `json:"parent_id,omitempty"`
	PolicyID string `json:"policy_id,omitempty"`
}

// PathItem is one breadcrumb of the folder currently being listed.
type PathItem struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// FolderPage is the result of listing one folder.
type FolderPage struct {
	Files []FileItem `json:"files"`
	Path  []PathItem `json:"path"`
}

// StoragePolicy is a named backend storage configuration.
type StoragePolicy struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	Name       string         `json:"name"`
	PolicyType string         `json:"policy_type"`
	Config     map[string]any `json:"config"`
	IsDefault  bool           `json:"is_default"`
	CreatedAt  time.Time      `json:"created_at"`
}

type policiesResponse struct {
	Policies []StoragePolicy `json:"policies"`
}

// MultipartInitRequest opens a remote multipart session.
type MultipartInitRequest struct {
	Path     string `json:"path"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	ParentID string `json:"parent_id,omitempty"`
	PolicyID string `json:"policy_id,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// MultipartSession is the server's answer to init. PolicyID is the
// effective policy, which may differ from the one requested.
type MultipartSession struct {
	UploadID  string `json:"upload_id"`
	Key       string `json:"key"`
	ChunkSize int64  `json:"chunk_size"`
	PolicyID  string `json:"policy_id"`
}

// SignRequest asks for a signed authorization for one part.
type SignRequest struct {
	Key        string `json:"key"`
	UploadID   string `json:"upload_id"`
	PartNumber int    `json:"part_number"`
	PolicyID   string `json:"policy_id"`
}

// PartAuthorization is a pre-signed storage endpoint grant for one part.
// URL and Authorization are credentials; never log them.
type PartAuthorization struct {
	URL           string `json:"url"`
	Authorization string `json:"authorization"`
}

// CompletedPart pairs a part number with the ETag the storage returned.
type CompletedPart struct {
	PartNumber int    `json:"part_number"`
	ETag       string `json:"etag"`
}

// CompleteRequest finalizes a multipart object from its parts.
type CompleteRequest struct {
	Key      string          `json:"key"`
	UploadID string          `json:"upload_id"`
	Parts    []CompletedPart `json:"parts"`
	ParentID string          `json:"parent_id,omitempty"`
	Filename string          `json:"filename"`
	Size     int64           `json:"size"`
	MimeType string          `json:"mime_type,omitempty"`
	PolicyID string          `json:"policy_id"`
}

// AbortRequest releases an open multipart session.
type AbortRequest struct {
	Key      string `json:"key"`
	UploadID string `json:"upload_id"`
	PolicyID string `json:"policy_id"`
}

// ProgressFunc reports bytes sent so far out of total.
type ProgressFunc func(sent, total int64)
