// Package cookies provides an http.CookieJar that survives process restarts.
// The backend keeps its refresh credential in an http-only cookie; keeping
// the jar on disk is what lets a new process resume the session without the
// access token ever touching the filesystem.
package cookies

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/tonimelisma/crdrive/internal/statefile"
)

// savedCookie is the on-disk form of one cookie.
type savedCookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Path   string `json:"path,omitempty"` // "" in older files means "/"
	Secure bool   `json:"secure,omitempty"`
}

// jarFile maps an origin ("https://host:port") to its cookies.
type jarFile map[string][]savedCookie

// scope is one (origin, cookie path) pair the jar has been given cookies
// for. Saving asks the inner jar for each scope, since a cookie limited to
// "/api/v1/auth" is invisible from "/".
type scope struct {
	origin string
	url    *url.URL
}

// Jar is a cookie jar persisted as a JSON state file. Safe for concurrent use.
type Jar struct {
	mu     sync.Mutex
	inner  *cookiejar.Jar
	scopes map[string]scope
	path   string
	logger *slog.Logger
}

// Open loads the jar stored at path, or starts an empty one when the file
// does not exist. An empty path gives a memory-only jar.
func Open(path string, logger *slog.Logger) (*Jar, error) {
	if logger == nil {
		logger = slog.Default()
	}

	inner, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookies: creating jar: %w", err)
	}

	j := &Jar{
		inner:  inner,
		scopes: make(map[string]scope),
		path:   path,
		logger: logger,
	}

	if err := j.loadLocked(); err != nil {
		return nil, err
	}

	return j, nil
}

// Reload replaces the in-memory cookies with the file's content. Another
// process sharing the file may have signed in since this jar was opened.
func (j *Jar) Reload() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	inner, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("cookies: creating jar: %w", err)
	}

	j.inner = inner
	j.scopes = make(map[string]scope)

	return j.loadLocked()
}

func (j *Jar) loadLocked() error {
	if j.path == "" {
		return nil
	}

	var saved jarFile

	found, err := statefile.Load(j.path, &saved)
	if err != nil {
		return fmt.Errorf("cookies: %w", err)
	}

	if !found {
		return nil
	}

	for origin, entries := range saved {
		byPath := make(map[string][]*http.Cookie)

		for _, c := range entries {
			p := c.Path
			if p == "" {
				p = "/"
			}

			byPath[p] = append(byPath[p], &http.Cookie{Name: c.Name, Value: c.Value, Path: p, Secure: c.Secure})
		}

		for p, cookies := range byPath {
			u, parseErr := url.Parse(origin + p)
			if parseErr != nil || u.Host == "" {
				j.logger.Warn("skipping unparseable cookie origin", slog.String("origin", origin))
				break
			}

			j.inner.SetCookies(u, cookies)
			j.addScopeLocked(u, p)
		}
	}

	j.logger.Debug("cookie jar loaded", slog.String("path", j.path), slog.Int("origins", len(saved)))

	return nil
}

// SetCookies implements http.CookieJar and persists the jar.
func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.inner.SetCookies(u, cookies)

	for _, c := range cookies {
		p := c.Path
		if p == "" || p[0] != '/' {
			p = defaultPath(u.Path)
		}

		j.addScopeLocked(u, p)
	}

	if err := j.saveLocked(); err != nil {
		j.logger.Warn("persisting cookie jar failed", slog.String("error", err.Error()))
	}
}

func (j *Jar) addScopeLocked(u *url.URL, cookiePath string) {
	origin := u.Scheme + "://" + u.Host
	key := origin + cookiePath

	if _, ok := j.scopes[key]; ok {
		return
	}

	j.scopes[key] = scope{
		origin: origin,
		url:    &url.URL{Scheme: u.Scheme, Host: u.Host, Path: cookiePath},
	}
}

// defaultPath is the RFC 6265 default cookie path for a request path: its
// directory, or "/".
func defaultPath(requestPath string) string {
	if requestPath == "" || requestPath[0] != '/' {
		return "/"
	}

	i := strings.LastIndex(requestPath, "/")
	if i == 0 {
		return "/"
	}

	return requestPath[:i]
}

// Cookies implements http.CookieJar.
func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.inner.Cookies(u)
}

// Clear forgets every cookie and removes the file.
func (j *Jar) Clear() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	inner, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("cookies: creating jar: %w", err)
	}

	j.inner = inner
	j.scopes = make(map[string]scope)

	if j.path == "" {
		return nil
	}

	if err := statefile.Remove(j.path); err != nil {
		return fmt.Errorf("cookies: %w", err)
	}

	return nil
}

// saveLocked writes every live cookie once, under the shortest scope path
// it is visible from. The inner jar does not report cookie paths, so a
// cookie seen from "/" and again from "/api/v1/auth" is attributed to "/".
func (j *Jar) saveLocked() error {
	if j.path == "" {
		return nil
	}

	ordered := make([]scope, 0, len(j.scopes))
	for _, sc := range j.scopes {
		ordered = append(ordered, sc)
	}

	sort.Slice(ordered, func(a, b int) bool {
		if len(ordered[a].url.Path) != len(ordered[b].url.Path) {
			return len(ordered[a].url.Path) < len(ordered[b].url.Path)
		}

		return ordered[a].origin+ordered[a].url.Path < ordered[b].origin+ordered[b].url.Path
	})

	out := make(jarFile)

	for _, sc := range ordered {
		for _, c := range j.inner.Cookies(sc.url) {
			if coveredBy(out[sc.origin], c, sc.url.Path) {
				continue
			}

			out[sc.origin] = append(out[sc.origin], savedCookie{
				Name:   c.Name,
				Value:  c.Value,
				Path:   sc.url.Path,
				Secure: sc.url.Scheme == "https",
			})
		}
	}

	return statefile.Save(j.path, out)
}

// coveredBy reports whether c was already saved under a path that also
// matches scopePath.
func coveredBy(saved []savedCookie, c *http.Cookie, scopePath string) bool {
	for _, s := range saved {
		if s.Name == c.Name && s.Value == c.Value && pathMatches(scopePath, s.Path) {
			return true
		}
	}

	return false
}

// pathMatches is the RFC 6265 path-match of requestPath against cookiePath.
func pathMatches(requestPath, cookiePath string) bool {
	if requestPath == cookiePath {
		return true
	}

	if !strings.HasPrefix(requestPath, cookiePath) {
		return false
	}

	return strings.HasSuffix(cookiePath, "/") || requestPath[len(cookiePath)] == '/'
}
