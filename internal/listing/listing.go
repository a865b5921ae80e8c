// Package listing holds the folder view the user is looking at. Finished
// uploads land here: direct uploads merge their record, multipart uploads
// trigger a reload.
package listing

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/tonimelisma/crdrive/internal/api"
)

// Lister fetches one folder page. *api.Client satisfies it.
type Lister interface {
	ListFiles(ctx context.Context, parentID, policyID string) (*api.FolderPage, error)
}

// View is the current folder listing. Safe for concurrent use.
type View struct {
	lister Lister
	logger *slog.Logger

	mu       sync.RWMutex
	folderID string
	policyID string
	files    []api.FileItem
	path     []api.PathItem
}

// New creates an empty view of the root folder.
func New(lister Lister, logger *slog.Logger) *View {
	if logger == nil {
		logger = slog.Default()
	}

	return &View{lister: lister, logger: logger}
}

// Fetch switches the view to parentID ("" for the root) and loads it.
// On error the previous contents stay.
func (v *View) Fetch(ctx context.Context, parentID, policyID string) error {
	page, err := v.lister.ListFiles(ctx, parentID, policyID)
	if err != nil {
		return fmt.Errorf("listing: fetching %q: %w", parentID, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.folderID = parentID
	v.policyID = policyID
	v.files = page.Files
	v.path = page.Path

	v.logger.Debug("folder listed",
		slog.String("folder_id", parentID),
		slog.Int("entries", len(page.Files)),
	)

	return nil
}

// Reload fetches the folder currently on display again.
func (v *View) Reload(ctx context.Context) error {
	v.mu.RLock()
	folder, policy := v.folderID, v.policyID
	v.mu.RUnlock()

	return v.Fetch(ctx, folder, policy)
}

// Folder returns the id of the displayed folder, "" for the root.
func (v *View) Folder() string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return v.folderID
}

// Files returns a copy of the displayed entries.
func (v *View) Files() []api.FileItem {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return slices.Clone(v.files)
}

// Path returns a copy of the breadcrumbs, outermost first.
func (v *View) Path() []api.PathItem {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return slices.Clone(v.path)
}

// PathString joins the breadcrumb names with "/", without a leading slash.
// The root is "".
func (v *View) PathString() string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	names := make([]string, 0, len(v.path))
	for _, p := range v.path {
		names = append(names, p.Name)
	}

	return strings.Join(names, "/")
}

// Find returns the entry with id in the current folder.
func (v *View) Find(id string) (api.FileItem, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if i := slices.IndexFunc(v.files, func(f api.FileItem) bool { return f.ID == id }); i >= 0 {
		return v.files[i], true
	}

	return api.FileItem{}, false
}

// Merge adds item to the view, replacing an entry with the same id.
func (v *View) Merge(item api.FileItem) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if i := slices.IndexFunc(v.files, func(f api.FileItem) bool { return f.ID == item.ID }); i >= 0 {
		v.files[i] = item
		return
	}

	v.files = append(v.files, item)
}
