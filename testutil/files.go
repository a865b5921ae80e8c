package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"
)

// AddFile stores a file with content directly, bypassing the upload
// endpoints, and returns its id.
func (b *Backend) AddFile(name, parent string, data []byte) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.uploadSeq++
	id := "f-" + strconv.Itoa(b.uploadSeq)
	b.files[parent] = append(b.files[parent], b.fileRecord(id, name, int64(len(data)), parent, ""))
	b.contents[id] = append([]byte(nil), data...)

	return id
}

// Content returns the stored bytes of a file.
func (b *Backend) Content(id string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, ok := b.contents[id]

	return data, ok
}

// Names returns the names in a folder, in listing order.
func (b *Backend) Names(parent string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.files[parent]))
	for _, f := range b.files[parent] {
		names = append(names, f["name"].(string))
	}

	return names
}

// findLocked locates a record by id and returns its folder and index.
func (b *Backend) findLocked(id string) (string, int, bool) {
	for parent, files := range b.files {
		if i := slices.IndexFunc(files, func(f map[string]any) bool { return f["id"] == id }); i >= 0 {
			return parent, i, true
		}
	}

	return "", 0, false
}

func (b *Backend) nameTakenLocked(parent, name string) bool {
	return slices.ContainsFunc(b.files[parent], func(f map[string]any) bool { return f["name"] == name })
}

func (b *Backend) handleCreateDirectory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		ParentID string `json:"parent_id"`
		PolicyID string `json:"policy_id"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "name is required")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.nameTakenLocked(req.ParentID, req.Name) {
		writeError(w, http.StatusConflict, codeConflict, fmt.Sprintf("%q already exists", req.Name))
		return
	}

	b.uploadSeq++
	item := b.fileRecord("d-"+strconv.Itoa(b.uploadSeq), req.Name, 0, req.ParentID, req.PolicyID)
	item["is_dir"] = true
	b.files[req.ParentID] = append(b.files[req.ParentID], item)

	writeData(w, http.StatusOK, item)
}

func (b *Backend) handleRename(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "name is required")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	parent, i, ok := b.findLocked(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, codeNotFound, "file not found")
		return
	}

	if b.files[parent][i]["name"] != req.Name && b.nameTakenLocked(parent, req.Name) {
		writeError(w, http.StatusConflict, codeConflict, fmt.Sprintf("%q already exists", req.Name))
		return
	}

	b.files[parent][i]["name"] = req.Name
	b.files[parent][i]["updated_at"] = "2024-01-02T00:00:00Z"

	writeData(w, http.StatusOK, b.files[parent][i])
}

func (b *Backend) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	b.mu.Lock()
	defer b.mu.Unlock()

	parent, i, ok := b.findLocked(id)
	if !ok {
		writeError(w, http.StatusNotFound, codeNotFound, "file not found")
		return
	}

	b.files[parent] = slices.Delete(b.files[parent], i, i+1)
	b.deleteTreeLocked(id)

	writeData(w, http.StatusOK, nil)
}

// deleteTreeLocked drops id's content and, for a folder, everything in it.
func (b *Backend) deleteTreeLocked(id string) {
	delete(b.contents, id)

	for _, child := range b.files[id] {
		b.deleteTreeLocked(child["id"].(string))
	}

	delete(b.files, id)
}

func (b *Backend) handleDownload(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	parent, i, ok := b.findLocked(r.PathValue("id"))

	var (
		item map[string]any
		data []byte
	)

	if ok {
		item = b.files[parent][i]
		data = b.contents[item["id"].(string)]
	}
	b.mu.Unlock()

	switch {
	case !ok:
		writeError(w, http.StatusNotFound, codeNotFound, "file not found")
	case item["is_dir"] == true:
		writeError(w, http.StatusBadRequest, codeBadRequest, "cannot download a folder")
	default:
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", item["name"]))
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}
}
