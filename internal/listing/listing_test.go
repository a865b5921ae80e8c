package listing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/crdrive/internal/api"
	"github.com/tonimelisma/crdrive/internal/upload"
)

var (
	_ upload.Listing = (*View)(nil)
	_ Lister         = (*api.Client)(nil)
)

type fakeLister struct {
	pages map[string]*api.FolderPage
	calls []string
	err   error
}

func (f *fakeLister) ListFiles(_ context.Context, parentID, _ string) (*api.FolderPage, error) {
	f.calls = append(f.calls, parentID)

	if f.err != nil {
		return nil, f.err
	}

	return f.pages[parentID], nil
}

func newFake() *fakeLister {
	return &fakeLister{pages: map[string]*api.FolderPage{
		"": {Files: []api.FileItem{{ID: "d1", Name: "docs", IsDir: true}}},
		"d2": {
			Files: []api.FileItem{{ID: "f1", Name: "a.txt"}},
			Path:  []api.PathItem{{ID: "d1", Name: "docs"}, {ID: "d2", Name: "reports"}},
		},
	}}
}

func TestFetch_Root(t *testing.T) {
	v := New(newFake(), nil)

	require.NoError(t, v.Fetch(context.Background(), "", ""))

	assert.Equal(t, "", v.Folder())
	assert.Equal(t, "", v.PathString())
	require.Len(t, v.Files(), 1)
	assert.Equal(t, "docs", v.Files()[0].Name)
}

func TestFetch_NestedPath(t *testing.T) {
	v := New(newFake(), nil)

	require.NoError(t, v.Fetch(context.Background(), "d2", ""))

	assert.Equal(t, "d2", v.Folder())
	assert.Equal(t, "docs/reports", v.PathString())
	assert.Len(t, v.Path(), 2)
}

func TestFetch_ErrorKeepsContents(t *testing.T) {
	lister := newFake()
	v := New(lister, nil)
	require.NoError(t, v.Fetch(context.Background(), "d2", ""))

	lister.err = errors.New("offline")

	err := v.Fetch(context.Background(), "", "")
	require.Error(t, err)
	assert.Equal(t, "d2", v.Folder())
	assert.Len(t, v.Files(), 1)
}

func TestReload_SameFolder(t *testing.T) {
	lister := newFake()
	v := New(lister, nil)
	require.NoError(t, v.Fetch(context.Background(), "d2", ""))

	require.NoError(t, v.Reload(context.Background()))

	assert.Equal(t, []string{"d2", "d2"}, lister.calls)
}

func TestMerge(t *testing.T) {
	v := New(newFake(), nil)
	require.NoError(t, v.Fetch(context.Background(), "d2", ""))

	v.Merge(api.FileItem{ID: "f2", Name: "b.txt"})
	v.Merge(api.FileItem{ID: "f1", Name: "a-renamed.txt"})

	files := v.Files()
	require.Len(t, files, 2)
	assert.Equal(t, "a-renamed.txt", files[0].Name)
	assert.Equal(t, "b.txt", files[1].Name)
}

func TestFind(t *testing.T) {
	v := New(newFake(), nil)
	require.NoError(t, v.Fetch(context.Background(), "", ""))

	files := v.Files()
	require.NotEmpty(t, files)

	got, ok := v.Find(files[0].ID)
	assert.True(t, ok)
	assert.Equal(t, files[0].Name, got.Name)

	_, ok = v.Find("nope")
	assert.False(t, ok)
}

func TestFiles_ReturnsCopy(t *testing.T) {
	v := New(newFake(), nil)
	require.NoError(t, v.Fetch(context.Background(), "", ""))

	files := v.Files()
	files[0].Name = "mutated"

	assert.Equal(t, "docs", v.Files()[0].Name)
}
