package upload

import (
	"context"

	"github.com/tonimelisma/crdrive/internal/api"
)

// runDirect uploads the whole file in one form POST. On success the new
// record joins the listing, but only when that folder is on display.
func (e *Engine) runDirect(ctx context.Context, t *task) (*api.FileItem, error) {
	item, err := e.files.UploadFile(ctx, api.DirectUpload{
		Name:     t.file.Name,
		MimeType: t.file.MimeType,
		Size:     t.file.Size,
		Content:  t.file.Content,
		ParentID: t.ParentID,
		PolicyID: t.PolicyID,
		Wrap:     e.opts.Limiter.wrapper(ctx),
	}, func(sent, _ int64) {
		e.progress(t, sent)
	})
	if err != nil {
		return nil, err
	}

	if l := e.opts.Listing; l != nil && l.Folder() == t.ParentID {
		l.Merge(*item)
	}

	return item, nil
}
