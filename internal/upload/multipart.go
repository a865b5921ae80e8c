package upload

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/crdrive/internal/api"
)

// partSpec locates one part of a multipart upload.
type partSpec struct {
	Number   int
	Offset   int64
	Size     int64
	Key      string
	UploadID string
	PolicyID string
}

// planParts cuts size bytes into chunk-sized parts numbered from 1. An
// empty file still gets one (empty) part.
func planParts(size, chunk int64, sess *api.MultipartSession) []partSpec {
	count := (size + chunk - 1) / chunk
	if count == 0 {
		count = 1
	}

	parts := make([]partSpec, 0, count)

	for i := range count {
		offset := i * chunk
		parts = append(parts, partSpec{
			Number:   int(i) + 1,
			Offset:   offset,
			Size:     min(chunk, size-offset),
			Key:      sess.Key,
			UploadID: sess.UploadID,
			PolicyID: sess.PolicyID,
		})
	}

	return parts
}

// uploadPart signs and uploads one part and returns its completion entry.
func uploadPart(
	ctx context.Context, files FilesAPI, content io.ReaderAt, ps partSpec,
	wrap func(io.Reader) io.Reader, progress api.ProgressFunc,
) (api.CompletedPart, error) {
	auth, err := files.MultipartSign(ctx, api.SignRequest{
		Key:        ps.Key,
		UploadID:   ps.UploadID,
		PartNumber: ps.Number,
		PolicyID:   ps.PolicyID,
	})
	if err != nil {
		return api.CompletedPart{}, err
	}

	var body io.Reader = io.NewSectionReader(content, ps.Offset, ps.Size)
	if wrap != nil {
		body = wrap(body)
	}

	etag, err := files.PutPart(ctx, auth, body, ps.Size, progress)
	if err != nil {
		return api.CompletedPart{}, fmt.Errorf("part %d: %w", ps.Number, err)
	}

	return api.CompletedPart{PartNumber: ps.Number, ETag: etag}, nil
}

// runMultipart drives init → (sign → PUT)* → complete. Any failure after
// init leaves the session open; the caller's failure path aborts it.
func (e *Engine) runMultipart(ctx context.Context, t *task) (*api.FileItem, error) {
	e.setMessage(t, msgInitiating)

	path := ""
	if e.opts.Listing != nil {
		path = e.opts.Listing.PathString()
	}

	sess, err := e.files.MultipartInit(ctx, api.MultipartInitRequest{
		Path:     path,
		Filename: t.file.Name,
		Size:     t.file.Size,
		ParentID: t.ParentID,
		PolicyID: t.PolicyID,
		MimeType: t.file.MimeType,
	})
	if err != nil {
		return nil, err
	}

	if !e.attachSession(t, sess) {
		return nil, context.Canceled
	}

	chunk := sess.ChunkSize
	if chunk <= 0 {
		chunk = e.opts.DefaultChunkSize
	}

	plan := planParts(t.file.Size, chunk, sess)

	e.logger.Info("multipart upload started",
		slog.String("task_id", t.ID),
		slog.Int("parts", len(plan)),
		slog.Int64("chunk_size", chunk),
		slog.String("policy_id", sess.PolicyID),
	)

	var parts []api.CompletedPart
	if e.opts.PartConcurrency > 1 {
		parts, err = e.uploadPartsParallel(ctx, t, plan)
	} else {
		parts, err = e.uploadPartsSequential(ctx, t, plan)
	}

	if err != nil {
		return nil, err
	}

	e.setMessage(t, msgCompleting)

	err = e.files.MultipartComplete(ctx, api.CompleteRequest{
		Key:      sess.Key,
		UploadID: sess.UploadID,
		Parts:    parts,
		ParentID: t.ParentID,
		Filename: t.file.Name,
		Size:     t.file.Size,
		MimeType: t.file.MimeType,
		PolicyID: sess.PolicyID,
	})
	if err != nil {
		return nil, err
	}

	e.closeSession(t)

	if l := e.opts.Listing; l != nil {
		if reloadErr := l.Reload(ctx); reloadErr != nil {
			e.logger.Warn("reloading listing after upload failed", slog.String("error", reloadErr.Error()))
		}
	}

	return nil, nil
}

// attachSession records the open session on the task. It returns false when
// the task was removed meanwhile; the session is then aborted here, since
// Remove found nothing to abort.
func (e *Engine) attachSession(t *task, sess *api.MultipartSession) bool {
	e.mu.Lock()

	t.Multipart = &MultipartState{Key: sess.Key, UploadID: sess.UploadID, PolicyID: sess.PolicyID}
	t.sessionOpen = true

	if !t.removed {
		e.mu.Unlock()
		e.update(t, func(*task) {})

		return true
	}

	claim := t.claimAbortLocked()
	e.mu.Unlock()

	if claim != nil {
		e.abort(context.Background(), claim)
	}

	return false
}

// closeSession marks the session finished so nothing aborts it any more.
func (e *Engine) closeSession(t *task) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t.sessionOpen = false
}

func (e *Engine) uploadPartsSequential(ctx context.Context, t *task, plan []partSpec) ([]api.CompletedPart, error) {
	parts := make([]api.CompletedPart, 0, len(plan))
	wrap := e.opts.Limiter.wrapper(ctx)

	var done int64

	for _, ps := range plan {
		e.setMessage(t, fmt.Sprintf("uploading part %d/%d", ps.Number, len(plan)))

		base := done

		part, err := uploadPart(ctx, e.files, t.file.Content, ps, wrap, func(sent, _ int64) {
			e.progress(t, base+sent)
		})
		e.observePart(err)

		if err != nil {
			return nil, err
		}

		parts = append(parts, part)
		done += ps.Size
		e.progress(t, done)
	}

	return parts, nil
}

// uploadPartsParallel uploads up to PartConcurrency parts at once. The
// completion list is still ordered by part number.
func (e *Engine) uploadPartsParallel(ctx context.Context, t *task, plan []partSpec) ([]api.CompletedPart, error) {
	parts := make([]api.CompletedPart, len(plan))
	sent := make([]int64, len(plan))

	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.PartConcurrency)

	wrap := e.opts.Limiter.wrapper(gctx)

	for i, ps := range plan {
		g.Go(func() error {
			report := func(n int64) {
				mu.Lock()
				sent[i] = n

				var total int64
				for _, v := range sent {
					total += v
				}
				mu.Unlock()

				e.progress(t, total)
			}

			part, err := uploadPart(gctx, e.files, t.file.Content, ps, wrap, func(n, _ int64) { report(n) })
			e.observePart(err)

			if err != nil {
				return err
			}

			parts[i] = part
			report(ps.Size)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return parts, nil
}

func (e *Engine) observePart(err error) {
	if e.opts.Observer != nil {
		e.opts.Observer.ObservePart(err)
	}
}
