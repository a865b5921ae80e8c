package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/crdrive/internal/listing"
	"github.com/tonimelisma/crdrive/internal/upload"
)

func newUploadCmd() *cobra.Command {
	var parentID, policyID string

	cmd := &cobra.Command{
		Use:   "upload <file>...",
		Short: "Upload files into a folder",
		Long: `Upload local files. Files at or above [upload] multipart_threshold are
sent in parts through pre-signed storage URLs; smaller files go in one request.
Interrupting the command cancels running uploads and releases their remote
multipart sessions.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpload(cmd, args, parentID, policyID)
		},
	}

	cmd.Flags().StringVar(&parentID, "parent", "", "destination folder id (root when empty)")
	cmd.Flags().StringVar(&policyID, "policy", "", "storage policy id (the account default when empty)")

	return cmd
}

func runUpload(cmd *cobra.Command, paths []string, parentID, policyID string) error {
	cc := mustCLIContext(cmd.Context())

	a, err := newApp(cc)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.requireSession(cmd.Context()); err != nil {
		return err
	}

	view := listing.New(a.client, cc.Logger)
	if err := view.Fetch(cmd.Context(), parentID, policyID); err != nil {
		return err
	}

	var recorder upload.Recorder

	if h, err := a.openHistory(cmd.Context()); err != nil {
		cc.Logger.Warn("upload history unavailable", slog.String("error", err.Error()))
	} else {
		recorder = h
	}

	engine := a.newEngine(view, recorder)
	defer engine.Close()

	if live := liveWriter(cc); live != nil {
		unsubscribe := engine.Subscribe(func(t upload.Task) {
			if t.Done() {
				fmt.Fprint(live, "\r\033[K")
				return
			}

			fmt.Fprintf(live, "\r\033[K%s", progressLine(t))
		})
		defer unsubscribe()
	}

	ids := make([]string, 0, len(paths))
	failed := 0

	for _, p := range paths {
		file, closer, err := upload.OpenFile(p)
		if err != nil {
			cc.Statusf("%v\n", err)
			failed++

			continue
		}
		defer closer.Close()

		ids = append(ids, engine.Submit(file, parentID, policyID))
	}

	ctx := shutdownContext(cmd.Context(), cc.Logger)
	results, err := waitTasks(ctx, engine, ids)

	out := cmd.OutOrStdout()
	for _, t := range results {
		if t.Status != upload.StatusCompleted {
			failed++
		}

		if !cc.Flags.JSON {
			fmt.Fprintln(out, progressLine(t))
		}
	}

	if cc.Flags.JSON {
		if jerr := printJSON(out, results); jerr != nil {
			return jerr
		}
	}

	if err != nil {
		return err
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d uploads failed", failed, len(paths))
	}

	return nil
}

// waitTasks collects the final snapshot of every task. When ctx ends the
// remaining tasks are canceled, which aborts their multipart sessions.
func waitTasks(ctx context.Context, engine *upload.Engine, ids []string) ([]upload.Task, error) {
	results := make([]upload.Task, 0, len(ids))

	for _, id := range ids {
		t, err := engine.Wait(ctx, id)
		if err == nil {
			results = append(results, t)
			continue
		}

		if errors.Is(err, upload.ErrTaskNotFound) {
			continue
		}

		engine.Close()

		return results, fmt.Errorf("upload interrupted: %w", context.Cause(ctx))
	}

	return results, nil
}

// liveWriter returns stderr when a live progress line makes sense.
func liveWriter(cc *CLIContext) io.Writer {
	if cc.Flags.Quiet || cc.Flags.JSON {
		return nil
	}

	f, ok := cc.Stderr.(*os.File)
	if !ok || !isatty.IsTerminal(f.Fd()) {
		return nil
	}

	return f
}
