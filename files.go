package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/crdrive/internal/api"
	"github.com/tonimelisma/crdrive/internal/listing"
)

func newLsCmd() *cobra.Command {
	var policyID string

	cmd := &cobra.Command{
		Use:   "ls [folder-id]",
		Short: "List a folder (the root when no id is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			a, err := newApp(cc)
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.requireSession(cmd.Context()); err != nil {
				return err
			}

			var folderID string
			if len(args) == 1 {
				folderID = args[0]
			}

			view := listing.New(a.client, cc.Logger)
			if err := view.Fetch(cmd.Context(), folderID, policyID); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if cc.Flags.JSON {
				return printJSON(out, api.FolderPage{Files: view.Files(), Path: view.Path()})
			}

			fmt.Fprintf(out, "/%s\n", view.PathString())

			rows := make([][]string, 0, len(view.Files()))
			for _, f := range view.Files() {
				name, size := f.Name, formatSize(f.Size)
				if f.IsDir {
					name, size = f.Name+"/", "-"
				}

				rows = append(rows, []string{name, size, formatTime(f.UpdatedAt), f.ID})
			}

			printTable(out, []string{"NAME", "SIZE", "MODIFIED", "ID"}, rows)

			return nil
		},
	}

	cmd.Flags().StringVar(&policyID, "policy", "", "list through a specific storage policy")

	return cmd
}

func newPoliciesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "policies",
		Short: "List the storage policies available for uploads",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			a, err := newApp(cc)
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.requireSession(cmd.Context()); err != nil {
				return err
			}

			policies, err := a.client.StoragePolicies(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if cc.Flags.JSON {
				return printJSON(out, policies)
			}

			rows := make([][]string, 0, len(policies))
			for _, p := range policies {
				rows = append(rows, []string{p.ID, p.Name, p.PolicyType, strconv.FormatBool(p.IsDefault)})
			}

			printTable(out, []string{"ID", "NAME", "TYPE", "DEFAULT"}, rows)

			return nil
		},
	}
}

func newMkdirCmd() *cobra.Command {
	var parentID, policyID string

	cmd := &cobra.Command{
		Use:   "mkdir <name>",
		Short: "Create a folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			a, err := newApp(cc)
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.requireSession(cmd.Context()); err != nil {
				return err
			}

			item, err := a.client.CreateDirectory(cmd.Context(), api.CreateDirectoryRequest{
				Name:     args[0],
				ParentID: parentID,
				PolicyID: policyID,
			})
			if err != nil {
				return err
			}

			return printItem(cmd.OutOrStdout(), cc, item)
		},
	}

	cmd.Flags().StringVar(&parentID, "parent", "", "folder id to create in (default: root)")
	cmd.Flags().StringVar(&policyID, "policy", "", "storage policy id for the folder")

	return cmd
}

func newRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "mv <id> <new-name>",
		Aliases: []string{"rename"},
		Short:   "Rename a file or folder",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			a, err := newApp(cc)
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.requireSession(cmd.Context()); err != nil {
				return err
			}

			item, err := a.client.RenameFile(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}

			return printItem(cmd.OutOrStdout(), cc, item)
		},
	}
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>...",
		Short: "Delete files or folders (a folder goes with everything in it)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			a, err := newApp(cc)
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.requireSession(cmd.Context()); err != nil {
				return err
			}

			failed := 0

			for _, id := range args {
				if err := a.client.DeleteFile(cmd.Context(), id); err != nil {
					cc.Statusf("%s: %v\n", id, err)
					failed++

					if api.IsLoginRequired(err) {
						return err
					}

					continue
				}

				cc.Statusf("Deleted %s.\n", id)
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d deletions failed", failed, len(args))
			}

			return nil
		},
	}
}

func newGetCmd() *cobra.Command {
	var parentID string

	cmd := &cobra.Command{
		Use:   "get <id> [destination]",
		Short: "Download a file",
		Long: `Download a file by id. Without a destination the file is saved in the
current directory under its remote name, looked up in --parent (default:
root). A destination of "-" writes to stdout.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			a, err := newApp(cc)
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.requireSession(cmd.Context()); err != nil {
				return err
			}

			ctx := shutdownContext(cmd.Context(), cc.Logger)
			id := args[0]

			var dest string
			if len(args) == 2 {
				dest = args[1]
			} else {
				view := listing.New(a.client, cc.Logger)
				if err := view.Fetch(ctx, parentID, ""); err != nil {
					return err
				}

				item, ok := view.Find(id)
				if !ok {
					return fmt.Errorf("%s is not in folder %q: pass a destination", id, view.PathString())
				}

				if item.IsDir {
					return fmt.Errorf("%s is a folder", item.Name)
				}

				dest = filepath.Base(item.Name)
			}

			progress := downloadProgress(cc)

			if dest == "-" {
				_, err := a.client.DownloadFile(ctx, id, cmd.OutOrStdout(), progress)
				return err
			}

			n, err := downloadTo(dest, func(w io.Writer) (int64, error) {
				return a.client.DownloadFile(ctx, id, w, progress)
			})
			if err != nil {
				return err
			}

			cc.Statusf("Saved %s (%s).\n", dest, formatSize(n))

			return nil
		},
	}

	cmd.Flags().StringVar(&parentID, "parent", "", "folder to look the name up in (default: root)")

	return cmd
}

// downloadTo writes a download to dest through a sibling .partial file, so
// an interrupted transfer never leaves a truncated file under the real name.
func downloadTo(dest string, fetch func(io.Writer) (int64, error)) (int64, error) {
	partial := dest + ".partial"

	f, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("creating %s: %w", partial, err)
	}

	n, err := fetch(f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		return n, errors.Join(err, os.Remove(partial))
	}

	if err := os.Rename(partial, dest); err != nil {
		return n, fmt.Errorf("saving %s: %w", dest, err)
	}

	return n, nil
}

// downloadProgress returns a live progress line writer for terminals.
func downloadProgress(cc *CLIContext) api.ProgressFunc {
	live := liveWriter(cc)
	if live == nil {
		return nil
	}

	return func(sent, total int64) {
		if total < 0 {
			fmt.Fprintf(live, "\r\033[K%s", formatSize(sent))
			return
		}

		fmt.Fprintf(live, "\r\033[K%s of %s", formatSize(sent), formatSize(total))

		if sent >= total {
			fmt.Fprint(live, "\r\033[K")
		}
	}
}

// printItem prints one file record as a single row, or as JSON.
func printItem(out io.Writer, cc *CLIContext, item *api.FileItem) error {
	if cc.Flags.JSON {
		return printJSON(out, item)
	}

	name := item.Name
	if item.IsDir {
		name += "/"
	}

	fmt.Fprintf(out, "%s  %s\n", name, item.ID)

	return nil
}
