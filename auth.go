package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/crdrive/internal/api"
	"github.com/tonimelisma/crdrive/internal/session"
)

// passwordEnv lets scripts supply the password without a prompt.
const passwordEnv = "CRDRIVE_PASSWORD"

func newLoginCmd() *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and share the session with other crdrive processes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			a, err := newApp(cc)
			if err != nil {
				return err
			}
			defer a.Close()

			pw, err := readPassword(cmd, password)
			if err != nil {
				return err
			}

			snap, err := a.store.Login(cmd.Context(), api.Credentials{Email: email, Password: pw})
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}

			cc.Statusf("Signed in as %s.\n", describeUser(snap))

			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password (prompted when omitted)")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

func newRegisterCmd() *cobra.Command {
	var email, name, password string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and sign in",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			a, err := newApp(cc)
			if err != nil {
				return err
			}
			defer a.Close()

			pw, err := readPassword(cmd, password)
			if err != nil {
				return err
			}

			snap, err := a.store.Register(cmd.Context(), api.Registration{Email: email, Name: name, Password: pw})
			if err != nil {
				return fmt.Errorf("registration failed: %w", err)
			}

			cc.Statusf("Account created. Signed in as %s.\n", describeUser(snap))

			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&password, "password", "", "account password (prompted when omitted)")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out here and in every other crdrive process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			a, err := newApp(cc)
			if err != nil {
				return err
			}
			defer a.Close()

			// Pick up the shared session first so the server can revoke it.
			a.restore(cmd.Context())

			if out := a.store.LogoutServer(cmd.Context()); !out.OK() {
				cc.Logger.Warn("server logout failed", slog.String("error", out.Err.Error()))
			}

			cc.Statusf("Signed out.\n")

			return nil
		},
	}
}

// whoamiOutput is the JSON shape of `whoami --json`.
type whoamiOutput struct {
	Authenticated bool      `json:"authenticated"`
	User          *api.User `json:"user,omitempty"`
	Expires       string    `json:"expires,omitempty"`
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			a, err := newApp(cc)
			if err != nil {
				return err
			}
			defer a.Close()

			snap := a.restore(cmd.Context())
			out := cmd.OutOrStdout()

			if cc.Flags.JSON {
				res := whoamiOutput{Authenticated: snap.Authenticated, User: snap.User}
				if !snap.Expiry.IsZero() {
					res.Expires = snap.Expiry.UTC().Format("2006-01-02T15:04:05Z")
				}

				return printJSON(out, res)
			}

			if !snap.Authenticated {
				return errNotLoggedIn
			}

			u := snap.User
			fmt.Fprintf(out, "%s\n", describeUser(snap))
			fmt.Fprintf(out, "Role:    %s\n", u.Role)
			fmt.Fprintf(out, "Storage: %s of %s\n", formatSize(u.StorageUsed), formatQuota(u.StorageLimit))

			if !snap.Expiry.IsZero() {
				fmt.Fprintf(out, "Token:   expires %s\n", formatTime(snap.Expiry))
			}

			return nil
		},
	}
}

// describeUser renders "Name <email>".
func describeUser(snap session.Snapshot) string {
	if snap.User == nil {
		return "unknown user"
	}

	if snap.User.Name == "" {
		return snap.User.Email
	}

	return fmt.Sprintf("%s <%s>", snap.User.Name, snap.User.Email)
}

func formatQuota(limit int64) string {
	if limit <= 0 {
		return "unlimited"
	}

	return formatSize(limit)
}

// readPassword returns the flag value, then $CRDRIVE_PASSWORD, then one
// line read from stdin.
func readPassword(cmd *cobra.Command, flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}

	if env := os.Getenv(passwordEnv); env != "" {
		return env, nil
	}

	fmt.Fprint(cmd.ErrOrStderr(), "Password: ")

	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}

	pw := strings.TrimRight(line, "\r\n")
	if pw == "" {
		return "", errors.New("password is required")
	}

	return pw, nil
}
