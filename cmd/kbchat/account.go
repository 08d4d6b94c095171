package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/csheth/kbchat/internal/api"
	"github.com/csheth/kbchat/internal/auth"
)

func newSignupCmd(opts *rootOptions) *cobra.Command {
	var req api.SignupRequest
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account on the service",
		Long: `signup creates an account. The password is read from --password or, when
that is omitted, from the first line of standard input.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if req.Password == "" {
				fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
				req.Password, err = readLine(cmd.InOrStdin())
				if err != nil {
					return err
				}
			}
			client := api.New(api.Config{
				BaseURL:    cfg.API.URL,
				HTTPClient: &http.Client{Timeout: cfg.API.Timeout},
			})
			return signup(cmd.Context(), client, req, cmd.OutOrStdout())
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&req.Name, "name", "", "display name")
	flags.StringVar(&req.Username, "username", "", "login name")
	flags.StringVar(&req.Email, "email", "", "email address")
	flags.StringVar(&req.Password, "password", "", "password (prompted when omitted)")
	return cmd
}

type signupClient interface {
	Signup(ctx context.Context, req api.SignupRequest) (api.User, error)
}

func signup(ctx context.Context, client signupClient, req api.SignupRequest, out io.Writer) error {
	user, err := client.Signup(ctx, req)
	if err != nil {
		return fmt.Errorf("signup: %w", err)
	}
	fmt.Fprintf(out, "Created account %s. Run kbchat to sign in.\n", user.Username)
	return nil
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func newLogoutCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			store := auth.NewFileStore(cfg.StateDir)
			if err := store.Clear(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Signed out. Removed %s.\n", store.Path())
			return nil
		},
	}
}
