package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jordanhubbard/converge/internal/auth"
)

// --- Auth commands ---

func newAuthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage API credentials",
	}
	cmd.AddCommand(newAuthTokenCommand())
	cmd.AddCommand(newAuthLoginCommand())
	cmd.AddCommand(newAuthHashKeyCommand())
	return cmd
}

func newAuthTokenCommand() *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token locally with the server's JWT secret",
		Long: `token signs a bearer token with the secret from CONVERGE_JWT_SECRET, or
prompts for it when the variable is unset.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := readSecret(cmd, "CONVERGE_JWT_SECRET", "JWT secret: ")
			if err != nil {
				return err
			}
			signed, err := auth.SignToken([]byte(secret), subject, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "Token subject")
	cmd.Flags().StringVar(&role, "role", "operator", "Token role")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

func newAuthLoginCommand() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Exchange an API key for a bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiKey == "" {
				key, err := readSecret(cmd, "CONVERGE_API_KEY", "API key: ")
				if err != nil {
					return err
				}
				apiKey = key
			}
			body := auth.TokenRequest{Subject: subject, TTLSeconds: int64(ttl.Seconds())}
			data, err := newClient().post(cmd.Context(), "/api/v1/auth/token", body)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (server default when zero)")
	return cmd
}

func newAuthHashKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key [key]",
		Short: "Print the bcrypt hash of an API key for security.api_key_hashes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var key string
			if len(args) == 1 {
				key = args[0]
			} else {
				k, err := readSecret(cmd, "", "API key: ")
				if err != nil {
					return err
				}
				key = k
			}
			hash, err := auth.HashAPIKey(key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

// readSecret returns envVar when set. Otherwise it prompts without echo on a
// terminal, or reads one line from non-terminal input.
func readSecret(cmd *cobra.Command, envVar, prompt string) (string, error) {
	if envVar != "" {
		if v := os.Getenv(envVar); v != "" {
			return v, nil
		}
	}

	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), prompt)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("failed to read secret: %w", err)
		}
		return validSecret(string(b))
	}

	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	return validSecret(line)
}

func validSecret(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.New("secret must not be empty")
	}
	return s, nil
}
