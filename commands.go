package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/go-authgate/storefront-cli/api"
	"github.com/go-authgate/storefront-cli/session"
)

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.session.ClearTokens(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Signed out of profile %s.\n", a.cfg.Profile)
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			if !a.session.IsAuthenticated() {
				fmt.Fprintf(out, "Not signed in (profile %s).\n", a.cfg.Profile)
				return nil
			}

			fmt.Fprintf(out, "Signed in (profile %s).\n", a.cfg.Profile)
			fmt.Fprintf(out, "Access Token: %s\n", session.Preview(a.session.AccessToken()))
			if a.session.RefreshToken() != "" {
				fmt.Fprintln(out, "Refresh Token: stored")
			}

			claims, err := a.session.Inspect()
			if err != nil {
				// Opaque tokens carry nothing more to show.
				return nil
			}
			if claims.Subject != "" {
				fmt.Fprintf(out, "Subject: %s\n", claims.Subject)
			}
			if claims.Issuer != "" {
				fmt.Fprintf(out, "Issuer: %s\n", claims.Issuer)
			}
			if !claims.ExpiresAt.IsZero() {
				if claims.Expired(time.Now()) {
					fmt.Fprintf(out, "Expires: %s (expired)\n", claims.ExpiresAt.Format(time.RFC3339))
				} else {
					fmt.Fprintf(out, "Expires: %s (in %s)\n",
						claims.ExpiresAt.Format(time.RFC3339),
						time.Until(claims.ExpiresAt).Round(time.Second))
				}
			}
			return nil
		},
	}
}

var methods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

func newRequestCmd() *cobra.Command {
	var (
		data     string
		query    []string
		skipAuth bool
	)

	cmd := &cobra.Command{
		Use:   "request METHOD PATH",
		Short: "Call a customer API endpoint and print the response envelope",
		Example: `  storefront-cli request GET /profile
  storefront-cli request POST /cart/items --data '{"productId":"p-1","quantity":2}'
  storefront-cli request GET /orders --query page=2 --query limit=20`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			method := strings.ToUpper(args[0])
			if !methods[method] {
				return fmt.Errorf("unsupported method %q", args[0])
			}

			var body any
			if data != "" {
				if !json.Valid([]byte(data)) {
					return errors.New("--data must be valid JSON")
				}
				body = json.RawMessage(data)
			}

			var opts []api.CallOption
			for _, kv := range query {
				key, value, ok := strings.Cut(kv, "=")
				if !ok || key == "" {
					return fmt.Errorf("invalid --query %q, want key=value", kv)
				}
				opts = append(opts, api.WithQuery(key, value))
			}
			if skipAuth {
				opts = append(opts, api.SkipAuth())
			}

			a, err := setup(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()

			env, err := a.client.Do(cmd.Context(), method, args[1], body, opts...)
			if err != nil {
				if api.IsUnauthorized(err) {
					fmt.Fprintln(cmd.ErrOrStderr(), "Session expired. Please sign in again.")
				}
				return err
			}

			out, err := json.MarshalIndent(env, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode response: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))

			if !env.Success {
				msg := env.Text()
				if msg == "" {
					msg = api.FallbackMessage
				}
				return fmt.Errorf("request rejected: %s", msg)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "JSON request body")
	cmd.Flags().StringArrayVar(&query, "query", nil, "Query parameter as key=value (repeatable)")
	cmd.Flags().BoolVar(&skipAuth, "skip-auth", false, "Send without the bearer token")
	return cmd
}
