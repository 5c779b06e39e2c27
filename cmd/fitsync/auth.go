package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/fitsync/internal/providers/strava"
	"github.com/BadgerOps/fitsync/internal/source"
)

var (
	authSource string
	authCode   string
)

func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authorize access to provider accounts",
	}
	cmd.AddCommand(newAuthStravaCmd())
	return cmd
}

func newAuthStravaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "strava",
		Short: "Run the Strava authorization-code flow",
		Long: `Without --code, print the Strava consent URL for the source. After approving
access, Strava redirects to the configured redirect URI with a code
parameter; pass it with --code to exchange it for tokens. The refresh token
is stored in the source settings.

When the server is running, /auth/strava/authorize does both steps in the
browser instead.`,
		Example: `  fitsync auth strava --source strava-main
  fitsync auth strava --source strava-main --code 3f2a...`,
		RunE: authStravaRun,
	}

	cmd.Flags().StringVar(&authSource, "source", "", "Strava source id (optional when only one is configured)")
	cmd.Flags().StringVar(&authCode, "code", "", "authorization code returned by Strava")

	return cmd
}

func authStravaRun(cmd *cobra.Command, args []string) error {
	if globalRegistry == nil {
		return fmt.Errorf("sync engine not initialized")
	}

	id := authSource
	if id == "" {
		for _, cfg := range globalRegistry.Configs() {
			if cfg.Type != strava.Type {
				continue
			}
			if id != "" {
				return fmt.Errorf("several strava sources configured; pass --source")
			}
			id = cfg.ID
		}
		if id == "" {
			return fmt.Errorf("no strava source configured")
		}
	}

	ds, ok := globalRegistry.Get(id)
	if !ok || ds.Type() != strava.Type {
		return fmt.Errorf("unknown strava source: %s", id)
	}
	if v, ok := ds.(source.Validator); ok {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	az, ok := ds.(source.Authorizer)
	if !ok {
		return fmt.Errorf("source %s does not support authorization", id)
	}

	if authCode == "" {
		fmt.Println("Open this URL, approve access, then rerun with --code:")
		fmt.Println(az.AuthCodeURL(id))
		return nil
	}

	tok, err := az.ExchangeCode(cmd.Context(), authCode)
	if err != nil {
		return fmt.Errorf("code exchange failed: %w", err)
	}
	fmt.Printf("%s authorized (%s)\n", id, tok)
	return nil
}
