package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/kiranshivaraju/vidscan/internal/api/handler"
	"github.com/kiranshivaraju/vidscan/internal/config"
	"github.com/kiranshivaraju/vidscan/internal/store"
	"github.com/kiranshivaraju/vidscan/pkg/models"
	"github.com/spf13/cobra"
)

// keyIssuer is the part of the store used to mint the first admin key.
type keyIssuer interface {
	GetDefaultTenant(ctx context.Context) (*models.Tenant, error)
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
}

func (a *app) adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage API keys",
	}
	cmd.AddCommand(a.keysCmd(), bootstrapCmd())
	return cmd
}

func (a *app) keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Create, list and revoke API keys (admin scope)",
	}

	var scopes []string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an API key",
		Long: `Create an API key for your tenant. The raw key is printed once.

Examples:
  vidscan admin keys create ci --scope read --scope write`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := a.client.CreateKey(cmd.Context(), args[0], scopes)
			if err != nil {
				return fmt.Errorf("create key: %w", err)
			}
			printNewKey(cmd.OutOrStdout(), key.ID, key.Name, key.Key, key.Scopes)
			return nil
		},
	}
	create.Flags().StringSliceVar(&scopes, "scope", nil, "scopes to grant (read, write, admin); default read,write")

	list := &cobra.Command{
		Use:   "list",
		Short: "List active API keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			keys, err := a.client.ListKeys(cmd.Context())
			if err != nil {
				return fmt.Errorf("list keys: %w", err)
			}
			if len(keys) == 0 {
				fmt.Fprintln(out, "No keys found")
				return nil
			}

			fmt.Fprintf(out, "%-36s %-16s %-10s %-18s %s\n", "ID", "NAME", "PREFIX", "SCOPES", "LAST USED")
			fmt.Fprintln(out, "--------------------------------------------------------------------------------------------")
			for _, k := range keys {
				lastUsed := "never"
				if k.LastUsedAt != nil {
					lastUsed = k.LastUsedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(out, "%-36s %-16s %-10s %-18s %s\n", k.ID, k.Name, k.KeyPrefix, strings.Join(k.Scopes, ","), lastUsed)
			}
			return nil
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.client.RevokeKey(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("revoke key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked key %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(create, list, revoke)
	return cmd
}

func bootstrapCmd() *cobra.Command {
	var (
		databaseURL   string
		migrationsDir string
		name          string
	)

	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Create the first admin key directly in the database",
		Long: `Create an admin API key for the default tenant by connecting straight to
Postgres. Use it once after deployment; further keys can be issued with
"vidscan admin keys create".

Examples:
  DATABASE_URL=postgres://... vidscan admin bootstrap --name ops`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if databaseURL == "" {
				return fmt.Errorf("--database-url or DATABASE_URL is required")
			}
			ctx := cmd.Context()

			pool, err := store.Connect(ctx, config.DatabaseConfig{
				URL:             databaseURL,
				MaxOpenConns:    2,
				MaxIdleConns:    0,
				ConnMaxLifetime: time.Minute,
			})
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer pool.Close()

			if err := store.RunMigrations(databaseURL, migrationsDir); err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}

			key, raw, err := bootstrapKey(ctx, store.NewPostgresStore(pool), name)
			if err != nil {
				return err
			}
			printNewKey(cmd.OutOrStdout(), key.ID.String(), key.Name, raw, key.Scopes)
			return nil
		},
	}

	cmd.Flags().StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres URL (default $DATABASE_URL)")
	cmd.Flags().StringVar(&migrationsDir, "migrations", "migrations", "migrations directory")
	cmd.Flags().StringVar(&name, "name", "admin", "key name")
	return cmd
}

// bootstrapKey mints a key with every scope for the default tenant.
func bootstrapKey(ctx context.Context, s keyIssuer, name string) (*models.APIKey, string, error) {
	tenant, err := s.GetDefaultTenant(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("get default tenant: %w", err)
	}

	key, raw, err := handler.GenerateAPIKey(tenant.ID, name,
		[]string{models.ScopeRead, models.ScopeWrite, models.ScopeAdmin})
	if err != nil {
		return nil, "", err
	}
	if err := s.CreateAPIKey(ctx, key); err != nil {
		return nil, "", fmt.Errorf("store key: %w", err)
	}
	return key, raw, nil
}

func printNewKey(w io.Writer, id, name, raw string, scopes []string) {
	fmt.Fprintf(w, "Created key %q (%s)\n", name, id)
	fmt.Fprintf(w, "Scopes: %s\n\n", strings.Join(scopes, ","))
	fmt.Fprintf(w, "  %s\n\n", raw)
	fmt.Fprintln(w, "Store this key now; it cannot be shown again.")
}
