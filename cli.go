package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/khabaroff/gatekeeper/src/config"
	"github.com/khabaroff/gatekeeper/src/logging"
	"github.com/khabaroff/gatekeeper/src/models"
	"github.com/khabaroff/gatekeeper/src/services"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gatekeeper",
		Short: "Request security gateway",
		Long: `gatekeeper authenticates API keys and sessions, verifies signed requests,
enforces rate limits and login lockouts, and validates uploads in front of
protected HTTP routes.

Configuration is read from the environment (see DATABASE_URL, REDIS_URL,
ENCRYPTION_KEY, JWT_SECRET and POLICY_FILE).`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve,
	}

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newKeyCmd())
	cmd.AddCommand(newAccountCmd())

	return cmd
}

// loadConfig reads the environment and initializes structured logging
func loadConfig() *config.Config {
	cfg := config.Load()
	logging.Setup(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	return cfg
}

// validConfig loads and validates configuration
func validConfig() (*config.Config, error) {
	cfg := loadConfig()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway (default)",
		RunE:  serve,
	}
}

func serve(cmd *cobra.Command, _ []string) error {
	cfg, err := validConfig()
	if err != nil {
		return err
	}
	log.Info().
		Int("port", cfg.Port).
		Str("log_level", cfg.LogLevel).
		Str("version", version).
		Msg("starting server")
	return runServe(cmd.Context(), cfg)
}

// withKeyService opens the configured stores for a one-shot CLI command
func withKeyService(ctx context.Context, fn func(*services.KeyService) error) error {
	cfg, err := validConfig()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required: in-memory keys do not outlive this command")
	}
	if cfg.EncryptionKeyGenerated {
		return errors.New("ENCRYPTION_KEY is required to manage keys")
	}

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	enc, err := services.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}
	// servers re-read revocation on every request, so a revoke here applies at once
	ks := services.NewKeyService(st.keys, enc, services.NewLogSink(), services.KeyServiceConfig{
		StoreTimeout: cfg.KeyStoreTimeout,
	})
	return fn(ks)
}

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
		Long:    "Create, list, and revoke API keys. The plaintext key is shown once and cannot be retrieved again.",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyRevokeCmd())

	return cmd
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		owner     string
		name      string
		scopes    []string
		rateLimit int
		ttl       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Example: `  gatekeeper key create --owner alice --scope read --scope write
  gatekeeper key create --owner ci --name "deploy bot" --scope write --rate-limit 600 --ttl 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := services.NewKeyRequest{
				Owner:     owner,
				Name:      name,
				RateLimit: rateLimit,
				TTL:       ttl,
			}
			for _, s := range scopes {
				req.Scopes = append(req.Scopes, models.Scope(strings.ToLower(strings.TrimSpace(s))))
			}

			return withKeyService(cmd.Context(), func(ks *services.KeyService) error {
				key, plaintext, err := ks.CreateKey(cmd.Context(), req)
				if err != nil {
					return fmt.Errorf("create api key: %w", err)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintln(out, "API Key created:")
				fmt.Fprintln(out)
				fmt.Fprintf(out, "  Key:    %s\n", plaintext)
				fmt.Fprintf(out, "  ID:     %s\n", key.ID)
				fmt.Fprintf(out, "  Owner:  %s\n", key.Owner)
				fmt.Fprintf(out, "  Scopes: %s\n", joinScopes(key.Scopes))
				if key.ExpiresAt != nil {
					fmt.Fprintf(out, "  Expiry: %s\n", key.ExpiresAt.Format(time.RFC3339))
				}
				fmt.Fprintln(out)
				fmt.Fprintln(out, "  Save this key now - it cannot be retrieved again.")
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner of the key (required)")
	cmd.Flags().StringVar(&name, "name", "", "Human-readable label for the key")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "Scope to grant: read, write or admin (repeatable)")
	cmd.Flags().IntVar(&rateLimit, "rate-limit", 0, "Requests per window; 0 uses the scope or default quota")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Key lifetime; 0 never expires")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("scope")

	return cmd
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeyService(cmd.Context(), func(ks *services.KeyService) error {
				keys, err := ks.ListKeys(cmd.Context(), owner)
				if err != nil {
					return fmt.Errorf("list api keys: %w", err)
				}
				if len(keys) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No API keys found.")
					return nil
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tOWNER\tNAME\tSCOPES\tSTATUS\tCREATED")
				now := time.Now()
				for _, k := range keys {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
						k.ID, k.Owner, k.Name, joinScopes(k.Scopes), keyStatus(k, now), k.CreatedAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Only list keys of this owner")
	return cmd
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeyService(cmd.Context(), func(ks *services.KeyService) error {
				if err := ks.RevokeKey(cmd.Context(), args[0]); err != nil {
					return fmt.Errorf("revoke api key: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "API key %s revoked.\n", args[0])
				return nil
			})
		},
	}
}

// ---------- account create ----------

func newAccountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage interactive accounts",
	}

	var admin bool
	create := &cobra.Command{
		Use:   "create <username>",
		Short: "Create an account; the password is read from GATEKEEPER_PASSWORD",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password := os.Getenv("GATEKEEPER_PASSWORD")
			if password == "" {
				return errors.New("GATEKEEPER_PASSWORD must be set")
			}
			cfg, err := validConfig()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required: in-memory accounts do not outlive this command")
			}

			st, err := openStores(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			account, err := services.NewAccountService(st.accounts).CreateAccount(cmd.Context(), args[0], password, admin)
			if err != nil {
				return fmt.Errorf("create account: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Account %s created (admin: %t).\n", account.Username, account.IsAdmin)
			return nil
		},
	}
	create.Flags().BoolVar(&admin, "admin", false, "Grant admin rights")

	cmd.AddCommand(create)
	return cmd
}

func joinScopes(scopes []models.Scope) string {
	parts := make([]string, len(scopes))
	for i, s := range scopes {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}

func keyStatus(k *models.APIKey, now time.Time) string {
	switch {
	case k.IsRevoked():
		return "revoked"
	case k.IsExpired(now):
		return "expired"
	default:
		return "active"
	}
}
