package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"
	"pkt.systems/rentd"
	"pkt.systems/rentd/internal/inventory"
)

// newAccountsCommand manages the credential pool directly against the
// configured store, without a running server.
func newAccountsCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage the credential pool",
	}
	cmd.AddCommand(newAccountsAddCommand(baseLogger))
	cmd.AddCommand(newAccountsListCommand(baseLogger))
	return cmd
}

func storeConfig() (rentd.Config, error) {
	var cfg rentd.Config
	if _, err := loadConfigFile(); err != nil {
		return cfg, err
	}
	cfg.Store = viper.GetString("store")
	cfg.S3Endpoint = viper.GetString("s3-endpoint")
	cfg.S3Region = viper.GetString("s3-region")
	cfg.S3AccessKey = viper.GetString("s3-access-key")
	cfg.S3SecretKey = viper.GetString("s3-secret-key")
	cfg.S3Insecure = viper.GetBool("s3-insecure")
	cfg.S3ForcePathStyle = viper.GetBool("s3-path-style")
	return cfg, cfg.Validate()
}

func openPool(ctx context.Context, logger pslog.Logger) (*inventory.Store, inventory.Backend, error) {
	cfg, err := storeConfig()
	if err != nil {
		return nil, nil, err
	}
	backend, err := rentd.OpenBackend(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	store, err := inventory.NewStore(ctx, backend, logger)
	if err != nil {
		_ = backend.Close()
		return nil, nil, err
	}
	return store, backend, nil
}

func newAccountsAddCommand(baseLogger pslog.Logger) *cobra.Command {
	var (
		login       string
		secret      string
		guardHandle string
		games       []string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a credential to the pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if strings.TrimSpace(login) == "" || strings.TrimSpace(secret) == "" {
				return fmt.Errorf("--login and --secret are required")
			}
			store, backend, err := openPool(cmd.Context(), baseLogger)
			if err != nil {
				return err
			}
			defer backend.Close()
			err = store.Add(cmd.Context(), inventory.Credential{
				Login:       login,
				Secret:      secret,
				GuardHandle: guardHandle,
				Games:       games,
				Status:      inventory.StatusFree,
			})
			if errors.Is(err, inventory.ErrExists) {
				return fmt.Errorf("account %q already exists in the pool", login)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", login)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&login, "login", "", "account login")
	flags.StringVar(&secret, "secret", "", "account secret")
	flags.StringVar(&guardHandle, "guard-handle", "", "two-factor handle used by the guard code source")
	flags.StringSliceVar(&games, "games", nil, "games available on the account")
	return cmd
}

func newAccountsListCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List credentials and their rental status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			store, backend, err := openPool(cmd.Context(), baseLogger)
			if err != nil {
				return err
			}
			defer backend.Close()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "LOGIN\tSTATUS\tGAMES")
			for _, cred := range store.List() {
				fmt.Fprintf(w, "%s\t%s\t%s\n", cred.Login, cred.Status, strings.Join(cred.Games, ", "))
			}
			return w.Flush()
		},
	}
	return cmd
}
