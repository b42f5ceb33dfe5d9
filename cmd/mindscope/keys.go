package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mindscope/internal/apikey"
	"github.com/kiranshivaraju/mindscope/internal/config"
	"github.com/kiranshivaraju/mindscope/internal/store"
	"github.com/spf13/cobra"
)

// withStore opens the ledger database named by DATABASE_URL for fn.
func withStore(cmd *cobra.Command, fn func(store.Store) error) error {
	cfg := config.FromEnv()
	if cfg.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	pool, err := store.Connect(cmd.Context(), cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	return fn(store.NewPostgresStore(pool))
}

func newKeysCommand() *cobra.Command {
	keys := &cobra.Command{
		Use:   "keys",
		Short: "Manage gateway API keys",
	}

	var userID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the raw key is printed once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, key, err := apikey.Generate(userID, name, 0)
			if err != nil {
				return err
			}
			return withStore(cmd, func(s store.Store) error {
				if err := s.CreateAPIKey(cmd.Context(), key); err != nil {
					return fmt.Errorf("storing api key: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "id:  %s\nkey: %s\n", key.ID, raw)
				return nil
			})
		},
	}
	create.Flags().StringVar(&userID, "user", "", "owner of the key")
	create.Flags().StringVar(&name, "name", "", "label for the key")
	_ = create.MarkFlagRequired("user")

	var listUser string
	list := &cobra.Command{
		Use:   "list",
		Short: "List a user's active API keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(s store.Store) error {
				ks, err := s.ListAPIKeys(cmd.Context(), listUser)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tPREFIX\tCREATED\tLAST USED")
				for _, k := range ks {
					last := "never"
					if k.LastUsedAt != nil {
						last = k.LastUsedAt.Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", k.ID, k.Name, k.KeyPrefix, k.CreatedAt.Format(time.RFC3339), last)
				}
				return tw.Flush()
			})
		},
	}
	list.Flags().StringVar(&listUser, "user", "", "owner of the keys")
	_ = list.MarkFlagRequired("user")

	var revokeUser string
	revoke := &cobra.Command{
		Use:   "revoke KEY_ID",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid key id %q: %w", args[0], err)
			}
			return withStore(cmd, func(s store.Store) error {
				if err := s.RevokeAPIKey(cmd.Context(), id, revokeUser); err != nil {
					return fmt.Errorf("revoking api key: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", id)
				return nil
			})
		},
	}
	revoke.Flags().StringVar(&revokeUser, "user", "", "owner of the key")
	_ = revoke.MarkFlagRequired("user")

	keys.AddCommand(create, list, revoke)
	return keys
}
