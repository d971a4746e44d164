package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"crewline/internal/app"
)

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP API",
	}
	cmd.AddCommand(apiKeyCreateCmd(), apiKeyListCmd(), apiKeyRevokeCmd())
	return cmd
}

func apiKeyCreateCmd() *cobra.Command {
	var subject, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the plain key is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				key, plain, err := env.Engine.Repo.CreateAPIKey(ctx, subject, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "subject": key.Subject, "name": key.Name, "key": plain})
				}
				fmt.Printf("Created API key %s for %s\n", key.ID, key.Subject)
				fmt.Println(plain)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "local-user", "subject the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				keys, err := env.Engine.Repo.ListAPIKeys(ctx, subject)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				if len(keys) == 0 {
					fmt.Println("No API keys.")
					return nil
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Subject", "Name", "Created", "Last used"})
				for _, k := range keys {
					lastUsed := k.LastUsedAt
					if lastUsed == "" {
						lastUsed = "never"
					}
					tw.AppendRow(table.Row{k.ID, k.Subject, k.Name, k.CreatedAt, lastUsed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "only keys of this subject")
	return cmd
}

func apiKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				if err := env.Engine.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Revoked API key %s\n", args[0])
				return nil
			})
		},
	}
}
