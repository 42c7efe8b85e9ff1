package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/vanpelt/taskhub/internal/config"
	"github.com/vanpelt/taskhub/internal/middleware"
)

var (
	tokenSource string
	tokenTTL    time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "🔑 Mint a hub access token",
	Long: `# 🔑 Token

Signs an HS256 token for the hub with **HUB_AUTH_SECRET** (or **auth_secret** from --config).
Meant for local development and service-to-service calls to the event API.`,
	Example: `  HUB_AUTH_SECRET=change-me taskhub token alice
  HUB_AUTH_SECRET=change-me taskhub token crud-service --source service --ttl 720h`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadHub(configPath)
		if err != nil {
			return fmt.Errorf("load hub config: %w", err)
		}
		if cfg.AuthSecret == "" {
			return fmt.Errorf("HUB_AUTH_SECRET is not set, the hub accepts anonymous clients")
		}

		token, err := middleware.GenerateToken(cfg.AuthSecret, cfg.AuthIssuer, args[0], tokenSource, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVar(&tokenSource, "source", "cli", "Value of the token's source claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
}
