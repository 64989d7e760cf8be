package cmd

import (
	"fmt"

	"github.com/anaphygon/askgate/internal/config"
	"github.com/anaphygon/askgate/internal/logger"
	"github.com/anaphygon/askgate/internal/oauth"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var geminiCmd = &cobra.Command{
	Use:   "gemini",
	Short: "Gemini provider utilities",
}

var geminiLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authorize Gemini access with Google OAuth and print the refresh token",
	Args:  cobra.NoArgs,
	RunE:  runGeminiLogin,
}

func init() {
	rootCmd.AddCommand(geminiCmd)
	geminiCmd.AddCommand(geminiLoginCmd)
}

func runGeminiLogin(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.NewDevelopment()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	o := cfg.Gemini.OAuth
	log.Info("Starting OAuth login flow...", zap.Int("callback_port", o.CallbackPort))
	log.Info("Press Ctrl+C to cancel")

	flow := oauth.NewLoginFlow(oauth.Config{
		ClientID:     o.ClientID,
		ClientSecret: o.ClientSecret,
	}, o.CallbackPort, log)

	token, err := flow.Run(cmd.Context())
	if err != nil {
		log.Error("OAuth login failed", zap.Error(err))
		return err
	}
	if token.RefreshToken == "" {
		return fmt.Errorf("authorization server returned no refresh token")
	}

	log.Info("OAuth login successful", zap.Time("access_token_expiry", token.Expiry))

	fmt.Println("\nLogin successful!")
	fmt.Println("Store the refresh token in the environment, it is never written to config.yaml:")
	fmt.Printf("\n   ASKGATE_GEMINI_OAUTH_REFRESH_TOKEN=%s\n\n", token.RefreshToken)
	return nil
}
