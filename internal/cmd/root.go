package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	Version   string
	BuildTime string
	cfgFile   string
	envFile   string
)

var rootCmd = &cobra.Command{
	Use:   "askgate",
	Short: "Rate-limited question answering gateway in front of Gemini",
	Long: `askgate serves a chat API backed by Google Gemini, with per-client
rate limiting, daily per-user quotas, a response cache and a keyword
fallback when the model is unavailable.`,
	SilenceUsage: true,
	RunE:         runServe, // no subcommand starts the server
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	rootCmd.PersistentFlags().String("data-dir", "./data", "data directory")
	rootCmd.PersistentFlags().String("log-dir", "./logs", "log directory")

	rootCmd.Flags().String("host", "0.0.0.0", "server host")
	rootCmd.Flags().Int("port", 3000, "server port")
	rootCmd.Flags().String("mode", "release", "server mode (debug/release/test)")

	viper.BindPFlag("storage.data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	viper.BindPFlag("storage.logs_dir", rootCmd.PersistentFlags().Lookup("log-dir"))
	viper.BindPFlag("server.host", rootCmd.Flags().Lookup("host"))
	viper.BindPFlag("server.port", rootCmd.Flags().Lookup("port"))
	viper.BindPFlag("server.mode", rootCmd.Flags().Lookup("mode"))
}

// envBindings maps config keys to extra environment variables on top of the
// ASKGATE_ prefixed ones
var envBindings = map[string][]string{
	"gemini.api_key":             {"ASKGATE_GEMINI_API_KEY", "GEMINI_API_KEY"},
	"gemini.model":               {"ASKGATE_GEMINI_MODEL", "GEMINI_MODEL"},
	"gemini.oauth.client_id":     {"ASKGATE_GEMINI_OAUTH_CLIENT_ID", "GOOGLE_CLIENT_ID"},
	"gemini.oauth.client_secret": {"ASKGATE_GEMINI_OAUTH_CLIENT_SECRET", "GOOGLE_CLIENT_SECRET"},
	"gemini.oauth.refresh_token": {"ASKGATE_GEMINI_OAUTH_REFRESH_TOKEN", "GOOGLE_REFRESH_TOKEN"},
	"security.admin_password":    {"ASKGATE_ADMIN_PASSWORD", "ADMIN_PASSWORD"},
	"storage.backend":            {"ASKGATE_STORAGE_BACKEND"},
	"storage.redis.addr":         {"ASKGATE_REDIS_ADDR", "REDIS_ADDR"},
	"storage.redis.password":     {"ASKGATE_REDIS_PASSWORD", "REDIS_PASSWORD"},
	"auth.mode":                  {"ASKGATE_AUTH_MODE"},
	"server.port":                {"ASKGATE_SERVER_PORT", "PORT"},
}

func initConfig() {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load %s: %v\n", envFile, err)
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./data")
		viper.AddConfigPath("$HOME/.askgate")
	}

	viper.SetEnvPrefix("ASKGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	for key, envs := range envBindings {
		viper.BindEnv(append([]string{key}, envs...)...)
	}

	if err := viper.ReadInConfig(); err != nil {
		// LoadOrCreate writes the file on first start
		if cfgFile == "" {
			viper.SetConfigFile("./config.yaml")
		}
	} else {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}
