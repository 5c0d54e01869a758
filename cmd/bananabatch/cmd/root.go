package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bananabatch/pkg/logging"
)

var (
	cfgFile      string
	outputFormat string
	logLevel     string
	logJSON      bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "bananabatch",
	Short: "Batch image generation against the GrsAI nano-banana API",
	Long: `bananabatch dispatches batches of image generation jobs against the
GrsAI nano-banana API, rotating multiple API keys with cooldown and
failover to raise effective throughput.`,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.bananabatch/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log in JSON format")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	// .env in the working directory, if present
	_ = godotenv.Load()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(filepath.Join(home, ".bananabatch"))
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.AutomaticEnv()
	viper.BindEnv("api_key", "BANANA_API_KEY", "GRSAI_API_KEY")
	viper.BindEnv("backup_keys", "BANANA_BACKUP_KEYS")
	viper.BindEnv("base_url", "BANANA_BASE_URL")

	// Config file is optional; env and flags cover everything
	_ = viper.ReadInConfig()
}

// newLogger builds the process logger from the global flags
func newLogger() *logging.Logger {
	return logging.NewLogger(logging.ParseLevel(logLevel), logJSON)
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// apiKeys returns every configured key: the primary plus any
// comma-separated backups.
func apiKeys() []string {
	var keys []string
	if primary := strings.TrimSpace(viper.GetString("api_key")); primary != "" {
		keys = append(keys, primary)
	}
	for _, key := range strings.Split(viper.GetString("backup_keys"), ",") {
		if key = strings.TrimSpace(key); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}
