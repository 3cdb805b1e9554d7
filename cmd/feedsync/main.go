package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lastbench/feedsync/internal/config"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "feedsync",
		Short:        "Campus board feed client and development backend",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newTailCommand(), newPostCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	flags.String("backend-url", defaults.GetString("backend.url"), "Backend base URL")
	flags.String("api-key", "", "Backend API key")
	flags.String("access-token", "", "Access token of the signed-in user")
	flags.String("anon-id", "", "Sign in to the development backend with this anonymous handle")
	flags.String("college", defaults.GetString("feed.college"), "Only show posts from this college")
	flags.String("cache-path", defaults.GetString("cache.path"), "SQLite path of the feed snapshot cache")

	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.Duration("token-ttl", defaults.GetDuration("auth.token_ttl"), "Access token lifetime")
	flags.String("signing-secret", "", "Token signing secret (overrides env)")

	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "backend.url", "backend-url")
	bindFlag(cmd, "backend.api_key", "api-key")
	bindFlag(cmd, "backend.access_token", "access-token")
	bindFlag(cmd, "backend.anon_id", "anon-id")
	bindFlag(cmd, "feed.college", "college")
	bindFlag(cmd, "cache.path", "cache-path")
	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.token_ttl", "token-ttl")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func loadConfig() (config.AppConfig, error) {
	return config.Load(viper.GetViper())
}
