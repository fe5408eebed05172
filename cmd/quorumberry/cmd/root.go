package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	flagConfig   string
	flagLogLevel string

	log zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "quorumberry",
	Short: "Single-decree Byzantine fault tolerant decision engine",
	Long: `quorumberry collects proposals and weighted votes for independent
rounds and finalizes a decision once approving power exceeds two thirds
of the total. This tool runs in-process simulations against the engine
and inspects its decision log.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	registerRootFlags(rootCmd.PersistentFlags())
	cobra.OnInitialize(initConfig)
}

// registerRootFlags declares the flags every subcommand inherits.
func registerRootFlags(fs *pflag.FlagSet) {
	fs.StringVar(&flagConfig, "config", "", "config file (default $HOME/.quorumberry.yaml)")
	fs.StringVar(&flagLogLevel, "log-level", "info", "log level (trace|debug|info|warn|error)")
}

func initConfig() {
	if flagConfig != "" {
		viper.SetConfigFile(flagConfig)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
		viper.SetConfigName(".quorumberry")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("QUORUMBERRY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlags(rootCmd.PersistentFlags())

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "using config file:", viper.ConfigFileUsed())
	}

	level, err := zerolog.ParseLevel(viper.GetString("log-level"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	log = zerolog.New(zerolog.NewConsoleWriter()).Level(level).With().Timestamp().Logger()
}
