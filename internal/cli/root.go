// Package cli implements the fluxos command-line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "fluxos",
	Short: "Multi-tenant agent task execution engine",
	Long: `fluxos executes agent task graphs against a dual Redis/SQL store.

The engine schedules dependency-ordered steps onto agent executors,
suspends on human checkpoints, fires event triggers exactly once across
worker processes, and answers pure retrieval goals through a fast path.

Quick start:
  fluxos worker               Run the engine worker process
  fluxos version              Print the build version`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is fluxos.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(newWorkerCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.fluxos")
		viper.SetConfigType("yaml")
		viper.SetConfigName("fluxos")
	}

	viper.SetEnvPrefix("FLUXOS")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		cfgFile = viper.ConfigFileUsed()
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", cfgFile)
		}
	}
}
