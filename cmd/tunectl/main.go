// Command tunectl is the CLI front for the tuned daemon.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tunectl",
		Short:         "Manage fine-tuning jobs across platforms",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cobra.OnInitialize(initConfig)

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.tunectl.yaml)")

	root.PersistentFlags().String("addr", "http://127.0.0.1:7171", "daemon address")
	viper.BindPFlag("addr", root.PersistentFlags().Lookup("addr"))

	root.PersistentFlags().StringP("token", "t", "", "API token for authentication")
	viper.BindPFlag("token", root.PersistentFlags().Lookup("token"))

	root.AddCommand(
		platformsCmd(),
		connectCmd(),
		verifyCmd(),
		disconnectCmd(),
		resourcesCmd(),
		pricingCmd(),
		submitCmd(),
		jobsCmd(),
		statusCmd(),
		logsCmd(),
		cancelCmd(),
		artifactsCmd(),
		downloadCmd(),
		pushCmd(),
		opsCmd(),
		syncCmd(),
		healthCmd(),
	)
	return root
}

// initConfig layers flag < config file < environment, the same precedence the
// daemon's own config loader uses.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
		viper.SetConfigName(".tunectl")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("TUNEPLANE")
	viper.AutomaticEnv()
	// The daemon reads its token as TUNEPLANE_API_TOKEN; accept the same
	// name here so one exported variable covers both processes.
	viper.BindEnv("token", "TUNEPLANE_TOKEN", "TUNEPLANE_API_TOKEN")

	if err := viper.ReadInConfig(); err == nil && cfgFile != "" {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func daemon() *client {
	return newClient(viper.GetString("addr"), viper.GetString("token"))
}
