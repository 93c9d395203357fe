package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "buildctl",
	Short: "buildctl is a command line tool for the buildplane build orchestrator",
	Long: `buildctl is the command-line interface for buildplane.

buildplane records app build requests as jobs, hands them to an external build
system, applies the build system's status callbacks, and streams progress and
team presence to connected clients.

Common workflows:

  Provision a user (operator):
    buildctl create-user <tenant-id> --name "Ada" --admin-secret $ADMIN_SECRET

  Start a build:
    buildctl dispatch --snapshot <config-snapshot-id> --payload '{"platform":"ios"}'

  Check a build:
    buildctl status <job-id>

  Follow build progress:
    buildctl watch <tenant-id>

  Mark yourself online:
    buildctl heartbeat --every 30s

Configuration:
  Set the API endpoint and credentials via environment variables or a config file:
    BUILDPLANE_URL            API endpoint (default: http://localhost:6161)
    BUILDPLANE_TOKEN          User API key for authentication
    BUILDPLANE_ADMIN_SECRET   Operator secret for user provisioning`,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".buildctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".buildctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "BUILDPLANE_VARNAME"
	viper.SetEnvPrefix("BUILDPLANE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

// credentials returns the API url and token, printing a hint when the token is missing.
func credentials(cmd *cobra.Command) (string, string, bool) {
	url := viper.GetString("url")
	token := viper.GetString("token")
	if token == "" {
		cmd.Println("API token not found. Please set it using the --token flag or the BUILDPLANE_TOKEN environment variable")
		return "", "", false
	}
	return url, token, true
}

// printAPIError reports a failed call in one line.
func printAPIError(cmd *cobra.Command, action string, err error) {
	if apiErr, ok := err.(*APIError); ok {
		cmd.Printf("%s failed (%d): %s\n", action, apiErr.StatusCode, apiErr.Message)
		return
	}
	cmd.Printf("%s failed: %v\n", action, err)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.buildctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:6161", "buildplane controller URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "API key for authentication")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}
