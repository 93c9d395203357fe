package cmd

import (
	"buildplane/pkg/api"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var createUserCmd = &cobra.Command{
	Use:   "create-user [tenant_id]",
	Short: "Provision a user for a tenant (operator)",
	Long: `Create a member of a tenant and print its API key. The key is shown once.

Requires the controller's admin secret via --admin-secret or BUILDPLANE_ADMIN_SECRET.

Example:
  buildctl create-user store-17 --name "Ada"`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		url := viper.GetString("url")
		secret := viper.GetString("admin_secret")
		if secret == "" {
			cmd.Println("Admin secret not found. Please set it using the --admin-secret flag or the BUILDPLANE_ADMIN_SECRET environment variable")
			return
		}

		name, _ := cmd.Flags().GetString("name")
		if name == "" {
			cmd.Println("Error: --name is required")
			return
		}

		result, err := NewBuildClient(url, secret).CreateUser(args[0], api.CreateUserRequest{Name: name})
		if err != nil {
			printAPIError(cmd, "Create user", err)
			return
		}

		cmd.Printf("User created\n")
		cmd.Printf("User ID:   %s\n", result.ID)
		cmd.Printf("Tenant ID: %s\n", result.TenantID)
		cmd.Printf("API Key:   %s\n", result.APIKey)
		cmd.Println("Store the key now; it cannot be shown again.")
	},
}

func init() {
	rootCmd.AddCommand(createUserCmd)
	createUserCmd.Flags().String("name", "", "Display name of the user")
	createUserCmd.Flags().String("admin-secret", "", "Controller admin secret")
	viper.BindPFlag("admin_secret", createUserCmd.Flags().Lookup("admin-secret"))
}
