package cmd

import (
	"encoding/json"
	"os"

	"buildplane/pkg/api"

	"github.com/spf13/cobra"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Start a build",
	Long: `Record a build job and hand it to the build system.

The command returns as soon as the job is recorded; use 'status' or 'watch'
to follow it. Only one build per config snapshot may be in flight.

Example:
  buildctl dispatch --snapshot tmpl-42 --payload '{"platform":"android"}'
  buildctl dispatch --snapshot tmpl-42 --payload-file build.json`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		url, token, ok := credentials(cmd)
		if !ok {
			return
		}

		flags := cmd.Flags()
		snapshot, _ := flags.GetString("snapshot")
		payload, _ := flags.GetString("payload")
		payloadFile, _ := flags.GetString("payload-file")

		if payload != "" && payloadFile != "" {
			cmd.Println("Error: use only one of --payload and --payload-file")
			return
		}
		if payloadFile != "" {
			data, err := os.ReadFile(payloadFile)
			if err != nil {
				cmd.Printf("Failed to read payload file: %v\n", err)
				return
			}
			payload = string(data)
		}
		if payload != "" && !json.Valid([]byte(payload)) {
			cmd.Println("Error: payload must be valid JSON")
			return
		}

		req := api.DispatchBuildRequest{ConfigSnapshotID: snapshot}
		if payload != "" {
			req.Payload = json.RawMessage(payload)
		}

		result, err := NewBuildClient(url, token).DispatchBuild(req)
		if err != nil {
			printAPIError(cmd, "Dispatch", err)
			return
		}

		cmd.Printf("Build dispatched\n")
		cmd.Printf("Job ID: %s\n", result.JobID)
		cmd.Printf("Status: %s\n", result.Status)
	},
}

func init() {
	rootCmd.AddCommand(dispatchCmd)
	dispatchCmd.Flags().String("snapshot", "", "Config snapshot to build")
	dispatchCmd.Flags().String("payload", "", "Build payload as JSON")
	dispatchCmd.Flags().String("payload-file", "", "Read the build payload from a JSON file")
}
