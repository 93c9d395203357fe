package cmd

import (
	"context"
	"os"
	"os/signal"
	"time"

	"buildplane/pkg/api"

	"github.com/spf13/cobra"
)

var heartbeatCmd = &cobra.Command{
	Use:   "heartbeat",
	Short: "Mark yourself online",
	Long: `Send a presence heartbeat. With --every, keep sending until interrupted.

Users whose heartbeats stop are flipped offline by the presence sweep.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		url, token, ok := credentials(cmd)
		if !ok {
			return
		}
		every, _ := cmd.Flags().GetDuration("every")
		client := NewBuildClient(url, token)

		if err := client.Heartbeat(); err != nil {
			printAPIError(cmd, "Heartbeat", err)
			return
		}
		cmd.Println("Heartbeat sent")
		if every <= 0 {
			return
		}

		ctx, stop := signal.NotifyContext(contextOf(cmd), os.Interrupt)
		defer stop()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := client.Heartbeat(); err != nil {
					printAPIError(cmd, "Heartbeat", err)
				}
			}
		}
	},
}

var presenceAuthCmd = &cobra.Command{
	Use:   "presence-auth [channel]",
	Short: "Get a grant to join a presence channel",
	Long: `Ask the controller to sign a grant for a presence channel, e.g. presence-store.<tenant-id>.
Only the caller's own tenant channel is granted.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		url, token, ok := credentials(cmd)
		if !ok {
			return
		}
		socketID, _ := cmd.Flags().GetString("socket-id")

		grant, err := NewBuildClient(url, token).PresenceAuth(api.PresenceAuthRequest{Channel: args[0], SocketID: socketID})
		if err != nil {
			printAPIError(cmd, "Presence auth", err)
			return
		}
		cmd.Printf("Channel: %s\n", grant.Channel)
		cmd.Printf("Expires: %s\n", grant.ExpiresAt.Format(time.RFC3339))
		cmd.Printf("Grant:   %s\n", grant.Auth)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [tenant_id]",
	Short: "Stream build progress or presence changes",
	Long: `Stream a tenant's build progress events. With --presence, stream the
tenant's presence channel instead (a grant is requested automatically).`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		url, token, ok := credentials(cmd)
		if !ok {
			return
		}
		flags := cmd.Flags()
		presence, _ := flags.GetBool("presence")
		count, _ := flags.GetInt("count")

		client := NewBuildClient(url, token)
		topic := "store." + args[0] + ".builds"
		var grant string
		if presence {
			topic = "presence-store." + args[0]
			g, err := client.PresenceAuth(api.PresenceAuthRequest{Channel: topic})
			if err != nil {
				printAPIError(cmd, "Presence auth", err)
				return
			}
			grant = g.Auth
		}

		ctx, stop := signal.NotifyContext(contextOf(cmd), os.Interrupt)
		defer stop()

		cmd.Printf("Watching %s\n", topic)
		seen := 0
		err := client.Watch(ctx, topic, grant, func(frame []byte) bool {
			cmd.Println(string(frame))
			seen++
			return count <= 0 || seen < count
		})
		if err != nil {
			printAPIError(cmd, "Watch", err)
		}
	},
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func init() {
	rootCmd.AddCommand(heartbeatCmd, presenceAuthCmd, watchCmd)
	heartbeatCmd.Flags().Duration("every", 0, "Keep sending heartbeats at this interval")
	presenceAuthCmd.Flags().String("socket-id", "", "Client connection id to bind the grant to")
	watchCmd.Flags().Bool("presence", false, "Stream the presence channel instead of builds")
	watchCmd.Flags().Int("count", 0, "Stop after this many events (0 streams until interrupted)")
}
