package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pwndepot/ctfgate/apierr"
	"github.com/pwndepot/ctfgate/status"
	"github.com/pwndepot/ctfgate/storage"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the event is running and how long is left",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := openClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		sync := c.Status()
		if err := sync.Refresh(cmd.Context()); err != nil {
			if apierr.KindOf(err) != apierr.RateLimited || !sync.Status().Known() {
				return fmt.Errorf("status check failed: %w", err)
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "Rate limited, showing the last known status")
		}

		st := sync.Status()
		if statusJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(storage.StatusRecord(st))
		}
		fmt.Fprintln(cmd.OutOrStdout(), formatStatus(st))
		return nil
	},
}

func formatStatus(st status.EventStatus) string {
	switch {
	case !st.Known():
		return "Event status unknown"
	case st.Ended():
		return "Event has ended"
	}
	msg := "Event is running"
	if st.SecondsRemaining != nil {
		msg += fmt.Sprintf(", %s left", (time.Duration(*st.SecondsRemaining) * time.Second).String())
	}
	if st.EndsAt != nil {
		msg += fmt.Sprintf(" (ends %s)", st.EndsAt.Local().Format(time.RFC1123))
	}
	return msg
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the status as JSON")
}
