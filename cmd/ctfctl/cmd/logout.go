package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the session on the platform and locally",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := openClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		c.Logout(cmd.Context())
		fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(logoutCmd)
}
