package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pwndepot/ctfgate/client"
)

var (
	errNotLoggedIn = errors.New("not logged in")
	whoamiJSON     bool
)

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in account",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := openClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		user, err := c.Probe(cmd.Context())
		switch {
		case errors.Is(err, client.ErrMFAPending):
			return fmt.Errorf("login is waiting for its MFA code, run login again")
		case err != nil:
			return err
		case user == nil:
			return errNotLoggedIn
		}

		out := cmd.OutOrStdout()
		if whoamiJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(user)
		}
		fmt.Fprintf(out, "Username: %s\n", user.Username)
		fmt.Fprintf(out, "Email:    %s\n", user.Email)
		fmt.Fprintf(out, "Role:     %s\n", user.Role)
		if user.TeamName != "" {
			fmt.Fprintf(out, "Team:     %s\n", user.TeamName)
		}
		fmt.Fprintf(out, "MFA:      %t\n", user.MFAEnabled)
		if user.InRecovery() {
			fmt.Fprintln(out, "Signed in with a recovery code")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(whoamiCmd)
	whoamiCmd.Flags().BoolVar(&whoamiJSON, "json", false, "Print the identity as JSON")
}
