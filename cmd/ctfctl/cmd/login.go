package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var loginEmail string

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and keep the session for later commands",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := openClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		ctx := cmd.Context()

		email := loginEmail
		if email == "" {
			if email, err = promptLine(cmd, "Email: "); err != nil {
				return err
			}
		}
		password, err := promptSecret(cmd, "Password: ")
		if err != nil {
			return err
		}

		mfa, err := c.Login(ctx, strings.TrimSpace(email), password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		if mfa {
			code, err := promptSecret(cmd, "MFA code: ")
			if err != nil {
				return err
			}
			if _, err := c.VerifyMFA(ctx, strings.TrimSpace(code)); err != nil {
				return fmt.Errorf("MFA verification failed: %w", err)
			}
		}

		user := c.Session().User()
		if user == nil {
			return errors.New("login succeeded but the platform returned no identity")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (%s)\n", user.Username, user.Role)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loginCmd)
	loginCmd.Flags().StringVarP(&loginEmail, "email", "e", "", "Account email (prompted when empty)")
}
