package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pwndepot/ctfgate/client"
	"github.com/pwndepot/ctfgate/stepup"
)

var deleteCmd = &cobra.Command{
	Use:   "delete-account",
	Short: "Permanently delete the signed-in account",
	Long: `Permanently delete the signed-in account. The password is confirmed
first; accounts with MFA are then asked for a code. An interrupted flow
resumes at the MFA step on the next run, and one interrupted after
deletion finishes signing out.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := openClient(cmd, client.WithStartPath("/account"))
		if err != nil {
			return err
		}
		defer c.Close()
		ctx := cmd.Context()

		m, err := c.DeleteFlow()
		if err != nil {
			return err
		}
		defer m.Close()
		out := cmd.OutOrStdout()

		// A deletion that already succeeded only has its countdown left; the
		// session is gone by then.
		if m.View().Status == stepup.StatusSuccess {
			return countdown(ctx, cmd, m)
		}

		user, err := c.Probe(ctx)
		switch {
		case errors.Is(err, client.ErrMFAPending):
			return fmt.Errorf("login is waiting for its MFA code, run login again")
		case err != nil:
			return err
		case user == nil:
			return errNotLoggedIn
		}

		if m.View().Stage == stepup.StagePassword {
			password, err := promptSecret(cmd, "Password: ")
			if err != nil {
				return err
			}
			if err := m.SetPassword(password); err != nil {
				return err
			}
			if err := submitStep(ctx, m); err != nil {
				return err
			}
		}

		if v := m.View(); v.Status != stepup.StatusSuccess && v.Stage == stepup.StageMFA {
			if v.Message != "" {
				fmt.Fprintln(out, v.Message)
			}
			code, err := promptSecret(cmd, "MFA code: ")
			if err != nil {
				return err
			}
			if err := m.SetMFACode(strings.TrimSpace(code)); err != nil {
				return err
			}
			if err := submitStep(ctx, m); err != nil {
				return err
			}
		}

		if m.View().Status != stepup.StatusSuccess {
			return errors.New("account deletion did not complete")
		}
		return countdown(ctx, cmd, m)
	},
}

// submitStep submits the current stage and turns a handled failure into the
// message the flow would show.
func submitStep(ctx context.Context, m *stepup.Machine) error {
	err := m.Submit(ctx)
	if err == nil {
		return nil
	}
	if msg := m.View().Message; msg != "" {
		return errors.New(msg)
	}
	return err
}

// countdown runs the post-deletion countdown, printing each second left.
func countdown(ctx context.Context, cmd *cobra.Command, m *stepup.Machine) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Account deleted.")

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	t := time.NewTicker(time.Second)
	defer t.Stop()
	last := -1
	for {
		if left := m.View().Remaining; left != last && left > 0 {
			fmt.Fprintf(out, "Signing out in %d...\n", left)
			last = left
		}
		select {
		case err := <-done:
			if err != nil {
				return err
			}
			fmt.Fprintln(out, "Signed out.")
			return nil
		case <-t.C:
		}
	}
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}
