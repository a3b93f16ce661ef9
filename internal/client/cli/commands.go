package cli

import (
	"bufio"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hitoshi/notekeep/internal/client/guard"
)

func newLoginCommand(factory Factory) *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session locally",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, decision, stop, err := session(cmd, factory, guard.GroupAuth)
			if err != nil {
				return err
			}
			defer stop()

			if decision == guard.DecisionRedirectHome {
				fmt.Fprintln(cmd.OutOrStdout(), "already signed in as "+userLine(rt.State.Get().User))
				return nil
			}

			in := bufio.NewReader(cmd.InOrStdin())
			if password, err = readSecret(cmd, in, password, "Password"); err != nil {
				return err
			}
			return rt.Controller.SignIn(cmd.Context(), email, password)
		},
	}

	cmd.Flags().StringVarP(&email, "email", "e", "", "account email address")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (read from stdin if omitted)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newRegisterCommand(factory Factory) *cobra.Command {
	var email, password, confirm string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and store the session locally",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, decision, stop, err := session(cmd, factory, guard.GroupAuth)
			if err != nil {
				return err
			}
			defer stop()

			if decision == guard.DecisionRedirectHome {
				fmt.Fprintln(cmd.OutOrStdout(), "already signed in as "+userLine(rt.State.Get().User))
				return nil
			}
			rt.State.SetSignUp(true)

			in := bufio.NewReader(cmd.InOrStdin())
			if password, err = readSecret(cmd, in, password, "Password"); err != nil {
				return err
			}
			if confirm, err = readSecret(cmd, in, confirm, "Confirm password"); err != nil {
				return err
			}
			return rt.Controller.CreateUser(cmd.Context(), email, password, confirm)
		},
	}

	cmd.Flags().StringVarP(&email, "email", "e", "", "account email address")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (read from stdin if omitted)")
	cmd.Flags().StringVar(&confirm, "confirm", "", "password confirmation (read from stdin if omitted)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newLogoutCommand(factory Factory) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the session and clear local credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := factory(cmd)
			if err != nil {
				return err
			}
			return rt.Controller.SignOut(cmd.Context())
		},
	}
}

func newWhoamiCommand(factory Factory) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, decision, stop, err := session(cmd, factory, guard.GroupProtected)
			if err != nil {
				return err
			}
			defer stop()

			if decision == guard.DecisionRedirectSignIn {
				return ErrNotSignedIn
			}
			fmt.Fprintln(cmd.OutOrStdout(), userLine(rt.State.Get().User))
			return nil
		},
	}
}

func newResetPasswordCommand(factory Factory) *cobra.Command {
	var email, token, password, confirm string

	cmd := &cobra.Command{
		Use:   "reset-password",
		Short: "Request a reset link, or set a new password with --token",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := factory(cmd)
			if err != nil {
				return err
			}

			if token == "" {
				if email == "" {
					return errors.New("either --email or --token is required")
				}
				return rt.Controller.SendPasswordResetEmail(cmd.Context(), email)
			}

			in := bufio.NewReader(cmd.InOrStdin())
			if password, err = readSecret(cmd, in, password, "New password"); err != nil {
				return err
			}
			if confirm, err = readSecret(cmd, in, confirm, "Confirm password"); err != nil {
				return err
			}
			return rt.Controller.ConfirmPasswordReset(cmd.Context(), token, password, confirm)
		},
	}

	cmd.Flags().StringVarP(&email, "email", "e", "", "account email address to send the reset link to")
	cmd.Flags().StringVarP(&token, "token", "t", "", "reset token from the email link")
	cmd.Flags().StringVarP(&password, "password", "p", "", "new password (read from stdin if omitted)")
	cmd.Flags().StringVar(&confirm, "confirm", "", "password confirmation (read from stdin if omitted)")
	return cmd
}
