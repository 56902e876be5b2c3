package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/porthorian/planauth"
	oerrors "github.com/porthorian/planauth/pkg/errors"
	"github.com/porthorian/planauth/pkg/validate"
)

func newLoginCommand(opts *rootOptions) *cobra.Command {
	var form validate.LoginForm

	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session",
		Args:  cobra.NoArgs,
		RunE: withClient(opts, func(cmd *cobra.Command, client *planauth.Client, args []string) error {
			if form.Password == "" {
				form.Password = lookupEnv("PLANAUTH_PASSWORD")
			}
			result, err := client.Login(contextOf(cmd), form)
			if err != nil {
				return describeError(err)
			}
			cmd.Printf("Signed in as %s.\n", result.User.String("email"))
			return nil
		}),
	}

	loginCmd.Flags().StringVar(&form.Email, "email", "", "Account e-mail address.")
	loginCmd.Flags().StringVar(&form.Password, "password", "", "Account password. Can also be set via PLANAUTH_PASSWORD.")
	return loginCmd
}

func newRegisterCommand(opts *rootOptions) *cobra.Command {
	var form validate.RegistrationForm

	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and store its session",
		Args:  cobra.NoArgs,
		RunE: withClient(opts, func(cmd *cobra.Command, client *planauth.Client, args []string) error {
			if form.Password == "" {
				form.Password = lookupEnv("PLANAUTH_PASSWORD")
			}
			if form.ConfirmPassword == "" {
				form.ConfirmPassword = form.Password
			}
			result, err := client.Register(contextOf(cmd), form)
			if err != nil {
				return describeError(err)
			}
			cmd.Printf("Registered and signed in as %s.\n", result.User.String("email"))
			return nil
		}),
	}

	flags := registerCmd.Flags()
	flags.StringVar(&form.Nom, "nom", "", "Last name.")
	flags.StringVar(&form.Prenom, "prenom", "", "First name.")
	flags.StringVar(&form.Email, "email", "", "Account e-mail address.")
	flags.StringVar(&form.Password, "password", "", "Account password. Can also be set via PLANAUTH_PASSWORD.")
	flags.StringVar(&form.ConfirmPassword, "confirm-password", "", "Password confirmation. Defaults to --password.")
	flags.StringVar(&form.Niveau, "niveau", "", "Study level, for example GL5.")
	flags.StringVar(&form.Langue, "langue", "fr", "Preferred language.")
	return registerCmd
}

func newLogoutCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and remove the stored session",
		Args:  cobra.NoArgs,
		RunE: withClient(opts, func(cmd *cobra.Command, client *planauth.Client, args []string) error {
			if err := client.Logout(contextOf(cmd)); err != nil {
				return err
			}
			cmd.Println("Signed out.")
			return nil
		}),
	}
}

func newWhoamiCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the signed-in user",
		Args:  cobra.NoArgs,
		RunE: withClient(opts, func(cmd *cobra.Command, client *planauth.Client, args []string) error {
			user, err := client.CurrentUser(contextOf(cmd))
			if err != nil {
				return describeError(err)
			}
			return printJSON(cmd, user)
		}),
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// describeError turns the client's error codes into actionable messages.
func describeError(err error) error {
	var typed *oerrors.Error
	if !errors.As(err, &typed) {
		return err
	}

	switch {
	case typed.Code == oerrors.CodeInvalidInput:
		fields := make([]string, 0, len(typed.Fields))
		for field := range typed.Fields {
			fields = append(fields, field)
		}
		sort.Strings(fields)
		msg := "invalid input:"
		for _, field := range fields {
			msg += fmt.Sprintf(" %s: %s;", field, typed.Fields[field])
		}
		return errors.New(msg)
	case typed.Code == oerrors.CodeUnauthenticated:
		return fmt.Errorf("not signed in: run `planauth login` first")
	case oerrors.IsAuthInvalid(err):
		return fmt.Errorf("session expired and could not be renewed: run `planauth login` again")
	case typed.Code == oerrors.CodeTransportFailure:
		return fmt.Errorf("cannot reach the API: %w", err)
	}
	return err
}
