package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/esasync/internal/session"
	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
)

func newLoginCommand() *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate against the sync server and store the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				client, err := a.client()
				if err != nil {
					return err
				}
				if strings.TrimSpace(username) == "" || password == "" {
					if err := promptCredentials(&username, &password); err != nil {
						return err
					}
				}

				response, err := client.Login(cmd.Context(), username, password)
				if err != nil {
					return fmt.Errorf("login failed: %w", err)
				}
				current, err := session.FromLogin(response)
				if err != nil {
					return err
				}
				if err := a.sessions.Save(current); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s logged in as %s (%s)\n",
					styles.success.Render("✓"), current.DisplayName(), current.Role)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "Technician username")
	cmd.Flags().StringVar(&password, "password", "", "Password (prompted when omitted)")
	return cmd
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				if err := a.sessions.Clear(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "logged out")
				return nil
			})
		},
	}
}

func promptCredentials(username, password *string) error {
	if !isInteractive() {
		return errors.New("username and password are required")
	}
	fields := []huh.Field{}
	if strings.TrimSpace(*username) == "" {
		fields = append(fields, huh.NewInput().Title("Username").Value(username))
	}
	fields = append(fields, huh.NewInput().Title("Password").EchoMode(huh.EchoModePassword).Value(password))
	return huh.NewForm(huh.NewGroup(fields...)).Run()
}
