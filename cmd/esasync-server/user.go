package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/esasync/internal/auth"
	"github.com/MarcoPoloResearchLab/esasync/internal/config"
	"github.com/MarcoPoloResearchLab/esasync/internal/logging"
	"github.com/MarcoPoloResearchLab/esasync/internal/users"
	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newUserCommand() *cobra.Command {
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Manage technician accounts",
	}
	userCmd.AddCommand(newUserAddCommand(), newUserToggleCommand("disable", true), newUserToggleCommand("enable", false))
	return userCmd
}

func newUserAddCommand() *cobra.Command {
	var request users.NewAccount
	cmd := &cobra.Command{
		Use:   "add <username>",
		Short: "Create a technician account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			request.Username = args[0]
			if request.Password == "" {
				password, err := promptPassword(request.Username)
				if err != nil {
					return err
				}
				request.Password = password
			}

			accounts, closeDB, err := openAccounts()
			if err != nil {
				return err
			}
			defer closeDB()

			account, err := accounts.Create(cmd.Context(), request)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s account %s\n", account.Role, account.Username)
			return nil
		},
	}
	cmd.Flags().StringVar(&request.FullName, "full-name", "", "Full name printed on verification reports")
	cmd.Flags().StringVar(&request.Role, "role", auth.RoleTechnician, "Account role (technician, admin)")
	cmd.Flags().StringVar(&request.Password, "password", "", "Initial password (prompted when omitted)")
	return cmd
}

func newUserToggleCommand(verb string, disabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <username>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " logins for a technician account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accounts, closeDB, err := openAccounts()
			if err != nil {
				return err
			}
			defer closeDB()

			if err := accounts.SetDisabled(cmd.Context(), args[0], disabled); err != nil {
				if errors.Is(err, users.ErrInvalidCredentials) {
					return fmt.Errorf("no account named %s", args[0])
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%sd %s\n", verb, args[0])
			return nil
		},
	}
}

func openAccounts() (*users.Service, func(), error) {
	appConfig, err := config.LoadServer(viper.GetViper())
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFile)
	if err != nil {
		return nil, nil, err
	}
	db, closeDB, err := openServerDatabase(appConfig, logger)
	if err != nil {
		return nil, nil, err
	}
	accounts, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		closeDB()
		return nil, nil, err
	}
	return accounts, closeDB, nil
}

func promptPassword(username string) (string, error) {
	var password, confirmation string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Password for "+username).
			EchoMode(huh.EchoModePassword).
			Validate(func(value string) error {
				if len(value) < 8 {
					return errors.New("at least 8 characters")
				}
				return nil
			}).
			Value(&password),
		huh.NewInput().
			Title("Repeat password").
			EchoMode(huh.EchoModePassword).
			Value(&confirmation),
	))
	if err := form.Run(); err != nil {
		return "", err
	}
	if password != confirmation {
		return "", errors.New("passwords do not match")
	}
	return password, nil
}
