package main

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/esasync/internal/records"
	"github.com/MarcoPoloResearchLab/esasync/internal/session"
	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the session, the last sync and the unsynchronized rows per table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				out := cmd.OutOrStdout()
				ctx := cmd.Context()

				fmt.Fprintln(out, styles.title.Render("esasync"))
				printRow(out, "server", valueOr(a.cfg.ServerURL, "not configured"))
				printRow(out, "database", a.cfg.DatabasePath)

				current, err := a.sessions.Load()
				switch {
				case errors.Is(err, session.ErrNoSession):
					printRow(out, "technician", styles.muted.Render("not logged in"))
				case errors.Is(err, session.ErrExpired):
					printRow(out, "technician", current.DisplayName()+" "+styles.warning.Render("(session expired)"))
				case err != nil:
					return err
				default:
					printRow(out, "technician", fmt.Sprintf("%s (%s)", current.DisplayName(), current.Role))
				}

				if current != nil {
					mark, err := a.store.HighWaterMark(ctx, current.Scope())
					if err != nil {
						return err
					}
					if mark.IsZero() {
						printRow(out, "last sync", styles.muted.Render("never"))
					} else {
						printRow(out, "last sync", mark.Local().Format("2006-01-02 15:04:05"))
					}
				}

				fmt.Fprintln(out)
				for _, table := range records.Tables {
					counts, err := a.store.CountStates(ctx, table)
					if err != nil {
						return err
					}
					live := counts[records.StatePending] + counts[records.StateSynced]
					dirty := counts[records.StatePending] + counts[records.StateTombstonePending]
					line := fmt.Sprintf("%d live", live)
					if dirty > 0 {
						line += ", " + styles.warning.Render(fmt.Sprintf("%d to push", dirty))
					}
					printRow(out, table, line)
				}
				return nil
			})
		},
	}
}

func valueOr(value, fallback string) string {
	if value == "" {
		return styles.muted.Render(fallback)
	}
	return value
}
