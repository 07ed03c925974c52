package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/esasync/internal/protocol"
	"github.com/MarcoPoloResearchLab/esasync/internal/remote"
	"github.com/MarcoPoloResearchLab/esasync/internal/syncer"
	"github.com/MarcoPoloResearchLab/esasync/internal/tracker"
	"github.com/charmbracelet/huh"
	"github.com/sethvargo/go-retry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	watchReconnectBase = time.Second
	watchReconnectCap  = time.Minute
)

type syncFlags struct {
	fullReset bool
	resolve   string
	yes       bool
}

func newSyncCommand() *cobra.Command {
	var flags syncFlags
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push local changes, pull server changes and merge them",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.fullReset && !flags.yes {
				confirmed, err := confirm("Replace ALL local data with the server copy? Unsynchronized changes are lost.")
				if err != nil {
					return err
				}
				if !confirmed {
					fmt.Fprintln(cmd.OutOrStdout(), "full reset cancelled")
					return nil
				}
			}
			return withApp(func(a *app) error {
				return synchronize(cmd.Context(), cmd.OutOrStdout(), a, syncer.Options{FullReset: flags.fullReset}, flags.resolve)
			})
		},
	}
	cmd.Flags().BoolVar(&flags.fullReset, "full-reset", false, "Discard local data and repopulate it from the server")
	cmd.Flags().StringVar(&flags.resolve, "resolve", "", "Resolve every conflict without prompting (keep_local, use_server, defer)")
	cmd.Flags().BoolVarP(&flags.yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

func newPushCommand() *cobra.Command {
	var force bool
	var resolve string
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Synchronize; with --force every local row is re-sent to the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				if force {
					report, err := a.tracker.MarkEverythingForFullPush(cmd.Context())
					if err != nil {
						return err
					}
					printFullPushReport(cmd.OutOrStdout(), report.Tables, report.SerialsNormalized)
				}
				return synchronize(cmd.Context(), cmd.OutOrStdout(), a, syncer.Options{}, resolve)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Mark every local row for upload before synchronizing")
	cmd.Flags().StringVar(&resolve, "resolve", "", "Resolve every conflict without prompting (keep_local, use_server, defer)")
	return cmd
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Synchronize now and again whenever another technician pushes changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				return watch(cmd.Context(), cmd.OutOrStdout(), a)
			})
		},
	}
}

// synchronize runs one supervised pass and, on conflict, resolves and re-runs once so kept local
// versions reach the server.
func synchronize(ctx context.Context, out io.Writer, a *app, options syncer.Options, resolve string) error {
	decide, err := decider(resolve)
	if err != nil {
		return err
	}
	runner, _, _, err := a.runner(printPhase(out))
	if err != nil {
		return err
	}

	result := <-runner.Start(ctx, options)
	printResult(out, result)
	if result.Status == syncer.StatusConflict {
		resolved, err := resolveConflicts(ctx, out, a, result.Conflicts, decide)
		if err != nil {
			return err
		}
		if resolved {
			result = <-runner.Start(ctx, syncer.Options{})
			printResult(out, result)
		}
	}
	if result.Status == syncer.StatusError {
		return errors.New("synchronization failed")
	}
	return nil
}

func resolveConflicts(ctx context.Context, out io.Writer, a *app, conflicts []syncer.Conflict, decide syncer.Decider) (bool, error) {
	resolver, err := syncer.NewResolver(a.store, a.logger)
	if err != nil {
		return false, err
	}
	outcome, err := resolver.ResolveBatch(ctx, conflicts, decide)
	if err != nil {
		return false, err
	}
	fmt.Fprintf(out, "kept local %d, used server %d, deferred %d\n", outcome.KeptLocal, outcome.UsedServer, outcome.Deferred)
	if outcome.Abandoned {
		fmt.Fprintln(out, styles.muted.Render("remaining conflicts will be offered again on the next sync"))
	}
	return outcome.KeptLocal+outcome.UsedServer > 0, nil
}

func decider(resolve string) (syncer.Decider, error) {
	if resolve != "" {
		fixed := syncer.Resolution(resolve)
		switch fixed {
		case syncer.KeepLocal, syncer.UseServer, syncer.Defer:
		default:
			return nil, fmt.Errorf("%w: %q", syncer.ErrUnknownResolution, resolve)
		}
		return func(context.Context, syncer.Conflict) (syncer.Resolution, error) {
			return fixed, nil
		}, nil
	}
	if !isInteractive() {
		return func(context.Context, syncer.Conflict) (syncer.Resolution, error) {
			return syncer.Defer, nil
		}, nil
	}
	return promptResolution, nil
}

func promptResolution(_ context.Context, conflict syncer.Conflict) (syncer.Resolution, error) {
	choice := syncer.Defer
	err := huh.NewSelect[syncer.Resolution]().
		Title(fmt.Sprintf("Conflict on %s %s", conflict.Table, conflict.UUID)).
		Description(describeConflict(conflict)).
		Options(
			huh.NewOption("Keep my version", syncer.KeepLocal),
			huh.NewOption("Use the server version", syncer.UseServer),
			huh.NewOption("Decide later", syncer.Defer),
		).
		Value(&choice).
		Run()
	if errors.Is(err, huh.ErrUserAborted) {
		return syncer.Defer, nil
	}
	return choice, err
}

func confirm(question string) (bool, error) {
	if !isInteractive() {
		return false, errors.New("confirmation required; pass --yes")
	}
	var confirmed bool
	err := huh.NewConfirm().Title(question).Affirmative("Yes").Negative("No").Value(&confirmed).Run()
	return confirmed, err
}

func printFullPushReport(out io.Writer, tables map[string]tracker.TableReport, normalized int64) {
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		report := tables[name]
		printRow(out, name, fmt.Sprintf("%d marked, %d uuid added", report.RowsMarked, report.UUIDAdded))
	}
	if normalized > 0 {
		printRow(out, "serials", fmt.Sprintf("%d placeholder serials cleared", normalized))
	}
}

// watch keeps the event stream open, reconnecting with capped backoff, and funnels notices into
// a single sync worker so passes never overlap.
func watch(ctx context.Context, out io.Writer, a *app) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, current, client, err := a.runner(nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	trigger := make(chan struct{}, 1)
	trigger <- struct{}{}
	workerDone := startSyncWorker(ctx, trigger, func(ctx context.Context) {
		printResult(out, runner.Run(ctx, syncer.Options{}))
	})
	defer func() {
		cancel()
		<-workerDone
	}()

	fmt.Fprintln(out, styles.muted.Render("watching for changes, press Ctrl+C to stop"))
	backoff := retry.WithCappedDuration(watchReconnectCap, retry.NewExponential(watchReconnectBase))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := client.Events(ctx, current.Token, func(notice protocol.ChangeNotice) {
			a.logger.Info("change notice", zap.String("from", notice.Username), zap.Strings("tables", notice.Tables))
			select {
			case trigger <- struct{}{}:
			default:
			}
		})
		if err != nil && remote.IsRetryable(err) {
			a.logger.Warn("event stream interrupted", zap.Error(err))
			return retry.RetryableError(err)
		}
		return err
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// startSyncWorker runs pass once per trigger, one at a time, until ctx ends. The returned channel
// closes after the last pass has returned.
func startSyncWorker(ctx context.Context, trigger <-chan struct{}, pass func(context.Context)) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-trigger:
				pass(ctx)
			}
		}
	}()
	return done
}
