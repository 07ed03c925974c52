// Package syncer reconciles the local record store with the sync server. One Engine.Run is one
// pass; Runner supervises passes with bounded retries off the caller's goroutine.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/esasync/internal/protocol"
	"github.com/MarcoPoloResearchLab/esasync/internal/records"
	"github.com/MarcoPoloResearchLab/esasync/internal/remote"
	"github.com/MarcoPoloResearchLab/esasync/internal/session"
	"github.com/MarcoPoloResearchLab/esasync/internal/store"
	"github.com/MarcoPoloResearchLab/esasync/internal/tracker"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultPullConcurrency = 4

var (
	errMissingStore     = errors.New("syncer: record store is required")
	errMissingTransport = errors.New("syncer: transport is required")
	errMissingLock      = errors.New("syncer: sync lock is required")
	// ErrIncompletePush indicates a push response that does not answer every pushed record exactly once.
	ErrIncompletePush = errors.New("syncer: push response does not cover the batch")
	// ErrNoSession indicates a pass attempted without an authenticated technician.
	ErrNoSession = errors.New("syncer: no authenticated session")
)

// Transport is the remote half of a pass.
type Transport interface {
	Push(ctx context.Context, token string, batch protocol.PushRequest) (protocol.PushResponse, error)
	Pull(ctx context.Context, token, table string, since time.Time) (protocol.PullResponse, error)
}

// Config describes the dependencies of an Engine.
type Config struct {
	Store           *store.Store
	Transport       Transport
	Session         *session.Session
	Lock            *Lock
	PullConcurrency int
	Logger          *zap.Logger
	OnPhase         func(Phase)
}

// Options selects the kind of pass.
type Options struct {
	// FullReset discards every local syncable row and repopulates the store from the server.
	FullReset bool
}

// Engine runs synchronization passes for one session.
type Engine struct {
	store       *store.Store
	transport   Transport
	session     *session.Session
	lock        *Lock
	concurrency int
	logger      *zap.Logger
	onPhase     func(Phase)
}

// NewEngine constructs an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	switch {
	case cfg.Store == nil:
		return nil, errMissingStore
	case cfg.Transport == nil:
		return nil, errMissingTransport
	case cfg.Lock == nil:
		return nil, errMissingLock
	}
	concurrency := cfg.PullConcurrency
	if concurrency <= 0 {
		concurrency = defaultPullConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:       cfg.Store,
		transport:   cfg.Transport,
		session:     cfg.Session,
		lock:        cfg.Lock,
		concurrency: concurrency,
		logger:      logger,
		onPhase:     cfg.OnPhase,
	}, nil
}

// pass holds the state of one run.
type pass struct {
	options   Options
	summary   Summary
	conflicts []Conflict
	seen      map[records.Key]struct{}
	// accepted maps pushed records the server took to the last_modified that was pushed.
	accepted map[records.Key]time.Time
	dirty    map[string][]records.Record
	mark     time.Time
	phase    Phase
}

func (p *pass) addConflict(conflict Conflict) {
	if _, duplicate := p.seen[conflict.Key()]; duplicate {
		return
	}
	p.seen[conflict.Key()] = struct{}{}
	p.conflicts = append(p.conflicts, conflict)
}

// Run executes one pass. It never panics outward and never returns a raw error; every outcome is
// a Result. A pass that finds the sync lock held returns StatusAlreadyRunning without touching
// the store.
func (e *Engine) Run(ctx context.Context, options Options) (result Result) {
	if e.session == nil {
		return e.failed(PhaseCollecting, ErrNoSession, false)
	}

	release, acquired, err := e.lock.TryAcquire()
	if err != nil {
		return e.failed(PhaseCollecting, err, false)
	}
	if !acquired {
		e.logger.Info("sync already running", zap.String("lock", e.lock.Path()))
		return Result{Status: StatusAlreadyRunning, Message: "a synchronization is already running"}
	}
	defer func() {
		if releaseErr := release(); releaseErr != nil {
			e.logError("release_lock", "unlock_failed", releaseErr)
			result.Err = multierr.Append(result.Err, releaseErr)
		}
	}()
	defer func() {
		if recovered := recover(); recovered != nil {
			result = e.failed(PhaseFailed, fmt.Errorf("syncer: pass panicked: %v", recovered), false)
		}
	}()

	current := &pass{
		options:  options,
		summary:  newSummary(),
		seen:     map[records.Key]struct{}{},
		accepted: map[records.Key]time.Time{},
		dirty:    map[string][]records.Record{},
	}
	return e.run(ctx, current)
}

func (e *Engine) run(ctx context.Context, current *pass) Result {
	e.enter(current, PhaseCollecting)
	since, err := e.collect(ctx, current)
	if err != nil {
		return e.failed(current.phase, err, false)
	}

	if !current.options.FullReset {
		e.enter(current, PhasePushing)
		if err := e.push(ctx, current); err != nil {
			return e.failed(current.phase, err, remote.IsRetryable(err))
		}
	}

	e.enter(current, PhasePulling)
	pulls, err := e.pull(ctx, since)
	if err != nil {
		return e.failed(current.phase, err, remote.IsRetryable(err))
	}
	current.mark = nextHighWaterMark(pulls)

	e.enter(current, PhaseMerging)
	if current.options.FullReset {
		err = e.reset(ctx, current, pulls)
	} else {
		err = e.merge(ctx, current, pulls)
	}
	if err != nil {
		failure := e.failed(current.phase, err, false)
		failure.Summary = current.summary
		return failure
	}

	if len(current.conflicts) > 0 {
		e.enter(current, PhaseConflict)
		e.logger.Info("sync ended with conflicts", zap.Int("conflicts", len(current.conflicts)))
		return Result{
			Status:    StatusConflict,
			Message:   fmt.Sprintf("%d records changed both locally and on the server", len(current.conflicts)),
			Conflicts: current.conflicts,
			Summary:   current.summary,
			Phase:     PhaseConflict,
		}
	}

	if !current.options.FullReset && !current.mark.IsZero() {
		err := e.store.WithinTransaction(ctx, func(tx *store.Tx) error {
			return tx.SetHighWaterMark(e.session.Scope(), current.mark)
		})
		if err != nil {
			return e.failed(current.phase, err, false)
		}
	}

	e.enter(current, PhaseDone)
	message := current.summary.String()
	e.logger.Info("sync completed",
		zap.Int("pushed", current.summary.TotalPushed()),
		zap.Int("pulled", current.summary.TotalPulled()),
		zap.Int("applied", current.summary.Applied),
		zap.Bool("reset", current.options.FullReset),
	)
	return Result{Status: StatusSuccess, Message: message, Summary: current.summary, Phase: PhaseDone}
}

// collect reads the dirty set and the pull cursor. A full reset pulls from the beginning and only
// counts what it is about to discard.
func (e *Engine) collect(ctx context.Context, current *pass) (time.Time, error) {
	var since time.Time
	err := e.store.WithinTransaction(ctx, func(tx *store.Tx) error {
		for _, table := range records.Tables {
			dirty, err := tx.DirtyRecords(table)
			if err != nil {
				return err
			}
			current.dirty[table] = dirty
		}
		if current.options.FullReset {
			return nil
		}
		mark, err := tx.HighWaterMark(e.session.Scope())
		since = mark
		return err
	})
	if err != nil {
		return time.Time{}, err
	}
	if current.options.FullReset {
		for _, dirty := range current.dirty {
			current.summary.Discarded += len(dirty)
		}
		if current.summary.Discarded > 0 {
			e.logger.Warn("full reset discards unsynchronized local changes", zap.Int("records", current.summary.Discarded))
		}
	}
	return since, nil
}

func (e *Engine) push(ctx context.Context, current *pass) error {
	for _, table := range records.Tables {
		dirty := current.dirty[table]
		for start := 0; start < len(dirty); start += protocol.MaxBatchSize {
			end := min(start+protocol.MaxBatchSize, len(dirty))
			if err := e.pushBatch(ctx, current, table, dirty[start:end]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) pushBatch(ctx context.Context, current *pass, table string, batch []records.Record) error {
	response, err := e.transport.Push(ctx, e.session.Token, protocol.PushRequest{Table: table, Records: batch})
	if err != nil {
		e.logError("push", "transport_failed", err, zap.String("table", table), zap.Int("records", len(batch)))
		return fmt.Errorf("push %s: %w", table, err)
	}

	pushed := make(map[string]records.Record, len(batch))
	for _, record := range batch {
		pushed[record.UUID] = record
	}
	if err := checkPushResponse(table, pushed, response.Results); err != nil {
		e.logError("push", "incomplete_response", err, zap.String("table", table), zap.Int("records", len(batch)))
		return err
	}

	var conflicts []Conflict
	var refused []string
	accepted := 0
	rejected := 0
	err = e.store.WithinTransaction(ctx, func(tx *store.Tx) error {
		for _, outcome := range response.Results {
			local := pushed[outcome.UUID]
			if !outcome.Accepted {
				rejected++
				if outcome.ServerVersion != nil {
					conflicts = append(conflicts, Conflict{Table: table, UUID: local.UUID, Local: local, Server: *outcome.ServerVersion})
				} else {
					refused = append(refused, local.UUID)
				}
				continue
			}
			accepted++
			confirmed, err := tx.MarkSynced(table, local.UUID, local.LastModified)
			if err != nil {
				return err
			}
			if !confirmed {
				e.logger.Debug("record changed during push; left dirty", zap.String("table", table), zap.String("uuid", local.UUID))
			}
		}
		return nil
	})
	if err != nil {
		e.logError("push", "mark_synced_failed", err, zap.String("table", table))
		return err
	}

	for _, outcome := range response.Results {
		if outcome.Accepted {
			current.accepted[records.Key{Table: table, UUID: outcome.UUID}] = pushed[outcome.UUID].LastModified
		}
	}
	for _, conflict := range conflicts {
		current.addConflict(conflict)
	}
	if len(refused) > 0 {
		e.logger.Warn("server refused records without a newer version; left pending",
			zap.String("table", table), zap.Strings("uuids", refused))
	}
	current.summary.Pushed[table] += accepted
	current.summary.Rejected += rejected
	current.summary.Refused += len(refused)
	return nil
}

// checkPushResponse requires exactly one answer per pushed record.
func checkPushResponse(table string, pushed map[string]records.Record, results []protocol.PushResult) error {
	answered := make(map[string]struct{}, len(results))
	for _, outcome := range results {
		if _, known := pushed[outcome.UUID]; !known {
			return fmt.Errorf("push %s: %w: answer for unknown record %s", table, ErrIncompletePush, outcome.UUID)
		}
		if _, duplicate := answered[outcome.UUID]; duplicate {
			return fmt.Errorf("push %s: %w: record %s answered twice", table, ErrIncompletePush, outcome.UUID)
		}
		answered[outcome.UUID] = struct{}{}
	}
	if missing := len(pushed) - len(answered); missing > 0 {
		return fmt.Errorf("push %s: %w: %d of %d records unanswered", table, ErrIncompletePush, missing, len(pushed))
	}
	return nil
}

// pull fetches every table concurrently. Any failure aborts the pass before anything is merged.
func (e *Engine) pull(ctx context.Context, since time.Time) ([]protocol.PullResponse, error) {
	pulls := make([]protocol.PullResponse, len(records.Tables))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.concurrency)
	for index, table := range records.Tables {
		group.Go(func() error {
			response, err := e.transport.Pull(groupCtx, e.session.Token, table, since)
			if err != nil {
				e.logError("pull", "transport_failed", err, zap.String("table", table))
				return fmt.Errorf("pull %s: %w", table, err)
			}
			for _, record := range response.Records {
				if record.Table != table {
					return fmt.Errorf("pull %s: %w: %s record", table, records.ErrTableMismatch, record.Table)
				}
			}
			response.Table = table
			pulls[index] = response
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return pulls, nil
}

// merge applies each pulled table in its own transaction, so a failure leaves that table's batch
// entirely unapplied while earlier tables stay committed. Devices are checked against the active
// serial rule once the whole batch is written; a collision holds back the devices table only.
func (e *Engine) merge(ctx context.Context, current *pass, pulls []protocol.PullResponse) error {
	var failures error
	for _, pulled := range pulls {
		current.summary.Pulled[pulled.Table] += len(pulled.Records)
		if len(pulled.Records) == 0 {
			continue
		}
		var conflicts []Conflict
		var written []string
		err := e.store.WithinTransaction(ctx, func(tx *store.Tx) error {
			for _, incoming := range pulled.Records {
				conflict, wrote, err := e.mergeRecord(tx, current, incoming)
				if err != nil {
					return err
				}
				if conflict != nil {
					conflicts = append(conflicts, *conflict)
				}
				if wrote {
					written = append(written, incoming.UUID)
				}
			}
			if pulled.Table == records.TableDevices {
				return tracker.CheckSerialCollisions(tx, written)
			}
			return nil
		})
		if err != nil {
			e.logError("merge", "table_rolled_back", err, zap.String("table", pulled.Table), zap.Int("records", len(pulled.Records)))
			err = fmt.Errorf("merge %s: %w", pulled.Table, err)
			if errors.Is(err, tracker.ErrDuplicateSerial) {
				// Only this table is held back; the remaining tables still merge.
				failures = multierr.Append(failures, err)
				continue
			}
			return multierr.Append(failures, err)
		}
		current.summary.Applied += len(written)
		for _, conflict := range conflicts {
			current.addConflict(conflict)
		}
	}
	return failures
}

func (e *Engine) mergeRecord(tx *store.Tx, current *pass, incoming records.Record) (*Conflict, bool, error) {
	local, err := tx.Find(incoming.Table, incoming.UUID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, true, applyServerRecord(tx, incoming)
	}
	if err != nil {
		return nil, false, err
	}
	if local.Meta().State.IsSynced() {
		return nil, true, applyServerRecord(tx, incoming)
	}

	if pushedAt, ok := current.accepted[incoming.Key()]; ok && pushedAt.Equal(records.Timestamp(incoming.LastModified)) {
		// Our own push echoed back; a newer local edit goes out on the next pass.
		return nil, false, nil
	}
	localRecord, err := records.FromEntity(local)
	if err != nil {
		return nil, false, err
	}
	if sameContent(localRecord, incoming) {
		_, err := tx.MarkSynced(incoming.Table, incoming.UUID, localRecord.LastModified)
		return nil, false, err
	}
	return &Conflict{Table: incoming.Table, UUID: incoming.UUID, Local: localRecord, Server: incoming}, false, nil
}

// reset replaces every syncable row with the server's dataset in one transaction.
func (e *Engine) reset(ctx context.Context, current *pass, pulls []protocol.PullResponse) error {
	err := e.store.WithinTransaction(ctx, func(tx *store.Tx) error {
		removed, err := tx.Wipe()
		if err != nil {
			return err
		}
		e.logger.Info("local store wiped for full reset", zap.Any("removed", removed))
		var devices []string
		for _, pulled := range pulls {
			for _, incoming := range pulled.Records {
				if err := applyServerRecord(tx, incoming); err != nil {
					return fmt.Errorf("reset %s: %w", pulled.Table, err)
				}
				if pulled.Table == records.TableDevices {
					devices = append(devices, incoming.UUID)
				}
			}
		}
		if err := tracker.CheckSerialCollisions(tx, devices); err != nil {
			return fmt.Errorf("reset %s: %w", records.TableDevices, err)
		}
		if current.mark.IsZero() {
			return nil
		}
		return tx.SetHighWaterMark(e.session.Scope(), current.mark)
	})
	if err != nil {
		e.logError("reset", "rolled_back", err)
		return err
	}
	current.summary.Reset = true
	for _, pulled := range pulls {
		current.summary.Pulled[pulled.Table] += len(pulled.Records)
		current.summary.Applied += len(pulled.Records)
	}
	return nil
}

// applyServerRecord writes a server-origin record as confirmed.
func applyServerRecord(tx *store.Tx, incoming records.Record) error {
	entity, err := incoming.Decode(true)
	if err != nil {
		return err
	}
	return tx.Upsert(entity)
}

// sameContent reports whether two versions of a record carry identical state.
func sameContent(local, server records.Record) bool {
	if local.IsDeleted != server.IsDeleted {
		return false
	}
	if !records.Timestamp(local.LastModified).Equal(records.Timestamp(server.LastModified)) {
		return false
	}
	var localPayload, serverPayload bytes.Buffer
	if json.Compact(&localPayload, local.Payload) != nil || json.Compact(&serverPayload, server.Payload) != nil {
		return false
	}
	return bytes.Equal(localPayload.Bytes(), serverPayload.Bytes())
}

// nextHighWaterMark is the earliest server time across tables, so no table can skip a change.
func nextHighWaterMark(pulls []protocol.PullResponse) time.Time {
	var mark time.Time
	for _, pulled := range pulls {
		if pulled.ServerTime.IsZero() {
			return time.Time{}
		}
		if mark.IsZero() || pulled.ServerTime.Before(mark) {
			mark = pulled.ServerTime
		}
	}
	return records.Timestamp(mark)
}

func (e *Engine) enter(current *pass, phase Phase) {
	current.phase = phase
	e.logger.Debug("sync phase", zap.String("phase", string(phase)))
	if e.onPhase != nil {
		e.onPhase(phase)
	}
}

func (e *Engine) failed(phase Phase, err error, retryable bool) Result {
	e.logger.Warn("sync failed",
		zap.String("phase", string(phase)),
		zap.Bool("retryable", retryable),
		zap.Error(err),
	)
	if e.onPhase != nil {
		e.onPhase(PhaseFailed)
	}
	return Result{Status: StatusError, Message: err.Error(), Phase: PhaseFailed, Retryable: retryable, Err: err}
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	logFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	e.logger.Error("syncer operation failed", logFields...)
}
