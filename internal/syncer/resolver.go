package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/esasync/internal/store"
	"go.uber.org/zap"
)

// Resolution is a human decision about one conflict.
type Resolution string

const (
	// KeepLocal re-stamps the local version so the next pass pushes it over the server's.
	KeepLocal Resolution = "keep_local"
	// UseServer replaces the local version with the server's and confirms it.
	UseServer Resolution = "use_server"
	// Defer leaves the conflict and abandons the rest of the batch.
	Defer Resolution = "defer"
)

// ErrUnknownResolution indicates a decision outside the three known resolutions.
var ErrUnknownResolution = errors.New("syncer: unknown resolution")

// Decider asks for the resolution of one conflict.
type Decider func(ctx context.Context, conflict Conflict) (Resolution, error)

// BatchOutcome reports how far a batch of conflicts got.
type BatchOutcome struct {
	KeptLocal  int
	UsedServer int
	Deferred   int
	Abandoned  bool
}

// Resolver applies conflict resolutions to the local store, one transaction per record.
type Resolver struct {
	store  *store.Store
	logger *zap.Logger
}

// NewResolver constructs a Resolver.
func NewResolver(recordStore *store.Store, logger *zap.Logger) (*Resolver, error) {
	if recordStore == nil {
		return nil, errMissingStore
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{store: recordStore, logger: logger}, nil
}

// Apply carries out a single resolution. Defer is a no-op.
func (r *Resolver) Apply(ctx context.Context, conflict Conflict, resolution Resolution) error {
	var err error
	switch resolution {
	case KeepLocal:
		err = r.store.WithinTransaction(ctx, func(tx *store.Tx) error {
			_, touchErr := tx.Touch(conflict.Table, conflict.UUID, conflict.Server.LastModified)
			return touchErr
		})
	case UseServer:
		err = r.store.WithinTransaction(ctx, func(tx *store.Tx) error {
			return applyServerRecord(tx, conflict.Server)
		})
	case Defer:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownResolution, string(resolution))
	}
	if err != nil {
		r.logger.Error("conflict resolution failed",
			zap.String("table", conflict.Table),
			zap.String("uuid", conflict.UUID),
			zap.String("resolution", string(resolution)),
			zap.Error(err),
		)
		return fmt.Errorf("resolve %s %s: %w", conflict.Table, conflict.UUID, err)
	}
	r.logger.Info("conflict resolved",
		zap.String("table", conflict.Table),
		zap.String("uuid", conflict.UUID),
		zap.String("resolution", string(resolution)),
	)
	return nil
}

// ResolveBatch asks decide about each conflict in order and applies the answers. The first Defer
// abandons the remaining conflicts; they stay dirty and the next pass reports them again.
func (r *Resolver) ResolveBatch(ctx context.Context, conflicts []Conflict, decide Decider) (BatchOutcome, error) {
	var outcome BatchOutcome
	for index, conflict := range conflicts {
		resolution, err := decide(ctx, conflict)
		if err != nil {
			return outcome, err
		}
		if resolution == Defer {
			outcome.Deferred = len(conflicts) - index
			outcome.Abandoned = true
			return outcome, nil
		}
		if err := r.Apply(ctx, conflict, resolution); err != nil {
			return outcome, err
		}
		if resolution == KeepLocal {
			outcome.KeptLocal++
		} else {
			outcome.UsedServer++
		}
	}
	return outcome, nil
}
