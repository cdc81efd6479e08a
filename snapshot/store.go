// Package snapshot persists solver checkpoints in the shared key-value
// store so an interrupted run can resume on another process. Every load
// re-verifies the content hash; a corrupt snapshot is discarded rather
// than resumed.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/rosterlab/rosterd/kv"
	"github.com/rosterlab/rosterd/structs"
)

const (
	checkpointPrefix = "snapshot:run:"
	historyPrefix    = "snapshot:history:"

	// historyDepth bounds the per-run hash history kept for debugging.
	historyDepth = 8
)

// Config configures the checkpoint store.
type Config struct {
	// TTL is refreshed on every save; an abandoned run's checkpoint
	// disappears after it lapses.
	TTL time.Duration
}

// DefaultConfig returns the standard checkpoint retention policy.
func DefaultConfig() *Config {
	return &Config{TTL: 24 * time.Hour}
}

// Store reads and writes solver checkpoints.
type Store struct {
	logger hclog.Logger
	kv     kv.Store
	ttl    time.Duration
}

// NewStore constructs a checkpoint store.
func NewStore(logger hclog.Logger, store kv.Store, cfg *Config) *Store {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Store{
		logger: logger.Named("snapshot"),
		kv:     store,
		ttl:    cfg.TTL,
	}
}

// Save stamps the checkpoint hash and persists it, refreshing the TTL and
// appending the hash to the run's bounded history.
func (s *Store) Save(ctx context.Context, cp *structs.SolverCheckpoint) (*structs.SolverCheckpoint, error) {
	if cp.RunID == "" {
		return nil, fmt.Errorf("checkpoint requires a run ID")
	}

	saved := cp.Copy()
	saved.SavedAt = time.Now().UTC()
	saved.SetHash()

	buf, err := json.Marshal(saved)
	if err != nil {
		return nil, fmt.Errorf("checkpoint encode failed: %w", err)
	}
	if err := s.kv.SetEx(ctx, checkpointPrefix+saved.RunID, s.ttl, string(buf)); err != nil {
		return nil, fmt.Errorf("checkpoint write failed: %w", err)
	}
	s.appendHistory(ctx, saved.RunID, saved.Hash)

	metrics.IncrCounter([]string{"snapshot", "save"}, 1)
	s.logger.Debug("checkpoint saved", "run_id", saved.RunID,
		"iteration", saved.Iteration, "score", saved.Score, "hash", saved.Hash)
	return saved, nil
}

// Load returns the verified checkpoint for a run, or nil when none exists.
// A checkpoint that fails hash verification is deleted and reported as
// absent; resuming from corrupt state is worse than restarting.
func (s *Store) Load(ctx context.Context, runID string) (*structs.SolverCheckpoint, error) {
	raw, err := s.kv.Get(ctx, checkpointPrefix+runID)
	if errors.Is(err, kv.ErrNil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint read failed: %w", err)
	}

	var cp structs.SolverCheckpoint
	if err := json.Unmarshal([]byte(raw), &cp); err != nil {
		s.discardCorrupt(ctx, runID, "undecodable checkpoint", err)
		return nil, nil
	}
	if !cp.Verify() {
		s.discardCorrupt(ctx, runID, "checkpoint hash mismatch", structs.ErrCheckpointCorrupt)
		return nil, nil
	}
	return &cp, nil
}

// Delete removes the checkpoint and its history for a run.
func (s *Store) Delete(ctx context.Context, runID string) error {
	return s.kv.Del(ctx, checkpointPrefix+runID, historyPrefix+runID)
}

// History returns the most recent checkpoint hashes for a run, newest
// last, at most historyDepth entries.
func (s *Store) History(ctx context.Context, runID string) ([]string, error) {
	raw, err := s.kv.Get(ctx, historyPrefix+runID)
	if errors.Is(err, kv.ErrNil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("history read failed: %w", err)
	}
	var hashes []string
	if err := json.Unmarshal([]byte(raw), &hashes); err != nil {
		return nil, fmt.Errorf("history decode failed: %w", err)
	}
	return hashes, nil
}

func (s *Store) appendHistory(ctx context.Context, runID, hash string) {
	hashes, err := s.History(ctx, runID)
	if err != nil {
		s.logger.Warn("checkpoint history read failed", "run_id", runID, "error", err)
		return
	}
	hashes = append(hashes, hash)
	if len(hashes) > historyDepth {
		hashes = hashes[len(hashes)-historyDepth:]
	}
	buf, _ := json.Marshal(hashes)
	if err := s.kv.SetEx(ctx, historyPrefix+runID, s.ttl, string(buf)); err != nil {
		s.logger.Warn("checkpoint history write failed", "run_id", runID, "error", err)
	}
}

func (s *Store) discardCorrupt(ctx context.Context, runID, msg string, err error) {
	metrics.IncrCounter([]string{"snapshot", "corrupt"}, 1)
	s.logger.Error(msg+", discarding", "run_id", runID, "error", err)
	if derr := s.kv.Del(ctx, checkpointPrefix+runID); derr != nil {
		s.logger.Warn("failed to delete corrupt checkpoint", "run_id", runID, "error", derr)
	}
}
