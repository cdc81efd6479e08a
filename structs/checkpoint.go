package structs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// AssignmentTuple is the flat serialization of one solver placement. The
// checkpoint graph is a plain list of these; canonical ordering makes the
// list hashable.
type AssignmentTuple struct {
	PersonID   string `json:"person_id"`
	BlockID    string `json:"block_id"`
	TemplateID string `json:"template_id,omitempty"`
}

// SolverCheckpoint is an immutable snapshot of in-progress solver state.
// The stored hash binds run ID, iteration, assignments and score; Verify
// recomputes it on load so a corrupted snapshot is never resumed.
type SolverCheckpoint struct {
	RunID       string            `json:"run_id"`
	Iteration   int               `json:"iteration"`
	Assignments []AssignmentTuple `json:"assignments"`
	Score       float64           `json:"score"`
	Hash        string            `json:"hash"`
	SavedAt     time.Time         `json:"saved_at"`
}

// canonicalPayload is the hashed subset of the checkpoint. SavedAt and the
// hash itself are excluded so that TTL refreshes do not invalidate it.
type canonicalPayload struct {
	RunID       string            `json:"run_id"`
	Iteration   int               `json:"iteration"`
	Assignments []AssignmentTuple `json:"assignments"`
	Score       float64           `json:"score"`
}

// ComputeHash returns the truncated hex SHA-256 of the checkpoint's
// canonical serialization: assignments sorted by (block, person, template).
func (c *SolverCheckpoint) ComputeHash() string {
	sorted := make([]AssignmentTuple, len(c.Assignments))
	copy(sorted, c.Assignments)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].BlockID != sorted[j].BlockID {
			return sorted[i].BlockID < sorted[j].BlockID
		}
		if sorted[i].PersonID != sorted[j].PersonID {
			return sorted[i].PersonID < sorted[j].PersonID
		}
		return sorted[i].TemplateID < sorted[j].TemplateID
	})

	payload := canonicalPayload{
		RunID:       c.RunID,
		Iteration:   c.Iteration,
		Assignments: sorted,
		Score:       c.Score,
	}

	// Field order in the struct fixes key order in the encoding, so the
	// bytes are stable across processes.
	buf, _ := json.Marshal(payload)
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])[:16]
}

// SetHash stamps the checkpoint with its canonical hash.
func (c *SolverCheckpoint) SetHash() {
	c.Hash = c.ComputeHash()
}

// Verify reports whether the stored hash matches the content.
func (c *SolverCheckpoint) Verify() bool {
	return c.Hash != "" && c.Hash == c.ComputeHash()
}

// Copy returns a deep copy of the checkpoint.
func (c *SolverCheckpoint) Copy() *SolverCheckpoint {
	if c == nil {
		return nil
	}
	nc := *c
	nc.Assignments = make([]AssignmentTuple, len(c.Assignments))
	copy(nc.Assignments, c.Assignments)
	return &nc
}
