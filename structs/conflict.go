package structs

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"
)

// ConflictSeverity orders conflicts for triage. Ordinal() gives the sort
// rank; higher is worse.
type ConflictSeverity string

const (
	SeverityLow      ConflictSeverity = "low"
	SeverityMedium   ConflictSeverity = "medium"
	SeverityHigh     ConflictSeverity = "high"
	SeverityCritical ConflictSeverity = "critical"
)

// Ordinal returns the numeric rank of the severity, higher is worse.
func (s ConflictSeverity) Ordinal() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// ConflictCategory names the detector family that produced a conflict.
type ConflictCategory string

const (
	ConflictTimeOverlap        ConflictCategory = "time-overlap"
	ConflictResourceContention ConflictCategory = "resource-contention"
	ConflictACGME              ConflictCategory = "acgme-violation"
	ConflictSupervision        ConflictCategory = "supervision"
	ConflictAvailability       ConflictCategory = "availability-conflict"
	ConflictWorkloadImbalance  ConflictCategory = "workload-imbalance"
	ConflictPattern            ConflictCategory = "pattern-violation"
)

// Conflict is a detected rule violation over a date range. Impact, urgency
// and complexity are independent scores in [0,1]; WeightedScore combines
// them for display ordering within a severity class.
type Conflict struct {
	ID       string
	Category ConflictCategory
	Severity ConflictSeverity

	// Description is a short operator-facing summary.
	Description string

	Start time.Time
	End   time.Time

	AffectedPeople []string
	AffectedBlocks []string

	Impact     float64
	Urgency    float64
	Complexity float64
}

// WeightedScore is the display score used for ordering conflicts of equal
// severity: impact 0.5, urgency 0.3, complexity 0.2.
func (c *Conflict) WeightedScore() float64 {
	return c.Impact*0.5 + c.Urgency*0.3 + c.Complexity*0.2
}

// SetID stamps the conflict with its deterministic identity, derived from
// the category, the sorted affected entity sets and the date range. Two
// detectors finding the same condition therefore collide and de-duplicate.
func (c *Conflict) SetID() {
	people := make([]string, len(c.AffectedPeople))
	copy(people, c.AffectedPeople)
	sort.Strings(people)
	blocks := make([]string, len(c.AffectedBlocks))
	copy(blocks, c.AffectedBlocks)
	sort.Strings(blocks)

	h := sha256.New()
	h.Write([]byte(c.Category))
	for _, p := range people {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	for _, b := range blocks {
		h.Write([]byte{1})
		h.Write([]byte(b))
	}
	h.Write([]byte(c.Start.UTC().Format("2006-01-02")))
	h.Write([]byte(c.End.UTC().Format("2006-01-02")))
	c.ID = hex.EncodeToString(h.Sum(nil))[:16]
}
