package syncer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/esasync/internal/records"
)

// Status is the terminal outcome of a pass.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusConflict       Status = "conflict"
	StatusError          Status = "error"
	StatusAlreadyRunning Status = "already_running"
)

// Phase is a step of the pass state machine.
type Phase string

const (
	PhaseCollecting Phase = "collecting"
	PhasePushing    Phase = "pushing"
	PhasePulling    Phase = "pulling"
	PhaseMerging    Phase = "merging"
	PhaseDone       Phase = "done"
	PhaseConflict   Phase = "conflict"
	PhaseFailed     Phase = "failed"
)

// Conflict describes a record both sides changed since they last agreed.
type Conflict struct {
	Table  string         `json:"table"`
	UUID   string         `json:"uuid"`
	Local  records.Record `json:"local_version"`
	Server records.Record `json:"server_version"`
}

// Key identifies the conflicting record.
func (c Conflict) Key() records.Key {
	return records.Key{Table: c.Table, UUID: c.UUID}
}

// Summary counts what a pass moved.
type Summary struct {
	Pushed    map[string]int `json:"pushed"`
	Rejected  int            `json:"rejected"`
	Refused   int            `json:"refused"`
	Pulled    map[string]int `json:"pulled"`
	Applied   int            `json:"applied"`
	Discarded int            `json:"discarded"`
	Reset     bool           `json:"reset"`
}

func newSummary() Summary {
	return Summary{Pushed: map[string]int{}, Pulled: map[string]int{}}
}

// TotalPushed returns the number of records the server accepted.
func (s Summary) TotalPushed() int {
	return total(s.Pushed)
}

// TotalPulled returns the number of records received from the server.
func (s Summary) TotalPulled() int {
	return total(s.Pulled)
}

// String renders the human-readable outcome of a successful pass.
func (s Summary) String() string {
	if s.Reset {
		return fmt.Sprintf("local data replaced with %d records from the server", s.Applied)
	}
	if s.TotalPushed() == 0 && s.Applied == 0 && s.Rejected == 0 {
		return "nothing to synchronize"
	}
	parts := []string{
		fmt.Sprintf("pushed %d", s.TotalPushed()),
		fmt.Sprintf("received %d", s.Applied),
	}
	if details := perTable(s.Pushed); details != "" {
		parts[0] += " (" + details + ")"
	}
	if details := perTable(s.Pulled); details != "" {
		parts[1] += " (" + details + ")"
	}
	if s.Refused > 0 {
		parts = append(parts, fmt.Sprintf("%d refused by the server and left pending", s.Refused))
	}
	return strings.Join(parts, ", ")
}

// Result is the single outcome delivered for a pass or a supervised run.
type Result struct {
	Status    Status     `json:"status"`
	Message   string     `json:"message"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
	Summary   Summary    `json:"summary"`
	Phase     Phase      `json:"phase"`
	Retryable bool       `json:"retryable"`
	Attempts  int        `json:"attempts"`
	Err       error      `json:"-"`
}

func total(counts map[string]int) int {
	sum := 0
	for _, count := range counts {
		sum += count
	}
	return sum
}

func perTable(counts map[string]int) string {
	tables := make([]string, 0, len(counts))
	for table, count := range counts {
		if count > 0 {
			tables = append(tables, table)
		}
	}
	sort.Strings(tables)
	parts := make([]string, 0, len(tables))
	for _, table := range tables {
		parts = append(parts, fmt.Sprintf("%s %d", table, counts[table]))
	}
	return strings.Join(parts, ", ")
}
