// Package statemachine is the single source of truth for evaluation status
// transitions. Every component that writes a status change must ask this
// package first; the transition table itself ships with the service as a
// declarative YAML document so that adding an edge is a reviewed change, not
// a code path someone slipped in.
package statemachine

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v2"
)

// Status is an evaluation lifecycle status.
type Status string

const (
	StatusSubmitted    Status = "submitted"
	StatusQueued       Status = "queued"
	StatusProvisioning Status = "provisioning"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
	StatusTimeout      Status = "timeout"
)

//go:embed transitions.yaml
var defaultTable []byte

// tableFile is the on-disk shape of the transition table.
type tableFile struct {
	Terminal    []string            `yaml:"terminal"`
	Transitions map[string][]string `yaml:"transitions"`
}

// Machine answers "may X transition to Y" and "is Y terminal". It is
// immutable after Load and safe for concurrent use.
type Machine struct {
	transitions map[Status]map[Status]bool
	terminal    map[Status]bool
}

// Load reads the transition table from path. An empty path loads the table
// shipped with the binary.
func Load(path string) (*Machine, error) {
	data := defaultTable
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read transition table: %w", err)
		}
		data = b
	}
	return parse(data)
}

func parse(data []byte) (*Machine, error) {
	var tf tableFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse transition table: %w", err)
	}
	if len(tf.Transitions) == 0 {
		return nil, fmt.Errorf("transition table is empty")
	}

	m := &Machine{
		transitions: make(map[Status]map[Status]bool),
		terminal:    make(map[Status]bool),
	}
	for _, t := range tf.Terminal {
		m.terminal[Status(t)] = true
	}
	for from, tos := range tf.Transitions {
		if m.terminal[Status(from)] {
			return nil, fmt.Errorf("terminal state %q must not have outgoing transitions", from)
		}
		set := make(map[Status]bool, len(tos))
		for _, to := range tos {
			set[Status(to)] = true
		}
		m.transitions[Status(from)] = set
	}
	return m, nil
}

// ValidateTransition reports whether from may transition to to. When it may
// not, reason carries a human-readable explanation suitable for logs.
func (m *Machine) ValidateTransition(from, to Status) (bool, string) {
	if m.terminal[from] {
		return false, fmt.Sprintf("%s is terminal; no outgoing transitions", from)
	}
	succ, known := m.transitions[from]
	if !known {
		return false, fmt.Sprintf("unknown status %q", from)
	}
	if !succ[to] {
		return false, fmt.Sprintf("transition %s -> %s is not permitted", from, to)
	}
	return true, ""
}

// IsTerminal reports whether status has no outgoing transitions.
func (m *Machine) IsTerminal(status Status) bool {
	return m.terminal[status]
}

// Successors returns the set of statuses reachable from status in one step.
// Terminal and unknown statuses have no successors.
func (m *Machine) Successors(status Status) []Status {
	succ := m.transitions[status]
	out := make([]Status, 0, len(succ))
	for s := range succ {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
