package compiler

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Topology is the exception-handling shape of a module: the landingpad of
// every throwing bci with its clauses, and the unwind edge of every block.
// It can be computed from a module or recovered from its dump.
type Topology struct {
	Pads   map[int]PadTopology
	Unwind map[string]string // block label -> landingpad label
}

// PadTopology describes one landingpad by labels.
type PadTopology struct {
	Label   string
	Cleanup bool
	Clauses []string // "catch <type> <label>", "catch any <label>", "cleanup <label>"
}

// Topology computes the exception-handling shape of m.
func (m *Module) Topology() *Topology {
	topo := &Topology{Pads: make(map[int]PadTopology), Unwind: make(map[string]string)}
	for _, b := range m.Blocks {
		if b.Pad != nil {
			pt := PadTopology{Label: b.Label, Cleanup: b.Pad.Cleanup}
			for _, c := range b.Pad.Clauses {
				pt.Clauses = append(pt.Clauses, clauseKey(m.renderClause(c)))
			}
			topo.Pads[b.Pad.BCI] = pt
		}
		if u := b.UnwindTarget(); u != NoBlock {
			topo.Unwind[b.Label] = m.Blocks[u].Label
		}
	}
	return topo
}

var (
	padLabelRe = regexp.MustCompile(`^bci_(\d+)_unwind_dest$`)
	clauseRe   = regexp.MustCompile(`^(cleanup|catch \S+) label %(\S+)$`)
	unwindRe   = regexp.MustCompile(`unwind label %(\S+)$`)
)

// clauseKey normalizes a rendered clause line to "<kind> <label>".
func clauseKey(line string) string {
	mm := clauseRe.FindStringSubmatch(line)
	if mm == nil {
		return line
	}
	return mm[1] + " " + mm[2]
}

// ParseTopology recovers the topology from Module.Dump output.
func ParseTopology(text string) (*Topology, error) {
	topo := &Topology{Pads: make(map[int]PadTopology), Unwind: make(map[string]string)}
	var (
		label  string
		padBCI = -1
		pad    PadTopology
		lineNo int
	)
	flush := func() {
		if padBCI >= 0 {
			topo.Pads[padBCI] = pad
		}
		padBCI = -1
	}
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		switch {
		case line == "" || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "define ") || line == "}":
			continue
		case !strings.HasPrefix(line, " ") && strings.HasSuffix(line, ":"):
			flush()
			label = strings.TrimSuffix(line, ":")
			if mm := padLabelRe.FindStringSubmatch(label); mm != nil {
				padBCI, _ = strconv.Atoi(mm[1])
				pad = PadTopology{Label: label}
			}
			continue
		}
		if label == "" {
			return nil, errors.Errorf("line %d: instruction outside a block", lineNo)
		}
		body := strings.TrimSpace(line)
		if strings.HasPrefix(line, "    ") {
			if padBCI < 0 {
				return nil, errors.Errorf("line %d: clause outside a landingpad", lineNo)
			}
			if body == "cleanup" {
				pad.Cleanup = true
				continue
			}
			if !clauseRe.MatchString(body) {
				return nil, errors.Errorf("line %d: bad clause %q", lineNo, body)
			}
			pad.Clauses = append(pad.Clauses, clauseKey(body))
			continue
		}
		if mm := unwindRe.FindStringSubmatch(body); mm != nil {
			topo.Unwind[label] = mm[1]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "read dump")
	}
	flush()
	return topo, nil
}
