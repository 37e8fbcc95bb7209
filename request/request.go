// Package request tracks evaluation and lookup requests from submission
// until the presentation layer clears them.
package request

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Status is the lifecycle state of a request.
type Status int

const (
	// Pending requests are waiting for the remote to answer.
	Pending Status = iota
	// Interrupting requests had an interrupt sent and still wait for the final answer.
	Interrupting
	// Success requests carry a value.
	Success
	// Exception requests carry error text and optionally a trace.
	Exception
	// Lookup requests carry symbol info.
	Lookup
	// Done is reported for requests erased because the remote finished them
	// without a value or an exception.
	Done
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Interrupting:
		return "interrupt"
	case Success:
		return "success"
	case Exception:
		return "exception"
	case Lookup:
		return "lookup"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Resolved reports whether the remote already gave a final answer.
func (s Status) Resolved() bool {
	return s == Success || s == Exception || s == Lookup
}

// Terminal reports whether a request outlives the remote's "done". Lookups
// are resolved but not terminal: their info was already handed out.
func (s Status) Terminal() bool {
	return s == Success || s == Exception
}

// Kind distinguishes what a request was submitted for.
type Kind int

const (
	KindEval Kind = iota
	KindLookup
	KindLoadFile
	// KindStatus is a single per-context eval whose result feeds a status line.
	KindStatus
)

func (k Kind) String() string {
	switch k {
	case KindEval:
		return "eval"
	case KindLookup:
		return "lookup"
	case KindLoadFile:
		return "load-file"
	case KindStatus:
		return "status"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Position is a source location. Zero fields are unknown.
type Position struct {
	File   string
	Line   int
	Column int
}

func (p Position) String() string {
	s := p.File
	if p.Line > 0 {
		s += ":" + strconv.Itoa(p.Line)
		if p.Column > 0 {
			s += ":" + strconv.Itoa(p.Column)
		}
	}
	return s
}

// Failure is an error reported by the remote for a request.
type Failure struct {
	Message  string
	Location Position
	Trace    string
}

// LookupInfo is the symbol info bundle returned by a lookup.
type LookupInfo struct {
	NS       string
	Name     string
	File     string
	Arglists string
	Doc      string
	Forms    []string
}

// Qualified returns ns/name, or just name when the namespace is unknown.
func (i *LookupInfo) Qualified() string {
	if i.NS == "" {
		return i.Name
	}
	return i.NS + "/" + i.Name
}

// Request is a snapshot of one tracked request. The registry hands out
// copies; mutate a request through the registry.
type Request struct {
	ID      int64
	BatchID int64
	Context string
	Kind    Kind
	Code    string
	NS      string
	Session string
	// Owner is the serial of the connection the request was sent on.
	Owner    uint32
	Position Position

	Status  Status
	Value   string
	Glyph   string
	// Elapsed is the evaluation time reported by the remote, or NoElapsed.
	Elapsed time.Duration
	Trace   string
	ExLoc   Position
	Info    *LookupInfo
}

// NoElapsed marks a result without timing information.
const NoElapsed time.Duration = -1

// FormatElapsed renders d the way results are prefixed, e.g. "(12 ms)".
// It returns "" when d is unknown, below threshold, or threshold is negative.
func FormatElapsed(d, threshold time.Duration) string {
	if d < 0 || threshold < 0 || d < threshold {
		return ""
	}
	sec := d.Seconds()
	ms := float64(d) / float64(time.Millisecond)
	switch {
	case sec >= 10:
		return "(" + groupThousands(int64(math.Round(sec))) + " sec)"
	case sec >= 1:
		return "(" + strconv.FormatFloat(sec, 'f', 1, 64) + " sec)"
	case ms >= 5:
		return "(" + strconv.FormatFloat(ms, 'f', 0, 64) + " ms)"
	default:
		return "(" + strconv.FormatFloat(ms, 'f', 2, 64) + " ms)"
	}
}

func groupThousands(n int64) string {
	s := strconv.FormatInt(n, 10)
	if len(s) <= 3 {
		return s
	}
	out := make([]byte, 0, len(s)+len(s)/3)
	lead := len(s) % 3
	if lead > 0 {
		out = append(out, s[:lead]...)
	}
	for i := lead; i < len(s); i += 3 {
		if len(out) > 0 {
			out = append(out, ',')
		}
		out = append(out, s[i:i+3]...)
	}
	return string(out)
}
