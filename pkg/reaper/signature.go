package reaper

import (
	"path/filepath"
	"strings"
	"time"
)

// ProcessInfo is one row of an OS process snapshot
type ProcessInfo struct {
	PID        int
	PPID       int
	Name       string
	Exe        string
	Cmdline    []string
	CreateTime time.Time
}

// Signature identifies processes that are copies of the managed worker
type Signature struct {
	// Name matches the base name of the executable or the process name
	Name string `yaml:"name"`
	// CmdlineContains matches when any fragment appears in the joined command line
	CmdlineContains []string `yaml:"cmdline_contains"`
}

func (s Signature) IsEmpty() bool {
	return s.Name == "" && len(s.CmdlineContains) == 0
}

// interpreters run the worker code named by their arguments, so their
// executable name alone would match unrelated programs
var interpreters = map[string]bool{
	"python": true, "pypy": true, "node": true, "nodejs": true, "deno": true,
	"bun": true, "ruby": true, "perl": true, "php": true, "java": true,
	"lua": true, "rscript": true, "dotnet": true, "mono": true, "env": true,
	"sh": true, "bash": true, "dash": true, "zsh": true, "ksh": true,
	"npm": true, "npx": true, "uv": true,
}

// IsInterpreter reports whether an executable name belongs to a language
// runtime or shell. Version suffixes such as python3.12 are ignored.
func IsInterpreter(executable string) bool {
	name := strings.ToLower(filepath.Base(executable))
	name = strings.TrimSuffix(name, ".exe")
	name = strings.TrimRight(name, "0123456789.")
	return interpreters[name]
}

// DefaultSignature derives a signature from the worker launch command: the
// executable base name plus the first non-flag argument. An interpreter
// without such an argument gives no signature, ok is false.
func DefaultSignature(executable string, args []string) (Signature, bool) {
	if executable == "" {
		return Signature{}, false
	}
	sig := Signature{Name: filepath.Base(executable)}
	for _, arg := range args {
		if arg != "" && !strings.HasPrefix(arg, "-") {
			sig.CmdlineContains = []string{arg}
			break
		}
	}
	if len(sig.CmdlineContains) == 0 && IsInterpreter(executable) {
		return Signature{}, false
	}
	return sig, true
}

// Matches reports whether p looks like the worker. When both a name and
// fragments are set, both must match. An empty signature matches nothing.
func (s Signature) Matches(p ProcessInfo) bool {
	if s.IsEmpty() {
		return false
	}
	if s.Name != "" && !s.matchesName(p) {
		return false
	}
	if len(s.CmdlineContains) > 0 && !s.matchesCmdline(p) {
		return false
	}
	return true
}

func (s Signature) matchesName(p ProcessInfo) bool {
	if p.Name == s.Name {
		return true
	}
	if p.Exe != "" && filepath.Base(p.Exe) == s.Name {
		return true
	}
	// Interpreted workers show the interpreter as exe; the script is argv[0] or argv[1]
	for i, arg := range p.Cmdline {
		if i > 1 {
			break
		}
		if filepath.Base(arg) == s.Name {
			return true
		}
	}
	return false
}

func (s Signature) matchesCmdline(p ProcessInfo) bool {
	joined := strings.Join(p.Cmdline, " ")
	for _, fragment := range s.CmdlineContains {
		if fragment != "" && strings.Contains(joined, fragment) {
			return true
		}
	}
	return false
}

// Exclusion explains why a matching process is left alone
type Exclusion struct {
	PID    int    `json:"pid"`
	Reason string `json:"reason"`
}

const (
	ReasonManaged    = "managed worker"
	ReasonAncestor   = "supervisor ancestor"
	ReasonDescendant = "supervisor or worker descendant"
	ReasonSelf       = "supervisor itself"
	ReasonTooYoung   = "younger than grace window"
	ReasonNoStart    = "unknown start time"
)

// Selection splits the matching processes of a snapshot
type Selection struct {
	Candidates []ProcessInfo
	Skipped    []Exclusion
}

// Select finds the processes matching sig that may be terminated. It
// excludes the managed PID, the ancestry of selfPID, every descendant of
// selfPID or managedPID, and processes started less than grace before now.
func Select(snapshot []ProcessInfo, sig Signature, managedPID, selfPID int, now time.Time, grace time.Duration) Selection {
	var selection Selection
	if sig.IsEmpty() {
		return selection
	}

	ancestors := ancestorsOf(snapshot, selfPID)
	protected := descendantsOf(snapshot, selfPID, managedPID)

	for _, p := range snapshot {
		if !sig.Matches(p) {
			continue
		}

		reason := ""
		switch {
		case p.PID == selfPID:
			reason = ReasonSelf
		case managedPID > 0 && p.PID == managedPID:
			reason = ReasonManaged
		case ancestors[p.PID]:
			reason = ReasonAncestor
		case protected[p.PID]:
			reason = ReasonDescendant
		case p.CreateTime.IsZero():
			reason = ReasonNoStart
		case now.Sub(p.CreateTime) < grace:
			reason = ReasonTooYoung
		}

		if reason != "" {
			selection.Skipped = append(selection.Skipped, Exclusion{PID: p.PID, Reason: reason})
			continue
		}
		selection.Candidates = append(selection.Candidates, p)
	}
	return selection
}

// Candidates returns the processes Select would terminate
func Candidates(snapshot []ProcessInfo, sig Signature, managedPID, selfPID int, now time.Time, grace time.Duration) []ProcessInfo {
	return Select(snapshot, sig, managedPID, selfPID, now, grace).Candidates
}

func ancestorsOf(snapshot []ProcessInfo, pid int) map[int]bool {
	parents := make(map[int]int, len(snapshot))
	for _, p := range snapshot {
		parents[p.PID] = p.PPID
	}

	ancestors := make(map[int]bool)
	for current, ok := parents[pid]; ok && current > 0; current, ok = parents[current] {
		if ancestors[current] {
			break
		}
		ancestors[current] = true
	}
	return ancestors
}

func descendantsOf(snapshot []ProcessInfo, roots ...int) map[int]bool {
	children := make(map[int][]int, len(snapshot))
	for _, p := range snapshot {
		children[p.PPID] = append(children[p.PPID], p.PID)
	}

	descendants := make(map[int]bool)
	queue := make([]int, 0, len(roots))
	for _, root := range roots {
		if root > 0 {
			queue = append(queue, root)
		}
	}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, child := range children[current] {
			if child == current || descendants[child] {
				continue
			}
			descendants[child] = true
			queue = append(queue, child)
		}
	}
	return descendants
}
