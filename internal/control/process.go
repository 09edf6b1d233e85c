package control

import (
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// MatchedProcess is one process whose command line matched the CLI tool
// pattern.
type MatchedProcess struct {
	PID     int32
	Cmdline string
}

// ProcessMatcher finds and signals OS processes by command-line heuristic.
// Matching is best-effort and platform-dependent: it may hit zero, one, or
// several unrelated processes, so callers only ever signal and never assume
// the signal landed. Sandboxed deployments can supply NoopMatcher.
type ProcessMatcher interface {
	Match(pattern string) ([]MatchedProcess, error)
	Terminate(pid int32) error
	Kill(pid int32) error
}

// GopsutilMatcher scans the process table via gopsutil.
type GopsutilMatcher struct{}

func (GopsutilMatcher) Match(pattern string) ([]MatchedProcess, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}

	var matched []MatchedProcess
	for _, p := range procs {
		cmdline, err := p.Cmdline()
		if err != nil || cmdline == "" {
			continue
		}
		if !strings.Contains(cmdline, pattern) {
			continue
		}
		// Skip node_modules helper binaries spawned by the CLI itself.
		if strings.Contains(cmdline, "node_modules/.bin") {
			continue
		}
		matched = append(matched, MatchedProcess{PID: p.Pid, Cmdline: cmdline})
	}
	return matched, nil
}

func (GopsutilMatcher) Terminate(pid int32) error {
	p, err := process.NewProcess(pid)
	if err != nil {
		return err
	}
	return p.Terminate()
}

func (GopsutilMatcher) Kill(pid int32) error {
	p, err := process.NewProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

// NoopMatcher matches nothing and signals nothing. For platforms or
// sandboxes where process-table scanning is unavailable.
type NoopMatcher struct{}

func (NoopMatcher) Match(string) ([]MatchedProcess, error) { return nil, nil }
func (NoopMatcher) Terminate(int32) error                  { return nil }
func (NoopMatcher) Kill(int32) error                       { return nil }
