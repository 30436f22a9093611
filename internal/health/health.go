// Package health implements liveness and readiness probes for task-mcp's
// HTTP transport.
package health

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Probe is one readiness check. Critical probes failing mark the whole
// server not-ready; non-critical probes are reported but don't.
type Probe struct {
	Name     string
	Critical bool
	Check    func() error
}

// Checker aggregates liveness and readiness probes.
type Checker struct {
	startedAt time.Time
	openspec  string
	probes    []Probe
}

// New builds a Checker rooted at openspecRoot (the directory containing
// changes/), with the standard filesystem/memory/registry probes wired in.
func New(openspecRoot string, toolCount func() int) *Checker {
	c := &Checker{
		startedAt: time.Now(),
		openspec:  openspecRoot,
	}
	c.probes = []Probe{
		{Name: "filesystem", Critical: true, Check: c.checkFilesystem},
		{Name: "memory", Critical: false, Check: checkMemory},
		{Name: "toolRegistry", Critical: true, Check: func() error { return checkToolRegistry(toolCount) }},
	}
	return c
}

// Liveness reports whether the process is alive: true once uptime > 0.
func (c *Checker) Liveness() bool {
	return time.Since(c.startedAt) > 0
}

// ProbeResult is the outcome of one readiness probe.
type ProbeResult struct {
	Name     string `json:"name"`
	Critical bool   `json:"critical"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}

// Readiness runs every probe and reports overall readiness: ready unless a
// critical probe failed.
type Readiness struct {
	Ready  bool          `json:"ready"`
	Uptime string        `json:"uptime"`
	Probes []ProbeResult `json:"probes"`
}

func (c *Checker) Readiness() Readiness {
	r := Readiness{Ready: true, Uptime: time.Since(c.startedAt).Round(time.Second).String()}
	for _, p := range c.probes {
		res := ProbeResult{Name: p.Name, Critical: p.Critical, OK: true}
		if err := p.Check(); err != nil {
			res.OK = false
			res.Error = err.Error()
			if p.Critical {
				r.Ready = false
			}
		}
		r.Probes = append(r.Probes, res)
	}
	return r
}

func (c *Checker) checkFilesystem() error {
	if c.openspec == "" {
		return nil
	}
	probe := filepath.Join(c.openspec, ".health-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return err
	}
	return os.Remove(probe)
}

func checkMemory() error {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	// Informational only; task-mcp has no configured memory ceiling.
	return nil
}

func checkToolRegistry(toolCount func() int) error {
	if toolCount == nil {
		return nil
	}
	if toolCount() == 0 {
		return errNoTools
	}
	return nil
}

var errNoTools = toolRegistryError("no tools registered")

type toolRegistryError string

func (e toolRegistryError) Error() string { return string(e) }
