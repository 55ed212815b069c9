package jit

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Profiler tracks what the engine compiled and ran.
type Profiler struct {
	mu            sync.RWMutex
	started       time.Time
	compiles      uint64
	instructions  uint64
	compileTime   time.Duration
	evaluations   uint64
	traps         uint64
	installs      map[string]uint32 // function name -> times installed
	redefinitions uint64
	lastRedefined time.Time
}

// NewProfiler creates an empty profiler
func NewProfiler() *Profiler {
	return &Profiler{
		started:  time.Now(),
		installs: make(map[string]uint32),
	}
}

// RecordCompile records one successful compilation
func (p *Profiler) RecordCompile(instructions int, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.compiles++
	p.instructions += uint64(instructions)
	p.compileTime += elapsed
}

func (p *Profiler) RecordInstall(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.installs[name]++
}

func (p *Profiler) RecordRedefinition() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.redefinitions++
	p.lastRedefined = time.Now()
}

func (p *Profiler) RecordEvaluation() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evaluations++
}

func (p *Profiler) RecordTrap() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.traps++
}

// Installs returns how many times name was installed
func (p *Profiler) Installs(name string) uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.installs[name]
}

// Reset clears all profiling data
func (p *Profiler) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = time.Now()
	p.compiles = 0
	p.instructions = 0
	p.compileTime = 0
	p.evaluations = 0
	p.traps = 0
	p.installs = make(map[string]uint32)
	p.redefinitions = 0
	p.lastRedefined = time.Time{}
}

// Snapshot copies the counters into a Stats value
func (p *Profiler) Snapshot() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var installs uint64
	for _, n := range p.installs {
		installs += uint64(n)
	}
	return Stats{
		Started:       p.started,
		Compilations:  p.compiles,
		Instructions:  p.instructions,
		CompileTime:   p.compileTime,
		Installs:      installs,
		Redefinitions: p.redefinitions,
		LastRedefined: p.lastRedefined,
		Evaluations:   p.evaluations,
		Traps:         p.traps,
	}
}

// Stats returns engine statistics
type Stats struct {
	Started       time.Time
	Compilations  uint64
	Instructions  uint64
	CompileTime   time.Duration
	Installs      uint64
	Redefinitions uint64
	LastRedefined time.Time
	Evaluations   uint64
	Traps         uint64

	// Filled from the registries
	Functions    int
	Builtins     int
	Placeholders int
	Variables    int
	TotalCalls   uint64
}

func (s Stats) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "started      %s\n", humanize.Time(s.Started))
	fmt.Fprintf(&sb, "compilations %s (%s instructions, %s)\n",
		humanize.Comma(int64(s.Compilations)), humanize.Comma(int64(s.Instructions)), s.CompileTime.Round(time.Microsecond))
	fmt.Fprintf(&sb, "functions    %d defined, %d built-in, %d pending\n", s.Functions, s.Builtins, s.Placeholders)
	fmt.Fprintf(&sb, "installs     %s (%s redefinitions", humanize.Comma(int64(s.Installs)), humanize.Comma(int64(s.Redefinitions)))
	if !s.LastRedefined.IsZero() {
		fmt.Fprintf(&sb, ", last %s", humanize.Time(s.LastRedefined))
	}
	sb.WriteString(")\n")
	fmt.Fprintf(&sb, "evaluations  %s (%s traps)\n", humanize.Comma(int64(s.Evaluations)), humanize.Comma(int64(s.Traps)))
	fmt.Fprintf(&sb, "calls        %s\n", humanize.Comma(int64(s.TotalCalls)))
	fmt.Fprintf(&sb, "variables    %d\n", s.Variables)
	return sb.String()
}
