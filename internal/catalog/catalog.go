// Package catalog defines the ordered, immutable set of workflow phases a
// project moves through between payment and delivery.
package catalog

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/siteforge/engine/internal/models"
)

// Phase names of the default catalog.
const (
	PhaseDesign      = "design"
	PhaseDevelopment = "development"
	PhaseReview      = "review"
	PhaseDeploy      = "deploy"
)

// Phase is one step of the workflow. Applying a phase moves the project to
// Status with Progress = TargetProgress, and makes Agent responsible.
type Phase struct {
	Name           string               `yaml:"name"`
	Agent          string               `yaml:"agent"`
	Status         models.ProjectStatus `yaml:"status"`
	TargetProgress int                  `yaml:"target_progress"`
	Dwell          time.Duration        `yaml:"dwell"`
}

// Terminal reports whether applying the phase completes the project.
func (p Phase) Terminal() bool { return p.Status == models.StatusCompleted }

// Catalog is an ordered list of phases. It is never mutated after New returns.
type Catalog struct {
	phases []Phase
	index  map[string]int
}

type file struct {
	Phases []Phase `yaml:"phases"`
}

// Default returns the design → development → review → deploy catalog with the
// same dwell for every phase.
func Default(dwell time.Duration) *Catalog {
	c, err := New(
		Phase{Name: PhaseDesign, Agent: "Design Agent", Status: models.StatusInDevelopment, TargetProgress: 30, Dwell: dwell},
		Phase{Name: PhaseDevelopment, Agent: "Development Agent", Status: models.StatusInDevelopment, TargetProgress: 60, Dwell: dwell},
		Phase{Name: PhaseReview, Agent: "QA Agent", Status: models.StatusInReview, TargetProgress: 90, Dwell: dwell},
		Phase{Name: PhaseDeploy, Agent: "Deployment Agent", Status: models.StatusCompleted, TargetProgress: 100, Dwell: dwell},
	)
	if err != nil {
		panic(err)
	}
	return c
}

// New validates phases and builds a catalog.
func New(phases ...Phase) (*Catalog, error) {
	if len(phases) == 0 {
		return nil, fmt.Errorf("catalog: at least one phase is required")
	}
	c := &Catalog{
		phases: make([]Phase, len(phases)),
		index:  make(map[string]int, len(phases)),
	}
	copy(c.phases, phases)

	prevProgress, prevRank := 0, models.StatusPending.Rank()
	for i, p := range c.phases {
		if p.Name == "" {
			return nil, fmt.Errorf("catalog: phase %d has no name", i)
		}
		if _, dup := c.index[p.Name]; dup {
			return nil, fmt.Errorf("catalog: duplicate phase %q", p.Name)
		}
		if p.Agent == "" {
			return nil, fmt.Errorf("catalog: phase %q has no agent", p.Name)
		}
		rank := p.Status.Rank()
		if rank <= models.StatusPending.Rank() {
			return nil, fmt.Errorf("catalog: phase %q has unusable status %q", p.Name, p.Status)
		}
		if rank < prevRank {
			return nil, fmt.Errorf("catalog: phase %q moves status backwards to %q", p.Name, p.Status)
		}
		if p.TargetProgress <= prevProgress || p.TargetProgress > 100 {
			return nil, fmt.Errorf("catalog: phase %q progress %d must be in (%d, 100]", p.Name, p.TargetProgress, prevProgress)
		}
		if p.Dwell < 0 {
			return nil, fmt.Errorf("catalog: phase %q has negative dwell", p.Name)
		}
		last := i == len(c.phases)-1
		if p.Terminal() != last {
			return nil, fmt.Errorf("catalog: only the last phase may complete the project (phase %q)", p.Name)
		}
		if last && p.TargetProgress != 100 {
			return nil, fmt.Errorf("catalog: terminal phase %q must reach 100, got %d", p.Name, p.TargetProgress)
		}
		c.index[p.Name] = i
		prevProgress, prevRank = p.TargetProgress, rank
	}
	return c, nil
}

// Load reads a catalog from YAML:
//
//	phases:
//	  - name: design
//	    agent: Design Agent
//	    status: in_development
//	    target_progress: 30
//	    dwell: 2s
func Load(r io.Reader) (*Catalog, error) {
	var f file
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	return New(f.Phases...)
}

// LoadFile opens path and calls Load.
func LoadFile(path string) (*Catalog, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	defer fh.Close()
	return Load(fh)
}

// First returns the entry phase.
func (c *Catalog) First() Phase { return c.phases[0] }

// Next returns the phase after current. ok is false when current is terminal
// or unknown.
func (c *Catalog) Next(current string) (Phase, bool) {
	i, found := c.index[current]
	if !found || i+1 >= len(c.phases) {
		return Phase{}, false
	}
	return c.phases[i+1], true
}

// Lookup finds a phase by name.
func (c *Catalog) Lookup(name string) (Phase, bool) {
	i, ok := c.index[name]
	if !ok {
		return Phase{}, false
	}
	return c.phases[i], true
}

// Phases returns a copy of the ordered phases.
func (c *Catalog) Phases() []Phase {
	out := make([]Phase, len(c.phases))
	copy(out, c.phases)
	return out
}

// Len returns the number of phases.
func (c *Catalog) Len() int { return len(c.phases) }

// Bounds returns the inclusive progress range a project in status may have.
// Pending is always [0, 0].
func (c *Catalog) Bounds(status models.ProjectStatus) (lo, hi int, ok bool) {
	if status == models.StatusPending {
		return 0, 0, true
	}
	for _, p := range c.phases {
		if p.Status != status {
			continue
		}
		if !ok {
			lo, ok = p.TargetProgress, true
		}
		hi = p.TargetProgress
	}
	return lo, hi, ok
}
