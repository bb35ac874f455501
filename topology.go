package sparse

import (
	"fmt"
)

const (
	LinkDownstream = "downstream"
	LinkUpstream   = "upstream"
)

// Stage of a pipeline, as declared by the operator.
type Stage struct {
	Name   string  `mapstructure:"name"`
	Role   Role    `mapstructure:"role"`
	Listen Address `mapstructure:"listen"`
	// Downstream is the name of the next stage, if any.
	Downstream string `mapstructure:"downstream"`
}

// Topology is the static layout of a pipeline: which stage forwards to
// which. Upstreams are implied by the downstream edges. It never changes
// once built, reconfiguring a running pipeline is not supported.
type Topology struct {
	stages    []Stage
	index     map[string]int
	upstreams map[string][]string
	monitor   string
}

// NewTopology validates stages and builds the topology.
//
// Names must be unique, downstream references must name a worker, a
// source must have a downstream, and following downstream edges must
// never loop. At most one monitor may be declared.
func NewTopology(stages ...Stage) (*Topology, error) {
	t := &Topology{
		stages:    make([]Stage, len(stages)),
		index:     make(map[string]int, len(stages)),
		upstreams: make(map[string][]string),
	}
	copy(t.stages, stages)

	for i, st := range t.stages {
		if st.Name == "" {
			return nil, fmt.Errorf("%w: stage %d has no name", ErrTopology, i)
		}
		if !st.Role.Valid() {
			return nil, fmt.Errorf("%w: stage %q has unknown role %q", ErrTopology, st.Name, st.Role)
		}
		if _, dup := t.index[st.Name]; dup {
			return nil, fmt.Errorf("%w: stage %q declared twice", ErrTopology, st.Name)
		}
		t.index[st.Name] = i

		if st.Role == RoleMonitor {
			if t.monitor != "" {
				return nil, fmt.Errorf("%w: more than one monitor (%q and %q)", ErrTopology, t.monitor, st.Name)
			}
			t.monitor = st.Name
		}
	}

	for _, st := range t.stages {
		switch {
		case st.Role == RoleSource && st.Downstream == "":
			return nil, fmt.Errorf("%w: source %q has no downstream", ErrTopology, st.Name)
		case st.Role == RoleMonitor && st.Downstream != "":
			return nil, fmt.Errorf("%w: monitor %q cannot have a downstream", ErrTopology, st.Name)
		case st.Downstream == "":
			continue
		}

		i, ok := t.index[st.Downstream]
		if !ok {
			return nil, fmt.Errorf("%w: stage %q forwards to unknown stage %q", ErrTopology, st.Name, st.Downstream)
		}
		if t.stages[i].Role != RoleWorker {
			return nil, fmt.Errorf("%w: stage %q forwards to %s %q", ErrTopology, st.Name, t.stages[i].Role, st.Downstream)
		}
		t.upstreams[st.Downstream] = append(t.upstreams[st.Downstream], st.Name)
	}

	for _, st := range t.stages {
		seen := map[string]bool{st.Name: true}
		for next := st.Downstream; next != ""; next = t.stages[t.index[next]].Downstream {
			if seen[next] {
				return nil, fmt.Errorf("%w: stage %q is part of a cycle", ErrTopology, st.Name)
			}
			seen[next] = true
		}
	}

	return t, nil
}

// Stages in declaration order.
func (t *Topology) Stages() []Stage {
	stages := make([]Stage, len(t.stages))
	copy(stages, t.stages)
	return stages
}

func (t *Topology) Stage(name string) (Stage, bool) {
	i, ok := t.index[name]
	if !ok {
		return Stage{}, false
	}
	return t.stages[i], true
}

// Monitor returns the monitor stage, if one is declared.
func (t *Topology) Monitor() (Stage, bool) {
	return t.Stage(t.monitor)
}

// Downstream returns the stage name forwards to.
func (t *Topology) Downstream(name string) (Stage, bool) {
	st, ok := t.Stage(name)
	if !ok || st.Downstream == "" {
		return Stage{}, false
	}
	return t.Stage(st.Downstream)
}

// Upstream returns the stages forwarding to name.
func (t *Topology) Upstream(name string) []Stage {
	var ups []Stage
	for _, up := range t.upstreams[name] {
		st, _ := t.Stage(up)
		ups = append(ups, st)
	}
	return ups
}

// Chain returns the stages a task deployed by from goes through, from
// included, terminal stage last.
func (t *Topology) Chain(from string) []Stage {
	st, ok := t.Stage(from)
	if !ok {
		return nil
	}
	chain := []Stage{st}
	for st.Downstream != "" {
		st, _ = t.Stage(st.Downstream)
		chain = append(chain, st)
	}
	return chain
}

// Terminal returns the last stage of the chain starting at from.
func (t *Topology) Terminal(from string) (Stage, bool) {
	chain := t.Chain(from)
	if len(chain) == 0 {
		return Stage{}, false
	}
	return chain[len(chain)-1], true
}

// LinkTypes supported by `Topology.Neighbors`.
func (t *Topology) LinkTypes() []string {
	return []string{LinkDownstream, LinkUpstream}
}

// Neighbors returns the names of the stages linked to name.
func (t *Topology) Neighbors(name, link string) []string {
	switch link {
	case LinkDownstream:
		if st, ok := t.Downstream(name); ok {
			return []string{st.Name}
		}
	case LinkUpstream:
		ups := t.upstreams[name]
		if len(ups) > 0 {
			return append([]string(nil), ups...)
		}
	}
	return nil
}

// NodeConfig derives the configuration of the node running stage name from
// base: identity, role and addresses come from the topology, tunables from
// base.
func (t *Topology) NodeConfig(name string, base NodeConfig) (NodeConfig, error) {
	st, ok := t.Stage(name)
	if !ok {
		return NodeConfig{}, fmt.Errorf("%w: unknown stage %q", ErrTopology, name)
	}

	cfg := base
	cfg.ID = st.Name
	cfg.Role = st.Role
	cfg.Listen = st.Listen
	cfg.Downstream = Address{}
	if down, ok := t.Downstream(name); ok {
		cfg.Downstream = down.Listen
	}
	cfg.Monitor = Address{}
	if mon, ok := t.Monitor(); ok && st.Role != RoleMonitor {
		cfg.Monitor = mon.Listen
	}
	return cfg, cfg.Validate()
}
