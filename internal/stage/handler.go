package stage

import (
	"context"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Name identifies a pipeline stage.
type Name string

const (
	Architect  Name = "architect"
	Gatherer   Name = "gatherer"
	Specialist Name = "specialist"
	Putter     Name = "putter"
)

// Names returns the stages in execution order.
func Names() []Name {
	return []Name{Architect, Gatherer, Specialist, Putter}
}

// Valid reports whether n is a known stage.
func (n Name) Valid() bool {
	switch n {
	case Architect, Gatherer, Specialist, Putter:
		return true
	}
	return false
}

// Index returns the stage's position in execution order, or -1.
func (n Name) Index() int {
	for i, name := range Names() {
		if name == n {
			return i
		}
	}
	return -1
}

// Label renders a display name such as "Specialist".
func (n Name) Label() string {
	return cases.Title(language.Und).String(strings.ReplaceAll(string(n), "_", " "))
}

func (n Name) String() string { return string(n) }

// Agent performs one stage of work. Implementations receive the typed input
// for their stage and must return the matching typed output.
type Agent interface {
	Execute(ctx context.Context, in Input) (Output, error)
	HealthCheck(ctx context.Context) Health
}

// AgentFunc adapts a function to Agent.
type AgentFunc func(ctx context.Context, in Input) (Output, error)

func (f AgentFunc) Execute(ctx context.Context, in Input) (Output, error) { return f(ctx, in) }

func (f AgentFunc) HealthCheck(context.Context) Health { return Healthy("func") }
