package stage

import (
	"encoding/json"
	"fmt"

	"wayfarer/internal/services"
)

// Context accumulates stage outputs for one run. Outputs are only ever
// added; a stage that already produced output cannot be overwritten.
type Context struct {
	Request TripRequest
	outputs map[Name]json.RawMessage
}

// NewContext decodes a persisted request and the outputs recorded so far.
func NewContext(request json.RawMessage, outputs map[string]json.RawMessage) (*Context, error) {
	var req TripRequest
	if len(request) == 0 {
		return nil, services.Wrap(services.ErrValidation, "stage", "load context", "request is missing", nil)
	}
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, services.Wrap(services.ErrValidation, "stage", "load context", "request is malformed", err)
	}
	c := &Context{Request: req, outputs: make(map[Name]json.RawMessage, len(outputs))}
	for key, raw := range outputs {
		name := Name(key)
		if !name.Valid() {
			return nil, services.Wrap(services.ErrValidation, "stage", "load context", fmt.Sprintf("unknown stage %q in outputs", key), nil)
		}
		c.outputs[name] = raw
	}
	return c, nil
}

// Has reports whether name already produced output.
func (c *Context) Has(name Name) bool {
	_, ok := c.outputs[name]
	return ok
}

// Completed lists stages with output, in execution order.
func (c *Context) Completed() []Name {
	var out []Name
	for _, name := range Names() {
		if c.Has(name) {
			out = append(out, name)
		}
	}
	return out
}

// BuildInput assembles the typed input for name from the request and every
// earlier stage's output. A missing prerequisite is a validation error.
func (c *Context) BuildInput(name Name) (Input, error) {
	if err := c.Request.Validate(); err != nil {
		return nil, err
	}
	switch name {
	case Architect:
		return ArchitectInput{Request: c.Request}, nil
	case Gatherer:
		var in GathererInput
		in.Request = c.Request
		if err := c.decode(name, Architect, &in.Plan); err != nil {
			return nil, err
		}
		if len(in.Plan.Days) == 0 {
			return nil, missingInput(name, "plan.days")
		}
		return in, nil
	case Specialist:
		var in SpecialistInput
		in.Request = c.Request
		if err := c.decode(name, Architect, &in.Plan); err != nil {
			return nil, err
		}
		if err := c.decode(name, Gatherer, &in.Research); err != nil {
			return nil, err
		}
		return in, nil
	case Putter:
		var in PutterInput
		in.Request = c.Request
		if err := c.decode(name, Architect, &in.Plan); err != nil {
			return nil, err
		}
		if err := c.decode(name, Gatherer, &in.Research); err != nil {
			return nil, err
		}
		if err := c.decode(name, Specialist, &in.Recommendations); err != nil {
			return nil, err
		}
		if len(in.Recommendations.Recommendations) == 0 {
			return nil, missingInput(name, "recommendations")
		}
		return in, nil
	default:
		return nil, services.Wrap(services.ErrValidation, "stage", "build input", fmt.Sprintf("unknown stage %q", name), nil)
	}
}

func (c *Context) decode(target, from Name, dst any) error {
	raw, ok := c.outputs[from]
	if !ok {
		return missingInput(target, string(from)+" output")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return services.Wrap(services.ErrValidation, "stage", "build input",
			fmt.Sprintf("%s output is malformed", from), err)
	}
	return nil
}

func missingInput(name Name, field string) error {
	return services.Wrap(services.ErrValidation, "stage", "build input",
		fmt.Sprintf("%s requires %s", name, field), nil)
}

// Merge records out and returns its encoded form for checkpointing.
func (c *Context) Merge(out Output) (json.RawMessage, error) {
	if out == nil {
		return nil, services.Wrap(services.ErrValidation, "stage", "merge output", "output is nil", nil)
	}
	name := out.Stage()
	if c.Has(name) {
		return nil, services.Wrap(services.ErrValidation, "stage", "merge output",
			fmt.Sprintf("%s output already recorded", name), nil)
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "stage", "merge output", string(name), err)
	}
	c.outputs[name] = raw
	return raw, nil
}

// DecodeOutput parses a raw output for name into its typed form.
func DecodeOutput(name Name, raw json.RawMessage) (Output, error) {
	var out Output
	var err error
	switch name {
	case Architect:
		var v ArchitectOutput
		err = json.Unmarshal(raw, &v)
		out = v
	case Gatherer:
		var v GathererOutput
		err = json.Unmarshal(raw, &v)
		out = v
	case Specialist:
		var v SpecialistOutput
		err = json.Unmarshal(raw, &v)
		out = v
	case Putter:
		var v PutterOutput
		err = json.Unmarshal(raw, &v)
		out = v
	default:
		return nil, services.Wrap(services.ErrValidation, "stage", "decode output", fmt.Sprintf("unknown stage %q", name), nil)
	}
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "stage", "decode output", string(name), err)
	}
	return out, nil
}

// Itinerary returns the putter's itinerary once it exists.
func (c *Context) Itinerary() (Itinerary, bool) {
	raw, ok := c.outputs[Putter]
	if !ok {
		return Itinerary{}, false
	}
	var out PutterOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return Itinerary{}, false
	}
	return out.Itinerary, true
}
