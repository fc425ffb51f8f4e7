package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"wayfarer/internal/services"
)

// Metadata carries delivery bookkeeping.
type Metadata struct {
	Source        string   `json:"source,omitempty"`
	CorrelationID string   `json:"correlationId,omitempty"`
	RetryCount    int      `json:"retryCount"`
	Strategy      Strategy `json:"-"`
	Tags          []string `json:"tags"`
}

// Envelope is the routable unit: one payload plus addressing and delivery
// metadata.
type Envelope struct {
	ID         string
	Type       Type
	Priority   int
	Target     Target
	SessionID  string
	WorkflowID string
	UserID     string
	Timestamp  time.Time
	ExpiresAt  time.Time
	Payload    Payload
	Metadata   Metadata
}

// Options addresses and tunes a new envelope. A zero Priority uses the type
// table and an empty Target uses DefaultTarget.
type Options struct {
	Target        Target
	SessionID     string
	WorkflowID    string
	UserID        string
	CorrelationID string
	Tags          []string
	Priority      int
	Strategy      Strategy
	Source        string
}

// New builds an envelope for payload stamped at now. A non-positive ttl
// leaves ExpiresAt zero, meaning the envelope never expires.
func New(payload Payload, opts Options, now time.Time, ttl time.Duration) *Envelope {
	t := payload.Type()
	priority := opts.Priority
	if priority == 0 {
		priority = DefaultPriority(t)
	}
	target := opts.Target
	if target == "" {
		target = DefaultTarget(t)
	}
	strategy := opts.Strategy
	if strategy == "" {
		strategy = StrategyBatch
	}
	env := &Envelope{
		ID:         uuid.NewString(),
		Type:       t,
		Priority:   priority,
		Target:     target,
		SessionID:  opts.SessionID,
		WorkflowID: opts.WorkflowID,
		UserID:     opts.UserID,
		Timestamp:  now.UTC(),
		Payload:    payload,
		Metadata: Metadata{
			Source:        opts.Source,
			CorrelationID: opts.CorrelationID,
			Strategy:      strategy,
			Tags:          slices.Clone(opts.Tags),
		},
	}
	if ttl > 0 {
		env.ExpiresAt = env.Timestamp.Add(ttl)
	}
	return env
}

// Expired reports whether the envelope's TTL elapsed before now.
func (e *Envelope) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// HasTag reports whether tag is present in the metadata tags.
func (e *Envelope) HasTag(tag string) bool {
	return slices.Contains(e.Metadata.Tags, tag)
}

// WithTag returns a shallow copy with tag appended when missing.
func (e *Envelope) WithTag(tag string) *Envelope {
	out := e.Clone()
	if !out.HasTag(tag) {
		out.Metadata.Tags = append(out.Metadata.Tags, tag)
	}
	return out
}

// Clone returns a copy whose tag slice may be mutated independently.
func (e *Envelope) Clone() *Envelope {
	out := *e
	out.Metadata.Tags = slices.Clone(e.Metadata.Tags)
	return &out
}

type wireMetadata struct {
	Source        string   `json:"source,omitempty"`
	CorrelationID string   `json:"correlationId,omitempty"`
	RetryCount    int      `json:"retryCount"`
	Tags          []string `json:"tags"`
}

type wireEnvelope struct {
	Type      Type            `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitzero"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Metadata  *wireMetadata   `json:"metadata,omitempty"`
}

// Encode renders the live delivery wire shape:
// {type, id, timestamp, payload, metadata:{source, correlationId?, retryCount, tags}}.
func Encode(env *Envelope) ([]byte, error) {
	if env == nil || env.Payload == nil {
		return nil, services.Wrap(services.ErrValidation, "message", "encode", "envelope has no payload", nil)
	}
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "message", "encode payload", string(env.Type), err)
	}
	tags := env.Metadata.Tags
	if tags == nil {
		tags = []string{}
	}
	return json.Marshal(wireEnvelope{
		Type:      env.Type,
		ID:        env.ID,
		Timestamp: env.Timestamp,
		Payload:   payload,
		Metadata: &wireMetadata{
			Source:        env.Metadata.Source,
			CorrelationID: env.Metadata.CorrelationID,
			RetryCount:    env.Metadata.RetryCount,
			Tags:          tags,
		},
	})
}

// Decode parses a wire frame into an envelope with a typed payload. Frames
// from clients may omit everything except type.
func Decode(raw []byte) (*Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, services.Wrap(services.ErrValidation, "message", "decode", "malformed frame", err)
	}
	payload, ok := newPayload(wire.Type)
	if !ok {
		return nil, services.Wrap(services.ErrValidation, "message", "decode", fmt.Sprintf("unknown message type %q", wire.Type), nil)
	}
	if body := bytes.TrimSpace(wire.Payload); len(body) > 0 && !bytes.Equal(body, []byte("null")) {
		if err := json.Unmarshal(body, payload); err != nil {
			return nil, services.Wrap(services.ErrValidation, "message", "decode payload", string(wire.Type), err)
		}
	}
	env := &Envelope{
		ID:        wire.ID,
		Type:      wire.Type,
		Priority:  DefaultPriority(wire.Type),
		Target:    DefaultTarget(wire.Type),
		Timestamp: wire.Timestamp,
		Payload:   deref(payload),
	}
	if wire.Metadata != nil {
		env.Metadata = Metadata{
			Source:        wire.Metadata.Source,
			CorrelationID: wire.Metadata.CorrelationID,
			RetryCount:    wire.Metadata.RetryCount,
			Tags:          wire.Metadata.Tags,
		}
	}
	return env, nil
}
