// Package envelope implements the uniform result wrapper returned by every
// tool call.
package envelope

import (
	"strings"

	"github.com/google/uuid"

	"github.com/Xerrion/servicenow-devtools-mcp/internal/apperr"
)

// Status is the outcome of one call.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Pagination describes the slice of a list result that was returned.
type Pagination struct {
	Offset int  `json:"offset"`
	Limit  int  `json:"limit"`
	Total  *int `json:"total,omitempty"`
}

// Envelope is the response shape of every tool. When Status is StatusError,
// Data is nil and Error is set.
type Envelope struct {
	CorrelationID string      `json:"correlation_id"`
	Status        Status      `json:"status"`
	Data          any         `json:"data,omitempty"`
	Error         string      `json:"error,omitempty"`
	ErrorKind     apperr.Kind `json:"error_kind,omitempty"`
	Pagination    *Pagination `json:"pagination,omitempty"`
	Warnings      []string    `json:"warnings"`
}

// OK reports whether the envelope carries a successful result.
func (e Envelope) OK() bool {
	return e.Status == StatusOK
}

// NewCorrelationID returns a fresh random identifier for one invocation.
func NewCorrelationID() string {
	return uuid.NewString()
}

// Builder accumulates warnings for one call and produces its envelope.
// A Builder is owned by a single call and is not safe for concurrent use.
type Builder struct {
	correlationID string
	warnings      []string
}

// NewBuilder starts a call with a new correlation id.
func NewBuilder() *Builder {
	return &Builder{correlationID: NewCorrelationID()}
}

// CorrelationID returns the id assigned to this call.
func (b *Builder) CorrelationID() string {
	return b.correlationID
}

// Warn appends a warning. Empty strings are ignored; order is preserved.
func (b *Builder) Warn(warnings ...string) {
	for _, w := range warnings {
		if trimmed := strings.TrimSpace(w); trimmed != "" {
			b.warnings = append(b.warnings, trimmed)
		}
	}
}

// Warnings returns a copy of the accumulated warnings.
func (b *Builder) Warnings() []string {
	out := make([]string, len(b.warnings))
	copy(out, b.warnings)
	return out
}

// Success builds an ok envelope.
func (b *Builder) Success(data any) Envelope {
	return Envelope{
		CorrelationID: b.correlationID,
		Status:        StatusOK,
		Data:          data,
		Warnings:      b.Warnings(),
	}
}

// Page builds an ok envelope for a list-producing call.
func (b *Builder) Page(data any, page Pagination) Envelope {
	env := b.Success(data)
	env.Pagination = &page
	return env
}

// Failure builds an error envelope from err. Warnings gathered before the
// failure are kept.
func (b *Builder) Failure(err error) Envelope {
	message := "unknown error"
	if err != nil {
		if trimmed := strings.TrimSpace(err.Error()); trimmed != "" {
			message = trimmed
		}
	}
	kind := apperr.KindOf(err)
	if kind == "" {
		kind = apperr.KindInternal
	}
	return Envelope{
		CorrelationID: b.correlationID,
		Status:        StatusError,
		Error:         message,
		ErrorKind:     kind,
		Warnings:      b.Warnings(),
	}
}

// Total is a helper for filling Pagination.Total.
func Total(n int) *int {
	return &n
}
