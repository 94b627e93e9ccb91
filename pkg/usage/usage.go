// Package usage tracks spend and token consumption per call. The cost
// tracker keeps aggregate roll-ups and a bounded call history; the token
// tracker mirrors token counts with a rolling one-hour window. Records can
// additionally fan out to pluggable sinks for durable storage.
package usage

import (
	"context"
	"time"

	muxerrors "github.com/modelmux/modelmux/pkg/errors"
	"github.com/modelmux/modelmux/pkg/types"
)

// Call statuses recorded per dispatch.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Record is one tracked call. Cached marks calls served from the response
// cache (these carry zero tokens and cost; the spend was recorded when the
// entry was populated). Estimated marks token counts derived from content
// length rather than reported by the provider.
type Record struct {
	ID            string      `json:"id,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
	Provider      string      `json:"provider"`
	Model         string      `json:"model"`
	Role          string      `json:"role,omitempty"`
	ProjectID     string      `json:"projectId,omitempty"`
	CorrelationID string      `json:"correlationId,omitempty"`
	Tokens        types.Usage `json:"tokens"`
	Cost          float64     `json:"cost"`
	LatencyMS     int64       `json:"latencyMs"`
	Status        string      `json:"status"`
	Cached        bool        `json:"cached,omitempty"`
	Estimated     bool        `json:"estimated,omitempty"`
}

// Validate checks a record before it is admitted.
func (r *Record) Validate() error {
	if r.Provider == "" || r.Model == "" {
		return muxerrors.New(muxerrors.KindValidation, "usage record requires provider and model")
	}
	if r.Tokens.Input < 0 || r.Tokens.Output < 0 || r.Tokens.Total < 0 {
		return muxerrors.New(muxerrors.KindValidation, "usage record token counts must be non-negative")
	}
	if r.Cost < 0 {
		return muxerrors.New(muxerrors.KindValidation, "usage record cost must be non-negative")
	}
	return nil
}

// Totals is one aggregate bucket.
type Totals struct {
	Calls  int64       `json:"calls"`
	Tokens types.Usage `json:"tokens"`
	Cost   float64     `json:"cost"`
}

func (t *Totals) add(r Record) {
	t.Calls++
	t.Tokens.Add(r.Tokens)
	t.Cost += r.Cost
}

// NamedTotals is an aggregate bucket with its grouping key.
type NamedTotals struct {
	Name string `json:"name"`
	Totals
}

// Sink receives every admitted record, typically to persist it. Sink
// failures are logged by the tracker and never fail the call that produced
// the record.
type Sink interface {
	Write(ctx context.Context, rec Record) error
	Close() error
}
