// Package request defines the wire-level units of the delivery pipeline:
// queued requests, batches, and parsed server responses.
//
// The wire format is a fixed JSON contract owned by the backend. This
// package only guarantees two properties the rest of the core depends on:
//
//  1. Parameter order is preserved end to end. Params is an ordered list,
//     not a Go map, because server-side session reconstruction and the
//     snapshot's message order both depend on insertion order.
//  2. Identity is stable. Every queued request carries a UUIDv7 assigned at
//     creation; a crash-and-retry resends the same ids so the server can
//     deduplicate idempotently.
package request

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// Reserved envelope keys attached to each request at send time.
// They share the parameter namespace, so callers may not use them.
const (
	KeyRequestID = "reqId"
	KeyAction    = "action"
	KeyTime      = "time"
)

// Queued is one pending unit of work in the local event store.
//
// Immutable once created except for delivery metadata (Seq, Attempts) owned
// by the store. Never mutated concurrently: the store owns it exclusively
// until it is leased to the delivery queue for one send attempt.
type Queued struct {
	// ID is the stable UUIDv7 identity used for server-side dedup.
	ID string

	// Seq is the store-assigned position in the durable log. Zero until
	// the request has been enqueued.
	Seq int64

	HTTPMethod string
	APIName    string
	Params     Params

	// CreatedAt is wall-clock unix milliseconds, attached for the server's
	// benefit only. Ordering always uses Seq.
	CreatedAt int64

	// SizeEstimate is the serialized byte size, used to bound batches.
	SizeEstimate int

	// Attempts counts delivery attempts, maintained by the store.
	Attempts int
}

// New creates a queued request with a fresh UUIDv7 identity.
// The API name and parameter keys are NFC-normalized so that equal logical
// names compare equal regardless of the producer's unicode representation.
func New(httpMethod, apiName string, params Params, now time.Time) Queued {
	q := Queued{
		ID:         uuid.Must(uuid.NewV7()).String(),
		HTTPMethod: httpMethod,
		APIName:    Canonical(apiName),
		Params:     params.canonicalized(),
		CreatedAt:  now.UnixMilli(),
	}
	if data, err := q.encodeEntry(); err == nil {
		q.SizeEstimate = len(data)
	}
	return q
}

// Canonical returns the NFC normalization of s. All event and API names are
// canonicalized at the boundary so matching and dedup never see mixed forms.
func Canonical(s string) string {
	return norm.NFC.String(s)
}

// Validate checks the invariants the store relies on before persisting.
func (q Queued) Validate() error {
	if q.ID == "" {
		return fmt.Errorf("request has no id")
	}
	if _, err := uuid.Parse(q.ID); err != nil {
		return fmt.Errorf("request id %q is not a UUID: %w", q.ID, err)
	}
	if q.APIName == "" {
		return fmt.Errorf("request %s has no api name", q.ID)
	}
	if q.HTTPMethod == "" {
		return fmt.Errorf("request %s has no http method", q.ID)
	}
	for _, kv := range q.Params {
		switch kv.Key {
		case KeyRequestID, KeyAction, KeyTime:
			return fmt.Errorf("request %s uses reserved param %q", q.ID, kv.Key)
		}
	}
	return nil
}
