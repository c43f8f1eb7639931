package request

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrCountMismatch is returned when the server's response carries a
// different number of results than the batch carried requests. Positional
// fan-out cannot be trusted in that case, so the whole batch is treated as
// rejected rather than guessing alignment.
var ErrCountMismatch = errors.New("response count does not match batch request count")

// Batch is an ordered, contiguous slice of queued requests selected for one
// network attempt, plus the synthetic multi envelope metadata.
//
// A batch exists only for the duration of one send attempt. On success its
// requests are acknowledged; on transient failure they are requeued at the
// front of the store. Never partially committed.
type Batch struct {
	Requests []Queued

	// Token is the per-install token attached to the envelope.
	Token string

	// Seq is the monotonically increasing batch sequence number.
	Seq int64
}

// IDs returns the request ids in batch order.
func (b Batch) IDs() []string {
	ids := make([]string, len(b.Requests))
	for i, q := range b.Requests {
		ids[i] = q.ID
	}
	return ids
}

// Bytes returns the summed size estimates of the batch's requests.
func (b Batch) Bytes() int {
	total := 0
	for _, q := range b.Requests {
		total += q.SizeEstimate
	}
	return total
}

// Encode serializes the batch as the multi-request envelope:
//
//	{"token": "...", "seq": N, "data": [ {request...}, ... ]}
//
// Each data entry is the request's params with the reserved action, reqId
// and time keys prepended. Entry order is batch order; the server applies
// entries in order and replies positionally.
func (b Batch) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	buf.WriteString(`"token":`)
	tok, err := encodeNoHTML(b.Token)
	if err != nil {
		return nil, fmt.Errorf("encode batch token: %w", err)
	}
	buf.Write(tok)
	buf.WriteString(`,"seq":`)
	buf.WriteString(strconv.FormatInt(b.Seq, 10))
	buf.WriteString(`,"data":[`)
	for i, q := range b.Requests {
		if i > 0 {
			buf.WriteByte(',')
		}
		entry, err := q.encodeEntry()
		if err != nil {
			return nil, fmt.Errorf("encode batch entry %s: %w", q.ID, err)
		}
		buf.Write(entry)
	}
	buf.WriteString("]}")
	return buf.Bytes(), nil
}

// encodeEntry serializes one request as its envelope entry: the reserved
// keys first, then the caller's params in their original order.
func (q Queued) encodeEntry() ([]byte, error) {
	entry := make(Params, 0, len(q.Params)+3)
	entry = append(entry,
		KV{Key: KeyAction, Value: q.APIName},
		KV{Key: KeyRequestID, Value: q.ID},
		KV{Key: KeyTime, Value: q.CreatedAt},
	)
	entry = append(entry, q.Params...)
	return entry.MarshalJSON()
}

// Result is one per-request outcome inside a response envelope.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	// Raw preserves the full result object for consumers that need fields
	// beyond the status (e.g. the start response's variable payload).
	Raw json.RawMessage `json:"-"`
}

// ResponseEnvelope is the parsed server reply to one batch.
type ResponseEnvelope struct {
	Results []Result
}

// DecodeResponse parses the server's reply body:
//
//	{"response": [ {"success": true, ...}, ... ]}
func DecodeResponse(data []byte) (ResponseEnvelope, error) {
	var wire struct {
		Response []json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return ResponseEnvelope{}, fmt.Errorf("decode response envelope: %w", err)
	}

	env := ResponseEnvelope{Results: make([]Result, len(wire.Response))}
	for i, raw := range wire.Response {
		var r Result
		if err := json.Unmarshal(raw, &r); err != nil {
			return ResponseEnvelope{}, fmt.Errorf("decode response[%d]: %w", i, err)
		}
		r.Raw = raw
		env.Results[i] = r
	}
	return env, nil
}

// Paired couples a response result with the originating request id.
type Paired struct {
	RequestID string
	Result    Result
}

// PairWith aligns the envelope's results with the batch positionally:
// response[i] belongs to batch[i]. Returns ErrCountMismatch if the counts
// differ; partial alignment is never attempted.
func (e ResponseEnvelope) PairWith(b Batch) ([]Paired, error) {
	if len(e.Results) != len(b.Requests) {
		return nil, fmt.Errorf("%w: %d results for %d requests",
			ErrCountMismatch, len(e.Results), len(b.Requests))
	}
	out := make([]Paired, len(e.Results))
	for i, r := range e.Results {
		out[i] = Paired{RequestID: b.Requests[i].ID, Result: r}
	}
	return out, nil
}
