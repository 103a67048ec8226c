// Package contracts defines the envelopes and payloads exchanged between the
// bridge and the PDF engine, on whichever side of the boundary it runs.
package contracts

import (
	"encoding/json"
	"fmt"
)

// Operation names one of the closed set of engine operations. Responses echo
// the operation of the request they answer.
type Operation string

const (
	// OpIsEngineReady probes whether the engine can accept operations.
	OpIsEngineReady Operation = "isEngineReady"
	// OpOpenDocument loads a document and replaces the previous one.
	OpOpenDocument Operation = "openDocument"
	// OpGetPageProperties measures every page of the open document.
	OpGetPageProperties Operation = "getPageProperties"
	// OpRenderPageSegment rasterizes one rectangular tile of one page.
	OpRenderPageSegment Operation = "renderPageSegment"
)

// legacyOperations maps the message names used by the WASM engine builds
// onto the current enumeration.
var legacyOperations = map[string]Operation{
	"isWasmReady":          OpIsEngineReady,
	"pdfOpenDoc":           OpOpenDocument,
	"pdfGetPageProperties": OpGetPageProperties,
	"pdfRenderPage":        OpRenderPageSegment,
}

// ParseOperation resolves a wire type name, including legacy aliases.
func ParseOperation(name string) (Operation, bool) {
	switch op := Operation(name); op {
	case OpIsEngineReady, OpOpenDocument, OpGetPageProperties, OpRenderPageSegment:
		return op, true
	}
	op, ok := legacyOperations[name]
	return op, ok
}

// Operations lists the closed enumeration in protocol order.
func Operations() []Operation {
	return []Operation{OpIsEngineReady, OpOpenDocument, OpGetPageProperties, OpRenderPageSegment}
}

// Request is the envelope sent towards the engine.
type Request struct {
	Type Operation       `json:"type"`
	ID   uint64          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Response is the envelope sent back by the engine. Type is kept as a plain
// string so that unknown kinds survive decoding and can be dropped by the
// receiver.
type Response struct {
	Type  string          `json:"type"`
	ID    uint64          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ErrorInfo      `json:"error,omitempty"`
}

// ErrorInfo tags a response as a failed operation.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// Error codes reported by the engine dispatcher.
const (
	CodeBadRequest     = "bad_request"
	CodeNoDocument     = "no_document"
	CodeEngineFailure  = "engine_failure"
	CodeUnknownRequest = "unknown_operation"
)

// NewRequest encodes payload (which may be nil) into a request envelope.
func NewRequest(op Operation, id uint64, payload any) (Request, error) {
	req := Request{Type: op, ID: id}
	if payload == nil {
		return req, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Request{}, fmt.Errorf("encode %s payload: %w", op, err)
	}
	req.Data = data
	return req, nil
}

// NewResponse encodes a successful result for req.
func NewResponse(req Request, result any) (Response, error) {
	resp := Response{Type: string(req.Type), ID: req.ID}
	if result == nil {
		return resp, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return Response{}, fmt.Errorf("encode %s result: %w", req.Type, err)
	}
	resp.Data = data
	return resp, nil
}

// NewFailure builds a response tagged with an engine-side error.
func NewFailure(req Request, code string, err error) Response {
	return Response{
		Type:  string(req.Type),
		ID:    req.ID,
		Error: &ErrorInfo{Code: code, Message: err.Error()},
	}
}

// Clone returns a deep copy so that neither side of an in-process boundary
// can observe later mutation of the other's buffers.
func (r Request) Clone() Request {
	r.Data = cloneRaw(r.Data)
	return r
}

// Clone returns a deep copy of the response envelope.
func (r Response) Clone() Response {
	r.Data = cloneRaw(r.Data)
	if r.Error != nil {
		info := *r.Error
		r.Error = &info
	}
	return r
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
