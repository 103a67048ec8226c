// Package engine holds the PDF engine contract and the dispatcher that
// answers request envelopes on the engine side of the boundary.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"

	"go-pdf-bridge/internal/contracts"
)

var (
	// ErrNoDocument is returned when an operation needs an open document.
	ErrNoDocument = errors.New("no document open")
	// ErrBadRequest marks parameters the engine refuses to work with.
	ErrBadRequest = errors.New("bad request")
)

const (
	// MaxSegmentSide bounds each side of a rendered segment, in pixels.
	MaxSegmentSide = 4096
	// MaxZoom bounds the zoom factor of a render request.
	MaxZoom = 16
)

// CheckRenderParams rejects segments whose raster would exceed
// MaxSegmentSide on either side, and non-finite or negative sizes.
func CheckRenderParams(p contracts.RenderParams) error {
	for _, v := range []float64{p.Zoom, p.Width, p.Height, p.Top, p.Left} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite render parameter", ErrBadRequest)
		}
	}
	if p.Width < 0 || p.Height < 0 {
		return fmt.Errorf("%w: negative segment size %vx%v", ErrBadRequest, p.Width, p.Height)
	}
	zoom := effectiveZoom(p.Zoom)
	if zoom > MaxZoom {
		return fmt.Errorf("%w: zoom %v above %d", ErrBadRequest, zoom, MaxZoom)
	}
	if w, h := p.Width*zoom, p.Height*zoom; w > MaxSegmentSide || h > MaxSegmentSide {
		return fmt.Errorf("%w: segment %.0fx%.0f exceeds %d pixels per side", ErrBadRequest, w, h, MaxSegmentSide)
	}
	return nil
}

func effectiveZoom(zoom float64) float64 {
	if zoom <= 0 {
		return 1
	}
	return zoom
}

// Engine is the opaque PDF service. Implementations need not be safe for
// concurrent use; every caller in this module serializes access.
type Engine interface {
	Ready(ctx context.Context) bool
	Open(ctx context.Context, source string) (contracts.DocumentOpened, error)
	PageProperties(ctx context.Context) (contracts.PageGeometryMap, error)
	RenderSegment(ctx context.Context, params contracts.RenderParams) (contracts.RenderedSegment, error)
}

// Factory constructs an engine. Transports call it once at startup.
type Factory func() (Engine, error)

// Dispatcher turns request envelopes into response envelopes.
type Dispatcher struct {
	engine Engine
	logger *log.Logger
}

func NewDispatcher(e Engine, logger *log.Logger) *Dispatcher {
	return &Dispatcher{engine: e, logger: logger}
}

// Handle runs one request against the engine. Engine errors are returned as
// failure responses; the boolean is false only for requests whose type is
// outside the enumeration, which get no answer at all.
func (d *Dispatcher) Handle(ctx context.Context, req contracts.Request) (contracts.Response, bool) {
	op, ok := contracts.ParseOperation(string(req.Type))
	if !ok {
		d.logger.Printf("drop request: unknown type %q", req.Type)
		return contracts.Response{}, false
	}
	req.Type = op

	switch op {
	case contracts.OpIsEngineReady:
		return d.respond(req, contracts.ReadyStatus{Ready: d.engine.Ready(ctx)}), true

	case contracts.OpOpenDocument:
		var params contracts.OpenDocumentParams
		if err := decodeParams(req, &params); err != nil {
			return contracts.NewFailure(req, contracts.CodeBadRequest, err), true
		}
		if params.Source == "" {
			return contracts.NewFailure(req, contracts.CodeBadRequest, errors.New("empty source")), true
		}
		opened, err := d.engine.Open(ctx, params.Source)
		if err != nil {
			return d.fail(req, err), true
		}
		return d.respond(req, opened), true

	case contracts.OpGetPageProperties:
		pages, err := d.engine.PageProperties(ctx)
		if err != nil {
			return d.fail(req, err), true
		}
		return d.respond(req, pages), true

	case contracts.OpRenderPageSegment:
		var params contracts.RenderParams
		if err := decodeParams(req, &params); err != nil {
			return contracts.NewFailure(req, contracts.CodeBadRequest, err), true
		}
		if err := CheckRenderParams(params); err != nil {
			return d.fail(req, err), true
		}
		segment, err := d.engine.RenderSegment(ctx, params)
		if err != nil {
			return d.fail(req, err), true
		}
		return d.respond(req, segment), true
	}

	return contracts.Response{}, false
}

func (d *Dispatcher) respond(req contracts.Request, result any) contracts.Response {
	resp, err := contracts.NewResponse(req, result)
	if err != nil {
		return d.fail(req, err)
	}
	return resp
}

func (d *Dispatcher) fail(req contracts.Request, err error) contracts.Response {
	code := contracts.CodeEngineFailure
	switch {
	case errors.Is(err, ErrNoDocument):
		code = contracts.CodeNoDocument
	case errors.Is(err, ErrBadRequest):
		code = contracts.CodeBadRequest
	}
	d.logger.Printf("%s #%d failed: %v", req.Type, req.ID, err)
	return contracts.NewFailure(req, code, err)
}

func decodeParams(req contracts.Request, v any) error {
	if len(req.Data) == 0 {
		return fmt.Errorf("%s: missing data", req.Type)
	}
	if err := json.Unmarshal(req.Data, v); err != nil {
		return fmt.Errorf("%s: %w", req.Type, err)
	}
	return nil
}
