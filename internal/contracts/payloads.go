package contracts

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownType marks a response whose type is outside the enumeration.
	ErrUnknownType = errors.New("unknown message type")
	// ErrMalformed marks a response missing fields required by its type.
	ErrMalformed = errors.New("malformed message")
)

// ImageFormat selects the encoding of a rendered segment.
type ImageFormat int

const (
	FormatPNG  ImageFormat = 0
	FormatJPEG ImageFormat = 1
)

// MIMEType returns the media type for the format. Unknown values fall back
// to PNG, which is what the engine emits for them.
func (f ImageFormat) MIMEType() string {
	if f == FormatJPEG {
		return "image/jpeg"
	}
	return "image/png"
}

// DataURIPrefix returns the prefix that turns base64 image text into a URI
// a browser can display directly.
func (f ImageFormat) DataURIPrefix() string {
	return "data:" + f.MIMEType() + ";base64,"
}

// OpenDocumentParams locates the document to open. Source is a file path or
// an http(s) URL that the engine fetches itself.
type OpenDocumentParams struct {
	Source string `json:"source"`
}

// RenderParams describes one tile of one page. The bridge passes it through
// unchanged.
type RenderParams struct {
	SegmentID int         `json:"segmentId"`
	Page      int         `json:"page"`
	Zoom      float64     `json:"zoom"`
	Rotation  int         `json:"rotation"`
	Quality   int         `json:"quality"`
	Format    ImageFormat `json:"format"`
	Width     float64     `json:"width"`
	Height    float64     `json:"height"`
	Top       float64     `json:"top"`
	Left      float64     `json:"left"`
}

// Message is the decoded form of a response: exactly one of the variants
// below.
type Message interface {
	Operation() Operation
}

// ReadyStatus answers OpIsEngineReady.
type ReadyStatus struct {
	Ready bool `json:"ready"`
}

// DocumentOpened answers OpOpenDocument.
type DocumentOpened struct {
	Handle     uint64 `json:"handle"`
	FileOpened bool   `json:"fileOpened"`
}

// PageGeometry is the crop box size and rotation of one page.
type PageGeometry struct {
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Rotation int     `json:"rotation"`
}

// PageGeometryMap answers OpGetPageProperties. Keys are zero-based page
// indices and are dense.
type PageGeometryMap map[int]PageGeometry

// RenderedSegment answers OpRenderPageSegment. ImageBytes travels as base64
// text.
type RenderedSegment struct {
	Page       int         `json:"page"`
	SegmentID  int         `json:"segmentId"`
	ZoomFactor float64     `json:"zoomFactor"`
	Rotation   int         `json:"rotation"`
	Format     ImageFormat `json:"format"`
	ImageBytes []byte      `json:"base64"`
}

// Failure is the variant produced for any response carrying an error.
type Failure struct {
	Op  Operation
	Err *ErrorInfo
}

func (ReadyStatus) Operation() Operation     { return OpIsEngineReady }
func (DocumentOpened) Operation() Operation  { return OpOpenDocument }
func (PageGeometryMap) Operation() Operation { return OpGetPageProperties }
func (RenderedSegment) Operation() Operation { return OpRenderPageSegment }
func (f Failure) Operation() Operation       { return f.Op }

// DataURI combines the image bytes with the prefix matching their format.
func (s RenderedSegment) DataURI() string {
	return s.Format.DataURIPrefix() + base64.StdEncoding.EncodeToString(s.ImageBytes)
}

// Len reports the number of pages.
func (m PageGeometryMap) Len() int { return len(m) }

// Validate checks that the keys are exactly 0..Len()-1.
func (m PageGeometryMap) Validate() error {
	for i := 0; i < len(m); i++ {
		if _, ok := m[i]; !ok {
			return fmt.Errorf("%w: page geometry missing page %d of %d", ErrMalformed, i, len(m))
		}
	}
	return nil
}

// Decode turns a response envelope into its tagged variant. Unknown types
// yield ErrUnknownType and envelopes missing required fields yield
// ErrMalformed; both are meant to be dropped by the receiver.
func Decode(resp Response) (Message, error) {
	op, ok := ParseOperation(resp.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, resp.Type)
	}
	if resp.Error != nil {
		return Failure{Op: op, Err: resp.Error}, nil
	}
	if len(resp.Data) == 0 || string(resp.Data) == "null" {
		return nil, fmt.Errorf("%w: %s without data", ErrMalformed, op)
	}

	switch op {
	case OpIsEngineReady:
		var wire struct {
			Ready *bool `json:"ready"`
		}
		if err := unmarshal(op, resp.Data, &wire); err != nil {
			return nil, err
		}
		if wire.Ready == nil {
			return nil, fmt.Errorf("%w: %s without ready flag", ErrMalformed, op)
		}
		return ReadyStatus{Ready: *wire.Ready}, nil

	case OpOpenDocument:
		var wire struct {
			Handle     uint64 `json:"handle"`
			FileOpened *bool  `json:"fileOpened"`
		}
		if err := unmarshal(op, resp.Data, &wire); err != nil {
			return nil, err
		}
		if wire.FileOpened == nil {
			return nil, fmt.Errorf("%w: %s without fileOpened", ErrMalformed, op)
		}
		return DocumentOpened{Handle: wire.Handle, FileOpened: *wire.FileOpened}, nil

	case OpGetPageProperties:
		var pages PageGeometryMap
		if err := unmarshal(op, resp.Data, &pages); err != nil {
			return nil, err
		}
		if err := pages.Validate(); err != nil {
			return nil, err
		}
		return pages, nil

	case OpRenderPageSegment:
		var wire struct {
			Page       *int        `json:"page"`
			SegmentID  *int        `json:"segmentId"`
			ZoomFactor float64     `json:"zoomFactor"`
			Rotation   int         `json:"rotation"`
			Format     ImageFormat `json:"format"`
			ImageBytes []byte      `json:"base64"`
		}
		if err := unmarshal(op, resp.Data, &wire); err != nil {
			return nil, err
		}
		if wire.Page == nil || wire.SegmentID == nil || wire.ImageBytes == nil {
			return nil, fmt.Errorf("%w: %s without page, segment or image", ErrMalformed, op)
		}
		return RenderedSegment{
			Page:       *wire.Page,
			SegmentID:  *wire.SegmentID,
			ZoomFactor: wire.ZoomFactor,
			Rotation:   wire.Rotation,
			Format:     wire.Format,
			ImageBytes: wire.ImageBytes,
		}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownType, resp.Type)
}

func unmarshal(op Operation, data json.RawMessage, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, op, err)
	}
	return nil
}
