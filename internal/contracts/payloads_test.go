package contracts

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDecode_UnknownTypeRejected(t *testing.T) {
	for _, name := range []string{"", "closeDocument", "ISENGINEREADY", "pdfSave"} {
		_, err := Decode(Response{Type: name, Data: json.RawMessage(`{"ready":true}`)})
		if !errors.Is(err, ErrUnknownType) {
			t.Fatalf("type %q: expected ErrUnknownType, got %v", name, err)
		}
	}
}

func TestDecode_LegacyAliases(t *testing.T) {
	cases := map[string]Operation{
		"isWasmReady":          OpIsEngineReady,
		"pdfOpenDoc":           OpOpenDocument,
		"pdfGetPageProperties": OpGetPageProperties,
		"pdfRenderPage":        OpRenderPageSegment,
	}
	for name, want := range cases {
		got, ok := ParseOperation(name)
		if !ok || got != want {
			t.Fatalf("ParseOperation(%q) = %q, %v; want %q", name, got, ok, want)
		}
	}
}

func TestDecode_Variants(t *testing.T) {
	cases := []struct {
		name string
		resp Response
		want Message
	}{
		{
			name: "ready",
			resp: Response{Type: "isEngineReady", Data: json.RawMessage(`{"ready":true}`)},
			want: ReadyStatus{Ready: true},
		},
		{
			name: "opened",
			resp: Response{Type: "openDocument", Data: json.RawMessage(`{"handle":42,"fileOpened":true}`)},
			want: DocumentOpened{Handle: 42, FileOpened: true},
		},
		{
			name: "geometry",
			resp: Response{Type: "pdfGetPageProperties", Data: json.RawMessage(
				`{"0":{"width":600,"height":800,"rotation":0},"1":{"width":600,"height":800,"rotation":90}}`)},
			want: PageGeometryMap{
				0: {Width: 600, Height: 800},
				1: {Width: 600, Height: 800, Rotation: 90},
			},
		},
		{
			name: "segment",
			resp: Response{Type: "renderPageSegment", Data: json.RawMessage(
				`{"page":1,"segmentId":3,"zoomFactor":1.5,"rotation":0,"format":1,"base64":"AQID"}`)},
			want: RenderedSegment{Page: 1, SegmentID: 3, ZoomFactor: 1.5, Format: FormatJPEG, ImageBytes: []byte{1, 2, 3}},
		},
		{
			name: "failure",
			resp: Response{Type: "openDocument", ID: 7, Error: &ErrorInfo{Code: CodeEngineFailure, Message: "no such file"}},
			want: Failure{Op: OpOpenDocument, Err: &ErrorInfo{Code: CodeEngineFailure, Message: "no such file"}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode(tc.resp)
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("unexpected message (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecode_MalformedRejected(t *testing.T) {
	cases := []Response{
		{Type: "isEngineReady"},
		{Type: "isEngineReady", Data: json.RawMessage(`null`)},
		{Type: "isEngineReady", Data: json.RawMessage(`{}`)},
		{Type: "openDocument", Data: json.RawMessage(`{"handle":1}`)},
		{Type: "getPageProperties", Data: json.RawMessage(`{"0":{"width":1},"2":{"width":1}}`)},
		{Type: "getPageProperties", Data: json.RawMessage(`[1,2]`)},
		{Type: "renderPageSegment", Data: json.RawMessage(`{"segmentId":0,"base64":""}`)},
		{Type: "renderPageSegment", Data: json.RawMessage(`{"page":0,"segmentId":0,"base64":"!!"}`)},
	}
	for _, resp := range cases {
		if _, err := Decode(resp); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s %s: expected ErrMalformed, got %v", resp.Type, resp.Data, err)
		}
	}
}

func TestRenderedSegmentDataURI(t *testing.T) {
	png := RenderedSegment{Format: FormatPNG, ImageBytes: []byte("hi")}
	if got, want := png.DataURI(), "data:image/png;base64,aGk="; got != want {
		t.Fatalf("png data uri = %q, want %q", got, want)
	}
	jpeg := RenderedSegment{Format: FormatJPEG, ImageBytes: []byte("hi")}
	if got, want := jpeg.DataURI(), "data:image/jpeg;base64,aGk="; got != want {
		t.Fatalf("jpeg data uri = %q, want %q", got, want)
	}
}

func TestCloneDetachesBuffers(t *testing.T) {
	req, err := NewRequest(OpOpenDocument, 1, OpenDocumentParams{Source: "a.pdf"})
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	clone := req.Clone()
	req.Data[2] = 'X'
	if string(clone.Data) != `{"source":"a.pdf"}` {
		t.Fatalf("clone shares buffer with original: %s", clone.Data)
	}
}
