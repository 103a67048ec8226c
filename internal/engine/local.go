package engine

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"log"
	"math"
	"net/http"
	"os"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"seehuhn.de/go/pdf"
	"seehuhn.de/go/pdf/pagetree"

	"go-pdf-bridge/internal/contracts"
)

const maxSourceBytes = 256 << 20

var (
	letterBox = pdf.Rectangle{URx: 612, URy: 792}
	deskColor = color.Gray{Y: 0xcc}
	edgeColor = color.Gray{Y: 0x55}
)

type document struct {
	handle uint64
	source string
	reader *pdf.Reader
	pages  contracts.PageGeometryMap
}

// Local is the reference in-process engine. It reads the page tree with
// seehuhn.de/go/pdf and paints each requested segment as a page sheet at
// the requested zoom and rotation; content rasterization is left to real
// engines plugged in behind the same interface.
type Local struct {
	client *http.Client
	logger *log.Logger

	lastHandle uint64
	doc        *document
}

func NewLocal(client *http.Client, logger *log.Logger) *Local {
	if client == nil {
		client = http.DefaultClient
	}
	return &Local{client: client, logger: logger}
}

// LocalFactory returns a Factory building a Local engine.
func LocalFactory(client *http.Client, logger *log.Logger) Factory {
	return func() (Engine, error) {
		return NewLocal(client, logger), nil
	}
}

func (l *Local) Ready(ctx context.Context) bool {
	return ctx.Err() == nil
}

// Open loads source and supersedes the previously open document.
func (l *Local) Open(ctx context.Context, source string) (contracts.DocumentOpened, error) {
	data, err := l.fetch(ctx, source)
	if err != nil {
		return contracts.DocumentOpened{}, err
	}

	r, err := pdf.NewReader(bytes.NewReader(data), nil)
	if err != nil {
		return contracts.DocumentOpened{}, fmt.Errorf("open %s: %w", source, err)
	}

	l.Close()
	l.lastHandle++
	l.doc = &document{handle: l.lastHandle, source: source, reader: r}
	l.logger.Printf("opened %s as handle %d (%d bytes)", source, l.doc.handle, len(data))

	return contracts.DocumentOpened{Handle: l.doc.handle, FileOpened: true}, nil
}

// PageProperties measures every page once; later calls return the cached map.
func (l *Local) PageProperties(ctx context.Context) (contracts.PageGeometryMap, error) {
	if l.doc == nil {
		return nil, ErrNoDocument
	}
	if l.doc.pages != nil {
		return l.doc.pages, nil
	}

	r := l.doc.reader
	count, err := pagetree.NumPages(r)
	if err != nil {
		return nil, fmt.Errorf("count pages: %w", err)
	}

	pages := make(contracts.PageGeometryMap, count)
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_, dict, err := pagetree.GetPage(r, i)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		geometry, err := measure(r, dict)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		pages[i] = geometry
	}

	l.doc.pages = pages
	return pages, nil
}

// RenderSegment paints the requested tile and encodes it as PNG or JPEG.
func (l *Local) RenderSegment(ctx context.Context, params contracts.RenderParams) (contracts.RenderedSegment, error) {
	pages, err := l.PageProperties(ctx)
	if err != nil {
		return contracts.RenderedSegment{}, err
	}
	geometry, ok := pages[params.Page]
	if !ok {
		return contracts.RenderedSegment{}, fmt.Errorf("page %d out of range (document has %d)", params.Page, len(pages))
	}

	if err := CheckRenderParams(params); err != nil {
		return contracts.RenderedSegment{}, err
	}
	zoom := effectiveZoom(params.Zoom)
	rotation := normalizeRotation(geometry.Rotation + params.Rotation)

	img := paintSegment(params, geometry, zoom, rotation)

	var buf bytes.Buffer
	switch params.Format {
	case contracts.FormatJPEG:
		quality := params.Quality
		if quality < 1 || quality > 100 {
			quality = jpeg.DefaultQuality
		}
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality})
	default:
		err = png.Encode(&buf, img)
	}
	if err != nil {
		return contracts.RenderedSegment{}, fmt.Errorf("encode segment: %w", err)
	}

	format := params.Format
	if format != contracts.FormatJPEG {
		format = contracts.FormatPNG
	}
	return contracts.RenderedSegment{
		Page:       params.Page,
		SegmentID:  params.SegmentID,
		ZoomFactor: zoom,
		Rotation:   rotation,
		Format:     format,
		ImageBytes: buf.Bytes(),
	}, nil
}

// Close releases the open document, if any.
func (l *Local) Close() error {
	if l.doc == nil {
		return nil
	}
	err := l.doc.reader.Close()
	l.doc = nil
	return err
}

func (l *Local) fetch(ctx context.Context, source string) ([]byte, error) {
	lower := strings.ToLower(source)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		data, err := os.ReadFile(source)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", source, err)
		}
		return data, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", source, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: %s", source, resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxSourceBytes))
}

// measure reads the crop box (falling back to the media box, then to US
// Letter) and the page rotation.
func measure(r pdf.Getter, dict pdf.Dict) (contracts.PageGeometry, error) {
	box, err := pdf.GetRectangle(r, dict["CropBox"])
	if err != nil {
		return contracts.PageGeometry{}, err
	}
	if box == nil {
		box, err = pdf.GetRectangle(r, dict["MediaBox"])
		if err != nil {
			return contracts.PageGeometry{}, err
		}
	}
	if box == nil {
		box = &letterBox
	}

	rotate, err := pdf.GetInteger(r, dict["Rotate"])
	if err != nil {
		return contracts.PageGeometry{}, err
	}

	return contracts.PageGeometry{
		Width:    box.URx - box.LLx,
		Height:   box.URy - box.LLy,
		Rotation: normalizeRotation(int(rotate)),
	}, nil
}

// normalizeRotation maps any multiple of 90 degrees into 0, 90, 180 or 270.
func normalizeRotation(deg int) int {
	deg = (deg / 90 * 90) % 360
	if deg < 0 {
		deg += 360
	}
	return deg
}

func paintSegment(params contracts.RenderParams, geometry contracts.PageGeometry, zoom float64, rotation int) *image.RGBA {
	w := clampSide(params.Width * zoom)
	h := clampSide(params.Height * zoom)
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: deskColor}, image.Point{}, draw.Src)

	pageW, pageH := geometry.Width, geometry.Height
	if rotation == 90 || rotation == 270 {
		pageW, pageH = pageH, pageW
	}
	sheet := image.Rect(
		int(math.Round(-params.Left*zoom)),
		int(math.Round(-params.Top*zoom)),
		int(math.Round((pageW-params.Left)*zoom)),
		int(math.Round((pageH-params.Top)*zoom)),
	).Intersect(img.Bounds())
	if sheet.Empty() {
		return img
	}

	draw.Draw(img, sheet, &image.Uniform{C: edgeColor}, image.Point{}, draw.Src)
	draw.Draw(img, sheet.Inset(1), image.White, image.Point{}, draw.Src)

	label := font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{C: edgeColor},
		Face: basicfont.Face7x13,
		Dot:  fixed.P(sheet.Min.X+8, sheet.Min.Y+20),
	}
	label.DrawString(fmt.Sprintf("page %d  segment %d  %d deg", params.Page, params.SegmentID, rotation))
	return img
}

func clampSide(v float64) int {
	n := int(math.Ceil(v))
	if n < 1 {
		return 1
	}
	if n > MaxSegmentSide {
		return MaxSegmentSide
	}
	return n
}
