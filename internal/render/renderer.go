package render

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	chromahtml "github.com/alecthomas/chroma/formatters/html"
	"github.com/alecthomas/chroma/styles"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extensionast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"
	alertcallouts "github.com/zmtcreative/gm-alert-callouts"

	"go-pdf-bridge/internal/session"
)

const pageAttribute = "data-page"

const highlightStyle = "github"

// Renderer turns session state into the HTML shown next to the rendered
// segment in the viewer.
type Renderer struct {
	md goldmark.Markdown
}

//go:embed page.html
var pageTemplate string

func NewRenderer() *Renderer {
	md := goldmark.New(
		goldmark.WithExtensions(
			alertcallouts.AlertCallouts,
			extension.GFM,
			extension.Table,
			highlighting.NewHighlighting(
				highlighting.WithStyle(highlightStyle),
				highlighting.WithWrapperRenderer(renderHighlightedCodeWrapper),
				highlighting.WithFormatOptions(
					chromahtml.WithClasses(true),
				),
			),
		),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
	)
	return &Renderer{md: md}
}

// ConvertFragment parses markdown source and returns the HTML fragment.
// Rows of the first table get a data-page attribute taken from pages, in
// order, so that the viewer can request a page by clicking its row.
func (r *Renderer) ConvertFragment(source []byte, pages []int) (string, error) {
	doc := r.md.Parser().Parse(text.NewReader(source))
	decorateAST(doc, pages)

	var buf bytes.Buffer
	if err := r.md.Renderer().Render(&buf, source, doc); err != nil {
		return "", err
	}

	return buf.String(), nil
}

// RenderSummary returns the summary fragment for st. lastErr, when set, is
// shown as a warning callout.
func (r *Renderer) RenderSummary(st session.State, lastErr error) (string, error) {
	return r.ConvertFragment(SummaryMarkdown(st, lastErr), st.PageIndices())
}

// RenderShell returns the viewer page with an empty summary. Content is
// pushed over the websocket afterwards.
func (r *Renderer) RenderShell() string {
	var css bytes.Buffer
	formatter := chromahtml.New(chromahtml.WithClasses(true))
	if err := formatter.WriteCSS(&css, styles.Get(highlightStyle)); err != nil {
		css.Reset()
	}
	page := strings.Replace(pageTemplate, "{{STYLE}}", css.String(), 1)
	return strings.Replace(page, "{{CONTENT}}", "", 1)
}

// SummaryMarkdown describes the document, its page geometry, the last
// render parameters and the last error as GitHub flavoured markdown.
func SummaryMarkdown(st session.State, lastErr error) []byte {
	var b strings.Builder

	title := "No document"
	if st.Source != "" {
		title = filepath.Base(st.Source)
	}
	fmt.Fprintf(&b, "# %s\n\n", escapeInline(title))

	if lastErr != nil {
		fmt.Fprintf(&b, "> [!WARNING]\n> %s\n\n", escapeInline(lastErr.Error()))
	}

	switch {
	case st.Source == "":
		b.WriteString("Waiting for a document to open.\n\n")
	case !st.Open:
		fmt.Fprintf(&b, "Opening `%s`…\n\n", st.Source)
	default:
		fmt.Fprintf(&b, "> [!NOTE]\n> Handle %d, %d pages, session `%s`\n\n", st.Handle, st.PageCount(), st.ID)
	}

	if indices := st.PageIndices(); len(indices) > 0 {
		b.WriteString("| Page | Width | Height | Rotation |\n")
		b.WriteString("|---:|---:|---:|---:|\n")
		for _, i := range indices {
			g := st.Pages[i]
			fmt.Fprintf(&b, "| %d | %s | %s | %d |\n", i, formatPoints(g.Width), formatPoints(g.Height), g.Rotation)
		}
		b.WriteString("\n")
	}

	if st.Params != nil {
		params, err := json.MarshalIndent(st.Params, "", "  ")
		if err == nil {
			b.WriteString("## Last render\n\n```json\n")
			b.Write(params)
			b.WriteString("\n```\n")
		}
	}

	return []byte(b.String())
}

func formatPoints(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// escapeInline keeps file names and error text from being read as markdown.
func escapeInline(s string) string {
	replacer := strings.NewReplacer(
		`\`, `\\`, "`", "\\`", "*", `\*`, "_", `\_`, "[", `\[`, "]", `\]`,
		"<", "&lt;", ">", "&gt;", "|", `\|`, "\n", " ",
	)
	return replacer.Replace(s)
}

// decorateAST tags the body rows of the first table with their page index.
func decorateAST(doc ast.Node, pages []int) {
	row := 0
	tableSeen := false

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}

		switch n.Kind() {
		case extensionast.KindTable:
			if tableSeen {
				return ast.WalkSkipChildren, nil
			}
			tableSeen = true
		case extensionast.KindTableRow:
			if row < len(pages) {
				n.SetAttributeString(pageAttribute, strconv.Itoa(pages[row]))
			}
			row++
		}
		return ast.WalkContinue, nil
	})
}

// renderHighlightedCodeWrapper wraps syntax-highlighted code blocks in a div
// carrying the block's language, so the viewer can style render parameters.
func renderHighlightedCodeWrapper(w util.BufWriter, context highlighting.CodeBlockContext, entering bool) {
	lang, ok := context.Language()
	if !ok || len(lang) == 0 {
		return
	}

	if entering {
		_, _ = w.WriteString(`<div class="code-block" data-lang="`)
		_, _ = w.Write(util.EscapeHTML(lang))
		_, _ = w.WriteString(`">`)
		return
	}

	_, _ = w.WriteString("</div>")
}
