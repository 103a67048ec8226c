package host

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go-pdf-bridge/internal/app"
	"go-pdf-bridge/internal/config"

	"github.com/neovim/go-client/nvim"
	"github.com/neovim/go-client/nvim/plugin"
)

const requestTimeout = 5 * time.Second

// Commands is a state container for Neovim command handlers. The preview is
// created on first use so that a plugin host that never opens a document
// never starts an engine.
type Commands struct {
	cfg     config.Config
	preview *app.LivePreview
}

func NewCommands(cfg config.Config) *Commands {
	return &Commands{cfg: cfg}
}

// Register registers Neovim command/function handlers.
func Register(p *plugin.Plugin) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	commands := NewCommands(cfg)

	p.Handle("poll", func() (string, error) {
		return "ok", nil
	})

	p.HandleCommand(&plugin.CommandOptions{
		Name:     "PdfBridgeOpen",
		NArgs:    "?",
		Complete: "file",
	}, commands.PdfBridgeOpen)

	p.HandleCommand(&plugin.CommandOptions{
		Name:  "PdfBridgeRender",
		NArgs: "1",
	}, commands.PdfBridgeRender)

	p.HandleCommand(&plugin.CommandOptions{
		Name: "PdfBridgeStatus",
	}, commands.PdfBridgeStatus)

	return nil
}

// PdfBridgeOpen opens the given file, or the current buffer's file.
func (c *Commands) PdfBridgeOpen(v *nvim.Nvim, args []string) error {
	path, err := c.resolvePath(v, args)
	if err != nil {
		return err
	}

	preview, err := c.ensurePreview()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := preview.Open(ctx, path); err != nil {
		return err
	}

	return echo(v, "%s: %s", filepath.Base(path), preview.URL())
}

// PdfBridgeRender shows a page, counted from zero, of the open document.
func (c *Commands) PdfBridgeRender(v *nvim.Nvim, args []string) error {
	if c.preview == nil {
		return echo(v, "no document open")
	}
	if len(args) != 1 {
		return fmt.Errorf("PdfBridgeRender takes a page number")
	}
	page, err := strconv.Atoi(strings.TrimSpace(args[0]))
	if err != nil {
		return fmt.Errorf("page %q: %w", args[0], err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	return c.preview.RenderPage(ctx, page)
}

func (c *Commands) PdfBridgeStatus(v *nvim.Nvim) error {
	if c.preview == nil {
		return echo(v, "engine not started")
	}
	return echo(v, "%s", FormatStatus(c.preview.Status()))
}

// FormatStatus renders a status as a single echo line.
func FormatStatus(s app.Status) string {
	parts := []string{"engine " + s.State}
	switch {
	case s.Source == "":
		parts = append(parts, "no document")
	case !s.Open:
		parts = append(parts, "opening "+filepath.Base(s.Source))
	default:
		parts = append(parts, fmt.Sprintf("%s, %d pages", filepath.Base(s.Source), s.Pages))
	}
	if s.Page >= 0 {
		parts = append(parts, fmt.Sprintf("showing page %d", s.Page))
	}
	if s.Err != nil {
		parts = append(parts, "last error: "+s.Err.Error())
	}
	parts = append(parts, s.URL)
	return strings.Join(parts, ", ")
}

func (c *Commands) ensurePreview() (*app.LivePreview, error) {
	if c.preview != nil {
		return c.preview, nil
	}
	preview, err := app.NewLivePreview(app.Options{Config: c.cfg})
	if err != nil {
		return nil, err
	}
	preview.Start(true)
	c.preview = preview
	return preview, nil
}

func (c *Commands) resolvePath(v *nvim.Nvim, args []string) (string, error) {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		path := strings.TrimSpace(args[0])
		if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
			return path, nil
		}
		var expanded string
		if err := v.Call("expand", &expanded, path); err == nil && expanded != "" {
			path = expanded
		}
		return filepath.Abs(path)
	}

	absPath, err := v.BufferName(0)
	if err != nil {
		return "", err
	}
	if absPath == "" {
		return "", fmt.Errorf("current buffer has no file")
	}
	return absPath, nil
}

func echo(v *nvim.Nvim, format string, args ...any) error {
	msg := strings.ReplaceAll(fmt.Sprintf(format, args...), `"`, `\"`)
	return v.Command(fmt.Sprintf(`echom "[pdfbridge] %s"`, msg))
}
