package main

import (
	"log"

	"go-pdf-bridge/internal/host"

	"github.com/neovim/go-client/nvim/plugin"
)

// Runs as a Neovim remote plugin: register the commands, then serve
// requests over stdio until Neovim goes away.
func main() {
	log.SetPrefix("[pdfbridge] ")
	plugin.Main(func(p *plugin.Plugin) error {
		log.Println("registering handlers")
		return host.Register(p)
	})
}
