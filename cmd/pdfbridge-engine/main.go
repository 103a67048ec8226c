package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go-pdf-bridge/internal/config"
	"go-pdf-bridge/internal/engine"
	httptransport "go-pdf-bridge/internal/transport/http"
)

// Serves one PDF engine to remote bridges over POST /rpc and GET /ws.
func main() {
	logger := log.New(os.Stderr, "[pdfbridge-engine] ", log.LstdFlags)

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	addr := flag.String("addr", cfg.EngineAddr, "listen address")
	flag.Parse()

	local := engine.NewLocal(nil, logger)
	defer local.Close()

	server := httptransport.NewEngineServer(*addr, local, logger)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		if err := server.Stop(); err != nil {
			logger.Printf("stop: %v", err)
		}
	}()

	if err := server.ListenAndServe(); err != nil {
		logger.Fatalf("serve: %v", err)
	}
}
