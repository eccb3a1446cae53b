package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"github.com/talkd/talkd/talk"
)

func main() {
	bindAddr := flag.String("bind", ":6667", "chat server bind address")
	adminAddr := flag.String("admin", "127.0.0.1:8080", "admin HTTP server bind address")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	log.Printf("Starting talkd with the following configuration:")
	log.Printf("Bind address: %s", *bindAddr)
	log.Printf("Admin bind address: %s", *adminAddr)
	log.Printf("Debug logging: %v", *debug)

	server, err := talk.NewServer(*bindAddr, *adminAddr)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}
	if *debug {
		cfg := *server.Config()
		cfg.Debug = true
		server.Reconfigure(&cfg)
	}

	if err := server.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Println("Server started successfully!")

	if tr := server.Transcript(); tr != nil {
		go func() {
			for line := range tr.Lines() {
				log.Printf("[transcript] %s", line)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Println("Server is running. Press Ctrl+C to stop.")
	<-sigChan
	log.Println("Shutdown signal received, stopping server...")

	server.Stop()
	log.Println("Server stopped. Goodbye!")
}
