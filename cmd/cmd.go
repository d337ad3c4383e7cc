// Package cmd provides CLI commands for lorekeep.
//
// Commands:
//   - worker: run the indexing worker that drains the job queue
//   - migrate: apply pending database migrations and exit
//   - version: show version information
//
// Signal handling and graceful shutdown are implemented for all
// long-running commands via context cancellation.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
)

// Execute is the main entry point for the lorekeep CLI.
func Execute() error {
	// Initialize logger once at entry point
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if len(os.Args) < 2 {
		runHelp()
		return nil
	}

	switch os.Args[1] {
	case "worker":
		return runWorker()
	case "migrate":
		return runMigrate()
	case "version", "--version", "-v":
		runVersion()
		return nil
	case "help", "--help", "-h":
		runHelp()
		return nil
	default:
		return fmt.Errorf("unknown command: %s", os.Args[1])
	}
}

// runHelp displays the help message.
func runHelp() {
	fmt.Println("Lorekeep - knowledge base indexing and retrieval service")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  lorekeep worker     Run migrations and start the indexing worker")
	fmt.Println("  lorekeep migrate    Apply pending database migrations and exit")
	fmt.Println("  lorekeep --version  Show version information")
	fmt.Println("  lorekeep --help     Show this help")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  DATABASE_URL        Optional: postgres:// URL, overrides postgres_* settings")
	fmt.Println("  OPENAI_API_KEY      Required when embedding.provider is openai")
	fmt.Println("  DEBUG               Optional: enable debug logging")
}
