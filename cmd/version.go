package cmd

import (
	"fmt"
	"os"
)

// Version information (injected at build time via ldflags)
var (
	AppVersion = "development"
	BuildTime  = "unknown"
	GitCommit  = "unknown"
)

func runVersion() {
	fmt.Printf("Lorekeep %s\n", AppVersion)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n", GitCommit)

	if key := os.Getenv("OPENAI_API_KEY"); key != "" && len(key) > 8 {
		fmt.Printf("OPENAI_API_KEY: %s...%s (configured)\n", key[:4], key[len(key)-4:])
	} else {
		fmt.Println("OPENAI_API_KEY: not set (local embedding provider only)")
	}
}
