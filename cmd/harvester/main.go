// Command harvester fetches Jira issues into JSONL training data.
//
// Usage:
//
//	harvester run [--project KAFKA]   # fetch all (or one) configured projects
//	harvester status                  # show checkpoints and statistics
//	harvester reset KAFKA             # discard the checkpoint of a project
//	harvester summary [KAFKA]         # issue types and statuses in the output
//
// Progress is checkpointed after every page; an interrupted run resumes where
// it stopped.
package main

import (
	"fmt"
	"os"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
