// Command crawler is the entrypoint that wires internal/cli's cobra root
// command to an OS process: it exists only to call cmd.Execute and report
// a non-zero exit code on fatal init error, same as any cobra-based CLI.
package main

import (
	cmd "github.com/rohmanhakim/docs-crawler/internal/cli"
)

func main() {
	cmd.Execute()
}
