// ./main.go
package main

import (
	"context"
	"os"

	"github.com/xkilldash9x/compliance-swarm/cmd"
)

// main is the entry point for the compliance-swarm CLI. cmd/swarm adds
// signal handling and a panic log on top of the same command tree.
func main() {
	if err := cmd.Execute(context.Background()); err != nil {
		os.Exit(1)
	}
}
