// kd is the Kingdom CLI for orchestrating agent-driven development.
package main

import (
	"os"

	"github.com/kingdom-dev/kingdom/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
