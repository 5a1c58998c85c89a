// agent-fleet supervises AI coding agents running in tmux and docker.
package main

import (
	"os"

	"github.com/asheshgoplani/agent-fleet/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
