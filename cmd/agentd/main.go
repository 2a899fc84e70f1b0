// Command agentd runs one node of the fog/edge cluster control plane:
// PolicyBundle, LightDiscovery, AreaResilience, AgentStartFlow and
// ControlAPI wired together, following the teacher's cmd/drand entrypoint
// split between main.go (process entry) and cli.go (flags and commands).
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := CLI(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
