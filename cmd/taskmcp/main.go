// Command taskmcp runs the task-mcp server: an MCP service exposing two
// domain operations, opening and archiving a change, over stdio or HTTP.
package main

import (
	"os"

	"github.com/taskmcp/taskmcp/cmd/taskmcp/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
