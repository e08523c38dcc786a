// Command node runs the model fleet node daemon: it serves OpenAI- and
// Ollama-compatible inference APIs over the models held in local storage,
// optionally syncing that storage against a fleet router.
package main

import (
	"os"

	"github.com/modelfleet/node/cmd/node/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
