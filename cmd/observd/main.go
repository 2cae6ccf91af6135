// Command observd is the digital observer for authored text: it buffers
// edit deltas into VDF-sealed epochs, signs the resulting document
// envelope, and manages the encrypted document vault.
package main

import (
	"os"

	"observd/cmd/observd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
