// conductor routes messages to coding-agent sessions run by a local daemon.
package main

import (
	"os"

	"github.com/conductor-dev/conductor/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
