// Command pantry is the command-line front end of the pantry entity cache.
package main

import (
	"os"

	"github.com/mesh-intelligence/pantry/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
