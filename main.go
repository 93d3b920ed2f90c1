// The main package for the crawlcore executable.
package main

import (
	"github.com/tetherweb/crawlcore/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
