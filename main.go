// The main package for the fetchpool executable.
package main

import (
	"github.com/JakeFAU/fetchpool/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
