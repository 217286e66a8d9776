// The main package for the mantiscan executable.
package main

import (
	"github.com/mantiscan/mantiscan/cmd"
)

func main() {
	cmd.Execute()
}
