// Command canvassync runs and inspects the canvas surface coordinator.
package main

import (
	"fmt"
	"os"

	"github.com/go-drift/canvassync/cmd/canvassync/cmd"
)

func main() {
	if err := cmd.Execute(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
