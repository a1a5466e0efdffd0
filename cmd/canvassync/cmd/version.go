package cmd

import "fmt"

func init() {
	RegisterCommand(&Command{
		Name:  "version",
		Short: "Show version information",
		Long:  "Show the canvassync version and build time.",
		Usage: "canvassync version",
		Run: func(args []string) error {
			fmt.Fprintf(stdout, "canvassync version %s (built %s)\n", Version, BuildTime)
			return nil
		},
	})
}
