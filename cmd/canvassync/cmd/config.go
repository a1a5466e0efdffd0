package cmd

import (
	"fmt"

	"github.com/go-drift/canvassync/pkg/config"
)

type configOptions struct {
	Dir string `short:"C" long:"dir" default:"." description:"directory containing canvassync.yaml"`
}

func init() {
	RegisterCommand(&Command{
		Name:  "config",
		Short: "Print the resolved configuration",
		Long: `Print the configuration canvassync would run with.

Values missing from canvassync.yaml are filled in with their defaults.
The file is validated; an invalid value is reported as an error.`,
		Usage: "canvassync config [--dir DIR]",
		Run:   runWith(runConfig),
	})
}

func runConfig(args []string) error {
	var opts configOptions
	if _, err := parseFlags("config", &opts, args); err != nil {
		return err
	}

	cfg, err := config.Resolve(opts.Dir)
	if err != nil {
		return err
	}
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "# %s\n%s", cfg.Path, data)
	return nil
}
