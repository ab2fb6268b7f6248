package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/urfave/cli/v2"
	"heckel.io/rpipe/cmd"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	cli.AppHelpTemplate += fmt.Sprintf(`
Try 'rpipe COMMAND --help' for more information.

rpipe %s (%s), runtime %s, built at %s
`, version, shortCommit(commit), runtime.Version(), date)

	app := cmd.New()
	app.Version = version

	if err := cmd.Run(app, os.Args...); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func shortCommit(commit string) string {
	if len(commit) > 7 {
		return commit[:7]
	}
	return commit
}
