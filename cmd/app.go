// Package cmd provides the rpipe CLI application
package cmd

import (
	"context"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
	"heckel.io/rpipe/util"
)

const (
	categoryClient = "Client-side commands"
	categoryServer = "Server-side commands"

	defaultEnvFile = ".env"
)

// configFs is the filesystem config files are read from and written to
var configFs = afero.NewOsFs()

// New creates a new CLI application
func New() *cli.App {
	return &cli.App{
		Name:                   "rpipe",
		Usage:                  "pipe data across machines through a relay server",
		UsageText:              "rpipe [--debug] COMMAND [OPTION..] [ARG..]",
		HideHelp:               true,
		HideVersion:            true,
		EnableBashCompletion:   true,
		UseShortOptionHandling: true,
		Reader:                 os.Stdin,
		Writer:                 os.Stdout,
		ErrWriter:              os.Stderr,
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
			&cli.StringFlag{Name: "env-file", Usage: "load environment variables from `FILE` (default: .env, if it exists)"},
		},
		Before: execBefore,
		Commands: []*cli.Command{
			// Client commands
			cmdSend,
			cmdRecv,
			cmdPeek,
			cmdQuery,
			cmdDelete,
			cmdInfo,
			cmdConfig,

			// Server commands
			cmdServe,
			cmdCertgen,
			cmdAdmin,
		},
	}
}

// Run runs the CLI application with the given arguments
func Run(app *cli.App, args ...string) error {
	return RunContext(context.Background(), app, args...)
}

// RunContext is like Run, but long-running commands (receiving, serving) stop when ctx is done
func RunContext(ctx context.Context, app *cli.App, args ...string) error {
	return app.RunContext(ctx, args)
}

func execBefore(c *cli.Context) error {
	if err := loadEnvFile(c.String("env-file")); err != nil {
		return err
	}
	util.SetLogLevel(c.Bool("debug"))
	return nil
}

// loadEnvFile loads variables like RPIPE_PASSWORD from a dotenv file. Variables that are already
// set in the environment win. A missing default file is not an error.
func loadEnvFile(filename string) error {
	if filename == "" {
		if _, err := os.Stat(defaultEnvFile); err != nil {
			return nil
		}
		filename = defaultEnvFile
	}
	return godotenv.Load(filename)
}
