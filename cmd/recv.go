package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"
	"heckel.io/rpipe/util"
)

var cmdRecv = &cli.Command{
	Name:      "recv",
	Aliases:   []string{"r", "receive"},
	Usage:     "Receive a stream from a channel and write it to STDOUT",
	UsageText: "rpipe recv [OPTIONS..]",
	Action:    execRecv,
	Category:  categoryClient,
	Flags: withFlags(clientFlags, transferFlags, []cli.Flag{
		&cli.BoolFlag{Name: "block", Aliases: []string{"b"}, Usage: "wait until something is sent to the channel"},
		&cli.StringFlag{Name: "idle-timeout", Aliases: []string{"i"}, Usage: "give up if no data arrives for `DURATION`"},
	}),
	Description: `Receives the stream in the channel and writes it to STDOUT. Chunks are removed from the server
as they are received, and the channel is gone once the end of the stream was received. While
receiving, the channel is locked; other receivers have to wait.

If the sender is slower than the receiver, the command waits for more data. It gives up if nothing
arrives for a while (see --idle-timeout), and fails if only parts of the stream were received.

Examples:
  rpipe recv -c mychan > out.txt          # Receives the stream in 'mychan'
  rpipe recv -b -c backup | tar xz        # Waits for the sender to start, then extracts`,
}

var cmdPeek = &cli.Command{
	Name:      "peek",
	Usage:     "Print the contents of a channel without consuming it",
	UsageText: "rpipe peek [OPTIONS..]",
	Action:    execPeek,
	Category:  categoryClient,
	Flags:     withFlags(clientFlags, transferFlags),
	Description: `Writes everything that is currently queued in the channel to STDOUT, without removing it.
Peeking neither waits for nor blocks a receiver. If the sender has not sent the end of the stream
yet, the output is truncated, and a warning is printed.

Examples:
  rpipe peek -c mychan                    # Shows what is waiting in 'mychan'`,
}

func execRecv(c *cli.Context) error {
	conf, err := loadClientConfig(c)
	if err != nil {
		return err
	}
	if idleTimeout := c.String("idle-timeout"); idleTimeout != "" {
		if conf.IdleTimeout, err = util.ParseDuration(idleTimeout); err != nil {
			return err
		}
	}
	pclient, err := newClient(conf)
	if err != nil {
		return err
	}
	transfer, err := pclient.Receive(c.Context, c.App.Writer, c.Bool("block"))
	if err != nil {
		if transfer != nil && transfer.Bytes > 0 {
			fmt.Fprintf(c.App.ErrWriter, "Received %s before the error\n", util.BytesToHuman(transfer.Bytes))
		}
		return handleClientError(err)
	}
	printTransferSummary(c, transfer)
	return nil
}

func execPeek(c *cli.Context) error {
	conf, err := loadClientConfig(c)
	if err != nil {
		return err
	}
	pclient, err := newClient(conf)
	if err != nil {
		return err
	}
	transfer, err := pclient.Peek(c.Context, c.App.Writer)
	if err != nil {
		return handleClientError(err)
	}
	if transfer.Chunks() > 0 && !transfer.Final {
		fmt.Fprintln(c.App.ErrWriter, "Warning: the end of the stream has not been sent yet, output is incomplete")
	}
	printTransferSummary(c, transfer)
	return nil
}
