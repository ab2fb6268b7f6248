package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"heckel.io/rpipe/config"
	"heckel.io/rpipe/util"
)

var cmdSend = &cli.Command{
	Name:      "send",
	Aliases:   []string{"s"},
	Usage:     "Read from STDIN/file and send it to a channel",
	UsageText: "rpipe send [OPTIONS..] [FILE]",
	Action:    execSend,
	Category:  categoryClient,
	Flags: withFlags(clientFlags, transferFlags, []cli.Flag{
		&cli.StringFlag{Name: "ttl", Aliases: []string{"t"}, DefaultText: "server default", Usage: "keep the channel for `TTL` if nobody reads it"},
		&cli.StringFlag{Name: "compression", Aliases: []string{"Z"}, Usage: "compress chunks with `ALGO` (none, lz4, zstd)"},
		&cli.StringFlag{Name: "cipher", Aliases: []string{"E"}, Usage: "encrypt chunks with `ALGO` (aes-gcm, chacha20-poly1305, none)"},
		&cli.StringFlag{Name: "chunk-size", Aliases: []string{"s"}, Usage: "split the stream into chunks of `SIZE`"},
	}),
	Description: `Reads STDIN (or FILE, if given) until EOF and sends it to the channel, one chunk at a time.
The stream stays on the server until someone receives it with 'rpipe recv', or until it expires.

If a password is set (config file, RPIPE_PASSWORD, or --ask-password), the channel is protected
with it, and the data is encrypted before it leaves this machine. Since STDIN carries the data,
--ask-password only works together with FILE.

Examples:
  echo hi | rpipe send -c mychan          # Sends 'hi' to channel 'mychan'
  rpipe send -c backup -t 2d dump.sql     # Sends a file, keeps it for two days if not received
  tar cz dir/ | rpipe send -P -Z none     # Sends an already compressed stream, shows progress`,
}

func execSend(c *cli.Context) error {
	if c.NArg() == 0 && c.Bool("ask-password") {
		return errors.New("cannot ask for a password while reading data from STDIN, use RPIPE_PASSWORD or pass a FILE")
	}
	conf, err := loadClientConfig(c)
	if err != nil {
		return err
	}
	if err := applySendOptions(c, conf); err != nil {
		return err
	}
	ttl := time.Duration(0)
	if ttlStr := c.String("ttl"); ttlStr != "" {
		if ttl, err = util.ParseDuration(ttlStr); err != nil {
			return err
		}
	}
	pclient, err := newClient(conf)
	if err != nil {
		return err
	}

	var reader io.Reader
	if c.NArg() > 0 {
		f, err := os.Open(c.Args().Get(0))
		if err != nil {
			return err
		}
		defer f.Close()
		reader = f
	} else {
		if isTerminal(c.App.Reader) {
			fmt.Fprintln(c.App.ErrWriter, "(Reading from STDIN, use Ctrl-D to send)")
		}
		reader = c.App.Reader
	}

	transfer, err := pclient.Send(c.Context, reader, ttl)
	if err != nil {
		return handleClientError(err)
	}
	printTransferSummary(c, transfer)
	return nil
}

func applySendOptions(c *cli.Context, conf *config.Config) error {
	if compression := c.String("compression"); compression != "" {
		conf.Compression = compression
	}
	if cipher := c.String("cipher"); cipher != "" {
		conf.Cipher = cipher
	}
	if chunkSize := c.String("chunk-size"); chunkSize != "" {
		size, err := util.ParseSize(chunkSize)
		if err != nil {
			return err
		}
		conf.ChunkSize = size
	}
	return nil
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == os.ModeCharDevice
}
