package cmd

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/urfave/cli/v2"
	"go.uber.org/atomic"
	"heckel.io/rpipe/client"
	"heckel.io/rpipe/codec"
	"heckel.io/rpipe/config"
	"heckel.io/rpipe/server"
	"heckel.io/rpipe/util"
)

// clientFlags are shared by all commands that talk to a server
var clientFlags = []cli.Flag{
	&cli.StringFlag{Name: "profile", Aliases: []string{"p"}, Value: config.DefaultProfile, Usage: "load config profile `NAME` from the config dir"},
	&cli.StringFlag{Name: "config", Aliases: []string{"f"}, Usage: "load config file from `FILE` (overrides --profile)"},
	&cli.StringFlag{Name: "url", Aliases: []string{"u"}, Usage: "connect to server `ADDR[:PORT]` (default port: 2581)"},
	&cli.StringFlag{Name: "channel", Aliases: []string{"c"}, Usage: "use channel `NAME`"},
	&cli.StringFlag{Name: "cert", Aliases: []string{"C"}, Usage: "load certificate file `CERT` to use for cert pinning"},
	&cli.StringFlag{Name: "timeout", Aliases: []string{"T"}, Usage: "set the timeout of a single request to `DURATION`"},
	&cli.IntFlag{Name: "retries", Aliases: []string{"R"}, Usage: "retry failed requests up to `N` times"},
	&cli.BoolFlag{Name: "ask-password", Aliases: []string{"a"}, Usage: "ask for the channel password instead of using RPIPE_PASSWORD or the config"},
}

// transferFlags are shared by the commands that move data
var transferFlags = []cli.Flag{
	&cli.BoolFlag{Name: "progress", Aliases: []string{"P"}, Usage: "print progress to STDERR"},
	&cli.BoolFlag{Name: "total", Aliases: []string{"Y"}, Usage: "print the total number of bytes after the transfer"},
	&cli.BoolFlag{Name: "checksum", Aliases: []string{"K"}, Usage: "print the checksum of the stream after the transfer"},
}

func withFlags(flags ...[]cli.Flag) []cli.Flag {
	all := make([]cli.Flag, 0)
	for _, f := range flags {
		all = append(all, f...)
	}
	return all
}

// loadClientConfig loads the config from the --config file or the profile, and applies the
// command line overrides on top of it
func loadClientConfig(c *cli.Context) (*config.Config, error) {
	var conf *config.Config
	var err error
	if filename := c.String("config"); filename != "" {
		conf, err = config.LoadFromFile(configFs, filename)
	} else {
		conf, err = config.NewStore(configFs).Load(c.String("profile"))
	}
	if err != nil {
		return nil, err
	}
	if url := c.String("url"); url != "" {
		conf.URL = config.ExpandServerAddr(url)
	}
	if channel := c.String("channel"); channel != "" {
		conf.Channel = channel
	}
	if certFile := c.String("cert"); certFile != "" {
		conf.CertFile = certFile
	}
	if timeout := c.String("timeout"); timeout != "" {
		if conf.Timeout, err = util.ParseDuration(timeout); err != nil {
			return nil, err
		}
	}
	if c.IsSet("retries") {
		conf.Retries = c.Int("retries")
	}
	if c.Bool("ask-password") {
		password, err := readPassword(c)
		if err != nil {
			return nil, err
		}
		conf.Password = string(password)
	}
	if c.Bool("progress") {
		conf.ProgressFunc = func(processed int64, total int64, done bool) {
			progressOutput(c.App.ErrWriter, processed, total, done)
		}
	}
	return conf, nil
}

func newClient(conf *config.Config) (*client.Client, error) {
	if conf.URL == "" {
		return nil, errors.New("no server URL configured, pass --url or save one with 'rpipe config --save'")
	}
	if conf.Channel == "" {
		return nil, errors.New("no channel configured, pass --channel or save one with 'rpipe config --save'")
	}
	return newClientForServer(conf)
}

// newClientForServer is like newClient, but does not require a channel
func newClientForServer(conf *config.Config) (*client.Client, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return client.New(conf)
}

func readPassword(c *cli.Context) ([]byte, error) {
	fmt.Fprint(c.App.ErrWriter, "Enter channel password: ")
	password, err := util.ReadPassword(c.App.Reader)
	if err != nil {
		return nil, err
	}
	fmt.Fprint(c.App.ErrWriter, "\r")
	return password, nil
}

// printTransferSummary prints the number of bytes and/or the checksum of a finished transfer
func printTransferSummary(c *cli.Context, transfer *client.Transfer) {
	if transfer == nil {
		return
	}
	if c.Bool("total") {
		fmt.Fprintf(c.App.ErrWriter, "Total: %s (%d bytes)\n", util.BytesToHuman(transfer.Bytes), transfer.Bytes)
	}
	if c.Bool("checksum") {
		fmt.Fprintf(c.App.ErrWriter, "Checksum: %s\n", transfer.Checksum())
	}
}

// handleClientError translates client errors to messages a user can act upon
func handleClientError(err error) error {
	if err == nil {
		return nil
	}
	var errHTTP *server.ErrHTTP
	switch {
	case errors.Is(err, client.ErrAuth):
		return cli.Exit(fmt.Sprintf("error: %s", err.Error()), 1)
	case errors.Is(err, client.ErrLocked):
		return cli.Exit("error: channel is being read by another receiver, try again later", 1)
	case errors.Is(err, client.ErrGone):
		return cli.Exit("error: channel expired or was deleted during the transfer", 1)
	case errors.Is(err, client.ErrNoData):
		return cli.Exit("error: no data received, is anyone sending to this channel?", 2)
	case errors.Is(err, client.ErrIncomplete):
		return cli.Exit("error: stream incomplete, the sender stopped before the end of the stream", 3)
	case errors.Is(err, client.ErrMidStream):
		return cli.Exit(fmt.Sprintf("error: %s, output starts mid-stream", err.Error()), 4)
	case errors.Is(err, codec.ErrKeyRequired):
		return cli.Exit("error: channel data is encrypted, a password is required", 1)
	case errors.Is(err, codec.ErrIntegrity):
		return cli.Exit("error: cannot decrypt or verify data, wrong password or corrupted stream", 1)
	case errors.As(err, &errHTTP):
		switch errHTTP.Code {
		case http.StatusConflict:
			return cli.Exit("error: another stream is being sent to this channel, or the channel was read by someone else", 1)
		case http.StatusRequestEntityTooLarge:
			return cli.Exit("error: chunk too large for this server, use a smaller --chunk-size", 1)
		case http.StatusUnsupportedMediaType:
			return cli.Exit("error: server does not support the frame version, upgrade the server or client", 1)
		case http.StatusTooEarly:
			return cli.Exit("error: channel is full and nobody is reading it", 1)
		case http.StatusTooManyRequests:
			return cli.Exit("error: too many channels on the server, or rate limit reached", 1)
		}
	}
	return err
}

var previousProgressLen = atomic.NewInt64(0)

func progressOutput(errWriter io.Writer, processed int64, total int64, done bool) {
	prevLen := int(previousProgressLen.Load())
	var progress string
	if done {
		if prevLen == 0 {
			return
		}
		progress = fmt.Sprintf("%s (done)", util.BytesToHuman(processed))
	} else if total > 0 {
		progress = fmt.Sprintf("%s / %s (%.f%%)", util.BytesToHuman(processed),
			util.BytesToHuman(total), float64(processed)/float64(total)*100)
	} else {
		progress = util.BytesToHuman(processed)
	}
	progressWithSpaces := progress
	if len(progress) < prevLen {
		progressWithSpaces += strings.Repeat(" ", prevLen-len(progress))
	}
	if done {
		fmt.Fprintf(errWriter, "\r%s\r\n", progressWithSpaces)
		previousProgressLen.Store(0)
	} else {
		fmt.Fprintf(errWriter, "\r%s", progressWithSpaces)
		previousProgressLen.Store(int64(len(progress)))
	}
}
