package cmd

import (
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/urfave/cli/v2"
	"heckel.io/rpipe/codec"
	"heckel.io/rpipe/util"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var cmdQuery = &cli.Command{
	Name:      "query",
	Aliases:   []string{"q"},
	Usage:     "Show what is queued in a channel",
	UsageText: "rpipe query [OPTIONS..]",
	Action:    execQuery,
	Category:  categoryClient,
	Flags: withFlags(clientFlags, []cli.Flag{
		&cli.BoolFlag{Name: "json", Aliases: []string{"j"}, Usage: "print as JSON"},
	}),
	Description: `Prints metadata about the channel: number and size of queued chunks, whether the end of the
stream was sent, whether someone is receiving it right now, and when it expires.

Examples:
  rpipe query -c mychan                   # Shows the state of 'mychan'`,
}

var cmdDelete = &cli.Command{
	Name:      "delete",
	Aliases:   []string{"d"},
	Usage:     "Delete a channel and everything queued in it",
	UsageText: "rpipe delete [OPTIONS..]",
	Action:    execDelete,
	Category:  categoryClient,
	Flags:     clientFlags,
	Description: `Deletes the channel, including everything that was not received yet. A channel that is being
received cannot be deleted. Deleting a channel that does not exist is not an error.

Examples:
  rpipe delete -c mychan                  # Deletes 'mychan'`,
}

var cmdInfo = &cli.Command{
	Name:      "info",
	Usage:     "Show server version and limits",
	UsageText: "rpipe info [OPTIONS..]",
	Action:    execInfo,
	Category:  categoryClient,
	Flags: withFlags(clientFlags, []cli.Flag{
		&cli.BoolFlag{Name: "json", Aliases: []string{"j"}, Usage: "print as JSON"},
	}),
	Description: `Prints the server's version, its limits and the algorithms it supports, and warns if this
client sends chunks the server does not understand.

Examples:
  rpipe info -u rpipe.example.com         # Shows info about the server`,
}

func execQuery(c *cli.Context) error {
	conf, err := loadClientConfig(c)
	if err != nil {
		return err
	}
	pclient, err := newClient(conf)
	if err != nil {
		return err
	}
	info, err := pclient.Query(c.Context)
	if err != nil {
		return handleClientError(err)
	}
	if c.Bool("json") {
		return json.NewEncoder(c.App.Writer).Encode(info)
	}
	w := c.App.Writer
	fmt.Fprintf(w, "Channel:   %s\n", info.Name)
	fmt.Fprintf(w, "Queued:    %d chunk(s), %s\n", info.Chunks, util.BytesToHuman(info.Size))
	fmt.Fprintf(w, "Progress:  %d chunk(s) sent, %d received\n", info.Pushed, info.Popped)
	fmt.Fprintf(w, "Complete:  %s\n", yesNo(info.Final))
	fmt.Fprintf(w, "Receiving: %s\n", yesNo(info.Locked))
	fmt.Fprintf(w, "Password:  %s\n", yesNo(info.Protected))
	fmt.Fprintf(w, "Encrypted: %s\n", yesNo(info.Encrypted))
	if info.Expires > 0 {
		expires := time.Unix(info.Expires, 0)
		fmt.Fprintf(w, "Expires:   %s (in %s)\n", expires.Format(time.RFC3339), util.DurationToHuman(time.Until(expires)))
	}
	return nil
}

func execDelete(c *cli.Context) error {
	conf, err := loadClientConfig(c)
	if err != nil {
		return err
	}
	pclient, err := newClient(conf)
	if err != nil {
		return err
	}
	if err := pclient.Delete(c.Context); err != nil {
		return handleClientError(err)
	}
	fmt.Fprintf(c.App.ErrWriter, "Channel %s deleted\n", conf.Channel)
	return nil
}

func execInfo(c *cli.Context) error {
	conf, err := loadClientConfig(c)
	if err != nil {
		return err
	}
	if conf.URL == "" {
		return cli.Exit("error: no server URL configured, pass --url", 1)
	}
	pclient, err := newClientForServer(conf)
	if err != nil {
		return err
	}
	info, err := pclient.ServerInfo(c.Context)
	if err != nil {
		return handleClientError(err)
	}
	if c.Bool("json") {
		return json.NewEncoder(c.App.Writer).Encode(info)
	}
	w := c.App.Writer
	fmt.Fprintf(w, "Server:        %s (version %s)\n", info.ServerAddr, info.Version)
	fmt.Fprintf(w, "Frame version: %d\n", info.FrameVersion)
	fmt.Fprintf(w, "Compressions:  %s\n", strings.Join(info.Compressions, ", "))
	fmt.Fprintf(w, "Ciphers:       %s\n", strings.Join(info.Ciphers, ", "))
	fmt.Fprintf(w, "Max chunk:     %s\n", util.BytesToHuman(int64(info.MaxChunkSize)))
	fmt.Fprintf(w, "Channel TTL:   %s (max %s)\n", secondsToHuman(info.ChannelTTL), secondsToHuman(info.ChannelTTLMax))
	fmt.Fprintf(w, "Channel limit: %s\n", sizeOrUnlimited(info.ChannelSizeLimit))
	fmt.Fprintf(w, "Lock timeout:  %s\n", secondsToHuman(info.LockTimeout))
	if info.FrameVersion != codec.Version1 {
		fmt.Fprintf(c.App.ErrWriter, "Warning: server speaks frame version %d, this client speaks %d\n", info.FrameVersion, codec.Version1)
	}
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func secondsToHuman(seconds int64) string {
	return util.DurationToHuman(time.Duration(seconds) * time.Second)
}

func sizeOrUnlimited(size int64) string {
	if size <= 0 {
		return "unlimited"
	}
	return util.BytesToHuman(size)
}
