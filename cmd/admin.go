package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"
	"heckel.io/rpipe/client"
	"heckel.io/rpipe/config"
	"heckel.io/rpipe/crypto"
	"heckel.io/rpipe/server"
	"heckel.io/rpipe/util"
)

var adminPasswordFlag = &cli.StringFlag{Name: "admin-password", EnvVars: []string{config.EnvAdminPassword}, Usage: "use admin password `PASS` (asked for if not set)"}

var adminFlags = withFlags(clientFlags, []cli.Flag{adminPasswordFlag})

var cmdAdmin = &cli.Command{
	Name:      "admin",
	Usage:     "Inspect and manage a server",
	UsageText: "rpipe admin COMMAND [OPTIONS..] [ARG..]",
	Category:  categoryServer,
	Subcommands: []*cli.Command{
		{
			Name:   "keygen",
			Usage:  "Hash an admin password for the AdminKey server setting",
			Action: execAdminKeygen,
			Flags:  []cli.Flag{adminPasswordFlag},
		},
		{
			Name:   "channels",
			Usage:  "List all channels",
			Action: execAdminChannels,
			Flags: withFlags(adminFlags, []cli.Flag{
				&cli.BoolFlag{Name: "json", Aliases: []string{"j"}, Usage: "print as JSON"},
			}),
		},
		{
			Name:   "stats",
			Usage:  "Show counters, limits and blocked IP addresses",
			Action: execAdminStats,
			Flags: withFlags(adminFlags, []cli.Flag{
				&cli.BoolFlag{Name: "json", Aliases: []string{"j"}, Usage: "print as JSON"},
			}),
		},
		{
			Name:      "log-level",
			Usage:     "Show or change the server's log level",
			UsageText: "rpipe admin log-level [OPTIONS..] [debug|info|warn|error]",
			Action:    execAdminLogLevel,
			Flags:     adminFlags,
		},
		{
			Name:      "hold",
			Usage:     "Stop receivers from draining a channel",
			UsageText: "rpipe admin hold [OPTIONS..] CHANNEL",
			Action:    execAdminToggle(true, "channel", holdChannel),
			Flags:     adminFlags,
		},
		{
			Name:      "release",
			Usage:     "Let receivers drain a held channel again",
			UsageText: "rpipe admin release [OPTIONS..] CHANNEL",
			Action:    execAdminToggle(false, "channel", holdChannel),
			Flags:     adminFlags,
		},
		{
			Name:      "block",
			Usage:     "Reject all requests from an IP address",
			UsageText: "rpipe admin block [OPTIONS..] IP",
			Action:    execAdminToggle(true, "IP address", blockIP),
			Flags:     adminFlags,
		},
		{
			Name:      "unblock",
			Usage:     "Lift the block of an IP address",
			UsageText: "rpipe admin unblock [OPTIONS..] IP",
			Action:    execAdminToggle(false, "IP address", blockIP),
			Flags:     adminFlags,
		},
	},
	Description: `Talks to the /admin endpoints of a server. They only exist if the server has an
AdminKey configured; generate one with 'rpipe admin keygen' and add it to server.yml.

The admin password is read from RPIPE_ADMIN_PASSWORD or --admin-password, or asked for.
Like channel passwords, it is never sent to the server.

Examples:
  rpipe admin keygen                               # Prints an AdminKey for server.yml
  rpipe admin channels -u rpipe.example.com        # Lists all channels
  rpipe admin log-level -u rpipe.example.com debug # Switches the server to debug logging
  rpipe admin hold -u rpipe.example.com mychan     # Nobody can receive from 'mychan'
  rpipe admin block -u rpipe.example.com 10.0.0.1  # Rejects all requests from 10.0.0.1`,
}

func execAdminKeygen(c *cli.Context) error {
	password, err := adminPassword(c)
	if err != nil {
		return err
	}
	key, err := crypto.GenerateAdminKey(password)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "AdminKey: \"%s\"\n", crypto.EncodeKey(key))
	return nil
}

func execAdminChannels(c *cli.Context) error {
	admin, err := newAdmin(c)
	if err != nil {
		return err
	}
	infos, err := admin.Channels(c.Context)
	if err != nil {
		return handleAdminError(err)
	}
	if c.Bool("json") {
		return json.NewEncoder(c.App.Writer).Encode(infos)
	}
	w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHANNEL\tCHUNKS\tSIZE\tSENT\tRECEIVED\tCOMPLETE\tRECEIVING\tHELD\tEXPIRES")
	for _, info := range infos {
		expires := "-"
		if info.Expires > 0 {
			expires = util.DurationToHuman(time.Until(time.Unix(info.Expires, 0)))
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%d\t%s\t%s\t%s\t%s\n", info.Name, info.Chunks, util.BytesToHuman(info.Size),
			info.Pushed, info.Popped, yesNo(info.Final), yesNo(info.Locked), yesNo(info.Held), expires)
	}
	return w.Flush()
}

func execAdminStats(c *cli.Context) error {
	admin, err := newAdmin(c)
	if err != nil {
		return err
	}
	stats, err := admin.Stats(c.Context)
	if err != nil {
		return handleAdminError(err)
	}
	if c.Bool("json") {
		return json.NewEncoder(c.App.Writer).Encode(stats)
	}
	w := c.App.Writer
	fmt.Fprintf(w, "Channels:  %d (limit: %s)\n", stats.Channels, countOrUnlimited(stats.ChannelsLimit))
	fmt.Fprintf(w, "Size:      %s (limit: %s)\n", util.BytesToHuman(stats.Size), sizeOrUnlimited(stats.SizeLimit))
	fmt.Fprintf(w, "Sent:      %d chunk(s)\n", stats.Pushes)
	fmt.Fprintf(w, "Received:  %d chunk(s)\n", stats.Pops)
	fmt.Fprintf(w, "Peeks:     %d\n", stats.Peeks)
	fmt.Fprintf(w, "Expired:   %d channel(s)\n", stats.Evictions)
	fmt.Fprintf(w, "Visitors:  %d\n", stats.Visitors)
	fmt.Fprintf(w, "Log level: %s\n", stats.LogLevel)
	if len(stats.Blocked) > 0 {
		fmt.Fprintf(w, "Blocked:   %s\n", strings.Join(stats.Blocked, ", "))
	}
	return nil
}

func execAdminLogLevel(c *cli.Context) error {
	admin, err := newAdmin(c)
	if err != nil {
		return err
	}
	var level string
	if c.NArg() > 0 {
		level, err = admin.SetLogLevel(c.Context, c.Args().Get(0))
	} else {
		level, err = admin.LogLevel(c.Context)
	}
	if err != nil {
		return handleAdminError(err)
	}
	fmt.Fprintln(c.App.Writer, level)
	return nil
}

func holdChannel(c *cli.Context, admin *client.Admin, channel string, on bool) error {
	if !config.ValidChannel(channel) {
		return fmt.Errorf("invalid channel name %s", channel)
	}
	if err := admin.Hold(c.Context, channel, on); err != nil {
		return err
	}
	if on {
		fmt.Fprintf(c.App.ErrWriter, "Channel %s is held, nobody can receive from it\n", channel)
	} else {
		fmt.Fprintf(c.App.ErrWriter, "Channel %s released\n", channel)
	}
	return nil
}

func blockIP(c *cli.Context, admin *client.Admin, ip string, on bool) error {
	if err := admin.Block(c.Context, ip, on); err != nil {
		return err
	}
	if on {
		fmt.Fprintf(c.App.ErrWriter, "IP address %s blocked\n", ip)
	} else {
		fmt.Fprintf(c.App.ErrWriter, "IP address %s unblocked\n", ip)
	}
	return nil
}

// execAdminToggle returns the action of a subcommand that switches something on or off for its argument
func execAdminToggle(on bool, what string, fn func(*cli.Context, *client.Admin, string, bool) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		if c.NArg() < 1 {
			return fmt.Errorf("missing %s, see --help for usage details", what)
		}
		admin, err := newAdmin(c)
		if err != nil {
			return err
		}
		if err := fn(c, admin, c.Args().Get(0), on); err != nil {
			return handleAdminError(err)
		}
		return nil
	}
}

func newAdmin(c *cli.Context) (*client.Admin, error) {
	conf, err := loadClientConfig(c)
	if err != nil {
		return nil, err
	}
	if conf.URL == "" {
		return nil, cli.Exit("error: no server URL configured, pass --url", 1)
	}
	password, err := adminPassword(c)
	if err != nil {
		return nil, err
	}
	pclient, err := newClientForServer(conf)
	if err != nil {
		return nil, err
	}
	return pclient.Admin(string(password)), nil
}

func adminPassword(c *cli.Context) ([]byte, error) {
	if password := c.String("admin-password"); password != "" {
		return []byte(password), nil
	}
	fmt.Fprint(c.App.ErrWriter, "Enter admin password: ")
	password, err := util.ReadPassword(c.App.Reader)
	if err != nil {
		return nil, err
	}
	fmt.Fprint(c.App.ErrWriter, "\r")
	if len(password) == 0 {
		return nil, errors.New("admin password must not be empty")
	}
	return password, nil
}

func handleAdminError(err error) error {
	var errHTTP *server.ErrHTTP
	if errors.Is(err, client.ErrAuth) {
		return cli.Exit("error: wrong admin password", 1)
	} else if errors.As(err, &errHTTP) && errHTTP.Code == http.StatusNotFound {
		return cli.Exit("error: not found, check that the server has an AdminKey and that the channel exists", 1)
	} else if errors.As(err, &errHTTP) && errHTTP.Code == http.StatusBadRequest {
		return cli.Exit("error: invalid argument, rejected by the server", 1)
	}
	return handleClientError(err)
}

func countOrUnlimited(n int64) string {
	if n <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d", n)
}
