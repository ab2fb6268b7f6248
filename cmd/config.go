package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/urfave/cli/v2"
	"heckel.io/rpipe/config"
	"heckel.io/rpipe/util"
)

var cmdConfig = &cli.Command{
	Name:      "config",
	Usage:     "Show, save or list client config profiles",
	UsageText: "rpipe config [OPTIONS..]",
	Action:    execConfig,
	Category:  categoryClient,
	Flags: withFlags(clientFlags, []cli.Flag{
		&cli.BoolFlag{Name: "save", Aliases: []string{"S"}, Usage: "write the effective config to the profile (or --config file)"},
		&cli.BoolFlag{Name: "list", Aliases: []string{"l"}, Usage: "list all profiles in the config dir"},
		&cli.StringFlag{Name: "compression", Aliases: []string{"Z"}, Usage: "compress chunks with `ALGO` (none, lz4, zstd)"},
		&cli.StringFlag{Name: "cipher", Aliases: []string{"E"}, Usage: "encrypt chunks with `ALGO` (aes-gcm, chacha20-poly1305, none)"},
		&cli.StringFlag{Name: "chunk-size", Aliases: []string{"s"}, Usage: "split the stream into chunks of `SIZE`"},
	}),
	Description: `Without options, prints the effective client config, i.e. the profile (or --config file)
with the command line options applied on top of it. The password is never printed.

With --save, the effective config is written to ~/.config/rpipe/$PROFILE.yml (or /etc/rpipe if
root, or $RPIPE_CONFIG_DIR), so that future commands can leave out --url and --channel.

Examples:
  rpipe config -u rpipe.example.com -c mychan --save    # Saves the default profile
  rpipe config -p work -u rpipe.work.com --save         # Saves the 'work' profile
  rpipe config --list                                   # Lists all profiles`,
}

func execConfig(c *cli.Context) error {
	if c.Bool("list") {
		return listProfiles(c)
	}
	conf, err := loadClientConfig(c)
	if err != nil {
		return err
	}
	if err := applySendOptions(c, conf); err != nil {
		return err
	}
	if err := conf.Validate(); err != nil {
		return err
	}
	if c.Bool("save") {
		return saveConfig(c, conf)
	}
	printConfig(c, conf)
	return nil
}

func saveConfig(c *cli.Context, conf *config.Config) error {
	var filename string
	if filename = c.String("config"); filename != "" {
		if err := conf.WriteFile(configFs, filename); err != nil {
			return err
		}
	} else {
		var err error
		filename, err = config.NewStore(configFs).Save(c.String("profile"), conf)
		if err != nil {
			return err
		}
	}
	fmt.Fprintf(c.App.ErrWriter, "Config written to %s\n", util.CollapseHome(filename))
	if conf.Password != "" {
		fmt.Fprintln(c.App.ErrWriter, "Warning: the password is stored in plain text. Consider using RPIPE_PASSWORD instead.")
	}
	return nil
}

func printConfig(c *cli.Context, conf *config.Config) {
	w := c.App.Writer
	password := "(not set)"
	if conf.Password != "" {
		password = "(set)"
	}
	fmt.Fprintf(w, "URL:          %s\n", conf.URL)
	fmt.Fprintf(w, "Channel:      %s\n", conf.Channel)
	fmt.Fprintf(w, "Password:     %s\n", password)
	fmt.Fprintf(w, "Cert file:    %s\n", conf.CertFile)
	fmt.Fprintf(w, "Chunk size:   %s\n", util.BytesToHuman(conf.ChunkSize))
	fmt.Fprintf(w, "Compression:  %s\n", conf.Compression)
	fmt.Fprintf(w, "Cipher:       %s\n", conf.Cipher)
	fmt.Fprintf(w, "Timeout:      %s\n", util.DurationToHuman(conf.Timeout))
	fmt.Fprintf(w, "Retries:      %d\n", conf.Retries)
	fmt.Fprintf(w, "Idle timeout: %s\n", util.DurationToHuman(conf.IdleTimeout))
}

func listProfiles(c *cli.Context) error {
	configs := config.NewStore(configFs).All()
	if len(configs) == 0 {
		fmt.Fprintln(c.App.ErrWriter, "No profiles found. You can use 'rpipe config --save' to create one.")
		return nil
	}
	profiles := make([]string, 0, len(configs))
	profileMaxLen, urlMaxLen := len("Profile"), len("Server URL")
	for profile, conf := range configs {
		profiles = append(profiles, profile)
		profileMaxLen = max(profileMaxLen, len(profile))
		urlMaxLen = max(urlMaxLen, len(conf.URL))
	}
	sort.Strings(profiles)
	lineFmt := fmt.Sprintf("%%-%ds %%-%ds %%s\n", profileMaxLen, urlMaxLen)
	fmt.Fprintf(c.App.Writer, lineFmt, "Profile", "Server URL", "Channel")
	fmt.Fprintf(c.App.Writer, lineFmt, strings.Repeat("-", profileMaxLen), strings.Repeat("-", urlMaxLen), "-------")
	for _, profile := range profiles {
		conf := configs[profile]
		fmt.Fprintf(c.App.Writer, lineFmt, profile, conf.URL, conf.Channel)
	}
	return nil
}
