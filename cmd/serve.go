package cmd

import (
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"heckel.io/rpipe/config"
	"heckel.io/rpipe/server"
	"heckel.io/rpipe/util"
)

var cmdServe = &cli.Command{
	Name:     "serve",
	Usage:    "Start rpipe server",
	Action:   execServe,
	Category: categoryServer,
	Flags: []cli.Flag{
		&cli.StringSliceFlag{Name: "config", Aliases: []string{"c"}, Usage: "load config file from `FILE`"},
		&cli.StringFlag{Name: "listen-https", Aliases: []string{"l"}, Usage: "set bind address for HTTPS connections to `[ADDR]:PORT`"},
		&cli.StringFlag{Name: "listen-http", Aliases: []string{"L"}, Usage: "set bind address for HTTP connections to `[ADDR]:PORT`"},
		&cli.StringFlag{Name: "server", Aliases: []string{"S"}, Usage: "set server address to be advertised to clients to `ADDR[:PORT]` (default port: 2581)"},
		&cli.StringFlag{Name: "key", Aliases: []string{"K"}, Usage: "set private key file for TLS connections to `KEY`"},
		&cli.StringFlag{Name: "cert", Aliases: []string{"C"}, Usage: "set certificate file for TLS connections to `CERT`"},
		&cli.StringFlag{Name: "state-dir", Aliases: []string{"d"}, Usage: "save channels to `DIR` on shutdown, and restore them on startup"},
		&cli.StringFlag{Name: "channel-ttl", Aliases: []string{"t"}, Usage: "expire channels nobody touched for `DURATION`"},
		&cli.StringFlag{Name: "channel-size-limit", Aliases: []string{"s"}, Usage: "limit the bytes queued per channel to `SIZE`"},
	},
	Description: `Start rpipe server and listen for incoming requests.

The command will load the server config from /etc/rpipe/server.yml, if it exists. Config options can
be overridden using the command line options. If multiple config files are passed, the server
multiplexes between them based on the HTTP Host header.

On SIGINT or SIGTERM, the server stops. If a state dir is configured, all channels are saved to it
and restored on the next start.

Examples:
  rpipe serve                             # Starts server in the foreground on :2581
  rpipe serve -L :8080 -d /var/lib/rpipe  # Starts server on :8080, keeping channels across restarts
  rpipe serve -l :2582 -K key -C cert     # Starts HTTPS server (see 'rpipe certgen')`,
}

func execServe(c *cli.Context) error {
	configs, err := loadServerConfigs(c)
	if err != nil {
		return err
	}
	if c.App.Version != "" {
		server.Version = c.App.Version
	}
	router, err := server.NewRouter(configs...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	stopped := make(chan error, 1)
	go func() {
		<-ctx.Done()
		util.Log.Infof("Stopping server")
		stopped <- router.Stop()
	}()
	if err := router.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		stop()
		<-stopped
		return err
	}
	return <-stopped
}

func loadServerConfigs(c *cli.Context) ([]*config.Config, error) {
	files := c.StringSlice("config")
	configs := make([]*config.Config, 0)
	if len(files) == 0 {
		if _, err := configFs.Stat(config.DefaultServerConfigFile); err == nil {
			util.Log.Infof("Loading config from %s", config.DefaultServerConfigFile)
		} else {
			util.Log.Infof("No server config file found, using command line arguments")
		}
		conf, err := config.Load(configFs, config.DefaultServerConfigFile)
		if err != nil {
			return nil, err
		}
		configs = append(configs, conf)
	} else {
		for _, filename := range files {
			util.Log.Infof("Loading config from %s", filename)
			conf, err := config.LoadFromFile(configFs, filename)
			if err != nil {
				return nil, err
			}
			configs = append(configs, conf)
		}
	}
	for _, conf := range configs {
		if err := overrideServerOptions(c, conf); err != nil {
			return nil, err
		}
	}
	return configs, nil
}

func overrideServerOptions(c *cli.Context, conf *config.Config) error {
	if listenHTTPS := c.String("listen-https"); listenHTTPS != "" {
		conf.ListenHTTPS = listenHTTPS
	}
	if listenHTTP := c.String("listen-http"); listenHTTP != "" {
		conf.ListenHTTP = listenHTTP
	}
	if serverAddr := c.String("server"); serverAddr != "" {
		conf.ServerAddr = config.ExpandServerAddr(serverAddr)
	}
	if keyFile := c.String("key"); keyFile != "" {
		conf.KeyFile = keyFile
	}
	if certFile := c.String("cert"); certFile != "" {
		conf.CertFile = certFile
	}
	if stateDir := c.String("state-dir"); stateDir != "" {
		conf.StateDir = util.ExpandHome(stateDir)
	}
	if ttl := c.String("channel-ttl"); ttl != "" {
		var err error
		if conf.ChannelTTL, err = util.ParseDuration(ttl); err != nil {
			return err
		}
	}
	if sizeLimit := c.String("channel-size-limit"); sizeLimit != "" {
		var err error
		if conf.ChannelSizeLimit, err = util.ParseSize(sizeLimit); err != nil {
			return err
		}
	}
	if c.Bool("debug") {
		conf.Debug = true
	}
	return conf.Validate()
}
