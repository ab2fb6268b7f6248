package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
	"heckel.io/rpipe/crypto"
	"heckel.io/rpipe/util"
)

var cmdCertgen = &cli.Command{
	Name:      "certgen",
	Usage:     "Generate self-signed key and certificate for the server",
	UsageText: "rpipe certgen [OPTIONS..] HOSTNAME",
	Action:    execCertgen,
	Category:  categoryServer,
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "key", Aliases: []string{"K"}, Value: "server.key", Usage: "write private key to `FILE`"},
		&cli.StringFlag{Name: "cert", Aliases: []string{"C"}, Value: "server.crt", Usage: "write certificate to `FILE`"},
		&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "overwrite existing files"},
	},
	Description: `Generates a private key and a self-signed certificate for HOSTNAME, to be used with
'rpipe serve --key .. --cert ..' (or KeyFile/CertFile in server.yml).

Clients can pin the certificate by passing --cert to any client command, or by saving it
next to their config profile as $PROFILE.crt. The server's help page prints a matching
curl --pinnedpubkey command line.

Examples:
  rpipe certgen rpipe.example.com                           # Writes server.key and server.crt
  rpipe certgen -K /etc/rpipe/server.key -C /etc/rpipe/server.crt rpipe.example.com`,
}

func execCertgen(c *cli.Context) error {
	if c.NArg() < 1 {
		return errors.New("missing hostname, see --help for usage details")
	}
	hostname := c.Args().Get(0)
	keyFile, certFile := c.String("key"), c.String("cert")
	if !c.Bool("force") {
		for _, filename := range []string{keyFile, certFile} {
			if _, err := configFs.Stat(filename); err == nil {
				return fmt.Errorf("file %s exists, use --force to overwrite it", filename)
			}
		}
	}
	key, cert, err := crypto.GenerateKeyAndCert(hostname)
	if err != nil {
		return err
	}
	if err := afero.WriteFile(configFs, keyFile, []byte(key), 0600); err != nil {
		return err
	}
	if err := afero.WriteFile(configFs, certFile, []byte(cert), 0644); err != nil {
		return err
	}
	fmt.Fprintf(c.App.ErrWriter, "Key written to %s, certificate written to %s\n", util.CollapseHome(keyFile), util.CollapseHome(certFile))
	if os.Getuid() == 0 {
		fmt.Fprintln(c.App.ErrWriter, "Make sure the user running 'rpipe serve' can read the key file.")
	}
	return nil
}
