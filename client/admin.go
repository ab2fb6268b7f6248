package client

import (
	"context"
	"net/http"
	"strings"

	"heckel.io/rpipe/crypto"
	"heckel.io/rpipe/server"
	"heckel.io/rpipe/store"
	"heckel.io/rpipe/util"
)

// Admin performs administrative requests against a server that has an AdminKey configured
type Admin struct {
	client     *Client
	credential string
}

// Admin returns an Admin that authenticates with the given admin password. Like the channel password,
// the admin password is never sent; the server only gets a credential derived from it.
func (c *Client) Admin(password string) *Admin {
	return &Admin{
		client:     c,
		credential: crypto.DeriveAdminCredential([]byte(password)),
	}
}

// Channels lists all channels on the server, sorted by name
func (a *Admin) Channels(ctx context.Context) ([]*store.Info, error) {
	body, err := a.request(ctx, http.MethodGet, "/admin/channels", nil)
	if err != nil {
		return nil, err
	}
	var infos []*store.Info
	if err := json.Unmarshal(body, &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

// Stats returns the server's counters, limits, blocked IP addresses and log level
func (a *Admin) Stats(ctx context.Context) (*server.AdminStats, error) {
	body, err := a.request(ctx, http.MethodGet, "/admin/stats", nil)
	if err != nil {
		return nil, err
	}
	var stats server.AdminStats
	if err := json.Unmarshal(body, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// LogLevel returns the server's log level
func (a *Admin) LogLevel(ctx context.Context) (string, error) {
	body, err := a.request(ctx, http.MethodGet, "/admin/log-level", nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// SetLogLevel changes the server's log level, e.g. to "debug", and returns the new level
func (a *Admin) SetLogLevel(ctx context.Context, level string) (string, error) {
	body, err := a.request(ctx, http.MethodPut, "/admin/log-level", []byte(level))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// Hold stops receiving from a channel, or resumes it if held is false
func (a *Admin) Hold(ctx context.Context, channel string, held bool) error {
	_, err := a.request(ctx, toggleMethod(held), "/admin/hold/"+channel, nil)
	return err
}

// Block rejects all requests from an IP address, or lifts the block if blocked is false
func (a *Admin) Block(ctx context.Context, ip string, blocked bool) error {
	_, err := a.request(ctx, toggleMethod(blocked), "/admin/block/"+ip, nil)
	return err
}

func (a *Admin) request(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	c := a.client
	headers := map[string]string{
		"Authorization": util.BasicAuthHeader(a.credential),
	}
	resp, err := c.exchange(ctx, false, c.config.Timeout, method, path, body, headers)
	if err != nil {
		return nil, err
	} else if resp.code != http.StatusOK {
		return nil, errorFromResponse(resp)
	}
	return resp.body, nil
}

func toggleMethod(on bool) string {
	if on {
		return http.MethodPut
	}
	return http.MethodDelete
}
