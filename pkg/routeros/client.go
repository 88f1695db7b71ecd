// Package routeros talks to a peer's RouterOS management API over the
// tunnel. Credentials are per-peer, supplied by the caller and never
// stored.
package routeros

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/mmkash-web/wireguard/pkg/model"
)

// DefaultRESTPort is the RouterOS www service port carrying /rest.
const DefaultRESTPort = 80

// Client issues REST calls against one device at a time.
type Client struct {
	http *http.Client
}

// New returns a client with a bounded per-request timeout.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{http: &http.Client{Timeout: timeout}}
}

// Credentials identify the caller to one device.
type Credentials struct {
	Username string
	Secret   string
}

// CheckStatus fetches identity and system resource details from the
// device at address:port.
func (c *Client) CheckStatus(ctx context.Context, address string, port int, creds Credentials) (model.DeviceStatus, error) {
	if port <= 0 {
		port = DefaultRESTPort
	}
	base := "http://" + net.JoinHostPort(address, strconv.Itoa(port)) + "/rest"

	var identity struct {
		Name string `json:"name"`
	}
	if err := c.getJSON(ctx, base+"/system/identity", creds, &identity); err != nil {
		return model.DeviceStatus{}, fmt.Errorf("device identity: %w", err)
	}

	var resource struct {
		Version  string `json:"version"`
		Platform string `json:"platform"`
		Uptime   string `json:"uptime"`
	}
	if err := c.getJSON(ctx, base+"/system/resource", creds, &resource); err != nil {
		return model.DeviceStatus{}, fmt.Errorf("device resource: %w", err)
	}

	return model.DeviceStatus{
		Identity: identity.Name,
		Version:  resource.Version,
		Platform: resource.Platform,
		Uptime:   resource.Uptime,
	}, nil
}

func (c *Client) getJSON(ctx context.Context, url string, creds Credentials, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(creds.Username, creds.Secret)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
