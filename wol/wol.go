// Package wol wakes the controlled computer through the relay's
// Wake-on-LAN endpoint and polls until the host comes back online.
package wol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultWoLPort is the UDP port the relay broadcasts magic packets to.
	DefaultWoLPort = 9
	// DefaultStatusTimeout bounds one status probe request.
	DefaultStatusTimeout = 3 * time.Second
	// DefaultPollInterval is the cadence of post-wake status checks.
	DefaultPollInterval = 5 * time.Second
	// DefaultPollBudget caps post-wake status checks (2 minutes at the
	// default interval).
	DefaultPollBudget = 24
)

var (
	// ErrInvalidMAC rejects a malformed hardware address.
	ErrInvalidMAC = errors.New("wol: invalid MAC address")
	// ErrWakeRejected indicates the relay refused the wake request.
	ErrWakeRejected = errors.New("wol: wake request rejected")
	// ErrHostNotResponding indicates the poll budget ran out before the
	// host answered.
	ErrHostNotResponding = errors.New("wol: host did not come online")
)

// Accepts colon- and dash-separated forms.
var macPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}[:-]){5}[0-9A-Fa-f]{2}$`)

// Target describes the machine to wake.
type Target struct {
	// MAC is the hardware address, colon- or dash-separated.
	MAC string
	// BroadcastIP is the LAN broadcast address the relay sends to.
	BroadcastIP string
	// Port is the WoL UDP port; zero means DefaultWoLPort.
	Port int
	// StatusURL, when set, is probed to detect the host coming online.
	StatusURL string
}

// Options configures a Client.
type Options struct {
	// WakeURL is the relay's HTTP wake endpoint.
	WakeURL string

	HTTPClient    *http.Client
	StatusTimeout time.Duration
	PollInterval  time.Duration
	PollBudget    int
}

func (o Options) withDefaults() Options {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if o.StatusTimeout <= 0 {
		o.StatusTimeout = DefaultStatusTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.PollBudget <= 0 {
		o.PollBudget = DefaultPollBudget
	}
	return o
}

// Client sends wake requests and checks host liveness.
type Client struct {
	options Options
	log     *logrus.Entry
}

// NewClient builds a wake client.
func NewClient(options Options) *Client {
	return &Client{
		options: options.withDefaults(),
		log:     logrus.WithField("component", "wol"),
	}
}

// WakeEndpoint derives the relay's HTTP wake endpoint from its WebSocket
// URL.
func WakeEndpoint(relayURL string) (string, error) {
	parsed, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch parsed.Scheme {
	case "wss":
		parsed.Scheme = "https"
	case "ws":
		parsed.Scheme = "http"
	}
	parsed.Path = "/wol"
	parsed.RawQuery = ""
	return parsed.String(), nil
}

// Wake asks the relay to broadcast a magic packet for the target.
func (c *Client) Wake(ctx context.Context, target Target) error {
	if !macPattern.MatchString(target.MAC) {
		return fmt.Errorf("%w: %q", ErrInvalidMAC, target.MAC)
	}
	port := target.Port
	if port <= 0 {
		port = DefaultWoLPort
	}

	body, err := json.Marshal(map[string]any{
		"mac":         target.MAC,
		"broadcastIp": target.BroadcastIP,
		"port":        port,
	})
	if err != nil {
		return fmt.Errorf("encode wake request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.options.WakeURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build wake request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.options.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("send wake request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrWakeRejected, resp.StatusCode)
	}

	c.log.WithField("mac", target.MAC).Info("wake signal sent")
	return nil
}

// Online probes the target's status endpoint once. A target without a
// status URL always reports offline.
func (c *Client) Online(ctx context.Context, target Target) bool {
	if target.StatusURL == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, c.options.StatusTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.StatusURL, nil)
	if err != nil {
		return false
	}
	resp, err := c.options.HTTPClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// AwaitOnline polls the target until it answers, the poll budget runs out,
// or the context is cancelled.
func (c *Client) AwaitOnline(ctx context.Context, target Target) error {
	ticker := time.NewTicker(c.options.PollInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= c.options.PollBudget; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if c.Online(ctx, target) {
			c.log.Info("host is online")
			return nil
		}
		c.log.WithField("attempt", attempt).Debug("host still offline")
	}
	return ErrHostNotResponding
}

// WakeAndAwait sends the wake signal and blocks until the host responds or
// the poll budget runs out.
func (c *Client) WakeAndAwait(ctx context.Context, target Target) error {
	if err := c.Wake(ctx, target); err != nil {
		return err
	}
	return c.AwaitOnline(ctx, target)
}
