// Package acs reads and changes CPE Wi-Fi settings through the GenieACS
// northbound interface.
package acs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

var ErrDeviceNotFound = errors.New("device not found in genieacs")

// TR-098 paths are tried before TR-181.
var (
	ssidPaths = []string{
		"InternetGatewayDevice.LANDevice.1.WLANConfiguration.1.SSID",
		"Device.WiFi.SSID.1.SSID",
	}
	passwordPaths = []string{
		"InternetGatewayDevice.LANDevice.1.WLANConfiguration.1.KeyPassphrase",
		"InternetGatewayDevice.LANDevice.1.WLANConfiguration.1.PreSharedKey.1.KeyPassphrase",
		"Device.WiFi.AccessPoint.1.Security.KeyPassphrase",
	}
)

const (
	tr098Password = "InternetGatewayDevice.LANDevice.1.WLANConfiguration.1.KeyPassphrase"
	tr181Password = "Device.WiFi.AccessPoint.1.Security.KeyPassphrase"
	unknownValue  = "-"
)

type Config struct {
	URL      string
	Username string
	Password string
	Timeout  time.Duration
}

// Client talks to the GenieACS NBI on port 7557.
type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(cfg.URL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.Username != "" {
		c.SetBasicAuth(cfg.Username, cfg.Password)
	}
	return &Client{http: c, logger: logger}
}

type device map[string]any

// param walks a dotted path through the device document and returns the
// leaf _value.
func (d device) param(path string) (string, bool) {
	var cur any = map[string]any(d)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		if cur, ok = m[part]; !ok {
			return "", false
		}
	}
	if m, ok := cur.(map[string]any); ok {
		cur = m["_value"]
	}
	switch v := cur.(type) {
	case string:
		return v, v != ""
	case float64, bool:
		return fmt.Sprint(v), true
	}
	return "", false
}

func (d device) first(paths []string) string {
	for _, p := range paths {
		if v, ok := d.param(p); ok {
			return v
		}
	}
	return unknownValue
}

func (c *Client) device(ctx context.Context, deviceID string) (device, error) {
	query, err := json.Marshal(map[string]string{"_id": deviceID})
	if err != nil {
		return nil, err
	}

	var devices []device
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("query", string(query)).
		SetResult(&devices).
		Get("/devices/")
	if err != nil {
		return nil, fmt.Errorf("genieacs request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("genieacs returned %d", resp.StatusCode())
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	return devices[0], nil
}

// WiFiCredentials returns the primary SSID and passphrase. Missing values
// come back as "-".
func (c *Client) WiFiCredentials(ctx context.Context, deviceID string) (string, string, error) {
	d, err := c.device(ctx, deviceID)
	if err != nil {
		return "", "", err
	}
	return d.first(ssidPaths), d.first(passwordPaths), nil
}

type task struct {
	Name            string     `json:"name"`
	ParameterValues [][]string `json:"parameterValues,omitempty"`
}

// SetWiFiPassword pushes a setParameterValues task with a connection
// request. A 202 means the CPE is offline and the task stays queued in
// GenieACS until its next inform.
func (c *Client) SetWiFiPassword(ctx context.Context, deviceID, password string) error {
	d, err := c.device(ctx, deviceID)
	if err != nil {
		return err
	}

	path := tr181Password
	if _, ok := d["InternetGatewayDevice"]; ok {
		path = tr098Password
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", deviceID).
		SetQueryString("connection_request").
		SetBody(task{
			Name:            "setParameterValues",
			ParameterValues: [][]string{{path, password, "xsd:string"}},
		}).
		Post("/devices/{id}/tasks")
	if err != nil {
		return fmt.Errorf("genieacs request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("genieacs task rejected: %d %s", resp.StatusCode(), resp.String())
	}

	c.logger.Info("wifi password task submitted",
		zap.String("device_id", deviceID),
		zap.Int("status", resp.StatusCode()),
	)
	return nil
}
