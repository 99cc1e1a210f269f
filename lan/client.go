// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package lan sends commands to eWeLink devices over their local HTTP API.
//
// Commands are one-way. A device acknowledges nothing the bridge can act
// on, so Send returns no result: the request is built, handed to a
// background goroutine, and any transport failure is logged and counted.
//
// # Wire format
//
// Every command is POSTed to http://{host}:{port}/zeroconf/{endpoint} as
//
//	{"sequence":"1700000000000","deviceid":"1000abcdef","selfApikey":"123",
//	 "data":"...","encrypt":true,"iv":"..."}
//
// sequence and selfApikey must be JSON strings: device firmware resets the
// connection when they arrive as numbers. When a device key is configured,
// data holds the base64 ciphertext of the body and iv its base64 IV;
// otherwise data is the body's JSON text and iv is omitted.
package lan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/soothill/ewelink-bridge/device"
	"github.com/soothill/ewelink-bridge/envelope"
	bridgeerrors "github.com/soothill/ewelink-bridge/pkg/errors"
	"github.com/soothill/ewelink-bridge/pkg/logger"
	"github.com/soothill/ewelink-bridge/pkg/metrics"
)

// Endpoint is the path segment of a local command.
type Endpoint string

const (
	// EndpointInfo queries the device state.
	EndpointInfo Endpoint = "info"
	// EndpointSwitch sets the state of a single-outlet device.
	EndpointSwitch Endpoint = "switch"
	// EndpointSwitches sets the full state of a multi-outlet device.
	EndpointSwitches Endpoint = "switches"
)

// SelfAPIKey is the fixed selfApikey value accepted by devices in LAN mode.
const SelfAPIKey = "123"

// DefaultTimeout bounds a single local request.
const DefaultTimeout = 5 * time.Second

// Request is the envelope POSTed to a device.
type Request struct {
	Sequence   string `json:"sequence"`
	DeviceID   string `json:"deviceid"`
	SelfAPIKey string `json:"selfApikey"`
	Data       string `json:"data"`
	Encrypt    bool   `json:"encrypt"`
	IV         string `json:"iv,omitempty"`
}

// Sender sends one-way commands to a device.
type Sender interface {
	Send(ctx context.Context, id device.Identity, addr device.Address, endpoint Endpoint, body any)
}

// BuildRequest wraps body into a request envelope, encrypting it when the
// identity carries a device key.
func BuildRequest(id device.Identity, body any, now time.Time) (*Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal body: %w", err)
	}

	req := &Request{
		Sequence:   strconv.FormatInt(now.UnixMilli(), 10),
		DeviceID:   id.DeviceID,
		SelfAPIKey: SelfAPIKey,
		Data:       string(data),
	}

	if id.HasKey() {
		env, err := envelope.Encrypt(string(data), id.DeviceKey)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt body: %w", err)
		}
		req.Encrypt = true
		req.Data = env.CiphertextBase64()
		req.IV = env.IVBase64()
	}

	return req, nil
}

// URL returns the command URL of an endpoint on a device.
func URL(addr device.Address, endpoint Endpoint) string {
	return "http://" + addr.String() + "/zeroconf/" + string(endpoint)
}

// Client is the HTTP implementation of Sender.
type Client struct {
	client *http.Client
	now    func() time.Time
	wg     sync.WaitGroup
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithClock replaces the clock used for sequence numbers.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient creates a local command client.
func NewClient(timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send builds the request and posts it in the background. It never blocks on
// the network and never reports failure to the caller.
func (c *Client) Send(ctx context.Context, id device.Identity, addr device.Address, endpoint Endpoint, body any) {
	log := logger.ForDevice(id.DeviceID)

	if id.Encrypted && !id.HasKey() {
		log.Error().
			Err(bridgeerrors.NewDeviceConfigError("devices.key", id.DeviceID, bridgeerrors.ErrDeviceExcluded)).
			Str("endpoint", string(endpoint)).
			Msg("Refusing to send command to encrypted device without key")
		return
	}
	if addr.IsZero() {
		log.Warn().Err(bridgeerrors.ErrNoAddress).Str("endpoint", string(endpoint)).Msg("Dropping command")
		return
	}

	req, err := BuildRequest(id, body, c.now())
	if err != nil {
		log.Error().Err(err).Str("endpoint", string(endpoint)).Msg("Failed to build command")
		return
	}

	metrics.LocalCommandsTotal.WithLabelValues(string(endpoint)).Inc()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.post(ctx, id.DeviceID, addr, endpoint, req); err != nil {
			metrics.LocalCommandErrors.WithLabelValues(string(endpoint)).Inc()
			log.Warn().Err(err).Str("address", addr.String()).Msg("Local command failed")
			return
		}
		log.Debug().
			Str("endpoint", string(endpoint)).
			Str("address", addr.String()).
			Bool("encrypt", req.Encrypt).
			Msg("Local command sent")
	}()
}

// Wait blocks until all in-flight commands have finished.
func (c *Client) Wait() {
	c.wg.Wait()
}

func (c *Client) post(ctx context.Context, deviceID string, addr device.Address, endpoint Endpoint, req *Request) error {
	start := time.Now()
	defer func() {
		metrics.LocalCommandDuration.Observe(time.Since(start).Seconds())
	}()

	payload, err := json.Marshal(req)
	if err != nil {
		return bridgeerrors.NewTransportError(string(endpoint), deviceID, addr.String(), err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, URL(addr, endpoint), bytes.NewReader(payload))
	if err != nil {
		return bridgeerrors.NewTransportError(string(endpoint), deviceID, addr.String(), err)
	}
	httpReq.Header.Set("Content-Type", "application/json;charset=UTF-8")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Accept-Language", "en-gb")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return bridgeerrors.NewTransportError(string(endpoint), deviceID, addr.String(), err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return bridgeerrors.NewTransportError(string(endpoint), deviceID, addr.String(),
			fmt.Errorf("device returned status %d", resp.StatusCode))
	}
	return nil
}
