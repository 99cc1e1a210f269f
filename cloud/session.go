// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package cloud implements the eWeLink cloud HTTP calls the bridge needs:
// login, device listing, and region lookup.
//
// The cloud authenticates the client application as well as the user, so
// every request carries a fixed set of client fields (protocol version,
// app id, IMEI, and mobile client metadata). Login and region lookup are
// signed with HMAC-SHA256 under the app secret and sent with
// "Authorization: Sign <mac>"; every other call uses the token returned by
// login as "Authorization: Bearer <token>".
//
// A Session owns its State. Only Login mutates it; there is no automatic
// token refresh and no automatic region switch.
//
// # Example Usage
//
//	sess := cloud.NewSession(cloud.Config{Region: "eu", IMEI: imei})
//	res, err := sess.Login(ctx, cloud.Credentials{Email: email, Password: pw})
//	if errors.IsUnauthorized(err) { ... }
//	devices, err := sess.ListDevices(ctx, res.APIKey)
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	bridgeerrors "github.com/soothill/ewelink-bridge/pkg/errors"
	"github.com/soothill/ewelink-bridge/pkg/logger"
	"github.com/soothill/ewelink-bridge/pkg/metrics"
)

// Client metadata the cloud expects from the mobile app.
const (
	ProtocolVersion = 8
	ClientOS        = "iOS"
	ClientModel     = "iPhone10,6"
	ClientROM       = "11.1.2"
	ClientVersion   = "3.5.3"
)

// Default app credentials of the mobile client.
const (
	DefaultAppID     = "oeVkj2lYFGnJu5XUtWisfW4utiN4u9Mq"
	DefaultAppSecret = "6Nz4n0xA8s8qdxQf2GqurZj2Fs55FUvM"
)

const (
	// DefaultRegion is used until login or region lookup says otherwise.
	DefaultRegion = "us"
	// RegionHost answers region lookups for every region.
	RegionHost = "api.coolkit.cc:8080"

	defaultTimeout   = 15 * time.Second
	maxResponseBytes = 4 << 20
)

// APIHost returns the REST host of a region.
func APIHost(region string) string {
	return region + "-api.coolkit.cc:8080"
}

// WebSocketHost returns the push channel host of a region.
func WebSocketHost(region string) string {
	return region + "-pconnect3.coolkit.cc:8080"
}

// NewIMEI returns a random client IMEI.
func NewIMEI() string {
	return strings.ToUpper(uuid.NewString())
}

// State is the session state. It is owned by a Session and set by Login.
type State struct {
	AuthToken     string
	APIKey        string
	APIHost       string
	WebSocketHost string
	Region        string
}

// LoggedIn reports whether a token is present.
func (s State) LoggedIn() bool {
	return s.AuthToken != ""
}

// Credentials identify the account. Exactly one of Email or PhoneNumber is used.
type Credentials struct {
	Email       string
	PhoneNumber string
	Password    string
}

// LoginResult is returned by a successful login.
type LoginResult struct {
	AuthToken string
	APIKey    string
	Region    string
}

// Device is one entry of the cloud device list.
type Device struct {
	DeviceID     string          `json:"deviceid"`
	Name         string          `json:"name"`
	APIKey       string          `json:"apikey"`
	DeviceKey    string          `json:"devicekey"`
	Online       bool            `json:"online"`
	BrandName    string          `json:"brandName"`
	ProductModel string          `json:"productModel"`
	UIID         int             `json:"uiid"`
	Params       json.RawMessage `json:"params,omitempty"`
}

// Config holds the session settings. Zero values select defaults.
type Config struct {
	Region    string
	IMEI      string
	AppID     string
	AppSecret string
	Timeout   time.Duration
}

// Session performs cloud calls and owns the resulting State.
type Session struct {
	appID     string
	appSecret string
	imei      string

	scheme     string
	regionHost string
	hosts      func(region string) (api, ws string)
	client     *http.Client
	now        func() time.Time
	nonce      func() (string, error)

	mu    sync.RWMutex
	state State
}

// Option configures a Session.
type Option func(*Session)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *Session) { s.client = hc }
}

// WithScheme replaces the URL scheme ("https" by default).
func WithScheme(scheme string) Option {
	return func(s *Session) { s.scheme = scheme }
}

// WithHosts replaces the region to host mapping and the region lookup host.
func WithHosts(regionHost string, hosts func(region string) (api, ws string)) Option {
	return func(s *Session) {
		s.regionHost = regionHost
		s.hosts = hosts
	}
}

// WithClock replaces the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithNonce replaces the nonce generator.
func WithNonce(nonce func() (string, error)) Option {
	return func(s *Session) { s.nonce = nonce }
}

// NewSession creates a logged-out session.
func NewSession(cfg Config, opts ...Option) *Session {
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	if cfg.IMEI == "" {
		cfg.IMEI = NewIMEI()
	}
	if cfg.AppID == "" {
		cfg.AppID = DefaultAppID
	}
	if cfg.AppSecret == "" {
		cfg.AppSecret = DefaultAppSecret
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	s := &Session{
		appID:      cfg.AppID,
		appSecret:  cfg.AppSecret,
		imei:       cfg.IMEI,
		scheme:     "https",
		regionHost: RegionHost,
		hosts: func(region string) (string, string) {
			return APIHost(region), WebSocketHost(region)
		},
		client: &http.Client{Timeout: cfg.Timeout},
		now:    time.Now,
		nonce:  NewNonce,
	}
	for _, opt := range opts {
		opt(s)
	}

	api, ws := s.hosts(cfg.Region)
	s.state = State{APIHost: api, WebSocketHost: ws, Region: cfg.Region}
	return s
}

// State returns a copy of the session state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// commonFields are sent with every request.
type commonFields struct {
	Version    int    `json:"version"`
	TS         string `json:"ts"`
	Nonce      string `json:"nonce"`
	AppID      string `json:"appid"`
	IMEI       string `json:"imei"`
	OS         string `json:"os"`
	Model      string `json:"model"`
	RomVersion string `json:"romVersion"`
	AppVersion string `json:"appVersion"`
}

func (s *Session) common() (commonFields, error) {
	nonce, err := s.nonce()
	if err != nil {
		return commonFields{}, err
	}
	return commonFields{
		Version:    ProtocolVersion,
		TS:         strconv.FormatInt(s.now().Unix(), 10),
		Nonce:      nonce,
		AppID:      s.appID,
		IMEI:       s.imei,
		OS:         ClientOS,
		Model:      ClientModel,
		RomVersion: ClientROM,
		AppVersion: ClientVersion,
	}, nil
}

// params returns the common fields as query parameters.
func (c commonFields) params() map[string]string {
	return map[string]string{
		"version":    strconv.Itoa(c.Version),
		"ts":         c.TS,
		"nonce":      c.Nonce,
		"appid":      c.AppID,
		"imei":       c.IMEI,
		"os":         c.OS,
		"model":      c.Model,
		"romVersion": c.RomVersion,
		"appVersion": c.AppVersion,
	}
}

type loginRequest struct {
	Email       string `json:"email,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	Password    string `json:"password"`
	commonFields
}

// apiResponse is the envelope shared by all responses.
type apiResponse struct {
	Error      int      `json:"error"`
	Region     string   `json:"region"`
	AuthToken  string   `json:"at"`
	DeviceList []Device `json:"devicelist"`
	User       struct {
		APIKey string `json:"apikey"`
	} `json:"user"`
}

// Login authenticates and stores the token in the session state. A
// response without a token is a failure even when the HTTP status is 200.
// A region redirect (error 301) is returned as an AuthError wrapping an
// APIError that names the account's region.
func (s *Session) Login(ctx context.Context, creds Credentials) (*LoginResult, error) {
	const op = "login"

	if creds.Password == "" || (creds.Email == "" && creds.PhoneNumber == "") {
		return nil, s.fail(op, bridgeerrors.NewAuthError(op,
			bridgeerrors.NewConfigError("cloud.credentials", "", fmt.Errorf("email or phone number and password are required"))))
	}

	common, err := s.common()
	if err != nil {
		return nil, s.fail(op, bridgeerrors.NewAuthError(op, err))
	}
	body, err := json.Marshal(loginRequest{
		Email:        creds.Email,
		PhoneNumber:  creds.PhoneNumber,
		Password:     creds.Password,
		commonFields: common,
	})
	if err != nil {
		return nil, s.fail(op, bridgeerrors.NewAuthError(op, err))
	}

	s.mu.RLock()
	host := s.state.APIHost
	s.mu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url(host, "/api/user/login", nil), bytes.NewReader(body))
	if err != nil {
		return nil, s.fail(op, bridgeerrors.NewAuthError(op, err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Sign "+Sign(s.appSecret, body))

	resp, err := s.do(req)
	if err != nil {
		return nil, s.fail(op, bridgeerrors.NewAuthError(op, err))
	}

	if resp.Error != 0 {
		apiErr := bridgeerrors.NewAPIError(op, resp.Error)
		if resp.Error == bridgeerrors.CodeRegionRedirect {
			apiErr.Region = resp.Region
		}
		return nil, s.fail(op, bridgeerrors.NewAuthError(op, apiErr))
	}
	if resp.AuthToken == "" {
		return nil, s.fail(op, bridgeerrors.NewAuthError(op, fmt.Errorf("response carries no token")))
	}

	s.mu.Lock()
	region := s.state.Region
	if resp.Region != "" {
		region = resp.Region
	}
	api, ws := s.hosts(region)
	s.state = State{
		AuthToken:     resp.AuthToken,
		APIKey:        resp.User.APIKey,
		APIHost:       api,
		WebSocketHost: ws,
		Region:        region,
	}
	s.mu.Unlock()

	metrics.CloudRequestsTotal.WithLabelValues(op, "success").Inc()
	logger.Info().Str("region", region).Msg("Logged in to eWeLink cloud")

	return &LoginResult{AuthToken: resp.AuthToken, APIKey: resp.User.APIKey, Region: region}, nil
}

// ListDevices returns the devices of the account. apiKey defaults to the
// key returned by Login.
func (s *Session) ListDevices(ctx context.Context, apiKey string) ([]Device, error) {
	const op = "list_devices"

	st := s.State()
	if !st.LoggedIn() {
		return nil, s.fail(op, bridgeerrors.ErrNotLoggedIn)
	}
	if apiKey == "" {
		apiKey = st.APIKey
	}

	common, err := s.common()
	if err != nil {
		return nil, s.fail(op, err)
	}
	params := common.params()
	params["lang"] = "en"
	params["apiKey"] = apiKey
	params["getTags"] = "1"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url(st.APIHost, "/api/user/device", params), nil)
	if err != nil {
		return nil, s.fail(op, err)
	}
	req.Header.Set("Authorization", "Bearer "+st.AuthToken)

	resp, err := s.do(req)
	if err != nil {
		return nil, s.fail(op, err)
	}
	if resp.Error != 0 {
		return nil, s.fail(op, bridgeerrors.NewAPIError(op, resp.Error))
	}

	metrics.CloudRequestsTotal.WithLabelValues(op, "success").Inc()
	logger.Debug().Int("devices", len(resp.DeviceList)).Msg("Listed cloud devices")
	return resp.DeviceList, nil
}

// ResolveRegion looks up the region serving a country code such as "+44".
// It is a separate step before login and does not change the session.
func (s *Session) ResolveRegion(ctx context.Context, countryCode string) (string, error) {
	const op = "resolve_region"

	common, err := s.common()
	if err != nil {
		return "", s.fail(op, err)
	}
	params := common.params()
	params["country_code"] = countryCode

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url(s.regionHost, "/api/user/region", params), nil)
	if err != nil {
		return "", s.fail(op, err)
	}
	req.Header.Set("Authorization", "Sign "+Sign(s.appSecret, []byte(RegionSigningString(params))))

	resp, err := s.do(req)
	if err != nil {
		return "", s.fail(op, err)
	}
	if resp.Error != 0 {
		return "", s.fail(op, bridgeerrors.NewAPIError(op, resp.Error))
	}
	if resp.Region == "" {
		return "", s.fail(op, fmt.Errorf("region lookup returned no region"))
	}

	metrics.CloudRequestsTotal.WithLabelValues(op, "success").Inc()
	return resp.Region, nil
}

func (s *Session) url(host, path string, params map[string]string) string {
	u := url.URL{Scheme: s.scheme, Host: host, Path: path}
	if len(params) > 0 {
		q := url.Values{}
		for k, v := range params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// do sends a request and decodes the response envelope. Non-2xx statuses
// are transport failures, distinct from the application error field.
func (s *Session) do(req *http.Request) (*apiResponse, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("cloud returned status %d", resp.StatusCode)
	}

	var out apiResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &out, nil
}

func (s *Session) fail(op string, err error) error {
	outcome := "error"
	if bridgeerrors.IsUnauthorized(err) {
		outcome = "unauthorized"
	}
	metrics.CloudRequestsTotal.WithLabelValues(op, outcome).Inc()
	logger.Warn().Err(err).Str("operation", op).Msg("Cloud request failed")
	return err
}
