package netatmo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joshp123/gonetatmo/internal/logging"
	"github.com/joshp123/gonetatmo/internal/oauth"
	"github.com/joshp123/gonetatmo/internal/rate"
)

const provider = "netatmo"

// Client talks to the Netatmo weather API on behalf of one session.
type Client struct {
	cfg     Config
	log     *slog.Logger
	oauth   *oauth.Manager
	http    *http.Client
	backoff *ExponentialBackoff

	mu       sync.Mutex
	creds    oauth.Credentials
	deviceID string
}

func NewClient(cfg Config, log *slog.Logger, blobStore oauth.BlobStore) (*Client, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logging.Discard()
	}

	tokenHTTP := &http.Client{Timeout: cfg.HTTPTimeout}
	manager, err := oauth.NewManager(oauth.Declaration{
		Provider:  provider,
		TokenURL:  cfg.BaseURL + tokenPath,
		Scope:     cfg.Scope,
		StatePath: cfg.StatePath,
	}, tokenHTTP, blobStore)
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:     cfg,
		log:     log.With(slog.String("provider", provider)),
		oauth:   manager,
		http:    rate.WrapHTTP(rate.Netatmo(), &http.Client{Timeout: cfg.HTTPTimeout}),
		backoff: NewExponentialBackoff(cfg.Retry.InitialDelay, cfg.Retry.MaxDelay),
	}, nil
}

// Connect leaves the client unconnected on any failure.
func (c *Client) Connect(ctx context.Context) error {
	deviceID, creds, err := c.connect(ctx)
	if err != nil {
		connectsTotal.WithLabelValues("failure").Inc()
		c.reset()
		return err
	}

	c.mu.Lock()
	c.creds = creds
	c.deviceID = deviceID
	c.mu.Unlock()

	connectsTotal.WithLabelValues("success").Inc()
	c.log.Info("netatmo connected", slog.String("device_id", deviceID))
	return nil
}

func (c *Client) Renew(ctx context.Context) error {
	if c.DeviceID() == "" {
		return ErrNotConnected
	}
	return c.renew(ctx)
}

func (c *Client) Measure(ctx context.Context, measurementType string) (float64, error) {
	m, err := c.Latest(ctx, measurementType)
	if err != nil {
		return 0, err
	}
	return m.Value, nil
}

// Latest sends measurementType verbatim.
func (c *Client) Latest(ctx context.Context, measurementType string) (Measurement, error) {
	deviceID := c.DeviceID()
	if deviceID == "" {
		return Measurement{}, ErrNotConnected
	}

	req := MeasureRequest{
		DeviceID: deviceID,
		ModuleID: c.cfg.ModuleID,
		Type:     measurementType,
		Scale:    defaultScale,
		Limit:    defaultLimit,
	}

	var out Measurement
	err := c.withRetry(ctx, "getmeasure", func(accessToken string) error {
		m, err := c.fetchMeasure(ctx, accessToken, req)
		if err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return Measurement{}, err
	}
	return out, nil
}

func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	if c.DeviceID() == "" {
		return nil, ErrNotConnected
	}
	return c.listDevices(ctx)
}

func (c *Client) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

func (c *Client) Session() Session {
	token := c.oauth.Token()
	c.mu.Lock()
	defer c.mu.Unlock()
	return Session{
		ClientID:     c.creds.ClientID,
		ClientSecret: c.creds.ClientSecret,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
		DeviceID:     c.deviceID,
	}
}

func (c *Client) connect(ctx context.Context) (string, oauth.Credentials, error) {
	creds, err := oauth.LoadCredentials(c.cfg.CredentialsFile)
	if err != nil {
		return "", oauth.Credentials{}, fmt.Errorf("%w: %w", ErrCredentials, err)
	}

	if !c.restore(ctx, creds) {
		if _, err := c.oauth.PasswordGrant(ctx, creds); err != nil {
			c.log.Warn("netatmo authentication failed", logging.Err(err))
			return "", oauth.Credentials{}, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
		}
	}

	deviceID, err := c.resolveDevice(ctx)
	if err != nil {
		return "", oauth.Credentials{}, err
	}
	return deviceID, creds, nil
}

func (c *Client) reset() {
	c.oauth.Reset()
	c.mu.Lock()
	c.creds = oauth.Credentials{}
	c.deviceID = ""
	c.mu.Unlock()
}

func (c *Client) restore(ctx context.Context, creds oauth.Credentials) bool {
	if c.cfg.StatePath == "" {
		return false
	}
	if err := c.oauth.Restore(ctx, creds); err != nil {
		if !errors.Is(err, oauth.ErrStateNotFound) {
			c.log.Warn("ignoring persisted oauth state", logging.Err(err))
		}
		return false
	}
	if _, err := c.oauth.Refresh(ctx); err != nil {
		c.log.Warn("persisted refresh token rejected; falling back to password grant", logging.Err(err))
		return false
	}
	c.log.Debug("session restored from persisted refresh token")
	return true
}

func (c *Client) renew(ctx context.Context) error {
	if _, err := c.oauth.Refresh(ctx); err != nil {
		renewalsTotal.WithLabelValues("failure").Inc()
		c.log.Warn("refreshed token failed", logging.Err(err))
		return fmt.Errorf("%w: %w", ErrRenewFailed, err)
	}
	renewalsTotal.WithLabelValues("success").Inc()
	c.log.Info("refreshed token successfully")
	return nil
}

func (c *Client) resolveDevice(ctx context.Context) (string, error) {
	if c.cfg.DeviceID != "" {
		return c.cfg.DeviceID, nil
	}

	devices, err := c.listDevices(ctx)
	if err != nil {
		return "", err
	}
	for _, device := range devices {
		if device.MainDevice == "" && device.ID != "" {
			return device.ID, nil
		}
	}
	return "", ErrNoDeviceFound
}

func (c *Client) listDevices(ctx context.Context) ([]Device, error) {
	var devices []Device
	err := c.withRetry(ctx, "devicelist", func(accessToken string) error {
		var resp struct {
			Body struct {
				Devices []struct {
					ID          string   `json:"_id"`
					StationName string   `json:"station_name"`
					ModuleName  string   `json:"module_name"`
					Type        string   `json:"type"`
					DataType    []string `json:"data_type"`
				} `json:"devices"`
				Modules []struct {
					ID         string   `json:"_id"`
					MainDevice string   `json:"main_device"`
					ModuleName string   `json:"module_name"`
					Type       string   `json:"type"`
					DataType   []string `json:"data_type"`
				} `json:"modules"`
			} `json:"body"`
		}

		params := url.Values{"access_token": {accessToken}}
		if err := c.getJSON(ctx, deviceListPath, params, &resp); err != nil {
			return err
		}

		devices = make([]Device, 0, len(resp.Body.Devices)+len(resp.Body.Modules))
		stations := make(map[string]string, len(resp.Body.Devices))
		for _, d := range resp.Body.Devices {
			stations[d.ID] = d.StationName
			devices = append(devices, Device{
				ID:          d.ID,
				StationName: d.StationName,
				ModuleName:  d.ModuleName,
				Type:        d.Type,
				DataTypes:   d.DataType,
			})
		}
		for _, m := range resp.Body.Modules {
			devices = append(devices, Device{
				ID:          m.ID,
				StationName: stations[m.MainDevice],
				ModuleName:  m.ModuleName,
				Type:        m.Type,
				DataTypes:   m.DataType,
				MainDevice:  m.MainDevice,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return devices, nil
}

func (c *Client) fetchMeasure(ctx context.Context, accessToken string, req MeasureRequest) (Measurement, error) {
	params := url.Values{
		"device_id":    {req.DeviceID},
		"type":         {req.Type},
		"access_token": {accessToken},
		"scale":        {req.Scale},
		"limit":        {strconv.Itoa(req.Limit)},
	}
	if req.ModuleID != "" {
		params.Set("module_id", req.ModuleID)
	}

	var resp struct {
		Body []struct {
			BegTime int64        `json:"beg_time"`
			Value   [][]*float64 `json:"value"`
		} `json:"body"`
	}
	if err := c.getJSON(ctx, measurePath, params, &resp); err != nil {
		return Measurement{}, err
	}

	if len(resp.Body) == 0 || len(resp.Body[0].Value) == 0 || len(resp.Body[0].Value[0]) == 0 {
		return Measurement{}, ErrNoMeasurement
	}
	value := resp.Body[0].Value[0][0]
	if value == nil {
		return Measurement{}, ErrNoMeasurement
	}

	m := Measurement{Type: req.Type, Value: *value}
	if resp.Body[0].BegTime > 0 {
		m.Time = time.Unix(resp.Body[0].BegTime, 0)
	}
	return m, nil
}

type failureKind int

const (
	failTerminal failureKind = iota
	failToken
	failTransient
)

func classify(err error) failureKind {
	if errors.Is(err, oauth.ErrTokenUnavailable) {
		return failToken
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.TokenRejected():
			return failToken
		case statusErr.Transient():
			return failTransient
		default:
			return failTerminal
		}
	}
	var limitErr rate.RateLimitError
	if errors.As(err, &limitErr) {
		switch limitErr.Reason {
		case rate.ReasonCooldown, rate.ReasonBudget:
			return failTransient
		}
		return failTerminal
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return failTransient
	}
	return failTerminal
}

func (c *Client) withRetry(ctx context.Context, endpoint string, call func(accessToken string) error) error {
	maxAttempts := c.cfg.Retry.MaxAttempts
	log := c.log.With(slog.String("endpoint", endpoint), slog.String("request_id", uuid.NewString()))

	var lastErr error
	lastKind := failTerminal
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := c.attempt(call)
		if err == nil {
			return nil
		}
		lastErr = err
		lastKind = classify(err)
		if lastKind == failTerminal {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		log.Warn("netatmo request failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxAttempts),
			logging.Err(err),
		)
		if attempt == maxAttempts {
			break
		}

		if lastKind == failToken {
			retriesTotal.WithLabelValues("token").Inc()
			c.oauth.Invalidate()
			if renewErr := c.renew(ctx); renewErr == nil {
				continue
			}
		} else {
			retriesTotal.WithLabelValues("transient").Inc()
		}

		if sleepErr := sleepContext(ctx, c.retryDelay(err, attempt-1)); sleepErr != nil {
			return sleepErr
		}
	}

	if lastKind == failToken {
		return fmt.Errorf("%w after %d attempts: %w", ErrAuthenticationExpired, maxAttempts, lastErr)
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, maxAttempts, lastErr)
}

func (c *Client) retryDelay(err error, attempt int) time.Duration {
	delay := c.backoff.NextDelay(attempt)

	var wait time.Duration
	var limitErr rate.RateLimitError
	var statusErr *HTTPStatusError
	switch {
	case errors.As(err, &limitErr) && !limitErr.RetryAt.IsZero():
		wait = time.Until(limitErr.RetryAt)
	case errors.As(err, &statusErr):
		wait = statusErr.RetryAfter
	}
	if wait > delay {
		return wait
	}
	return delay
}

func (c *Client) attempt(call func(accessToken string) error) error {
	accessToken, err := c.oauth.AccessToken()
	if err != nil {
		return err
	}
	return call(accessToken)
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	endpoint := c.cfg.BaseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues(path, "error").Inc()
		return err
	}
	defer resp.Body.Close()
	requestsTotal.WithLabelValues(path, strconv.Itoa(resp.StatusCode)).Inc()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return newHTTPStatusError(resp.StatusCode, resp.Header, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func newHTTPStatusError(status int, header http.Header, body []byte) *HTTPStatusError {
	statusErr := &HTTPStatusError{Status: status, Body: string(body)}
	if seconds, err := strconv.Atoi(header.Get("Retry-After")); err == nil && seconds > 0 {
		statusErr.RetryAfter = time.Duration(seconds) * time.Second
	}
	var vendor struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &vendor); err == nil {
		statusErr.Code = vendor.Error.Code
		statusErr.Message = vendor.Error.Message
	}
	return statusErr
}
