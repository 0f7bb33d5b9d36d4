// Package authority talks to the cloud service that owns device association
// state and poll periods.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/meshbridge/mesh-gateway/internal/models"
)

// ErrRemoteUnavailable covers timeouts, transport failures and non-2xx replies
var ErrRemoteUnavailable = errors.New("remote authority unavailable")

// StatusError is a non-2xx reply from the authority
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
}

// Unwrap makes errors.Is(err, ErrRemoteUnavailable) hold
func (e *StatusError) Unwrap() error {
	return ErrRemoteUnavailable
}

// Retryable reports whether repeating the request can succeed
func (e *StatusError) Retryable() bool {
	if e.StatusCode >= 500 {
		return true
	}
	return e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests
}

// IsRetryable reports whether err is worth retrying later
func IsRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return errors.Is(err, ErrRemoteUnavailable)
}

// Service is the set of authority operations the gateway depends on
type Service interface {
	GetAssocState(ctx context.Context, deviceID uuid.UUID) (models.AssocState, error)
	GetPollPeriod(ctx context.Context, deviceID uuid.UUID) (time.Duration, error)
	ConfirmAssoc(ctx context.Context, deviceID uuid.UUID) error
	ResetAssoc(ctx context.Context, deviceID uuid.UUID) error
	PostSensorReading(ctx context.Context, reading *models.SensorReading) error
	GetHostAssocState(ctx context.Context) (models.AssocState, error)
	ConfirmHostAssoc(ctx context.Context) error
}

// Config 远程服务连接参数
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client is the HTTP implementation of Service
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ Service = (*Client)(nil)

// NewClient creates an authority client
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type assocStateResponse struct {
	AssocState string `json:"assoc_state"`
}

type updateFrequencyResponse struct {
	UpdateFrequency int64 `json:"update_frequency"`
}

type deviceRequest struct {
	DeviceID string `json:"device_id"`
}

type thDataRequest struct {
	DeviceID          string  `json:"device_id"`
	Temperature       float64 `json:"temperature"`
	Humidity          float64 `json:"humidity"`
	HeatIndex         float64 `json:"heat_index"`
	BatteryPercentage uint8   `json:"battery_percentage"`
}

// GetAssocState returns the association state of a device. On any failure
// the state is UNKNOWN and the error says why.
func (c *Client) GetAssocState(ctx context.Context, deviceID uuid.UUID) (models.AssocState, error) {
	var resp assocStateResponse
	if err := c.do(ctx, http.MethodGet, "/device/assocState/"+deviceID.String(), nil, &resp); err != nil {
		return models.AssocUnknown, err
	}
	return models.ParseAssocState(resp.AssocState), nil
}

// GetPollPeriod returns the configured update frequency of a device
func (c *Client) GetPollPeriod(ctx context.Context, deviceID uuid.UUID) (time.Duration, error) {
	var resp updateFrequencyResponse
	if err := c.do(ctx, http.MethodGet, "/device/updateFrequency/"+deviceID.String(), nil, &resp); err != nil {
		return 0, err
	}
	return models.Millis(resp.UpdateFrequency), nil
}

// ConfirmAssoc confirms a pending association (button press on the node)
func (c *Client) ConfirmAssoc(ctx context.Context, deviceID uuid.UUID) error {
	return c.do(ctx, http.MethodPost, "/device/confirmAssoc", deviceRequest{DeviceID: deviceID.String()}, nil)
}

// ResetAssoc drops the association of a device
func (c *Client) ResetAssoc(ctx context.Context, deviceID uuid.UUID) error {
	return c.do(ctx, http.MethodPost, "/device/resetAssoc", deviceRequest{DeviceID: deviceID.String()}, nil)
}

// PostSensorReading uploads a temperature/humidity reading
func (c *Client) PostSensorReading(ctx context.Context, reading *models.SensorReading) error {
	if reading.Kind != models.ReadingTH {
		return fmt.Errorf("post %s reading: unsupported kind", reading.Kind)
	}

	body := thDataRequest{
		DeviceID:          reading.DeviceID.String(),
		Temperature:       round2(reading.Temperature),
		Humidity:          round2(reading.Humidity),
		BatteryPercentage: reading.Battery,
	}
	if reading.HeatIndex != nil {
		body.HeatIndex = round2(*reading.HeatIndex)
	}
	return c.do(ctx, http.MethodPost, "/thdata/new", body, nil)
}

// GetHostAssocState returns the association state of this gateway
func (c *Client) GetHostAssocState(ctx context.Context) (models.AssocState, error) {
	var resp assocStateResponse
	if err := c.do(ctx, http.MethodGet, "/host/assocState", nil, &resp); err != nil {
		return models.AssocUnknown, err
	}
	return models.ParseAssocState(resp.AssocState), nil
}

// ConfirmHostAssoc confirms a pending association of this gateway
func (c *Client) ConfirmHostAssoc(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/host/confirmAssoc", nil, nil)
}

// do 发送请求并解析 JSON 响应
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %v: %w", method, path, err, ErrRemoteUnavailable)
	}
	defer resp.Body.Close()

	log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("authority request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %v: %w", method, path, err, ErrRemoteUnavailable)
	}
	return nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
