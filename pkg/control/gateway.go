package control

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/broadcast"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/domain"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/errors"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logging"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logstore"
)

const (
	// KeyHeader carries the shared gateway key
	KeyHeader = "X-Gateway-Key"

	SubscribePath = "/_supervisor/subscribe"
	LogsPath      = "/_supervisor/logs/"

	maxResponseBytes = 8 << 20
)

type ClientOptions struct {
	BaseURL string
	Key     string
	Token   string
	Timeout time.Duration
}

// HTTPClientGateway talks to the supervisor gateway
type HTTPClientGateway struct {
	baseURL *url.URL
	options ClientOptions
	client  *http.Client
	logger  logging.Logger
}

var _ domain.Contract = (*HTTPClientGateway)(nil)

func NewHTTPClientGateway(options ClientOptions, logger logging.Logger) (*HTTPClientGateway, error) {
	baseURL, err := url.Parse(strings.TrimRight(options.BaseURL, "/"))
	if err != nil || baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, errors.NewValidationError("gateway URL must be absolute", err).WithContext("url", options.BaseURL)
	}
	if options.Timeout <= 0 {
		options.Timeout = 2 * time.Minute
	}
	return &HTTPClientGateway{
		baseURL: baseURL,
		options: options,
		client:  &http.Client{Timeout: options.Timeout},
		logger:  logger,
	}, nil
}

func (gw *HTTPClientGateway) Start(ctx context.Context) (domain.WorkerStatus, error) {
	var status domain.WorkerStatus
	err := gw.do(ctx, http.MethodPost, "/start", nil, nil, &status)
	if err != nil {
		gw.logger.Errorf("Start client gateway: %v", err)
		return status, err
	}
	gw.logger.Debugf("Start client gateway done")
	return status, nil
}

func (gw *HTTPClientGateway) Stop(ctx context.Context, gracefulTimeout time.Duration) (domain.WorkerStatus, error) {
	query := url.Values{}
	if gracefulTimeout > 0 {
		query.Set("timeout", gracefulTimeout.String())
	}
	var status domain.WorkerStatus
	err := gw.do(ctx, http.MethodPost, "/stop", query, nil, &status)
	if err != nil {
		gw.logger.Errorf("Stop client gateway: %v", err)
		return status, err
	}
	if status.Message == "already stopped" {
		return status, errors.NewNotRunningError("worker already stopped", nil)
	}
	gw.logger.Debugf("Stop client gateway done")
	return status, nil
}

func (gw *HTTPClientGateway) Status(ctx context.Context) (domain.WorkerStatus, error) {
	var status domain.WorkerStatus
	err := gw.do(ctx, http.MethodGet, "/status", nil, nil, &status)
	if err != nil {
		gw.logger.Errorf("Status client gateway: %v", err)
		return status, err
	}
	gw.logger.Debugf("Status client gateway done")
	return status, nil
}

// ReadLogs returns the last lines entries of a channel
func (gw *HTTPClientGateway) ReadLogs(ctx context.Context, channel string, lines int) ([]logstore.Entry, error) {
	query := url.Values{}
	if lines > 0 {
		query.Set("lines", strconv.Itoa(lines))
	}
	var response struct {
		Entries []logstore.Entry `json:"entries"`
	}
	if err := gw.do(ctx, http.MethodGet, LogsPath+channel, query, nil, &response); err != nil {
		return nil, err
	}
	return response.Entries, nil
}

// AppendLog publishes an entry through the gateway
func (gw *HTTPClientGateway) AppendLog(ctx context.Context, entry logstore.Entry) (logstore.Entry, error) {
	var stored logstore.Entry
	err := gw.do(ctx, http.MethodPost, LogsPath+entry.Channel, nil, entry, &stored)
	return stored, err
}

func (gw *HTTPClientGateway) ClearLogs(ctx context.Context, channel string) error {
	return gw.do(ctx, http.MethodDelete, LogsPath+channel, nil, nil, nil)
}

// Subscribe streams frames of the matching channels to onFrame until ctx is
// done, the connection drops or onFrame returns an error
func (gw *HTTPClientGateway) Subscribe(ctx context.Context, channels []string, onFrame func(broadcast.Frame) error) error {
	target := *gw.baseURL
	switch target.Scheme {
	case "https":
		target.Scheme = "wss"
	default:
		target.Scheme = "ws"
	}
	target.Path = strings.TrimRight(target.Path, "/") + SubscribePath
	if len(channels) > 0 {
		target.RawQuery = url.Values{"channels": {strings.Join(channels, ",")}}.Encode()
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target.String(), gw.headers())
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
			return DecodeError(resp.StatusCode, body)
		}
		return errors.NewNetworkError("failed to connect to log stream", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		var frame broadcast.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return errors.NewNetworkError("log stream interrupted", err)
		}
		if frame.Type == broadcast.FrameResync {
			// Ask for the history again to fill the gap
			if err := conn.WriteJSON(map[string]string{"type": "resync"}); err != nil {
				return errors.NewNetworkError("failed to request resync", err)
			}
		}
		if err := onFrame(frame); err != nil {
			return err
		}
	}
}

func (gw *HTTPClientGateway) headers() http.Header {
	header := http.Header{}
	if gw.options.Token != "" {
		header.Set("Authorization", "Bearer "+gw.options.Token)
	}
	if gw.options.Key != "" {
		header.Set(KeyHeader, gw.options.Key)
	}
	return header
}

func (gw *HTTPClientGateway) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	target := *gw.baseURL
	target.Path = strings.TrimRight(target.Path, "/") + path
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return errors.NewValidationError("failed to encode request", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return errors.NewValidationError("failed to build request", err)
	}
	for key, values := range gw.headers() {
		req.Header[key] = values
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := gw.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errors.NewCancelledError("request cancelled", ctx.Err())
		}
		return errors.NewNetworkError(fmt.Sprintf("%s %s failed", method, path), err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return errors.NewNetworkError("failed to read response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return DecodeError(resp.StatusCode, payload)
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return errors.NewValidationError("failed to decode response", err)
	}
	return nil
}
