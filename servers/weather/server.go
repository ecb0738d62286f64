// Package weather provides a capability provider backed by the National
// Weather Service API. It exposes active-alert lookup by state and point
// forecasts by coordinate as invocable capabilities.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mstolt/vane"
)

const defaultBaseURL = "https://api.weather.gov"

// Server implements the vane.Provider contract for weather data. All
// requests go to the configured NWS-compatible endpoint; the zero
// configuration talks to api.weather.gov directly.
//
// Instances should be created using NewServer.
type Server struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
	logger     *slog.Logger
}

// Option represents the options for the weather server.
type Option func(*Server)

// NewServer creates a weather capability provider.
func NewServer(options ...Option) Server {
	s := Server{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    defaultBaseURL,
		userAgent:  "weathervane/1.0",
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(&s)
	}
	return s
}

// WithHTTPClient sets the HTTP client used for API requests.
func WithHTTPClient(cli *http.Client) Option {
	return func(s *Server) {
		s.httpClient = cli
	}
}

// WithBaseURL overrides the API endpoint, mainly for tests.
func WithBaseURL(baseURL string) Option {
	return func(s *Server) {
		s.baseURL = baseURL
	}
}

// WithUserAgent sets the User-Agent header sent to the API. The NWS rejects
// requests without one.
func WithUserAgent(ua string) Option {
	return func(s *Server) {
		s.userAgent = ua
	}
}

// WithLogger sets the logger for the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger.With(slog.String("component", "weather"))
	}
}

// Capabilities implements vane.Provider. The descriptors are static and
// returned in their declared order.
func (s Server) Capabilities(context.Context) ([]vane.Capability, error) {
	return capabilityList, nil
}

// Invoke implements vane.Provider.
func (s Server) Invoke(ctx context.Context, name string, args json.RawMessage) (vane.InvokeResult, error) {
	switch name {
	case "get-alerts":
		return s.getAlerts(ctx, args)
	case "get-forecast":
		return s.getForecast(ctx, args)
	default:
		return vane.InvokeResult{}, fmt.Errorf("%w: %s", vane.ErrCapabilityNotFound, name)
	}
}

func textResult(text string) vane.InvokeResult {
	return vane.InvokeResult{
		Content: []vane.Content{
			{
				Type: "text",
				Text: text,
			},
		},
	}
}
