package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/mstolt/vane"
)

var stateCodeRe = regexp.MustCompile(`^[A-Za-z]{2}$`)

type alertsResponse struct {
	Features []struct {
		Properties struct {
			Event       string `json:"event"`
			AreaDesc    string `json:"areaDesc"`
			Severity    string `json:"severity"`
			Headline    string `json:"headline"`
			Description string `json:"description"`
		} `json:"properties"`
	} `json:"features"`
}

type pointsResponse struct {
	Properties struct {
		Forecast string `json:"forecast"`
	} `json:"properties"`
}

type forecastResponse struct {
	Properties struct {
		Periods []forecastPeriod `json:"periods"`
	} `json:"properties"`
}

type forecastPeriod struct {
	Name            string `json:"name"`
	Temperature     int    `json:"temperature"`
	TemperatureUnit string `json:"temperatureUnit"`
	WindSpeed       string `json:"windSpeed"`
	WindDirection   string `json:"windDirection"`
	ShortForecast   string `json:"shortForecast"`
}

func (s Server) getAlerts(ctx context.Context, args json.RawMessage) (vane.InvokeResult, error) {
	var params getAlertsArgs
	if err := json.Unmarshal(args, &params); err != nil {
		return vane.InvokeResult{}, fmt.Errorf("invalid arguments: %w", err)
	}
	if !stateCodeRe.MatchString(params.State) {
		return vane.InvokeResult{}, fmt.Errorf("invalid state code: %q", params.State)
	}
	state := strings.ToUpper(params.State)

	var alerts alertsResponse
	url := fmt.Sprintf("%s/alerts/active/area/%s", s.baseURL, state)
	if err := s.get(ctx, url, &alerts); err != nil {
		return vane.InvokeResult{}, fmt.Errorf("failed to fetch alerts: %w", err)
	}

	if len(alerts.Features) == 0 {
		return textResult(fmt.Sprintf("No active alerts for %s.", state)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Active alerts for %s:\n\n", state)
	for i, feature := range alerts.Features {
		p := feature.Properties
		fmt.Fprintf(&sb, "Event: %s\n", p.Event)
		fmt.Fprintf(&sb, "Area: %s\n", p.AreaDesc)
		fmt.Fprintf(&sb, "Severity: %s\n", p.Severity)
		if p.Headline != "" {
			fmt.Fprintf(&sb, "Headline: %s\n", p.Headline)
		}
		if i < len(alerts.Features)-1 {
			sb.WriteString("---\n")
		}
	}

	return textResult(sb.String()), nil
}

func (s Server) getForecast(ctx context.Context, args json.RawMessage) (vane.InvokeResult, error) {
	var params getForecastArgs
	if err := json.Unmarshal(args, &params); err != nil {
		return vane.InvokeResult{}, fmt.Errorf("invalid arguments: %w", err)
	}
	if params.Latitude < -90 || params.Latitude > 90 {
		return vane.InvokeResult{}, fmt.Errorf("invalid latitude: %v", params.Latitude)
	}
	if params.Longitude < -180 || params.Longitude > 180 {
		return vane.InvokeResult{}, fmt.Errorf("invalid longitude: %v", params.Longitude)
	}

	// The points lookup yields the grid-specific forecast URL.
	var points pointsResponse
	url := fmt.Sprintf("%s/points/%.4f,%.4f", s.baseURL, params.Latitude, params.Longitude)
	if err := s.get(ctx, url, &points); err != nil {
		return vane.InvokeResult{}, fmt.Errorf("failed to resolve forecast grid: %w", err)
	}
	if points.Properties.Forecast == "" {
		return vane.InvokeResult{}, fmt.Errorf("no forecast available for %.4f,%.4f", params.Latitude, params.Longitude)
	}

	var forecast forecastResponse
	if err := s.get(ctx, points.Properties.Forecast, &forecast); err != nil {
		return vane.InvokeResult{}, fmt.Errorf("failed to fetch forecast: %w", err)
	}
	if len(forecast.Properties.Periods) == 0 {
		return vane.InvokeResult{}, fmt.Errorf("forecast for %.4f,%.4f has no periods", params.Latitude, params.Longitude)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Forecast for %.4f,%.4f:\n\n", params.Latitude, params.Longitude)
	for i, period := range forecast.Properties.Periods {
		fmt.Fprintf(&sb, "%s:\n", period.Name)
		fmt.Fprintf(&sb, "Temperature: %d°%s\n", period.Temperature, period.TemperatureUnit)
		fmt.Fprintf(&sb, "Wind: %s %s\n", period.WindSpeed, period.WindDirection)
		fmt.Fprintf(&sb, "Forecast: %s\n", period.ShortForecast)
		if i < len(forecast.Properties.Periods)-1 {
			sb.WriteString("---\n")
		}
	}

	return textResult(sb.String()), nil
}

func (s Server) get(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "application/geo+json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code %d from %s", resp.StatusCode, url)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", url, err)
	}
	return nil
}
