// Package weather fetches current conditions from an Open-Meteo
// compatible forecast endpoint.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/okeefe/valet-agent/internal/httpkit"
)

const defaultBaseURL = "https://api.open-meteo.com"

// Observation is a snapshot of current conditions at the configured
// location.
type Observation struct {
	Temperature float64 // degrees C
	WindSpeed   float64 // km/h
	WeatherCode int     // WMO weather interpretation code
	ObservedAt  time.Time
	Latitude    float64
	Longitude   float64
}

// Client queries the forecast endpoint for one fixed location.
type Client struct {
	baseURL string
	lat     float64
	lon     float64
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a weather client. baseURL may be empty for the
// public Open-Meteo API.
func NewClient(baseURL string, lat, lon float64, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		lat:     lat,
		lon:     lon,
		http:    httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
		logger:  logger,
	}
}

// Wire format of the /v1/forecast current_weather block.
type forecastResponse struct {
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	CurrentWeather struct {
		Temperature float64 `json:"temperature"`
		WindSpeed   float64 `json:"windspeed"`
		WeatherCode int     `json:"weathercode"`
		Time        string  `json:"time"`
	} `json:"current_weather"`
}

// Current fetches current conditions.
func (c *Client) Current(ctx context.Context) (*Observation, error) {
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(c.lat, 'f', 4, 64))
	q.Set("longitude", strconv.FormatFloat(c.lon, 'f', 4, 64))
	q.Set("current_weather", "true")
	q.Set("timezone", "UTC")

	reqURL := c.baseURL + "/v1/forecast?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("weather request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("weather request: status %d: %s", resp.StatusCode, body)
	}

	var fr forecastResponse
	if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil {
		return nil, fmt.Errorf("decode weather response: %w", err)
	}

	obs := &Observation{
		Temperature: fr.CurrentWeather.Temperature,
		WindSpeed:   fr.CurrentWeather.WindSpeed,
		WeatherCode: fr.CurrentWeather.WeatherCode,
		Latitude:    fr.Latitude,
		Longitude:   fr.Longitude,
	}
	if t, err := time.Parse("2006-01-02T15:04", fr.CurrentWeather.Time); err == nil {
		obs.ObservedAt = t.UTC()
	}

	c.logger.Debug("weather fetched",
		"temperature", obs.Temperature,
		"code", obs.WeatherCode,
	)
	return obs, nil
}

// Describe renders an observation as a short human-readable sentence
// for the LLM and tool results.
func (o *Observation) Describe() string {
	return fmt.Sprintf("%s, %.1f°C, wind %.0f km/h", describeCode(o.WeatherCode), o.Temperature, o.WindSpeed)
}

// describeCode maps WMO weather interpretation codes to words.
func describeCode(code int) string {
	switch {
	case code == 0:
		return "Clear sky"
	case code <= 2:
		return "Partly cloudy"
	case code == 3:
		return "Overcast"
	case code == 45 || code == 48:
		return "Fog"
	case code >= 51 && code <= 57:
		return "Drizzle"
	case code >= 61 && code <= 67:
		return "Rain"
	case code >= 71 && code <= 77:
		return "Snow"
	case code >= 80 && code <= 82:
		return "Rain showers"
	case code >= 85 && code <= 86:
		return "Snow showers"
	case code >= 95:
		return "Thunderstorm"
	default:
		return fmt.Sprintf("Weather code %d", code)
	}
}
