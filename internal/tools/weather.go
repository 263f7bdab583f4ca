package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultForecastURL  = "https://api.open-meteo.com/v1/forecast"
	defaultGeocodingURL = "https://geocoding-api.open-meteo.com/v1/search"
)

// Weather fetches current conditions from Open-Meteo. Calls require approval.
type Weather struct {
	ForecastURL  string
	GeocodingURL string
	Client       *http.Client
}

func NewWeather() *Weather {
	return &Weather{
		ForecastURL:  defaultForecastURL,
		GeocodingURL: defaultGeocodingURL,
		Client:       &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *Weather) Name() string { return "getWeather" }

func (w *Weather) Description() string {
	return "Get the current weather at a location. Provide either a city name or latitude and longitude."
}

func (w *Weather) NeedsApproval() bool { return true }

func (w *Weather) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "city": {"type": "string", "minLength": 1},
    "latitude": {"type": "number", "minimum": -90, "maximum": 90},
    "longitude": {"type": "number", "minimum": -180, "maximum": 180}
  },
  "anyOf": [
    {"required": ["city"]},
    {"required": ["latitude", "longitude"]}
  ]
}`)
}

type weatherInput struct {
	City      string   `json:"city"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

type weatherOutput struct {
	City        string  `json:"city,omitempty"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Temperature float64 `json:"temperature"`
	WindSpeed   float64 `json:"windSpeed"`
	WeatherCode int     `json:"weatherCode"`
	Time        string  `json:"time"`
}

func (w *Weather) Invoke(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in weatherInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("weather: decode input: %w", err)
	}

	out := weatherOutput{City: strings.TrimSpace(in.City)}
	if in.Latitude != nil && in.Longitude != nil {
		out.Latitude, out.Longitude = *in.Latitude, *in.Longitude
	} else {
		lat, lon, err := w.geocode(ctx, out.City)
		if err != nil {
			return nil, err
		}
		out.Latitude, out.Longitude = lat, lon
	}

	q := url.Values{}
	q.Set("latitude", fmt.Sprintf("%.4f", out.Latitude))
	q.Set("longitude", fmt.Sprintf("%.4f", out.Longitude))
	q.Set("current_weather", "true")

	var decoded struct {
		CurrentWeather struct {
			Temperature float64 `json:"temperature"`
			WindSpeed   float64 `json:"windspeed"`
			WeatherCode int     `json:"weathercode"`
			Time        string  `json:"time"`
		} `json:"current_weather"`
	}
	if err := w.getJSON(ctx, w.ForecastURL, q, &decoded); err != nil {
		return nil, err
	}
	out.Temperature = decoded.CurrentWeather.Temperature
	out.WindSpeed = decoded.CurrentWeather.WindSpeed
	out.WeatherCode = decoded.CurrentWeather.WeatherCode
	out.Time = decoded.CurrentWeather.Time
	return json.Marshal(out)
}

func (w *Weather) geocode(ctx context.Context, city string) (float64, float64, error) {
	if city == "" {
		return 0, 0, errors.New("weather: city or coordinates required")
	}
	q := url.Values{}
	q.Set("name", city)
	q.Set("count", "1")

	var decoded struct {
		Results []struct {
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		} `json:"results"`
	}
	if err := w.getJSON(ctx, w.GeocodingURL, q, &decoded); err != nil {
		return 0, 0, err
	}
	if len(decoded.Results) == 0 {
		return 0, 0, fmt.Errorf("weather: no location found for %q", city)
	}
	return decoded.Results[0].Latitude, decoded.Results[0].Longitude, nil
}

func (w *Weather) getJSON(ctx context.Context, base string, q url.Values, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("weather: status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
