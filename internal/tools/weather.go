package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/openspeaker/gateway/internal/config"
	"github.com/openspeaker/gateway/shared/httpclient"
)

type weatherResponse struct {
	Location struct {
		Name string `json:"name"`
	} `json:"location"`
	Current struct {
		TempC     float64 `json:"temp_c"`
		FeelsLike float64 `json:"feelslike_c"`
		Humidity  int     `json:"humidity"`
		WindKph   float64 `json:"wind_kph"`
		Condition struct {
			Text string `json:"text"`
		} `json:"condition"`
	} `json:"current"`
}

// NewGetWeather queries a weatherapi-style endpoint and feeds the
// observation back to the LLM.
func NewGetWeather(cfg config.PluginsConfig) Tool {
	client := httpclient.New(httpclient.FetchTimeout)
	return &funcTool{
		name:        "get_weather",
		description: "Get the current weather for a location. Call with the city name the user mentioned, or without a location for the default city.",
		parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"location": map[string]any{
					"type":        "string",
					"description": "City name, e.g. Berlin",
				},
			},
		},
		execute: func(ctx context.Context, args map[string]any) (Result, error) {
			if cfg.WeatherURL == "" {
				return Result{Action: ActionError, Content: "weather lookup is not configured"}, nil
			}
			location := stringArg(args, "location")
			if location == "" {
				location = "auto:ip"
			}

			q := url.Values{}
			q.Set("q", location)
			if cfg.WeatherAPIKey != "" {
				q.Set("key", cfg.WeatherAPIKey)
			}

			req, err := http.NewRequestWithContext(ctx, "GET", cfg.WeatherURL+"?"+q.Encode(), nil)
			if err != nil {
				return Result{}, fmt.Errorf("create request: %w", err)
			}
			resp, err := client.Do(req)
			if err != nil {
				return Result{}, fmt.Errorf("fetch weather: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return Result{}, fmt.Errorf("read response: %w", err)
			}
			if resp.StatusCode != http.StatusOK {
				return Result{}, fmt.Errorf("weather error (status %d): %s", resp.StatusCode, string(body))
			}

			var w weatherResponse
			if err := json.Unmarshal(body, &w); err != nil {
				return Result{}, fmt.Errorf("parse weather: %w", err)
			}

			content := fmt.Sprintf(
				"Weather in %s: %s, %.1f°C (feels like %.1f°C), humidity %d%%, wind %.0f km/h",
				w.Location.Name, w.Current.Condition.Text, w.Current.TempC,
				w.Current.FeelsLike, w.Current.Humidity, w.Current.WindKph)
			return Result{Action: ActionReqLLM, Content: content}, nil
		},
	}
}
