// Package weather adapts the WeatherAPI forecast endpoint.
package weather

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"polychat/internal/apperr"
	"polychat/internal/models"
	"polychat/internal/provider"
)

const defaultBaseURL = "https://api.weatherapi.com/v1"

type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

func NewClient(apiKey string, httpClient *http.Client) *Client {
	return &Client{apiKey: apiKey, baseURL: defaultBaseURL, http: httpClient}
}

// WithBaseURL points the client at another endpoint.
func (c *Client) WithBaseURL(base string) *Client {
	c.baseURL = base
	return c
}

type Report struct {
	Location Location `json:"location"`
	Unit     string   `json:"unit"`
	Current  Current  `json:"current"`
	Daily    []Day    `json:"daily"`
	Hourly   []Hour   `json:"hourly"`
}

type Location struct {
	Name      string  `json:"name"`
	Region    string  `json:"region"`
	Country   string  `json:"country"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	LocalTime string  `json:"localTime"`
}

type Current struct {
	Temperature float64 `json:"temperature"`
	FeelsLike   float64 `json:"feelsLike"`
	Condition   string  `json:"condition"`
	Icon        string  `json:"icon"`
	Humidity    int     `json:"humidity"`
	WindKph     float64 `json:"windKph"`
	IsDay       bool    `json:"isDay"`
}

type Day struct {
	Date         string  `json:"date"`
	High         float64 `json:"high"`
	Low          float64 `json:"low"`
	Condition    string  `json:"condition"`
	Icon         string  `json:"icon"`
	ChanceOfRain int     `json:"chanceOfRain"`
}

type Hour struct {
	Time        string  `json:"time"`
	Temperature float64 `json:"temperature"`
	Condition   string  `json:"condition"`
}

type condition struct {
	Text string `json:"text"`
	Icon string `json:"icon"`
}

type forecastResponse struct {
	Location struct {
		Name      string  `json:"name"`
		Region    string  `json:"region"`
		Country   string  `json:"country"`
		Lat       float64 `json:"lat"`
		Lon       float64 `json:"lon"`
		LocalTime string  `json:"localtime"`
	} `json:"location"`
	Current struct {
		TempC      float64   `json:"temp_c"`
		TempF      float64   `json:"temp_f"`
		FeelsLikeC float64   `json:"feelslike_c"`
		FeelsLikeF float64   `json:"feelslike_f"`
		Humidity   int       `json:"humidity"`
		WindKph    float64   `json:"wind_kph"`
		IsDay      int       `json:"is_day"`
		Condition  condition `json:"condition"`
	} `json:"current"`
	Forecast struct {
		ForecastDay []struct {
			Date string `json:"date"`
			Day  struct {
				MaxTempC          float64   `json:"maxtemp_c"`
				MaxTempF          float64   `json:"maxtemp_f"`
				MinTempC          float64   `json:"mintemp_c"`
				MinTempF          float64   `json:"mintemp_f"`
				DailyChanceOfRain int       `json:"daily_chance_of_rain"`
				Condition         condition `json:"condition"`
			} `json:"day"`
			Hour []struct {
				Time      string    `json:"time"`
				TempC     float64   `json:"temp_c"`
				TempF     float64   `json:"temp_f"`
				Condition condition `json:"condition"`
			} `json:"hour"`
		} `json:"forecastday"`
	} `json:"forecast"`
}

// Coordinates formats a latitude/longitude pair as a query.
func Coordinates(lat, lon float64) string {
	return strconv.FormatFloat(lat, 'f', 4, 64) + "," + strconv.FormatFloat(lon, 'f', 4, 64)
}

// Forecast fetches current conditions and a three day forecast for query
// (a city name or "lat,lon"), expressed in unit.
func (c *Client) Forecast(ctx context.Context, query string, unit models.TemperatureUnit) (*Report, error) {
	if c.apiKey == "" {
		return nil, apperr.New(apperr.Offline, apperr.SurfaceWeather, "weather api key not configured")
	}
	if query == "" {
		return nil, apperr.New(apperr.BadRequest, apperr.SurfaceWeather, "location is required")
	}
	if !unit.Valid() {
		unit = models.Celsius
	}
	params := url.Values{}
	params.Set("key", c.apiKey)
	params.Set("q", query)
	params.Set("days", "3")
	params.Set("aqi", "no")
	params.Set("alerts", "no")
	endpoint := c.baseURL + "/forecast.json?" + params.Encode()

	var resp forecastResponse
	err := provider.FetchJSON(ctx, c.http, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	}, &resp)
	if err != nil {
		return nil, classify(err)
	}
	return resp.toReport(unit), nil
}

func (r *forecastResponse) toReport(unit models.TemperatureUnit) *Report {
	f := unit == models.Fahrenheit
	pick := func(c, fv float64) float64 {
		if f {
			return fv
		}
		return c
	}
	report := &Report{
		Location: Location{
			Name:      r.Location.Name,
			Region:    r.Location.Region,
			Country:   r.Location.Country,
			Latitude:  r.Location.Lat,
			Longitude: r.Location.Lon,
			LocalTime: r.Location.LocalTime,
		},
		Unit: string(unit),
		Current: Current{
			Temperature: pick(r.Current.TempC, r.Current.TempF),
			FeelsLike:   pick(r.Current.FeelsLikeC, r.Current.FeelsLikeF),
			Condition:   r.Current.Condition.Text,
			Icon:        r.Current.Condition.Icon,
			Humidity:    r.Current.Humidity,
			WindKph:     r.Current.WindKph,
			IsDay:       r.Current.IsDay == 1,
		},
		Daily:  []Day{},
		Hourly: []Hour{},
	}
	for i, fd := range r.Forecast.ForecastDay {
		report.Daily = append(report.Daily, Day{
			Date:         fd.Date,
			High:         pick(fd.Day.MaxTempC, fd.Day.MaxTempF),
			Low:          pick(fd.Day.MinTempC, fd.Day.MinTempF),
			Condition:    fd.Day.Condition.Text,
			Icon:         fd.Day.Condition.Icon,
			ChanceOfRain: fd.Day.DailyChanceOfRain,
		})
		if i > 0 {
			continue
		}
		for _, h := range fd.Hour {
			report.Hourly = append(report.Hourly, Hour{
				Time:        h.Time,
				Temperature: pick(h.TempC, h.TempF),
				Condition:   h.Condition.Text,
			})
		}
	}
	return report
}

func classify(err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return ae
	}
	switch code := provider.StatusCode(err); {
	case code == http.StatusBadRequest:
		return apperr.Wrap(apperr.BadRequest, apperr.SurfaceWeather, err)
	case code == http.StatusTooManyRequests:
		return apperr.Wrap(apperr.RateLimit, apperr.SurfaceWeather, err)
	default:
		return apperr.Wrap(apperr.Offline, apperr.SurfaceWeather, fmt.Errorf("weather lookup: %w", err))
	}
}
