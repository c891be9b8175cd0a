// Package alerting wraps the paging vendor's HTTP API. Every call runs the
// vendor's two-step authentication: the site's API key is exchanged for a
// short-lived session token, which authenticates the actual request.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/firedispatch/mailwatch/config"
	"github.com/firedispatch/mailwatch/extract"
	"github.com/firedispatch/mailwatch/logger"
	"github.com/firedispatch/mailwatch/pkg/circuitbreaker"
)

// ErrUnauthorized is returned when the vendor rejects an API key. Callers
// treat it as non-transient.
var ErrUnauthorized = errors.New("alerting vendor rejected the API key")

// ErrUnknownSite is returned when a submission references a site without a
// configured API key.
var ErrUnknownSite = errors.New("no API key configured for site")

// administrationScope is the vendor-side registration scope used by the
// calendar endpoints; paging registrations use the site name as scope.
const administrationScope = "Administration"

// sessionToken is the vendor's token exchange response.
type sessionToken struct {
	UToken string `json:"utoken"`
}

// pagerPayload is one pager address in the alarm payload.
type pagerPayload struct {
	Code    string `json:"code"`
	SubCode string `json:"subCode"`
}

// alarmPayload is the paging request body.
type alarmPayload struct {
	IncidentNumber string         `json:"incidentNumber"`
	Keyword        string         `json:"keyword"`
	Street         string         `json:"street"`
	HouseNumber    string         `json:"houseNumber"`
	City           string         `json:"city"`
	District       string         `json:"district"`
	ObjectName     string         `json:"objectName"`
	Coordinates    string         `json:"coordinates"`
	Note           string         `json:"note"`
	Pagers         []pagerPayload `json:"pagers"`
}

// Calendar is one vendor-side calendar.
type Calendar struct {
	ID   int    `json:"calendarId"`
	Name string `json:"calendarName"`
	Site string `json:"site"`
}

// Appointment is one vendor-side calendar event. Date fields use the
/// vendor's "1/2/2006 3:04:05 pm" layout.
type Appointment struct {
	StartDate   string `json:"startDate"`
	EndDate     string `json:"endDate"`
	AllDay      bool   `json:"allDay"`
	Subject     string `json:"subject"`
	Location    string `json:"location"`
	Description string `json:"description"`
	CalendarID  int    `json:"calendarId"`
}

// Client is a stateless request/response wrapper around the vendor API.
// Paging submissions additionally run through a circuit breaker so a
// vendor outage sheds load instead of stacking up timeouts.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	breaker     *circuitbreaker.CircuitBreaker
	siteKeys    map[string]string
	calendarKey string
}

// New builds a vendor client from the alerting configuration and the
// per-site API keys.
func New(cfg config.AlertingConfig, sites []config.SiteConfig, calendarKey string) (*Client, error) {
	timeout, err := cfg.GetTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid alerting timeout: %w", err)
	}

	siteKeys := make(map[string]string, len(sites))
	for _, site := range sites {
		siteKeys[site.Name] = site.APIKey
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New(circuitbreaker.Settings{
			Name:        "alerting",
			MaxRequests: 1,
			Timeout:     60 * time.Second,
		}),
		siteKeys:    siteKeys,
		calendarKey: calendarKey,
	}, nil
}

// token exchanges an API key for a session token.
func (c *Client) token(ctx context.Context, scope, apiKey string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/Register/"+scope, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("API-Key", apiKey)
	req.Header.Set("Accept", "*/*")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", fmt.Errorf("token exchange for scope '%s': %w", scope, ErrUnauthorized)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("token exchange for scope '%s' returned %s: %s", scope, resp.Status, body)
	}

	var token sessionToken
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", fmt.Errorf("failed to decode session token: %w", err)
	}
	if token.UToken == "" {
		return "", fmt.Errorf("token exchange for scope '%s' returned an empty token", scope)
	}
	return token.UToken, nil
}

// Submit sends one paging request for a site. Non-2xx responses are
// returned as errors with the response body; the caller decides whether
// to care (the dispatch stage only logs them).
func (c *Client) Submit(ctx context.Context, site string, data extract.AlarmData) error {
	apiKey, ok := c.siteKeys[site]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSite, site)
	}

	return c.breaker.Execute(func() error {
		token, err := c.token(ctx, site, apiKey)
		if err != nil {
			return err
		}

		payload := alarmPayload{
			IncidentNumber: data.IncidentNumber,
			Keyword:        data.Keyword,
			Street:         data.Street,
			HouseNumber:    data.HouseNumber,
			City:           data.City,
			District:       data.District,
			ObjectName:     data.ObjectName,
			Coordinates:    data.Coordinates,
			Note:           data.Note,
		}
		for _, pager := range data.Pagers {
			payload.Pagers = append(payload.Pagers, pagerPayload{Code: pager.Code, SubCode: pager.SubCode})
		}

		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode alarm payload: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/Alarming", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to build alarm request: %w", err)
		}
		req.Header.Set("API-Token", token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("alarm request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			respBody, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("alarm request returned %s: %s", resp.Status, respBody)
		}

		logger.Debug("alarm accepted by vendor", "site", site, "incident", data.IncidentNumber)
		return nil
	})
}

// Calendars fetches the vendor-side calendar list using the calendar API
// key.
func (c *Client) Calendars(ctx context.Context) ([]Calendar, error) {
	token, err := c.token(ctx, administrationScope, c.calendarKey)
	if err != nil {
		return nil, err
	}

	var calendars []Calendar
	if err := c.getJSON(ctx, "/Calendars", token, &calendars); err != nil {
		return nil, fmt.Errorf("failed to fetch calendar list: %w", err)
	}
	return calendars, nil
}

// Appointments fetches the events of one calendar.
func (c *Client) Appointments(ctx context.Context, calendarID int) ([]Appointment, error) {
	token, err := c.token(ctx, administrationScope, c.calendarKey)
	if err != nil {
		return nil, err
	}

	var appointments []Appointment
	if err := c.getJSON(ctx, fmt.Sprintf("/Appointments/%d", calendarID), token, &appointments); err != nil {
		return nil, fmt.Errorf("failed to fetch appointments for calendar %d: %w", calendarID, err)
	}
	return appointments, nil
}

// getJSON performs a token-authenticated GET and decodes the JSON response.
func (c *Client) getJSON(ctx context.Context, path, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("API-Token", token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("request returned %s: %s", resp.Status, body)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
