package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/firedispatch/mailwatch/config"
	"github.com/firedispatch/mailwatch/extract"
	"github.com/firedispatch/mailwatch/pkg/circuitbreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := New(
		config.AlertingConfig{BaseURL: baseURL, Timeout: "5s"},
		[]config.SiteConfig{{Name: "north", APIKey: "key-north"}},
		"key-calendar",
	)
	require.NoError(t, err)
	return client
}

func TestClient_SubmitHappyPath(t *testing.T) {
	var alarmBody alarmPayload
	var tokenHeader string

	mux := http.NewServeMux()
	mux.HandleFunc("/Register/north", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key-north", r.Header.Get("API-Key"))
		json.NewEncoder(w).Encode(sessionToken{UToken: "session-1"})
	})
	mux.HandleFunc("/Alarming", func(w http.ResponseWriter, r *http.Request) {
		tokenHeader = r.Header.Get("API-Token")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&alarmBody))
		w.WriteHeader(http.StatusOK)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(t, server.URL)

	err := client.Submit(context.Background(), "north", extract.AlarmData{
		IncidentNumber: "2024-001",
		Keyword:        "Fire 2",
		Street:         "Main Street",
		Pagers: []extract.PagerEntry{
			{Code: "0000007", SubCode: "A"},
			{Code: "0000042", SubCode: "B"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "session-1", tokenHeader, "paging call must carry the exchanged session token")
	assert.Equal(t, "2024-001", alarmBody.IncidentNumber)
	assert.Equal(t, "Fire 2", alarmBody.Keyword)
	require.Len(t, alarmBody.Pagers, 2)
	assert.Equal(t, "0000007", alarmBody.Pagers[0].Code)
	assert.Equal(t, "A", alarmBody.Pagers[0].SubCode)
}

func TestClient_SubmitUnknownSite(t *testing.T) {
	client := newTestClient(t, "http://127.0.0.1:0")

	err := client.Submit(context.Background(), "unknown", extract.AlarmData{})
	assert.ErrorIs(t, err, ErrUnknownSite)
}

func TestClient_TokenExchangeUnauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	err := client.Submit(context.Background(), "north", extract.AlarmData{})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestClient_SubmitVendorError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/Register/north", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(sessionToken{UToken: "session-1"})
	})
	mux.HandleFunc("/Alarming", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "pager gateway down", http.StatusBadGateway)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(t, server.URL)

	err := client.Submit(context.Background(), "north", extract.AlarmData{IncidentNumber: "2024-002"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "pager gateway down", "response body must be part of the error")
}

func TestClient_SubmitBreakerOpensAfterRepeatedFailures(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	for i := 0; i < 6; i++ {
		err := client.Submit(context.Background(), "north", extract.AlarmData{})
		require.Error(t, err)
		require.NotErrorIs(t, err, circuitbreaker.ErrCircuitBreakerOpen)
	}

	err := client.Submit(context.Background(), "north", extract.AlarmData{})
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitBreakerOpen)
	assert.Equal(t, 6, hits, "open breaker must not reach the vendor")
}

func TestClient_CalendarsAndAppointments(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/Register/Administration", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key-calendar", r.Header.Get("API-Key"))
		json.NewEncoder(w).Encode(sessionToken{UToken: "session-2"})
	})
	mux.HandleFunc("/Calendars", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "session-2", r.Header.Get("API-Token"))
		fmt.Fprint(w, `[{"calendarId":3,"calendarName":"Drills","site":"north"}]`)
	})
	mux.HandleFunc("/Appointments/3", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"startDate":"6/14/2024 7:30:00 pm","endDate":"6/14/2024 9:00:00 pm","allDay":false,"subject":"Ladder drill","calendarId":3}]`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(t, server.URL)

	calendars, err := client.Calendars(context.Background())
	require.NoError(t, err)
	require.Len(t, calendars, 1)
	assert.Equal(t, "Drills", calendars[0].Name)
	assert.Equal(t, "north", calendars[0].Site)

	appointments, err := client.Appointments(context.Background(), calendars[0].ID)
	require.NoError(t, err)
	require.Len(t, appointments, 1)
	assert.Equal(t, "Ladder drill", appointments[0].Subject)
	assert.False(t, appointments[0].AllDay)
}
