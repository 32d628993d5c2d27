package routing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parceldrop/dispatch/pkg/models"
)

var testWaypoints = []models.Point{
	{Lon: -4.0244, Lat: 5.3453},
	{Lon: -4.0167, Lat: 5.3600},
	{Lon: -3.9860, Lat: 5.3478},
}

func TestValhallaTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/route", r.URL.Path)

		var req valhallaRouteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Len(t, req.Locations, 3)
		assert.Equal(t, "motor_scooter", req.Costing)
		assert.InDelta(t, 5.3453, req.Locations[0].Lat, 1e-9)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"trip": {
				"status": 0,
				"summary": {"time": 845.2, "length": 6.213},
				"legs": [
					{
						"summary": {"time": 412.0, "length": 2.987},
						"shape": "_sdpA~pfxF??",
						"maneuvers": [
							{"instruction": "Drive north.", "type": 1, "length": 0.5, "time": 60},
							{"instruction": "You have arrived.", "type": 4, "length": 0, "time": 0}
						]
					},
					{
						"summary": {"time": 433.2, "length": 3.226},
						"shape": "a~dpA}qfxF??",
						"maneuvers": []
					}
				]
			}
		}`))
	}))
	defer server.Close()

	client := NewValhallaClient(server.URL, 5*time.Second, 5*time.Second)

	trip, err := client.Trip(context.Background(), testWaypoints, "motor_scooter")
	require.NoError(t, err)
	require.NotNil(t, trip)

	assert.Equal(t, 845, trip.TotalDurationSeconds)
	assert.Equal(t, 6213, trip.TotalDistanceMeters)
	require.Len(t, trip.Legs, 2)
	assert.Equal(t, 412, trip.Legs[0].DurationSeconds)
	assert.Equal(t, 2987, trip.Legs[0].DistanceMeters)
	assert.Equal(t, "_sdpA~pfxF??", trip.Legs[0].Geometry)
	require.Len(t, trip.Legs[0].Maneuvers, 2)
	assert.Equal(t, "Drive north.", trip.Legs[0].Maneuvers[0].Instruction)
	assert.Equal(t, 500, trip.Legs[0].Maneuvers[0].DistanceMeters)
	assert.Empty(t, trip.Legs[1].Maneuvers)
}

func TestValhallaTripTooFewWaypoints(t *testing.T) {
	client := NewValhallaClient("http://localhost:1", time.Second, time.Second)

	trip, err := client.Trip(context.Background(), testWaypoints[:1], "auto")
	assert.Error(t, err)
	assert.Nil(t, trip)
}

func TestValhallaTripNoRoute(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error_code": 442, "error": "No path could be found for input", "status_code": 400}`))
	}))
	defer server.Close()

	client := NewValhallaClient(server.URL, 5*time.Second, 5*time.Second)

	trip, err := client.Trip(context.Background(), testWaypoints, "auto")
	require.NoError(t, err)
	assert.Nil(t, trip)
}

func TestValhallaTripEngineError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error_code": 100, "error": "Failed to parse json request", "status_code": 400}`))
	}))
	defer server.Close()

	client := NewValhallaClient(server.URL, 5*time.Second, 5*time.Second)

	trip, err := client.Trip(context.Background(), testWaypoints, "auto")
	assert.Error(t, err)
	assert.Nil(t, trip)
}

func TestValhallaDirectRoute(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req valhallaRouteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Len(t, req.Locations, 2)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"trip": {
				"summary": {"time": 300.4, "length": 1.5},
				"legs": [{"summary": {"time": 300.4, "length": 1.5}, "shape": "abc"}]
			}
		}`))
	}))
	defer server.Close()

	client := NewValhallaClient(server.URL, 5*time.Second, 5*time.Second)

	route, err := client.DirectRoute(context.Background(), testWaypoints[0], testWaypoints[1], "auto")
	require.NoError(t, err)
	require.NotNil(t, route)

	assert.Equal(t, 300, route.DurationSeconds)
	assert.Equal(t, 1500, route.DistanceMeters)
	assert.Equal(t, "abc", route.Geometry)
}
