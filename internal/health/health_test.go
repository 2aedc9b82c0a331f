package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"possum/internal/detector"
	"possum/internal/detector/detectortest"
)

func TestDetectorCheck(t *testing.T) {
	tests := []struct {
		name      string
		enabled   bool
		available bool
		want      Status
	}{
		{"available", true, true, StatusHealthy},
		{"enabled but unavailable", true, false, StatusDegraded},
		{"disabled", false, false, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := detectortest.NewFakeDetector("pos-1", detector.Position)
			d.Set(tt.enabled, tt.available)

			res := DetectorCheck(d)(context.Background())
			assert.Equal(t, tt.want, res.Status)
			assert.Equal(t, "pos-1", res.Details["id"])
			assert.Equal(t, "Position", res.Details["type"])
		})
	}
}

func TestOverallStatusFollowsDetectors(t *testing.T) {
	c := NewChecker()
	pos := detectortest.NewFakeDetector("pos", detector.Position)
	sat := detectortest.NewFakeDetector("sat", detector.GpsStatus)
	c.RegisterDetector(pos)
	c.RegisterDetector(sat)

	c.Check(context.Background())
	assert.Equal(t, StatusHealthy, c.OverallStatus())

	sat.Set(true, false)
	c.Check(context.Background())
	assert.Equal(t, StatusDegraded, c.OverallStatus())

	// Detectors are not critical, so a disabled one only degrades.
	pos.Set(false, false)
	c.Check(context.Background())
	assert.Equal(t, StatusDegraded, c.OverallStatus())

	res, ok := c.GetResult("Position")
	require.True(t, ok)
	assert.Equal(t, StatusUnhealthy, res.Status)
}

func TestCriticalStoreCheck(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("store", true, DatabaseCheck(func(context.Context) error {
		return errors.New("database is locked")
	}))

	results := c.Check(context.Background())
	assert.Equal(t, "database is locked", results["store"].Error)
	assert.Equal(t, StatusUnhealthy, c.OverallStatus())
}

func TestCheckRecoversPanics(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("boom", false, func(context.Context) CheckResult { panic("bad check") })

	results := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, results["boom"].Status)
	assert.Equal(t, "bad check", results["boom"].Error)
}

func TestCheckComponent(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("store", true, CustomCheck(func() error { return nil }))
	c.RegisterFunc("boom", false, func(context.Context) CheckResult { panic("bad check") })

	res, ok := c.CheckComponent(context.Background(), "store")
	require.True(t, ok)
	assert.Equal(t, StatusHealthy, res.Status)
	stored, ok := c.GetResult("store")
	require.True(t, ok)
	assert.Equal(t, StatusHealthy, stored.Status)

	res, ok = c.CheckComponent(context.Background(), "boom")
	require.True(t, ok)
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Equal(t, "bad check", res.Error)

	_, ok = c.CheckComponent(context.Background(), "missing")
	assert.False(t, ok)
}

func TestCheckComponentTimeout(t *testing.T) {
	c := NewChecker()
	c.Register(&Component{
		Name:    "slow",
		Timeout: 10 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(5 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		},
	})

	res, ok := c.CheckComponent(context.Background(), "slow")
	require.True(t, ok)
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Equal(t, "check timed out", res.Message)
}

func TestUnknownUntilChecked(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("store", true, CustomCheck(func() error { return nil }))
	assert.Equal(t, StatusUnknown, c.OverallStatus())

	c.Check(context.Background())
	assert.Equal(t, StatusHealthy, c.OverallStatus())
}

func TestHealthHandler(t *testing.T) {
	c := NewChecker()
	c.SetReady(true)
	d := detectortest.NewFakeDetector("pos", detector.Position)
	c.RegisterDetector(d)

	rec := httptest.NewRecorder()
	c.HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health?full=true", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.True(t, resp.Ready)
	assert.Contains(t, resp.Components, "Position")
}

func TestReadinessHandler(t *testing.T) {
	c := NewChecker()

	rec := httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	c.SetReady(true)
	rec = httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
