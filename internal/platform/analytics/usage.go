// Package analytics keeps in-memory API usage statistics: request counts,
// error rates and latency per route and per user.
package analytics

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/retinaview/retinaview/internal/platform/auth"
)

// RequestMetric captures a single API request.
type RequestMetric struct {
	Timestamp  time.Time     `json:"timestamp"`
	Method     string        `json:"method"`
	Route      string        `json:"route"`
	StatusCode int           `json:"status_code"`
	Duration   time.Duration `json:"duration"`
	User       string        `json:"user,omitempty"`
}

type counters struct {
	requests int64
	errors   int64
	duration time.Duration
}

func (c *counters) add(m *RequestMetric) {
	c.requests++
	if m.StatusCode >= 400 {
		c.errors++
	}
	c.duration += m.Duration
}

func (c *counters) avg() time.Duration {
	if c.requests == 0 {
		return 0
	}
	return c.duration / time.Duration(c.requests)
}

// EndpointSummary aggregates one "METHOD route" pair.
type EndpointSummary struct {
	Endpoint      string        `json:"endpoint"`
	TotalRequests int64         `json:"total_requests"`
	TotalErrors   int64         `json:"total_errors"`
	AvgLatency    time.Duration `json:"avg_latency"`
	P95Latency    time.Duration `json:"p95_latency"`
	StatusCounts  map[int]int64 `json:"status_counts"`
}

type UserSummary struct {
	User          string    `json:"user"`
	TotalRequests int64     `json:"total_requests"`
	TotalErrors   int64     `json:"total_errors"`
	LastRequestAt time.Time `json:"last_request_at"`
}

type UsageOverview struct {
	TotalRequests   int64              `json:"total_requests"`
	TotalErrors     int64              `json:"total_errors"`
	ErrorRate       float64            `json:"error_rate"`
	AvgLatency      time.Duration      `json:"avg_latency"`
	UniqueUsers     int                `json:"unique_users"`
	UniqueEndpoints int                `json:"unique_endpoints"`
	TopEndpoints    []*EndpointSummary `json:"top_endpoints"`
}

// TimeSeriesBucket holds the requests that started within one interval.
type TimeSeriesBucket struct {
	Timestamp    time.Time `json:"timestamp"`
	RequestCount int64     `json:"request_count"`
	ErrorCount   int64     `json:"error_count"`
}

type endpointStats struct {
	counters
	status map[int]int64
}

type userStats struct {
	counters
	last time.Time
}

// UsageTracker aggregates request metrics. Totals are kept forever; the
// raw metrics used for percentiles and time series live in a ring buffer.
type UsageTracker struct {
	mu        sync.RWMutex
	ring      []*RequestMetric
	max       int
	next      int
	total     counters
	endpoints map[string]*endpointStats
	users     map[string]*userStats
	now       func() time.Time
}

// NewUsageTracker creates a tracker keeping at most maxMetrics raw metrics.
func NewUsageTracker(maxMetrics int) *UsageTracker {
	if maxMetrics <= 0 {
		maxMetrics = 10000
	}
	return &UsageTracker{
		ring:      make([]*RequestMetric, 0, maxMetrics),
		max:       maxMetrics,
		endpoints: make(map[string]*endpointStats),
		users:     make(map[string]*userStats),
		now:       time.Now,
	}
}

func endpointKey(method, route string) string {
	return method + " " + route
}

// Record adds one metric.
func (ut *UsageTracker) Record(m *RequestMetric) {
	ut.mu.Lock()
	defer ut.mu.Unlock()

	if len(ut.ring) < ut.max {
		ut.ring = append(ut.ring, m)
	} else {
		ut.ring[ut.next] = m
	}
	ut.next = (ut.next + 1) % ut.max

	ut.total.add(m)

	key := endpointKey(m.Method, m.Route)
	ep, ok := ut.endpoints[key]
	if !ok {
		ep = &endpointStats{status: make(map[int]int64)}
		ut.endpoints[key] = ep
	}
	ep.add(m)
	ep.status[m.StatusCode]++

	if m.User != "" {
		us, ok := ut.users[m.User]
		if !ok {
			us = &userStats{}
			ut.users[m.User] = us
		}
		us.add(m)
		if m.Timestamp.After(us.last) {
			us.last = m.Timestamp
		}
	}
}

// Overview returns totals plus the five busiest endpoints.
func (ut *UsageTracker) Overview() *UsageOverview {
	ut.mu.RLock()
	defer ut.mu.RUnlock()

	o := &UsageOverview{
		TotalRequests:   ut.total.requests,
		TotalErrors:     ut.total.errors,
		AvgLatency:      ut.total.avg(),
		UniqueUsers:     len(ut.users),
		UniqueEndpoints: len(ut.endpoints),
		TopEndpoints:    ut.topEndpointsLocked(5),
	}
	if o.TotalRequests > 0 {
		o.ErrorRate = float64(o.TotalErrors) / float64(o.TotalRequests)
	}
	return o
}

// TopEndpoints returns up to limit endpoints, busiest first. Ties are
// broken by name so the order is stable.
func (ut *UsageTracker) TopEndpoints(limit int) []*EndpointSummary {
	ut.mu.RLock()
	defer ut.mu.RUnlock()
	return ut.topEndpointsLocked(limit)
}

func (ut *UsageTracker) topEndpointsLocked(limit int) []*EndpointSummary {
	out := make([]*EndpointSummary, 0, len(ut.endpoints))
	for key, ep := range ut.endpoints {
		status := make(map[int]int64, len(ep.status))
		for k, v := range ep.status {
			status[k] = v
		}
		out = append(out, &EndpointSummary{
			Endpoint:      key,
			TotalRequests: ep.requests,
			TotalErrors:   ep.errors,
			AvgLatency:    ep.avg(),
			P95Latency:    ut.p95Locked(key),
			StatusCounts:  status,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalRequests != out[j].TotalRequests {
			return out[i].TotalRequests > out[j].TotalRequests
		}
		return out[i].Endpoint < out[j].Endpoint
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (ut *UsageTracker) p95Locked(key string) time.Duration {
	var durations []time.Duration
	for _, m := range ut.ring {
		if endpointKey(m.Method, m.Route) == key {
			durations = append(durations, m.Duration)
		}
	}
	if len(durations) == 0 {
		return 0
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	idx := int(float64(len(durations))*0.95+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(durations) {
		idx = len(durations) - 1
	}
	return durations[idx]
}

// Users returns per-user totals sorted by username.
func (ut *UsageTracker) Users() []*UserSummary {
	ut.mu.RLock()
	defer ut.mu.RUnlock()

	out := make([]*UserSummary, 0, len(ut.users))
	for name, us := range ut.users {
		out = append(out, &UserSummary{
			User:          name,
			TotalRequests: us.requests,
			TotalErrors:   us.errors,
			LastRequestAt: us.last,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User < out[j].User })
	return out
}

// TimeSeries buckets the buffered metrics from the last lookback by
// interval, oldest bucket first.
func (ut *UsageTracker) TimeSeries(interval, lookback time.Duration) []*TimeSeriesBucket {
	if interval <= 0 || lookback <= 0 {
		return nil
	}
	end := ut.now().Truncate(interval).Add(interval)
	start := end.Add(-lookback).Truncate(interval)
	n := int(end.Sub(start) / interval)

	buckets := make([]*TimeSeriesBucket, n)
	for i := range buckets {
		buckets[i] = &TimeSeriesBucket{Timestamp: start.Add(time.Duration(i) * interval)}
	}

	ut.mu.RLock()
	defer ut.mu.RUnlock()
	for _, m := range ut.ring {
		if m.Timestamp.Before(start) || !m.Timestamp.Before(end) {
			continue
		}
		b := buckets[int(m.Timestamp.Sub(start)/interval)]
		b.RequestCount++
		if m.StatusCode >= 400 {
			b.ErrorCount++
		}
	}
	return buckets
}

// UsageMiddleware records every request into tracker. Routes are recorded
// by their template (/api/v1/patients/:id) so patient ids do not multiply
// the endpoint table.
func UsageMiddleware(tracker *UsageTracker) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok && !c.Response().Committed {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			tracker.Record(&RequestMetric{
				Timestamp:  start,
				Method:     c.Request().Method,
				Route:      route,
				StatusCode: status,
				Duration:   time.Since(start),
				User:       auth.UserIDFromContext(c.Request().Context()),
			})
			return err
		}
	}
}

// UsageHandler serves the usage statistics.
type UsageHandler struct {
	tracker *UsageTracker
}

func NewUsageHandler(tracker *UsageTracker) *UsageHandler {
	return &UsageHandler{tracker: tracker}
}

func (h *UsageHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/usage", h.HandleOverview)
	g.GET("/usage/endpoints", h.HandleTopEndpoints)
	g.GET("/usage/users", h.HandleUsers)
	g.GET("/usage/timeseries", h.HandleTimeSeries)
}

func (h *UsageHandler) HandleOverview(c echo.Context) error {
	return c.JSON(http.StatusOK, h.tracker.Overview())
}

func (h *UsageHandler) HandleTopEndpoints(c echo.Context) error {
	limit := 20
	if l := c.QueryParam("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	return c.JSON(http.StatusOK, h.tracker.TopEndpoints(limit))
}

func (h *UsageHandler) HandleUsers(c echo.Context) error {
	return c.JSON(http.StatusOK, h.tracker.Users())
}

func (h *UsageHandler) HandleTimeSeries(c echo.Context) error {
	interval := parseDurationParam(c.QueryParam("interval"), time.Minute)
	lookback := parseDurationParam(c.QueryParam("duration"), time.Hour)
	if lookback/interval > 10000 {
		return echo.NewHTTPError(http.StatusBadRequest, "too many buckets; widen interval or shorten duration")
	}
	return c.JSON(http.StatusOK, h.tracker.TimeSeries(interval, lookback))
}

// parseDurationParam accepts time.ParseDuration syntax plus a "d" suffix
// for days. Invalid or non-positive values fall back to def.
func parseDurationParam(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		if n, err := strconv.Atoi(days); err == nil && n > 0 {
			return time.Duration(n) * 24 * time.Hour
		}
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
