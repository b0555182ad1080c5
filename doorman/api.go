package doorman

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const (
	apiHealthCheck    = "/health"
	apiPathBuckets    = "/api/buckets"
	apiPathRequests   = "/api/requests"
	apiPathGreetings  = "/api/greetings"
	apiPathMetrics    = "/api/metrics"
	apiDefaultLimit   = 50
	apiMaxListLimit   = 500
	apiShutdownWindow = 5 * time.Second
)

// API serves the read-only status endpoints: live rate limit bucket
// state, the request audit log, and sent greetings.
type API struct {
	config           *APIConfig
	httpServer       *http.Server
	listener         net.Listener
	engine           *gin.Engine
	logger           *slog.Logger
	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
	d                *Doorman
}

func newAPI(d *Doorman, config *APIConfig) (*API, error) {
	setupLogger := slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	api := &API{
		config:         config,
		engine:         r,
		requestMetrics: map[string]int{},
		d:              d,
		logger:         setupLogger.With(loggerNameKey, "api"),
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	api.httpServer = httpServer

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		metricMiddleware(api),
	)
	if len(corsConfig.AllowOrigins) > 0 {
		r.Use(cors.New(corsConfig))
	}

	r.GET(apiHealthCheck, api.healthCheck)
	r.GET(apiPathBuckets, api.getBuckets)
	r.GET(apiPathRequests, api.getRequests)
	r.GET(apiPathGreetings, api.getGreetings)
	r.GET(apiPathMetrics, api.getMetrics)

	return api, nil
}

// Serve listens and serves the status API until the server is shut down.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(
			ctx,
			a.config.ListenNetwork,
			a.config.Listen,
		)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		a.listener = ln
	}
	a.logger.Info("serving status api", "listen", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

// Shutdown gracefully stops the HTTP server.
func (a *API) Shutdown(ctx context.Context) error {
	closeCtx, cancel := context.WithTimeout(ctx, apiShutdownWindow)
	defer cancel()
	return a.httpServer.Shutdown(closeCtx)
}

func (a *API) healthCheck(c *gin.Context) {
	status := gin.H{"status": "ok"}
	if a.d != nil && a.d.discord != nil {
		status["gateway_connected"] = a.d.discord.connected.Load()
	}
	c.JSON(http.StatusOK, status)
}

// getBuckets returns a snapshot of every live rate limit bucket, sorted
// by ID for stable output.
func (a *API) getBuckets(c *gin.Context) {
	states := a.d.limiter.BucketStates()
	sort.Slice(
		states, func(i, j int) bool {
			return states[i].ID < states[j].ID
		},
	)
	c.JSON(http.StatusOK, gin.H{"buckets": states})
}

func (a *API) getRequests(c *gin.Context) {
	var records []RequestRecord
	if err := a.d.db.DB().
		Order("id desc").
		Limit(listLimit(c)).
		Find(&records).Error; err != nil {
		a.logger.Error("error listing requests", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": records})
}

func (a *API) getGreetings(c *gin.Context) {
	var greetings []Greeting
	if err := a.d.db.DB().
		Order("id desc").
		Limit(listLimit(c)).
		Find(&greetings).Error; err != nil {
		a.logger.Error("error listing greetings", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"greetings": greetings})
}

func (a *API) getMetrics(c *gin.Context) {
	a.requestMetricsMu.Lock()
	apiRequests := make(map[string]int, len(a.requestMetrics))
	for k, v := range a.requestMetrics {
		apiRequests[k] = v
	}
	a.requestMetricsMu.Unlock()

	metrics := gin.H{"api_requests": apiRequests}
	if a.d != nil && a.d.discord != nil {
		metrics["gateway_connects"] = a.d.discord.metricConnects.Load()
		metrics["gateway_disconnects"] = a.d.discord.metricDisconnects.Load()
		metrics["greetings_sent"] = a.d.discord.metricGreetings.Load()
	}
	c.JSON(http.StatusOK, metrics)
}

// listLimit parses the 'limit' query parameter, with a sane default and
// ceiling.
func listLimit(c *gin.Context) int {
	raw := c.Query("limit")
	if raw == "" {
		return apiDefaultLimit
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return apiDefaultLimit
	}
	if limit > apiMaxListLimit {
		return apiMaxListLimit
	}
	return limit
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		if requestID, exists := c.Get(xRequestIDHeader); exists {
			c.Header(xRequestIDHeader, requestID.(string))
		}
		c.Next()
	}
}

// ginLoggingMiddleware returns a Gin middleware function for logging
// HTTP requests: method, path, duration, response status and size, and
// any accumulated errors.
func ginLoggingMiddleware(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID, _ := c.Get(xRequestIDHeader)
		requestLogger := log.With(
			slog.Group(
				"request",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"remote_ip", c.RemoteIP(),
				"user_agent", c.Request.UserAgent(),
			),
			slog.Any(xRequestIDHeader, requestID),
		)

		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errors.Join(errs...),
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

// metricMiddleware tracks request counts per method + path.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()
		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		a.requestMetrics[key]++
	}
}
