package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// LoggerMiddleware creates a middleware for logging requests
func LoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		logger.Info("Incoming request",
			zap.String("path", path),
			zap.String("query", query),
			zap.String("method", c.Request.Method),
			zap.String("client_ip", c.ClientIP()),
			zap.String("user_agent", c.Request.UserAgent()),
		)

		c.Next()

		logger.Info("Request completed",
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

// NewRouter wires every route onto a fresh gin engine.
func NewRouter(log *zap.Logger, h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(log))

	r.GET("/health", h.Health)

	monitor := r.Group("/api/test-monitor")
	{
		monitor.GET("/sandboxes", h.Sandboxes)

		runs := monitor.Group("/runs")
		runs.POST("/start", h.StartRun)
		runs.GET("/active", h.ActiveRun)
		runs.POST("/:runId/stop", h.StopRun)
		runs.POST("/:runId/pause", h.PauseRun)
		runs.POST("/:runId/resume", h.ResumeRun)
		runs.GET("/:runId/events", h.RunEvents)
		runs.GET("/:runId/live", h.LiveResults)
		runs.GET("/:runId/conversations/:testId", h.Conversation)
	}
	return r
}

// RunServer serves h on port until ctx is cancelled, then drains in-flight
// requests. Open event streams end when ctx is cancelled.
func RunServer(ctx context.Context, log *zap.Logger, port string, h *Handler) error {
	log.Info("Starting server")
	gin.SetMode(gin.ReleaseMode)

	srv := &http.Server{
		Addr:        ":" + port,
		Handler:     NewRouter(log, h),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Server starting", zap.String("port", port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		log.Error("Failed to start server", zap.Error(err))
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("Server shutdown incomplete", zap.Error(err))
		return err
	}
	return nil
}
