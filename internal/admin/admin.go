// Package admin serves the HTTP operator surface of a Node or Station.
package admin

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/relaynet/internal/auth"
	"github.com/danmuck/relaynet/internal/observability"
	"github.com/danmuck/relaynet/internal/protocol"
	"github.com/danmuck/relaynet/internal/protocol/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Source is what every component exposes to the admin surface.
type Source interface {
	ID() string
	Kind() string
	Pending() []session.Pending
}

// SendFunc injects one message from an operator request.
type SendFunc func(to, key string, value []byte, flags protocol.Flags) error

type Options struct {
	// Status, Routes and Send are optional; a nil func disables its endpoint.
	Status      func() any
	Routes      func() any
	Send        SendFunc
	CORSOrigins []string
	// Auth, when set, guards POST /messages with a bearer token.
	Auth auth.Validator
}

type pendingView struct {
	Link          string    `json:"link"`
	ID            uint64    `json:"id"`
	To            string    `json:"to"`
	Key           string    `json:"key"`
	TTL           uint32    `json:"ttl"`
	Retries       int       `json:"retries"`
	QueuedAt      time.Time `json:"queued_at"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastError     string    `json:"last_error,omitempty"`
}

type sendRequest struct {
	To        string `json:"to"`
	Key       string `json:"key" binding:"required"`
	Value     string `json:"value"`
	NoConfirm bool   `json:"no_confirm"`
	Quiet     bool   `json:"quiet"`
}

func NewRouter(src Source, opts Options, log zerolog.Logger) *gin.Engine {
	observability.RegisterMetrics()
	appeared := time.Now()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.AdminRequests(log, src.ID()))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(opts.CORSOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"id":     src.ID(),
			"kind":   src.Kind(),
			"uptime": time.Since(appeared).String(),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/outbox", func(c *gin.Context) {
		pending := src.Pending()
		out := make([]pendingView, 0, len(pending))
		for _, p := range pending {
			out = append(out, pendingView{
				Link:          p.Link,
				ID:            p.Message.ID,
				To:            p.Message.To,
				Key:           p.Message.Key,
				TTL:           p.Message.TTL,
				Retries:       p.Retries,
				QueuedAt:      p.QueuedAt,
				NextAttemptAt: p.NextAttemptAt,
				LastError:     p.LastError,
			})
		}
		c.JSON(http.StatusOK, gin.H{"pending": out})
	})

	if opts.Status != nil {
		r.GET("/status", func(c *gin.Context) {
			c.JSON(http.StatusOK, opts.Status())
		})
	}
	if opts.Routes != nil {
		r.GET("/routes", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"routes": opts.Routes()})
		})
	}
	if opts.Send != nil {
		r.POST("/messages", requireToken(opts.Auth), func(c *gin.Context) {
			var req sendRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			var flags protocol.Flags
			if req.NoConfirm {
				flags |= protocol.FlagNoConfirm
			}
			if req.Quiet {
				flags |= protocol.FlagQuiet
			}
			if err := opts.Send(strings.TrimSpace(req.To), req.Key, []byte(req.Value), flags); err != nil {
				c.JSON(sendStatus(err), gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
		})
	}
	return r
}

func requireToken(v auth.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v == nil {
			c.Next()
			return
		}
		token, ok := auth.BearerToken(c.GetHeader("Authorization"))
		if !ok || v.Validate(token) != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": auth.ErrUnauthorized.Error()})
			return
		}
		c.Next()
	}
}

func sendStatus(err error) int {
	switch {
	case errors.Is(err, protocol.ErrUnknownRoute):
		return http.StatusNotFound
	case errors.Is(err, protocol.ErrMalformedMessage):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

// Serve runs handler on addr until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, log zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("admin listening")
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
