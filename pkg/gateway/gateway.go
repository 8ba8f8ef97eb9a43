// Package gateway is the channel surface: WebSocket connections, channel
// webhooks, and per-channel rendering. Every intake shape converges on the
// same normalized inbound tuple before reaching the orchestrator.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/convogrid/convogrid/pkg/rpc"
	"github.com/convogrid/convogrid/pkg/version"
)

// HealthCheck probes one dependency. A nil error means healthy.
type HealthCheck func(ctx context.Context) error

// Gateway owns the HTTP surface.
type Gateway struct {
	handler     Handler
	manager     *ConnectionManager
	asr         rpc.ASR
	verifyToken string
	checks      map[string]HealthCheck
	router      *gin.Engine
}

// New builds the gateway and its routes. checks are probed by /healthz.
func New(handler Handler, manager *ConnectionManager, asr rpc.ASR, verifyToken string, checks map[string]HealthCheck) *Gateway {
	g := &Gateway{
		handler:     handler,
		manager:     manager,
		asr:         asr,
		verifyToken: verifyToken,
		checks:      checks,
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", g.healthz)
	router.GET("/ws", g.ws)
	router.GET("/webhook/whatsapp", g.verifyWhatsApp)
	router.POST("/webhook/whatsapp", g.whatsAppWebhook)
	router.POST("/webhook/telegram", g.telegramWebhook)

	g.router = router
	return g
}

// Router exposes the handler tree for the HTTP server and tests.
func (g *Gateway) Router() http.Handler { return g.router }

// Serve runs the HTTP server until ctx is cancelled, then drains.
func (g *Gateway) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           g.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (g *Gateway) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := gin.H{}
	for name, check := range g.checks {
		if err := check(ctx); err != nil {
			deps[name] = gin.H{"healthy": false, "error": err.Error()}
			status = http.StatusServiceUnavailable
		} else {
			deps[name] = gin.H{"healthy": true}
		}
	}

	body := gin.H{"status": "healthy", "version": version.Full(), "dependencies": deps}
	if g.manager != nil {
		body["websocket_connections"] = g.manager.ActiveConnections()
	}
	if status != http.StatusOK {
		body["status"] = "unhealthy"
	}
	c.JSON(status, body)
}

// ws upgrades to WebSocket and hands the connection to the manager. Blocks
// for the connection's lifetime.
func (g *Gateway) ws(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		// TODO: replace with an origin allowlist from config before exposing
		// the endpoint beyond the reverse proxy.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	g.manager.HandleConnection(c.Request.Context(), conn, c.Query("sessionId"))
}
