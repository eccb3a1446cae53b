package talk

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// adminServer exposes the status and metrics endpoints on a separate
// listener so operational traffic never shares a port with chat
// traffic.
type adminServer struct {
	srv  *Server
	addr string
	e    *echo.Echo
}

type statusResponse struct {
	ServerName  string `json:"server_name"`
	Uptime      string `json:"uptime"`
	Connections int    `json:"connections"`
	Users       int    `json:"users"`
	Channels    int    `json:"channels"`
	Overloaded  bool   `json:"overloaded"`
}

func newAdminServer(srv *Server, addr string) *adminServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	a := &adminServer{srv: srv, addr: addr, e: e}
	e.GET("/status", a.status)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{})))
	return a
}

func (a *adminServer) status(c echo.Context) error {
	reg := a.srv.Registry()
	return c.JSON(http.StatusOK, statusResponse{
		ServerName:  a.srv.Config().ServerName,
		Uptime:      a.srv.Uptime().Round(time.Second).String(),
		Connections: reg.ConnectionCount(),
		Users:       reg.UserCount(),
		Channels:    reg.ChannelCount(),
		Overloaded:  a.srv.Overloaded(),
	})
}

func (a *adminServer) Start() error {
	go func() {
		if err := a.e.Start(a.addr); err != nil && err != http.ErrServerClosed {
			log.Printf("[admin] serve error: %v", err)
		}
	}()
	log.Printf("[admin] serving on %s", a.addr)
	return nil
}

func (a *adminServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.e.Shutdown(ctx)
}
