package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DapperDuckling/oauth-monitor/internal/config"
	"github.com/DapperDuckling/oauth-monitor/internal/events"
	"github.com/DapperDuckling/oauth-monitor/internal/metrics"
	"github.com/DapperDuckling/oauth-monitor/internal/mock"
	"github.com/DapperDuckling/oauth-monitor/internal/monitor"
	"github.com/DapperDuckling/oauth-monitor/internal/projection"
	"github.com/DapperDuckling/oauth-monitor/internal/store"
	"github.com/DapperDuckling/oauth-monitor/internal/ws"
)

const (
	broadcastThrottle = 50 * time.Millisecond
	maxViewers        = 32
)

func main() {
	mockMode := flag.Bool("mock", false, "Run an in-process fake auth server as the API origin")
	configPath := flag.String("config", "omon.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *mockMode {
		origin, err := startMock(ctx, cfg.Client.RoutePaths)
		if err != nil {
			log.Fatalf("Failed to start mock auth server: %v", err)
		}
		log.Printf("Starting in mock mode, auth server at %s", origin)
		cfg.Client.APIServerOrigin = origin
		if err := cfg.Client.Validate(); err != nil {
			log.Fatalf("Invalid mock origin: %v", err)
		}
	}

	st, err := store.NewFileStore(cfg.Store.Dir, cfg.Store.Key, nil)
	if err != nil {
		log.Fatalf("Failed to open status store: %v", err)
	}
	defer st.Close()
	log.Printf("Sharing status through %s", st.Path())

	binder := projection.NewBinder(projection.BinderOptions{
		DeferredStart:     cfg.UI.DeferredStart,
		LengthyLoginAfter: cfg.UI.LengthyLoginAfter,
	})
	defer binder.Close()

	broadcaster := ws.NewBroadcaster(ws.BinderSnapshot(binder), broadcastThrottle, maxViewers, nil)

	var registry monitor.Registry
	mon, err := registry.Instance(cfg.Client, monitor.Deps{
		Store:     st,
		Navigator: monitor.Navigators{broadcaster, &monitor.BrowserNavigator{Logger: log.Default()}},
	})
	if err != nil {
		log.Fatalf("Failed to create monitor: %v", err)
	}
	defer mon.Destroy()

	m := metrics.New()
	binder.Bind(mon.Bus())
	mon.AddEventListener(events.Any, m)
	mon.AddEventListener(events.Any, broadcaster)

	server := ws.NewServer(ws.Options{
		Controller:     mon,
		Binder:         binder,
		Broadcaster:    broadcaster,
		Metrics:        m.Handler(),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AuthToken:      cfg.Server.AuthToken,
	})
	defer server.Close()

	httpServer := ws.NewHTTPServer(cfg.Server.Host, cfg.Server.Port, server.Handler())

	if !cfg.UI.DeferredStart {
		mon.Start()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		mon.Destroy()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("Server listening on %s (monitor %s)", httpServer.Addr, mon.ID())
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server error: %v", err)
	}
}

// startMock serves the fake auth server on a loopback port and returns its
// origin.
func startMock(ctx context.Context, routes config.RoutePaths) (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	srv := mock.NewServer(routes, log.Default())
	srv.Start(ctx)
	go func() {
		if err := http.Serve(ln, srv.Handler()); err != nil {
			log.Printf("mock auth server stopped: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	return "http://" + ln.Addr().String(), nil
}
