package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/feedme-io/feedme-ws/feedme"
	"github.com/feedme-io/feedme-ws/internal/config"
)

var (
	flagHost string
	flagPort int
	flagMode string
)

// serveCmd starts the feedme server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the feedme WebSocket server",
	Long: `Start the feedme WebSocket server transport.

Three deployment modes are available via --mode:

  own-listener    the server binds and owns its own net.Listener (default)
  borrowed-http   the server mounts onto a gorilla/mux router this command
                  also owns, alongside a /healthz route
  no-listener     the server exposes HandleUpgrade for an externally-driven
                  upgrade, demonstrated here by the same mux router calling
                  it directly instead of letting the transport mount itself`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagHost, "host", "", "bind host (the transport's own listener, or the demo HTTP host in the other modes)")
	serveCmd.Flags().IntVar(&flagPort, "port", 0, "bind port (the transport's own listener, or the demo HTTP host in the other modes)")
	serveCmd.Flags().StringVar(&flagMode, "mode", "", "own-listener, borrowed-http, or no-listener")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if flagHost != "" {
		cfg.Server.Host = flagHost
	}
	if flagPort != 0 {
		cfg.Server.Port = flagPort
	}
	if flagMode != "" {
		cfg.Server.Mode = flagMode
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	setupLogging(cfg)

	opts := feedme.Options{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		HeartbeatInterval: time.Duration(cfg.Heartbeat.IntervalMS) * time.Millisecond,
		HeartbeatTimeout:  time.Duration(cfg.Heartbeat.TimeoutMS) * time.Millisecond,
	}

	var host *muxHost
	switch cfg.Server.Mode {
	case "own-listener":
		// opts.Port/Host already set; nothing else to wire.
	case "borrowed-http":
		// The mux host binds Host/Port; the transport takes no port of its own.
		host = newMuxHost(cfg.Server.Host, cfg.Server.Port)
		opts.Port = 0
		opts.BorrowedHTTP = host
	case "no-listener":
		host = newMuxHost(cfg.Server.Host, cfg.Server.Port)
		opts.Port = 0
		opts.NoListener = true
	}

	srv, err := feedme.New(opts, feedme.Handlers{
		OnStarting: func() { log.Info().Msg("server starting") },
		OnStart:    func() { log.Info().Str("mode", srvModeName(cfg.Server.Mode)).Msg("server started") },
		OnStopping: func(err error) {
			if err != nil {
				log.Warn().Err(err).Msg("server stopping")
			} else {
				log.Info().Msg("server stopping")
			}
		},
		OnStop: func(err error) {
			if err != nil {
				log.Warn().Err(err).Msg("server stopped")
			} else {
				log.Info().Msg("server stopped")
			}
		},
		OnConnect:    func(clientID string) { log.Debug().Str("client", clientID).Msg("client connected") },
		OnMessage:    func(clientID, msg string) { log.Trace().Str("client", clientID).Msg("message received") },
		OnDisconnect: func(clientID string, err error) { log.Debug().Str("client", clientID).Err(err).Msg("client disconnected") },
	})
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}
	defer srv.Close()

	if host != nil {
		host.mountHealthz(srv)
		if cfg.Server.Mode == "no-listener" {
			host.router.HandleFunc(cfg.Server.MountPath, func(w http.ResponseWriter, r *http.Request) {
				if err := srv.HandleUpgrade(w, r); err != nil {
					http.Error(w, err.Error(), http.StatusServiceUnavailable)
				}
			})
		}
		go host.listenAndServe()
	}

	if cfgFile != "" {
		if watcher, err := config.WatchHeartbeat(cfgFile, srv); err == nil {
			defer watcher.Close()
		} else {
			log.Warn().Err(err).Msg("config hot-reload disabled")
		}
	}

	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info().Msg("received shutdown signal")

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("failed to stop server: %w", err)
	}

	// Borrowed-mode hosts own their HTTP listener's lifecycle; the
	// transport never closes it (spec.md section 4.1), so the CLI does.
	if host != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := host.shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http host shutdown error")
		}
	}

	return nil
}

func srvModeName(m string) string {
	if m == "" {
		return "own-listener"
	}
	return m
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Logging.Format == "console" || verbose {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// muxHost implements feedme.HTTPHost (via wsconn.HTTPHost) on top of
// gorilla/mux and net/http, used for the borrowed-http and no-listener CLI
// demos. In no-listener mode nothing ever mounts it — the command itself
// wires HandleUpgrade onto the router instead — but it still owns the
// surrounding HTTP server and /healthz route so both modes share one demo
// host implementation.
type muxHost struct {
	addr   string
	router *mux.Router
	server *http.Server

	mu         sync.Mutex
	listening  bool
	onListenFn func()
	onStopFn   func(error)
}

func newMuxHost(host string, port int) *muxHost {
	router := mux.NewRouter()
	return &muxHost{
		addr:   fmt.Sprintf("%s:%d", host, port),
		router: router,
		server: &http.Server{Handler: router},
	}
}

// Mount registers the transport's upgrade handler at /ws. server.mount_path
// is not applied here; the command uses it only for the no-listener route.
func (h *muxHost) Mount(handler http.HandlerFunc) {
	h.router.HandleFunc("/ws", handler)
}

func (h *muxHost) mountHealthz(srv *feedme.Server) {
	h.router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"state":  srv.State().String(),
			"clients": srv.ClientCount(),
		})
	})
}

func (h *muxHost) ListeningNow() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.listening
}

func (h *muxHost) OnListening(fn func()) {
	h.mu.Lock()
	h.onListenFn = fn
	listening := h.listening
	h.mu.Unlock()
	if listening && fn != nil {
		go fn()
	}
}

func (h *muxHost) OnStopped(fn func(err error)) {
	h.mu.Lock()
	h.onStopFn = fn
	h.mu.Unlock()
}

func (h *muxHost) listenAndServe() {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		h.mu.Lock()
		fn := h.onStopFn
		h.mu.Unlock()
		if fn != nil {
			fn(err)
		}
		return
	}

	h.mu.Lock()
	h.listening = true
	fn := h.onListenFn
	h.mu.Unlock()
	if fn != nil {
		fn()
	}

	err = h.server.Serve(ln)
	if err == http.ErrServerClosed {
		err = nil
	}

	h.mu.Lock()
	h.listening = false
	stopFn := h.onStopFn
	h.mu.Unlock()
	if stopFn != nil {
		stopFn(err)
	}
}

func (h *muxHost) shutdown(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}
