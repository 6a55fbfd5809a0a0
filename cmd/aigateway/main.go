// Command aigateway is the process bootstrap for the gateway core: it
// loads configuration, wires the channel pool, router, retry controller,
// transport pool, health prober, SSH tunnel manager, and the management
// and proxy HTTP listeners, then serves until signaled to stop. It mirrors
// the teacher's cmd/gateway/main.go shape (config.Load, a listening
// *http.Server, signal.NotifyContext-driven shutdown) generalized with
// hot reload and the tunnel manager the expanded scope requires.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/outpostrun/aigateway/internal/api"
	"github.com/outpostrun/aigateway/internal/channel"
	"github.com/outpostrun/aigateway/internal/config"
	"github.com/outpostrun/aigateway/internal/health"
	"github.com/outpostrun/aigateway/internal/logging"
	"github.com/outpostrun/aigateway/internal/metrics"
	"github.com/outpostrun/aigateway/internal/proxy"
	"github.com/outpostrun/aigateway/internal/retry"
	"github.com/outpostrun/aigateway/internal/routing"
	"github.com/outpostrun/aigateway/internal/transport"
	"github.com/outpostrun/aigateway/internal/tunnel"
)

const defaultConfigPath = "./config.yaml"

func main() {
	configPath := flag.String("config", configPathFromEnv(), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, hub := logging.New(cfg.Settings.LogLevel)
	log := logging.WithTag(logger, "main")

	app := newApplication(hub, log)
	app.apply(cfg)

	mgmtSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.UI.Host, cfg.Server.UI.Port),
		Handler: app.api.Router(),
	}
	proxySrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           app.proxy,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Infof("proxy listening on %s", proxySrv.Addr)
		if err := proxySrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("proxy listen: %v", err)
		}
	}()

	if cfg.Server.UI.Enabled {
		go func() {
			log.Infof("management api listening on %s", mgmtSrv.Addr)
			if err := mgmtSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("management api listen: %v", err)
			}
		}()
	}

	reloadRequests := make(chan struct{}, 1)
	go app.watchReload(*configPath, reloadRequests)

	var fileWatcher *config.Watcher
	if cfg.Settings.HotReload {
		fw, err := config.NewWatcher(*configPath, logging.WithTag(logger, "config-watcher"))
		if err != nil {
			log.WithError(err).Warn("config file watch disabled: could not start fsnotify watcher")
		} else {
			fileWatcher = fw
			go fileWatcher.Run(func() {
				select {
				case reloadRequests <- struct{}{}:
				default:
				}
			})
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("shutting down")

	if fileWatcher != nil {
		fileWatcher.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = proxySrv.Shutdown(shutdownCtx)
	_ = mgmtSrv.Shutdown(shutdownCtx)
	app.stop()
}

func configPathFromEnv() string {
	if v := os.Getenv("TUNNEL_CONFIG"); v != "" {
		return v
	}
	if v := os.Getenv("AI_TUNNEL_CONFIG"); v != "" {
		return v
	}
	return defaultConfigPath
}

// application holds the long-lived dependencies (hub, metrics, prober,
// transports) that survive a hot reload, plus the reload-replaceable
// channel map, router table, retry controller, and tunnel manager.
type application struct {
	hub        *logging.Hub
	log        *logrus.Entry
	metricsReg *metrics.Registry
	transports *transport.Registry
	prober     *health.Prober
	proxy      *proxy.Proxy
	api        *api.Server
	tunnelMgr  *tunnel.Manager
}

func newApplication(hub *logging.Hub, log *logrus.Entry) *application {
	metricsReg := metrics.NewRegistry()
	return &application{
		hub:        hub,
		log:        log,
		metricsReg: metricsReg,
		transports: transport.NewRegistry(),
		prober:     health.New(hub, metricsReg, logging.WithTag(log.Logger, "health")),
	}
}

// apply builds the channel map, router table, and retry controller from
// cfg and either constructs the proxy/api servers (first call) or hot-swaps
// their dependencies in place (subsequent calls from watchReload).
func (a *application) apply(cfg *config.Config) {
	channels := make(map[string]*channel.Channel, len(cfg.Channels))
	for _, chCfg := range cfg.Channels {
		ch := channel.New(chCfg)
		channels[chCfg.Name] = ch
		a.prober.Watch(ch)
	}

	table := routing.New(cfg.Routes, channels)
	rc := retry.New(cfg.Settings.Retry)

	if a.proxy == nil {
		a.proxy = proxy.New(table, rc, a.transports, a.hub, logging.WithTag(a.log.Logger, "proxy"), a.metricsReg)
	} else {
		a.proxy.Reload(table, rc)
	}

	if a.api == nil {
		a.api = api.New(channels, cfg.UIAuthToken, a.hub, a.metricsReg, logging.WithTag(a.log.Logger, "api"))
	} else {
		a.api.SetChannels(channels)
	}

	a.applyTunnel(cfg)
}

// applyTunnel (re)builds the SSH tunnel manager from cfg.SSH and the set of
// channels advertising tunnel.enabled. A reload that drops SSH config or
// all tunnel advertisements tears down any running manager; a reload that
// changes ssh/forwards tears down the old manager and starts a fresh one,
// since golang.org/x/crypto/ssh offers no way to retarget a live session.
func (a *application) applyTunnel(cfg *config.Config) {
	if a.tunnelMgr != nil {
		a.tunnelMgr.Shutdown()
		a.tunnelMgr = nil
	}
	if cfg.SSH == nil {
		return
	}

	var forwards []tunnel.Forward
	for _, chCfg := range cfg.Channels {
		if chCfg.Tunnel != nil && chCfg.Tunnel.Enabled {
			forwards = append(forwards, tunnel.Forward{
				RemotePort: chCfg.Tunnel.RemotePort,
				LocalPort:  chCfg.Tunnel.LocalPort,
			})
		}
	}
	if len(forwards) == 0 {
		return
	}

	mgr := tunnel.New(*cfg.SSH, forwards, cfg.Settings.ReconnectInterval, logging.WithTag(a.log.Logger, "tunnel"))
	if err := mgr.Start(); err != nil {
		a.log.WithError(err).Warn("tunnel: initial connection failed, will retry in background")
	}
	a.tunnelMgr = mgr
}

// watchReload re-applies the config file each time a reload is requested,
// either by the management API's config_reload_request event (POST
// /api/config/reload) or by the fsnotify-backed file watcher started in
// main when hotReload is enabled; both feed the same reloads channel. Per
// spec.md §7 a config-invalid reload logs and keeps the previous
// configuration running rather than tearing anything down.
func (a *application) watchReload(configPath string, reloads chan struct{}) {
	unsubscribe := a.hub.Subscribe("config_reload_request", func(topic string, rec logging.Record) {
		select {
		case reloads <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	for range reloads {
		cfg, err := config.Load(configPath)
		if err != nil {
			a.log.WithError(err).Warn("config reload failed, keeping previous configuration")
			continue
		}
		a.apply(cfg)
		a.log.Info("config reloaded")
	}
}

func (a *application) stop() {
	a.prober.Stop()
	if a.tunnelMgr != nil {
		a.tunnelMgr.Shutdown()
	}
}
