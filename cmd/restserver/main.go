// Command restserver exposes the HTTP call-control API and keeps the inbound
// Event Socket connection to FreeSWITCH alive.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	"fs-bridge/internal/bridge"
	"fs-bridge/internal/config"
	"fs-bridge/internal/eventsocket"
	"fs-bridge/internal/service"
	"fs-bridge/internal/webhook"
	"fs-bridge/pkg/logger"
)

func main() {
	var (
		configPath = flag.String("c", "/etc/fs-bridge/fs-bridge.conf", "configuration file")
		pidfile    = flag.String("p", "", "pidfile path")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	common, rest, _, _, logging := cfg.Snapshot()
	logger.Setup(logger.Options(logging))
	log := logger.Component("restserver")

	if err := service.WritePidfile(*pidfile); err != nil {
		log.WithError(err).Fatal("startup failed")
	}
	defer service.RemovePidfile(*pidfile)

	web := webhook.NewClient(common.AuthID, common.AuthToken, logger.Component("webhook"))

	client := eventsocket.NewInbound(eventsocket.InboundOptions{
		Addr:           fmt.Sprintf("%s:%d", common.FSHost, common.FSPort),
		Password:       common.FSPassword,
		Filter:         bridge.EventFilter,
		ConnectTimeout: time.Duration(common.ConnectTimeout) * time.Second,
	}, logger.Component("eventsocket"))

	mgr := bridge.NewManager(client, web, common.OutboundAddress, common.DefaultHTTPMethod, logger.Component("bridge"))

	reconn := &eventsocket.Reconnector{
		Client: client,
		OnConnect: func() {
			log.Info("connected to freeswitch")
		},
	}
	go reconn.Run()

	reload := func() error {
		if err := cfg.Reload(); err != nil {
			return err
		}
		_, _, _, _, logging := cfg.Snapshot()
		logger.Setup(logger.Options(logging))
		log.Info("configuration reloaded")
		return nil
	}

	api := bridge.NewAPI(mgr, reload, logger.Component("api"))
	srv := &http.Server{
		Addr:         rest.Address,
		Handler:      api.Router(common.AuthID, common.AuthToken, common.AllowedIPs),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithField("addr", rest.Address).Info("rest server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("rest server failed")
		}
	}()

	sigCh := service.Signals()
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			if err := reload(); err != nil {
				log.WithError(err).Error("reload failed")
			}
			continue
		}
		log.WithField("signal", sig.String()).Info("shutting down")
		break
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("shutdown error")
	}
	reconn.Stop()
	log.Info("rest server stopped")
}
