// Command outboundserver accepts per-call Event Socket connections from
// FreeSWITCH and drives each call through its fetched call-flow document.
package main

import (
	"flag"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"fs-bridge/internal/cache"
	"fs-bridge/internal/callflow"
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
	_, _, outbound, _, logging := cfg.Snapshot()
	logger.Setup(logger.Options(logging))
	log := logger.Component("outboundserver")

	if err := service.WritePidfile(*pidfile); err != nil {
		log.WithError(err).Fatal("startup failed")
	}
	defer service.RemovePidfile(*pidfile)

	// The cache handle is swapped on reload; sessions pick up the current
	// one when they start.
	var mu sync.RWMutex
	var rc *cache.ResourceCache
	var web *webhook.Client
	var sessCfg callflow.Config

	apply := func() error {
		common, _, _, cacheCfg, _ := cfg.Snapshot()
		var next *cache.ResourceCache
		if cacheCfg.Enabled {
			c, err := cache.New(cacheCfg.RedisAddr, cacheCfg.RedisDB, cacheCfg.Path, logger.Component("cache"))
			if err != nil {
				return err
			}
			next = c
		}
		mu.Lock()
		rc = next
		web = webhook.NewClient(common.AuthID, common.AuthToken, logger.Component("webhook"))
		sessCfg = callflow.Config{
			DefaultAnswerURL:  common.DefaultAnswerURL,
			DefaultHangupURL:  common.DefaultHangupURL,
			DefaultHTTPMethod: common.DefaultHTTPMethod,
			ExtraFSVars:       common.ExtraFSVars,
		}
		mu.Unlock()
		return nil
	}
	if err := apply(); err != nil {
		log.WithError(err).Fatal("startup failed")
	}

	handler := func(sess *eventsocket.Session) {
		mu.RLock()
		w, c, sc := web, rc, sessCfg
		mu.RUnlock()
		callflow.NewCallSession(sess, w, c, sc, logger.Component("callflow")).Run()
	}

	srv := eventsocket.NewServer(outbound.Address, handler, logger.Component("eventsocket"))
	go func() {
		log.WithField("addr", outbound.Address).Info("outbound server listening")
		if err := srv.ListenAndServe(); err != nil {
			log.WithError(err).Fatal("outbound server failed")
		}
	}()

	sigCh := service.Signals()
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			if err := cfg.Reload(); err != nil {
				log.WithError(err).Error("reload failed")
				continue
			}
			_, _, _, _, logging := cfg.Snapshot()
			logger.Setup(logger.Options(logging))
			if err := apply(); err != nil {
				log.WithError(err).Error("reload failed")
			} else {
				log.Info("configuration reloaded")
			}
			continue
		}
		log.WithField("signal", sig.String()).Info("shutting down")
		break
	}

	srv.Stop(30 * time.Second)
	log.Info("outbound server stopped")
}
