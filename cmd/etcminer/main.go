// Copyright (c) 2021-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/etcsuite/etcminer/internal/pool"
)

// realMain is the real main function for etcminer.  It is necessary to work
// around the fact that deferred functions do not run when os.Exit() is
// called.
func realMain() error {
	// Load configuration and parse command line.  This also initializes
	// logging and configures it accordingly.
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	runtime.GOMAXPROCS(cfg.MaxProcs)

	log.Infof("Version: %s", version())
	log.Infof("Runtime: Go version %s", runtime.Version())
	log.Infof("Home dir: %s", cfg.HomeDir)

	farm := new(localFarm)
	mgr, err := pool.NewManager(&pool.ManagerConfig{
		Endpoints:       cfg.endpoints,
		Farm:            farm,
		MaxRetries:      cfg.FarmRetries,
		UserAgent:       cfg.UserAgent,
		Email:           cfg.Email,
		SubmitHashrate:  cfg.ReportHashrate,
		ConnectTimeout:  timeoutSeconds(cfg.ConnectTimeout),
		WorkTimeout:     timeoutSeconds(cfg.WorkTimeout),
		ResponseTimeout: timeoutSeconds(cfg.ResponseTimeout),
		RecheckPeriod:   time.Duration(cfg.FarmRecheck) * time.Millisecond,
		Proxy:           cfg.Proxy,
		ProxyUser:       cfg.ProxyUser,
		ProxyPass:       cfg.ProxyPass,
	})
	if err != nil {
		return err
	}

	ctx, cancel := shutdownListener()
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		mgr.Run(gctx)
		return nil
	})

	if cfg.Profile != "" {
		g.Go(func() error {
			log.Infof("Starting profile server on %s", cfg.Profile)
			server := &http.Server{Addr: cfg.Profile}
			go func() {
				<-gctx.Done()
				server.Close()
			}()
			err := server.ListenAndServe()
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Error(err)
		return err
	}

	accepted, rejected, stales := mgr.ShareCounts()
	log.Infof("Shares: %d accepted (%d stale), %d rejected", accepted,
		stales, rejected)
	return nil
}

func main() {
	if err := realMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
