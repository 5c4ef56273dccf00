package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"yogi-branch/internal/yogi/branch"
	"yogi-branch/internal/yogi/branchinfo"
	"yogi-branch/internal/yogi/introspect"
	"yogi-branch/pkg/config"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "run a branch until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, _ := cmd.Flags().GetString("env")
			return runBranch(env)
		},
	}
}

func newLogger(level string) *logrus.Entry {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	log.SetLevel(parsed)
	return logrus.NewEntry(log)
}

func runBranch(env string) error {
	cfg, err := config.Load(env)
	if err != nil {
		return err
	}
	rc, err := resolve(cfg)
	if err != nil {
		return err
	}

	log := newLogger(cfg.Logging.Level)
	metrics := introspect.NewMetrics()

	var mgr *branch.Manager
	onSessionChanged := func(err error, conn *branch.Connection) {
		if err != nil {
			log.WithError(err).Warn("session terminated")
			return
		}
		log.Info("session started")
	}

	mgr, err = branch.NewManager(rc.raw.Branch.Password, rc.advGroup, rc.ifaces, onSessionChanged, nil, log)
	if err != nil {
		return err
	}
	bm := branch.NewBroadcastManager(mgr)
	mgr.SetCounters(metrics)

	info, err := branchinfo.CreateLocal(rc.branchCfg, *mgr.TCPServerEndpoint())
	if err != nil {
		return err
	}

	subscribeEventLogging(mgr, log, metrics)

	var introspectSrv *introspect.Server
	if rc.introspection.Enabled {
		introspectSrv = introspect.NewServer(mgr, metrics, log)
		introspectSrv.SetBroadcaster(bm)
		introspectSrv.Start(rc.introspection.ListenAddr)
		log.WithField("addr", rc.introspection.ListenAddr).Info("introspection endpoint listening")
	}

	if err := mgr.Start(info); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"name":    info.Name,
		"network": info.NetworkName,
		"uuid":    info.UUID,
	}).Info("branch started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	if introspectSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := introspectSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("introspection server shutdown")
		}
	}
	return mgr.Close()
}

// subscribeEventLogging installs a self-resubscribing AwaitEvent handler so
// every branch lifecycle event is logged and, when it carries an error
// result, counted against yogi_branch_event_errors_total.
func subscribeEventLogging(mgr *branch.Manager, log *logrus.Entry, metrics *introspect.Metrics) {
	var handler branch.EventHandler
	handler = func(err error, event branch.Event, evRes error, id uuid.UUID, jsonPayload string) {
		if err != nil {
			// Superseded by a later AwaitEvent call; nothing to log.
			return
		}
		fields := logrus.Fields{"event": event, "uuid": id}
		if evRes != nil {
			metrics.ObserveEventError()
			log.WithFields(fields).WithError(evRes).Warn("branch event")
		} else {
			log.WithFields(fields).Debug("branch event")
		}
		mgr.AwaitEvent(branch.AllEvents, handler)
	}
	mgr.AwaitEvent(branch.AllEvents, handler)
}
