package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/driftmail/driftmail/internal/config"
	"github.com/driftmail/driftmail/internal/credential"
	"github.com/driftmail/driftmail/internal/engine"
	"github.com/driftmail/driftmail/internal/events"
	"github.com/driftmail/driftmail/internal/providers/gmail"
	"github.com/driftmail/driftmail/internal/providers/imapmail"
	"github.com/driftmail/driftmail/internal/providers/outlook"
	"github.com/driftmail/driftmail/internal/store"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigPath(), "path to config file")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load config")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		logger.WithError(err).Fatal("Failed to create data directory")
	}
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open store")
	}
	defer db.Close()

	keyring, err := credential.OpenKeyring(filepath.Join(filepath.Dir(cfg.DBPath), "keyring"))
	if err != nil {
		logger.WithError(err).Fatal("Failed to open keyring")
	}

	bus := events.NewBus(logger)
	defer bus.Close()
	if cfg.NATSURL != "" {
		sink, err := events.NewNATSSink(cfg.NATSURL)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to NATS")
		}
		defer sink.Close()
		bus.AddSink(sink)
		logger.WithField("url", cfg.NATSURL).Info("Publishing sync events to NATS")
	}

	registry := engine.NewRegistry()
	credRefs := make(map[string]string)
	var accounts []engine.Account
	for _, ac := range cfg.Accounts {
		if !ac.Enabled {
			logger.WithField("account", ac.ID).Info("Account disabled, skipping")
			continue
		}

		var prov engine.Provider
		switch ac.Provider {
		case "gmail":
			prov = gmail.New(ac.ID, ac.CredentialRef, keyring)
		case "outlook":
			prov = outlook.New(ac.ID, ac.UserID, ac.CredentialRef, keyring)
		case "imap":
			prov = imapmail.New(ac.ID, ac.IMAPHost, ac.IMAPPort, ac.CredentialRef, keyring)
		}
		registry.Register(ac.ID, prov)
		credRefs[ac.ID] = ac.CredentialRef
		accounts = append(accounts, engine.Account{
			ID:            ac.ID,
			Kind:          prov.Kind(),
			CredentialRef: ac.CredentialRef,
		})
		logger.WithFields(logrus.Fields{
			"account":  ac.ID,
			"provider": ac.Provider,
		}).Info("Registered account")
	}

	policy := engine.Policy{
		StarredIsLocalIntent: cfg.Conflicts.StarredIsLocalIntent,
		LabelsAreRemote:      cfg.Conflicts.LabelsAreRemote,
	}
	reconciler := engine.NewReconciler(db, registry, bus, policy, logger)
	reconciler.MaxItems = cfg.MaxItemsPerSync
	reconciler.MaxPushAttempts = cfg.MaxPushAttempts
	reconciler.CallTimeout = cfg.ProviderTimeout()

	scheduler := engine.NewScheduler(reconciler, engine.SchedulerConfig{
		Interval:    cfg.Scheduler.Interval(),
		BackoffBase: cfg.Scheduler.BackoffBase(),
		BackoffMax:  cfg.Scheduler.BackoffMax(),
		MaxAttempts: cfg.Scheduler.MaxAttempts,
		SyncOnStart: cfg.Scheduler.SyncOnStart,
	}, logger)
	for _, acct := range accounts {
		scheduler.AddAccount(acct)
	}

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: newRouter(db, scheduler, keyring, credRefs),
	}
	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("Control API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP shutdown failed")
	}
	scheduler.Stop()
}

// enqueueRequest is the POST body for queueing a local change.
type enqueueRequest struct {
	Kind           store.ChangeLogKind `json:"kind" binding:"required"`
	TargetRemoteID string              `json:"target_remote_id"`
	Payload        store.ChangePayload `json:"payload"`
}

// credentialRequest is the PUT body for storing an account credential.
type credentialRequest struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry"`
	Username     string    `json:"username"`
	Password     string    `json:"password"`
}

func newRouter(db *store.Store, scheduler *engine.Scheduler, keyring *credential.Keyring, credRefs map[string]string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/accounts", func(c *gin.Context) {
		c.JSON(http.StatusOK, scheduler.StatusAll())
	})

	r.GET("/accounts/:id/status", func(c *gin.Context) {
		status, ok := scheduler.Status(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown account"})
			return
		}
		c.JSON(http.StatusOK, status)
	})

	r.POST("/accounts/:id/sync", func(c *gin.Context) {
		if !scheduler.Trigger(c.Param("id")) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown account"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "scheduled"})
	})

	r.POST("/accounts/:id/resume", func(c *gin.Context) {
		if !scheduler.Resume(c.Param("id")) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown account"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "resumed"})
	})

	r.GET("/accounts/:id/messages", func(c *gin.Context) {
		entries, err := db.ListEntries(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, entries)
	})

	r.GET("/accounts/:id/pending", func(c *gin.Context) {
		changes, err := db.ListChanges(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, changes)
	})

	r.POST("/accounts/:id/changes", func(c *gin.Context) {
		var req enqueueRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		pc := &store.PendingChange{
			AccountID:      c.Param("id"),
			Kind:           req.Kind,
			TargetRemoteID: req.TargetRemoteID,
			Payload:        req.Payload,
		}
		if err := db.Enqueue(c.Request.Context(), pc); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		// A queued change should reach the server soon, not on the
		// next timer tick.
		scheduler.Trigger(c.Param("id"))
		c.JSON(http.StatusCreated, pc)
	})

	r.PUT("/accounts/:id/credential", func(c *gin.Context) {
		ref, ok := credRefs[c.Param("id")]
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown account"})
			return
		}

		var req credentialRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		h := &credential.Handle{
			AccessToken:  req.AccessToken,
			RefreshToken: req.RefreshToken,
			Expiry:       req.Expiry,
			Username:     req.Username,
			Password:     req.Password,
		}
		if err := keyring.Put(ref, h); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		// A fresh credential usually follows an auth failure; wake the
		// loop if it is parked.
		scheduler.Resume(c.Param("id"))
		c.JSON(http.StatusNoContent, nil)
	})

	return r
}
