// Instant API Server - Dell fleet + VMware DR control plane
//
// @title Dell Infra Sync API
// @version 1.0.0
// @description Instant API Server fronting the Dell server fleet and
// @description VMware DR replication management plane.
// @host localhost:8080
// @BasePath /api
// @schemes http https

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/i0mja/dell-infra-sync-sub002/api"
	"github.com/i0mja/dell-infra-sync-sub002/api/handlers"
	"github.com/i0mja/dell-infra-sync-sub002/database"
	"github.com/i0mja/dell-infra-sync-sub002/internal/activitylog"
	"github.com/i0mja/dell-infra-sync-sub002/internal/config"
	"github.com/i0mja/dell-infra-sync-sub002/internal/credentials"
	"github.com/i0mja/dell-infra-sync-sub002/internal/discovery"
	"github.com/i0mja/dell-infra-sync-sub002/internal/identity"
	"github.com/i0mja/dell-infra-sync-sub002/internal/idrac"
	"github.com/i0mja/dell-infra-sync-sub002/internal/persistence"
	"github.com/i0mja/dell-infra-sync-sub002/internal/replication"
	"github.com/i0mja/dell-infra-sync-sub002/internal/scheduler"
	"github.com/i0mja/dell-infra-sync-sub002/internal/sshcreds"
	"github.com/i0mja/dell-infra-sync-sub002/internal/vcenter"
	"github.com/i0mja/dell-infra-sync-sub002/joblog"
)

var debug = flag.Bool("debug", false, "enable debug logging")

// gatewayDecrypter adapts the Persistence Gateway's (C4) single decrypt
// RPC to the narrow Decrypter interface internal/credentials,
// internal/sshcreds, and internal/discovery each declare for themselves.
type gatewayDecrypter struct {
	gw  *persistence.Gateway
	key string
}

func (d gatewayDecrypter) Decrypt(ctx context.Context, encrypted string) (string, error) {
	return d.gw.DecryptPassword(ctx, encrypted, d.key)
}

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	log.WithFields(log.Fields{"port": cfg.Port, "dsm_url": cfg.DSMURL}).Info("starting dell-infra-sync instant API server")

	dbConn, err := database.NewMariaDBConnection(&database.MariaDBConfig{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		Database: cfg.DBName,
		Username: cfg.DBUser,
		Password: cfg.DBPassword,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to connect to local job-tracking database")
	}

	sqlDB, err := dbConn.GetGormDB().DB()
	if err != nil {
		log.WithError(err).Fatal("failed to obtain raw *sql.DB from gorm connection")
	}
	tracker := joblog.New(sqlDB)

	gw := persistence.New(cfg.DSMURL, cfg.ServiceRoleKey, cfg.VerifySSL, nil)
	var localCipher *credentials.LocalCipher
	if cfg.LocalCredEncryptionKey != "" {
		if localCipher, err = credentials.NewLocalCipher(cfg.LocalCredEncryptionKey); err != nil {
			log.WithError(err).Fatal("invalid local credential encryption key")
		}
	}
	decrypter := credentials.NewRPCDecrypter(gw, gw.DecryptPassword, localCipher)

	activityLogger := activitylog.New(dbConn.GetGormDB(), tracker)

	resolver := credentials.NewResolver(gw, decrypter, cfg.IdracDefaultUser, cfg.IdracDefaultPassword)
	idracClient := idrac.New(cfg.VerifySSL, 30*time.Second, activityLogger)
	sessions := vcenter.NewSessionManager(activityLogger)
	upserter := vcenter.NewUpserter(gw)
	sshManager := sshcreds.NewManager(gw, decrypter)

	var localExec replication.LocalExec
	if cfg.ZerfauxUseStubs {
		localExec = func(ctx context.Context, command string) (string, string, int, error) {
			return "", "", 0, nil
		}
	}
	replicationEngine := replication.NewEngine(activityLogger, localExec)

	scanner := discovery.NewScanner(gw, decrypter, idracClient, cfg.DiscoveryWorkerPoolSize, cfg.IdracDefaultUser, cfg.IdracDefaultPassword)
	preflight := discovery.NewPreflightEngine(idracClient)

	normalizer := identity.New(cfg.IdentityNativeRealm, cfg.IdentityNativeDomain, cfg.IdentityTrustedDomains, nil, nil)

	schedulerSvc := scheduler.New(gw, tracker, cfg.SchedulerMaxConcurrent, cfg.SchedulerInstanceID)
	schedulerSvc.RegisterHandler(scheduler.VCenterDiscoveryJobType, scheduler.NewVCenterDiscoveryHandler(sessions, upserter))
	schedulerSvc.RegisterHandler(scheduler.ReplicationJobType, scheduler.NewReplicationHandler(replicationEngine))
	schedulerSvc.RegisterHandler(scheduler.DiscoveryScanJobType, scheduler.NewDiscoveryScanHandler(scanner))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := schedulerSvc.Start(ctx, time.Duration(cfg.SchedulerPollIntervalSeconds)*time.Second); err != nil {
		log.WithError(err).Fatal("failed to start job scheduler")
	}

	deps := &handlers.Deps{
		Gateway:     gw,
		Resolver:    resolver,
		Idrac:       idracClient,
		Sessions:    sessions,
		SSHManager:  sshManager,
		Replication: replicationEngine,
		Scanner:     scanner,
		Preflight:   preflight,
		Normalizer:  normalizer,
		Log:         activityLogger,
	}

	serverConfig := &api.Config{
		Port:        cfg.Port,
		SSLEnabled:  cfg.APIServerSSLEnabled,
		SSLCertPath: cfg.APIServerSSLCert,
		SSLKeyPath:  cfg.APIServerSSLKey,
		Debug:       *debug,
	}

	apiServer, err := api.NewServer(serverConfig, deps)
	if err != nil {
		log.WithError(err).Fatal("failed to create instant API server")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("shutdown signal received, stopping scheduler and instant API server")
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if err := schedulerSvc.Stop(stopCtx); err != nil {
			log.WithError(err).Warn("scheduler did not stop cleanly")
		}
		cancel()
	}()

	if err := apiServer.Start(ctx); err != nil {
		log.WithError(err).Fatal("instant API server failed")
	}
}
