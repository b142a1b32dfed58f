// dsm-executor is the fleet job executor: it drains the job queue, keeps the
// vCenter inventory warm and serves the instant API the operations UI calls.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/thediveo/enumflag/v2"

	"github.com/dsm-platform/dsm-executor/api"
	"github.com/dsm-platform/dsm-executor/common/logging"
	"github.com/dsm-platform/dsm-executor/config"
	"github.com/dsm-platform/dsm-executor/credentials"
	"github.com/dsm-platform/dsm-executor/database"
	"github.com/dsm-platform/dsm-executor/discovery"
	"github.com/dsm-platform/dsm-executor/identity"
	"github.com/dsm-platform/dsm-executor/scheduler"
	"github.com/dsm-platform/dsm-executor/vcenter"
)

type LogFormatOpts enumflag.Flag

const (
	LogFormatText LogFormatOpts = iota
	LogFormatJSON
)

var LogFormatOptsIds = map[LogFormatOpts][]string{
	LogFormatText: {"text"},
	LogFormatJSON: {"json"},
}

var (
	debug      bool
	configPath string
	apiOnly    bool
	logFormat  LogFormatOpts
)

var rootCmd = &cobra.Command{
	Use:   "dsm-executor",
	Short: "Fleet job executor and instant operations API",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if debug {
			log.SetLevel(log.DebugLevel)
		}
		if logFormat == LogFormatJSON {
			log.SetFormatter(&log.JSONFormatter{})
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	client := database.NewClient(cfg.DSMURL, cfg.ServiceRoleKey)
	repo := database.NewRepository(client)
	activity := logging.NewActivityLogger(client)
	resolver := credentials.NewResolver(repo, cfg.IdracDefaultUser, cfg.IdracDefaultPassword)
	sshManager := credentials.NewSSHManager(repo, resolver)
	sessions := vcenter.NewSessionManager(repo, resolver, activity)

	discoveryEngine := discovery.NewEngine(repo, resolver, activity,
		cfg.VerifySSL, cfg.IdracDefaultUser, cfg.IdracDefaultPassword)
	preflight := discovery.NewPreflightChecker(repo, resolver, activity, cfg.VerifySSL)

	var idm *identity.IDMClient
	if cfg.IDMURL != "" {
		normalizer := identity.NewNormalizer(cfg.TrustedDomains, cfg.NativeRealm)
		normalizer.Permissive = cfg.PermissiveADTrust
		idm = identity.NewIDMClient(identity.IDMConfig{
			URL:                 cfg.IDMURL,
			BaseDN:              cfg.IDMBaseDN,
			ADDCURL:             cfg.IDMADDCURL,
			ServiceBindDN:       cfg.IDMServiceBindDN,
			ServiceBindPassword: cfg.IDMServiceBindPassword,
			SkipTLSVerify:       cfg.IDMSkipTLSVerify,
		}, normalizer)
	} else {
		log.Info("IDM_URL not set, directory authentication disabled")
	}

	log.WithFields(log.Fields{
		"dsm_url":        cfg.DSMURL,
		"api_port":       cfg.APIPort,
		"max_concurrent": cfg.MaxConcurrent,
		"api_only":       apiOnly,
	}).Info("🚀 Starting dsm-executor")

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !apiOnly {
		sched := scheduler.New(repo, cfg.PollInterval, cfg.MaxConcurrent)
		handlers := scheduler.NewHandlers(cfg, repo, resolver, sshManager, sessions,
			discoveryEngine, preflight, activity)
		handlers.RegisterAll(sched)
		go sched.Run(runCtx)

		groups := scheduler.NewGroupScheduler(repo)
		go groups.Run(runCtx)
	}

	apiServer := api.NewServer(cfg, repo, resolver, sessions, preflight, idm, activity)
	if err := apiServer.Start(runCtx); err != nil {
		return err
	}

	log.Info("dsm-executor stopped")
	return nil
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Optional YAML configuration overlay")
	rootCmd.PersistentFlags().BoolVar(&apiOnly, "api-only", false, "Serve the instant API without the job scheduler")
	rootCmd.PersistentFlags().Var(
		enumflag.New(&logFormat, "log-format", LogFormatOptsIds, enumflag.EnumCaseInsensitive),
		"log-format", "Log output format (text or json)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Fatal("dsm-executor failed")
	}
}
