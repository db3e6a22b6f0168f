// Command crewmapd runs the crew tracking server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"crewmap/api"
	"crewmap/cache"
	"crewmap/config"
	"crewmap/database"
	"crewmap/fanout"
	"crewmap/identity"
	"crewmap/ingest"
	"crewmap/logging"
	"crewmap/metrics"
	"crewmap/migration"
)

var configDir string

func main() {
	root := &cobra.Command{
		Use:           "crewmapd",
		Short:         "Crew location tracking server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configDir, "config", "", "directory containing config.yaml (default . and /etc/crewmap)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the webhooks and crew map API",
		RunE:  runServe,
	}
	serveCmd.Flags().Bool("migrate", false, "apply migrations before serving")

	migrateCmd := &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Apply or roll back the database schema",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"up", "down"},
		RunE:      runMigrate,
	}

	root.AddCommand(serveCmd, migrateCmd)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *logrus.Logger, error) {
	var paths []string
	if configDir != "" {
		paths = append(paths, configDir)
	}
	if err := config.InitConfig(paths...); err != nil {
		return nil, nil, err
	}
	return config.Cfg, logging.New(config.Cfg.Log), nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	dir := migration.Up
	if len(args) == 1 {
		dir = migration.Direction(args[0])
	}
	return migration.RunMigrations(cfg.DB, dir, log)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if migrate, _ := cmd.Flags().GetBool("migrate"); migrate {
		if err := migration.RunMigrations(cfg.DB, migration.Up, log); err != nil {
			return err
		}
	}

	db, err := database.Open(cfg.DB, 10, 3*time.Second, log)
	if err != nil {
		return err
	}
	defer db.Close()
	store := database.NewStore(db)

	rdb, err := cache.NewClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()
	log.WithField("addr", cfg.Redis.Addr).Info("Connected to Redis successfully.")

	liveness := cache.NewLiveness(rdb, log)
	hub := fanout.NewRedisHub(rdb, log)
	publishers := fanout.Multi{hub}
	if cfg.MQTT.Enabled {
		mq, err := fanout.ConnectMQTT(cfg.MQTT, log)
		if err != nil {
			return err
		}
		defer mq.Close()
		publishers = append(publishers, mq)
	}

	m := metrics.New()
	pipeline := ingest.NewPipeline(store, identity.NewResolver(store), log,
		ingest.WithLiveness(liveness),
		ingest.WithPublisher(publishers),
		ingest.WithMetrics(m),
		ingest.WithGeohashPrecision(cfg.Tracking.GeohashPrecision),
	)

	srv := api.NewServer(api.Deps{
		Store:      store,
		Ingester:   pipeline,
		Liveness:   liveness,
		Subscriber: hub,
		Metrics:    m,
		Health: map[string]api.Pinger{
			"postgres": db,
			"redis":    api.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
		},
		Log:         log,
		Retention:   cfg.Tracking.Retention,
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	servers := []*http.Server{newHTTPServer(cfg.Server, cfg.Server.Addr, srv.RegisterRoutes())}
	if cfg.Server.OsmAndAddr != "" {
		osmand := newHTTPServer(cfg.Server, cfg.Server.OsmAndAddr, srv.OsmAndRoutes())
		osmand.WriteTimeout = cfg.Server.WriteTimeout
		servers = append(servers, osmand)
	}

	errs := make(chan error, len(servers))
	for _, s := range servers {
		go func(s *http.Server) {
			log.Printf("Server started on %s", s.Addr)
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("listening on %s: %w", s.Addr, err)
			}
		}(s)
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-errs:
		log.WithError(err).Error("server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, s := range servers {
		if serr := s.Shutdown(shutdownCtx); serr != nil {
			log.WithError(serr).WithField("addr", s.Addr).Warn("shutdown incomplete")
		}
	}
	return err
}

func newHTTPServer(cfg config.ServerConfig, addr string, h http.Handler) *http.Server {
	// No WriteTimeout here: the crew stream holds connections open.
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: cfg.ReadTimeout,
		IdleTimeout:       2 * cfg.ReadTimeout,
	}
}
