// Command crewtrack is the device-side agent: it joins a crew once, then reads
// positions and forwards the significant ones over the OsmAnd protocol.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"crewmap/agentstore"
	"crewmap/config"
	"crewmap/logging"
	"crewmap/models"
	"crewmap/syncengine"
)

var (
	storePath string
	logLevel  string
)

func main() {
	root := &cobra.Command{
		Use:           "crewtrack",
		Short:         "Share this device's position with a crew",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	home, _ := os.UserHomeDir()
	root.PersistentFlags().StringVar(&storePath, "store", filepath.Join(home, ".crewtrack.db"), "local state file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level")

	joinCmd := &cobra.Command{
		Use:   "join CODE NICKNAME",
		Short: "Join a crew and remember the driver identity",
		Args:  cobra.ExactArgs(2),
		RunE:  runJoin,
	}
	joinCmd.Flags().String("server", "http://localhost:8080", "crewmapd API base URL")
	joinCmd.Flags().String("truck", "", "truck number shown to the crew")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Forward positions read as JSON lines",
		RunE:  runAgent,
	}
	runCmd.Flags().String("input", "-", "JSON-lines position file, - for stdin")
	runCmd.Flags().String("endpoint", "", "OsmAnd endpoint (default <server>/webhooks/osmand)")
	runCmd.Flags().Bool("reset", false, "forget the last synced position before starting")
	runCmd.Flags().Duration("heartbeat", syncengine.DefaultConfig().MaxInterval, "maximum time between syncs")
	runCmd.Flags().Float64("max-accuracy", syncengine.DefaultConfig().MaxAccuracyMeters, "drop fixes less accurate than this many meters")

	root.AddCommand(joinCmd, runCmd)
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newLogger() *logrus.Logger {
	return logging.New(config.LogConfig{Level: logLevel, Format: "text"})
}

func runJoin(cmd *cobra.Command, args []string) error {
	log := newLogger()
	server, _ := cmd.Flags().GetString("server")
	truck, _ := cmd.Flags().GetString("truck")
	server = strings.TrimRight(server, "/")

	payload, err := json.Marshal(map[string]string{
		"code":         models.NormalizeCrewCode(args[0]),
		"nickname":     args[1],
		"truck_number": truck,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server+"/crews/join", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("contacting %s: %w", server, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("join failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var joined struct {
		Crew   models.Crew   `json:"crew"`
		Driver models.Driver `json:"driver"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&joined); err != nil {
		return fmt.Errorf("decoding join response: %w", err)
	}

	store, err := agentstore.Open(storePath)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.SaveIdentity(agentstore.Identity{
		DriverID: joined.Driver.ID,
		CrewID:   joined.Crew.ID,
		CrewCode: joined.Crew.Code,
		Nickname: joined.Driver.Nickname,
		Color:    joined.Driver.Color,
		Server:   server,
		JoinedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}
	// A new identity starts a new trail.
	if err := store.ResetState(); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"crew":      joined.Crew.Code,
		"driver_id": joined.Driver.ID,
		"color":     joined.Driver.Color,
	}).Info("joined crew")
	return nil
}

func syncConfig(cmd *cobra.Command) (syncengine.Config, error) {
	v := viper.New()
	def := syncengine.DefaultConfig()
	v.SetDefault("movement_meters", def.MovementMeters)
	v.SetDefault("speed_change_kmh", def.SpeedChangeKmh)
	v.SetDefault("heading_change_deg", def.HeadingChangeDeg)
	v.SetDefault("max_interval", def.MaxInterval)
	v.SetDefault("stopped_kmh", def.StoppedKmh)
	v.SetDefault("max_accuracy_meters", def.MaxAccuracyMeters)
	v.SetEnvPrefix("CREWTRACK")
	v.AutomaticEnv()
	if err := v.BindPFlag("max_interval", cmd.Flags().Lookup("heartbeat")); err != nil {
		return def, err
	}
	if err := v.BindPFlag("max_accuracy_meters", cmd.Flags().Lookup("max-accuracy")); err != nil {
		return def, err
	}

	var cfg syncengine.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return def, fmt.Errorf("unable to decode sync config: %w", err)
	}
	return cfg, nil
}

func runAgent(cmd *cobra.Command, args []string) error {
	log := newLogger()
	cfg, err := syncConfig(cmd)
	if err != nil {
		return err
	}

	store, err := agentstore.Open(storePath)
	if err != nil {
		return err
	}
	defer store.Close()
	id, err := store.LoadIdentity()
	if err != nil {
		return err
	}
	if reset, _ := cmd.Flags().GetBool("reset"); reset {
		if err := store.ResetState(); err != nil {
			return err
		}
	}

	endpoint, _ := cmd.Flags().GetString("endpoint")
	if endpoint == "" {
		endpoint = id.Server + "/webhooks/osmand"
	}

	input, _ := cmd.Flags().GetString("input")
	var r io.Reader = os.Stdin
	if input != "-" {
		f, err := os.Open(input)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agent := syncengine.NewAgent(cfg,
		syncengine.NewJSONLinesSource(r, log),
		syncengine.NewOsmAndTransmitter(endpoint, id.DriverID, nil),
		log.WithField("crew", id.CrewCode),
		syncengine.WithStateStore(store),
	)
	log.WithFields(logrus.Fields{"endpoint": endpoint, "nickname": id.Nickname}).Info("tracking started")

	stats, err := agent.Run(ctx)
	log.WithFields(logrus.Fields{
		"seen":    stats.Seen,
		"sent":    stats.Sent,
		"skipped": stats.Skipped,
		"failed":  stats.Failed,
	}).Info("tracking stopped")
	return err
}
