package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/phytolab/scrubber-controller/db"
	"github.com/phytolab/scrubber-controller/internal/accumulator"
	"github.com/phytolab/scrubber-controller/internal/api"
	"github.com/phytolab/scrubber-controller/internal/automation"
	"github.com/phytolab/scrubber-controller/internal/bus"
	"github.com/phytolab/scrubber-controller/internal/config"
	"github.com/phytolab/scrubber-controller/internal/conn"
	"github.com/phytolab/scrubber-controller/internal/datadog"
	"github.com/phytolab/scrubber-controller/internal/logging"
	"github.com/phytolab/scrubber-controller/internal/model"
	"github.com/phytolab/scrubber-controller/internal/mqtt"
	"github.com/phytolab/scrubber-controller/internal/notifications"
	"github.com/phytolab/scrubber-controller/internal/pipeline"
	"github.com/phytolab/scrubber-controller/internal/poller"
	"github.com/phytolab/scrubber-controller/internal/relay"
	"github.com/phytolab/scrubber-controller/internal/scheduler"
	"github.com/phytolab/scrubber-controller/internal/statestore"
	"github.com/phytolab/scrubber-controller/internal/transform"
)

func main() {
	cfg := config.Load()
	logging.Init(cfg.LogLevel, cfg.LogFile)

	log.Info().
		Str("device", cfg.DeviceWSURL).
		Str("db_file", cfg.DBFile).
		Msg("Starting scrubber controller")

	datadog.InitMetrics(cfg.DDAgentAddr, cfg.DDNamespace, cfg.DDTags, cfg.EnableDatadog)

	database, err := db.Open(cfg.DBFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open state database")
	}
	defer database.Close()
	store := db.NewStore(database)

	// hydrate persisted state
	totals, err := store.GetTotals()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load accumulated totals, starting from zero")
	}
	phProfile, err := store.GetPHProfile()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load pH calibration")
	}
	if phProfile == nil {
		log.Warn().Msg("No pH calibration stored - reporting raw probe values")
	}

	transforms := transform.NewPipeline(transform.DefaultRegistry(), phProfile)
	cache := statestore.New(time.Duration(cfg.FreshnessSeconds) * time.Second)

	if last, err := store.GetLastReading(); err != nil {
		log.Warn().Err(err).Msg("Failed to load last reading")
	} else if last != nil {
		cache.SetReading(last.Raw, last.Calibrated, last.Timestamp)
		log.Info().Time("timestamp", last.Timestamp).Msg("Restored last reading from database")
	}

	events := bus.New()

	accum := accumulator.New(accumulator.Config{
		AirflowRateM3H:    cfg.AirflowRateM3H,
		NoiseFloorPPM:     cfg.NoiseFloorPPM,
		CaptureEfficiency: cfg.CaptureEfficiency,
		MaxElapsed:        time.Duration(cfg.MaxElapsedMinutes) * time.Minute,
		DefaultInterval:   time.Duration(cfg.DefaultIntervalSeconds) * time.Second,
		HistorySize:       cfg.HistorySize,
	}, store, totals)
	cache.SetTotals(accum.Totals())

	// the frame path has a construction cycle (manager -> pipeline ->
	// reconciler -> manager), broken with a late-bound handler
	var pipe *pipeline.Pipeline
	handleFrame := func(raw model.RawReading, at time.Time) {
		pipe.HandleFrame(raw, at)
	}

	manager := conn.New(conn.Config{
		URL:         cfg.DeviceWSURL,
		Heartbeat:   time.Duration(cfg.HeartbeatSeconds) * time.Second,
		BaseDelay:   time.Duration(cfg.ReconnectBaseDelayMS) * time.Millisecond,
		DelayCap:    cfg.ReconnectDelayCap,
		MaxAttempts: cfg.ReconnectMaxAttempts,
		ResetCycle:  time.Duration(cfg.ReconnectResetSeconds) * time.Second,
		SendTimeout: time.Duration(cfg.SendTimeoutSeconds) * time.Second,
	}, handleFrame, events, cache)

	reconciler := relay.New(relay.Config{
		MaxRetries: cfg.RelayMaxRetries,
		RetryDelay: time.Duration(cfg.RelayRetryDelayMS) * time.Millisecond,
		Staleness:  time.Duration(cfg.RelayStalenessSeconds) * time.Second,
	}, manager, events, cache.Online)

	pipe = pipeline.New(transforms, cache, accum, reconciler, events, store)
	evaluator := automation.New(store, cache, reconciler, events)
	fallback := poller.New(cfg.DeviceFetchURL, handleFrame, cache)

	// boundary observers
	notifier := notifications.New(cfg.NtfyTopic)
	events.Subscribe(notifier.HandleEvent)

	var bridge *mqtt.Bridge
	if cfg.MQTTBroker != "" {
		bridge, err = mqtt.NewBridge(cfg.MQTTBroker, cfg.MQTTClientID, cfg.MQTTTopicPrefix)
		if err != nil {
			log.Warn().Err(err).Msg("MQTT event bridge unavailable, continuing without it")
		} else {
			events.Subscribe(bridge.HandleEvent)
		}
	}

	sched := scheduler.New()
	sched.Every("automation-sweep", time.Duration(cfg.AutomationSweepSeconds)*time.Second, evaluator.Sweep)
	sched.Every("persist-totals", time.Duration(cfg.PersistIntervalSeconds)*time.Second, func() {
		if err := accum.Persist(); err != nil {
			log.Error().Err(err).Msg("Periodic totals persistence failed")
		}
	})
	sched.Every("fallback-poll", time.Duration(cfg.FallbackPollSeconds)*time.Second, fallback.Poll)
	sched.Every("status-refresh", 15*time.Second, pipe.RefreshStatus)

	manager.Start()

	server := api.NewServer(store, cache, accum, reconciler, transforms)
	go func() {
		if err := server.Start(cfg.APIPort); err != nil {
			log.Fatal().Err(err).Msg("REST API server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Info().Str("signal", received.String()).Msg("Shutting down")
	sched.Stop()
	manager.Stop()
	reconciler.Stop()
	if err := accum.Persist(); err != nil {
		log.Error().Err(err).Msg("Final totals persistence failed")
	}
	if bridge != nil {
		bridge.Close()
	}
	log.Info().Msg("Shutdown complete")
}
