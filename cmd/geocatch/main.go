// Command geocatch runs a play session against a geocatch backend, feeding it
// GPS fixes and commands from a replay script (a file or stdin).
//
// Script lines:
//
//	52.5200,13.4050[,accuracy]   a location fix
//	start | end | background     session lifecycle
//	capture <entity-id>          attempt a capture
//	push <event> [json]          inject a push event
//	wait <duration>              pause, e.g. "wait 3s"
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	ossignal "os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/geocatch/client/internal/api"
	"github.com/geocatch/client/internal/capture"
	"github.com/geocatch/client/internal/config"
	"github.com/geocatch/client/internal/influx"
	"github.com/geocatch/client/internal/journal"
	"github.com/geocatch/client/internal/logging"
	intOtel "github.com/geocatch/client/internal/otel"
	"github.com/geocatch/client/internal/session"
	"github.com/geocatch/client/internal/signal"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

const appName = "geocatch"

func main() {
	configDir := flag.String("config", ".", "directory containing "+config.FileName)
	scriptPath := flag.String("script", "", "replay script (default stdin)")
	flag.Parse()

	if err := run(*configDir, *scriptPath); err != nil {
		fmt.Fprintln(os.Stderr, "geocatch:", err)
		os.Exit(1)
	}
}

func run(configDir, scriptPath string) error {
	started := time.Now()

	// .env is optional
	_ = godotenv.Load()

	if err := config.Load(configDir); err != nil {
		return err
	}
	level := config.GetString("logLevel")

	logFile, err := openLogFile(config.GetString("logsDir"), started)
	if err != nil {
		return err
	}
	defer logFile.Close()

	// OTel before the final logger so the bridge can attach.
	oc := config.GetOTelConfig()
	otelProvider, err := intOtel.New(intOtel.Config{
		Enabled:        oc.Enabled,
		ServiceName:    oc.ServiceName,
		BatchTimeout:   oc.BatchTimeout,
		MetricInterval: oc.MetricInterval,
		LogWriter:      logFile,
		MetricWriter:   logFile,
		Endpoint:       oc.Endpoint,
		Insecure:       oc.Insecure,
	})
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(ctx)
	}()

	var extra []slog.Handler
	if gc := config.GetGraylogConfig(); gc.Enabled {
		w, err := logging.NewGraylogWriter(gc.Address, gc.Facility)
		if err != nil {
			fmt.Fprintln(os.Stderr, "graylog disabled:", err)
		} else {
			defer w.Close()
			extra = append(extra, logging.NewGELFHandler(w, logging.ParseLevel(level), gc.Facility))
		}
	}

	var otelLogs *sdklog.LoggerProvider
	if otelProvider.Enabled() {
		otelLogs = otelProvider.LoggerProvider()
	}
	slogManager := logging.NewSlogManager()
	slogManager.Setup(logFile, level, otelLogs, extra...)
	logger := slogManager.Logger()

	device := config.GetDeviceConfig()
	if device.InstallID == "" {
		device.InstallID = uuid.NewString()
		logger.Info("generated install id", "install_id", device.InstallID)
	}

	ac := config.GetAPIConfig()
	backend := api.New(ac.ServerURL, ac.APIKey, ac.Timeout)

	var jnl session.Journal
	if jc := config.GetJournalConfig(); jc.Enabled {
		j, err := journal.Open(jc.Config, logging.NewZerolog(logFile, level, "journal"))
		if err != nil {
			return err
		}
		defer func() {
			if err := j.Close(); err != nil {
				logger.Warn("closing journal", "error", err)
			}
		}()
		jnl = j
	}

	var telemetry session.Telemetry
	if ic := config.GetInfluxConfig(); ic.Enabled {
		m := influx.NewManager(ic.Config, logging.NewZerolog(logFile, level, "influx"))
		if err := m.Connect(context.Background()); err != nil {
			logger.Warn("influx mirror disabled", "error", err)
		} else {
			defer m.Close()
			telemetry = m
		}
	}

	catalog := signal.DefaultCatalog()
	if path := config.GetString("signals.catalogPath"); path != "" {
		if catalog, err = signal.LoadCatalog(path); err != nil {
			return err
		}
	}
	router, err := signal.New(catalog, logging.NewRouterLogger(logging.NewZerolog(logFile, level, "signal")))
	if err != nil {
		return err
	}

	var coordRef atomic.Pointer[session.Coordinator]
	onEvent := func(name string, payload []byte) {
		if c := coordRef.Load(); c != nil {
			if err := c.HandlePush(name, payload); err != nil {
				logger.Debug("dropping push event", "event", name, "error", err)
			}
		}
	}

	pc, err := config.GetPushConfig()
	if err != nil {
		return err
	}
	transport, err := newPushTransport(pc, ac.APIKey, device.InstallID, logger, logging.NewZerolog(logFile, level, "push"), onEvent)
	if err != nil {
		return err
	}
	var push session.PushTransport
	if transport != nil {
		defer transport.Close()
		push = transport
	}

	clock := clockwork.NewRealClock()
	ui := &console{out: os.Stdout}
	coord, err := session.New(config.GetCoordinatorConfig(), session.Deps{
		Backend:   backend,
		Push:      push,
		Presenter: ui,
		Audio:     ui,
		Device:    device,
		Router:    router,
		Speed:     &capture.FixDeltaSpeed{},
		Journal:   jnl,
		Telemetry: telemetry,
		Clock:     clock,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	coordRef.Store(coord)
	slogManager.SetContext(coord.LogAttrs)

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loopDone := make(chan error, 1)
	go func() { loopDone <- coord.Run(ctx) }()

	script, closeScript, err := openScript(scriptPath)
	if err != nil {
		return err
	}
	defer closeScript()

	r := &replayer{coord: coord, clock: clock, logger: logger, out: os.Stdout}
	if err := r.run(ctx, script); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("replay stopped", "error", err)
	}

	// End whatever is still open before the loop goes away.
	if snap, err := coord.Snapshot(context.Background()); err == nil && snap.State == session.Active {
		endCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if summary, err := coord.End(endCtx); err == nil {
			fmt.Fprintf(os.Stdout, "session over: %d points\n", summary.PointsEarned)
		}
		cancel()
	}

	stop()
	err = <-loopDone
	_ = slogManager.Flush(context.Background())
	logger.Info("geocatch exiting", "uptime", time.Since(started).Round(time.Second).String())
	return err
}

func openLogFile(dir string, started time.Time) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating logs dir: %w", err)
	}
	path := logging.LogFilePath(dir, appName, started)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}

func openScript(path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening script: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}
