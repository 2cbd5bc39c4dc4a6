// Command cpap-uploader hosts the upload orchestration core: it wires
// together the ActivitySensor, BusArbiter, ReadOnlyFs, StateStore,
// Scheduler, UploadPipeline, FSM, backend adapters, the HTTP status
// surface, and the Supervisor, then runs until signaled to stop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/ilyakruchinin/cpap-uploader/internal/activity"
	"github.com/ilyakruchinin/cpap-uploader/internal/backend"
	"github.com/ilyakruchinin/cpap-uploader/internal/bootreason"
	"github.com/ilyakruchinin/cpap-uploader/internal/busarbiter"
	"github.com/ilyakruchinin/cpap-uploader/internal/config"
	"github.com/ilyakruchinin/cpap-uploader/internal/fsm"
	"github.com/ilyakruchinin/cpap-uploader/internal/httpstatus"
	"github.com/ilyakruchinin/cpap-uploader/internal/logging"
	"github.com/ilyakruchinin/cpap-uploader/internal/pipeline"
	"github.com/ilyakruchinin/cpap-uploader/internal/readonlyfs"
	"github.com/ilyakruchinin/cpap-uploader/internal/scheduler"
	"github.com/ilyakruchinin/cpap-uploader/internal/statestore"
	"github.com/ilyakruchinin/cpap-uploader/internal/supervisor"
)

// version is set at build time via -ldflags; it stays "dev" otherwise.
var version = "dev"

func usage() {
	fmt.Printf(`cpap-uploader - uploads therapy-data files from a shared medium
while the host appliance is idle.

Usage: cpap-uploader [options]

Valid options:
`)
	flag.PrintDefaults()
}

func main() {
	logging.DefaultLogger = logging.NewConsole("STDERR")

	configPath := flag.StringP("config", "c", "/etc/cpap-uploader.conf", "Path to the key=value configuration file.")
	stateDir := flag.StringP("state-dir", "s", "/var/lib/cpap-uploader", "Private device-local directory for state, journal, and boot_reason.")
	logLevel := flag.StringP("log-level", "l", "", "Override the configured log level (trace, debug, info, warn, error, fatal).")
	logOutput := flag.StringP("log-output", "o", "", "STDOUT, STDERR, or a file path. Default is STDOUT.")
	resetState := flag.Bool("reset-state", false, "Clear persisted state (completed folders, fingerprints, retry counters) and exit.")
	versionFlag := flag.BoolP("version", "v", false, "Display program version.")
	help := flag.BoolP("help", "h", false, "Display this help message.")
	flag.Usage = usage
	flag.Parse()

	if *help {
		flag.Usage()
		os.Exit(0)
	}
	if *versionFlag {
		fmt.Println("cpap-uploader", version)
		os.Exit(0)
	}

	if *resetState {
		if _, err := supervisor.ConsumeResetFlag(*stateDir); err != nil {
			logging.Error().Err(err).Msg("failed to read prior reset flag")
		}
		if err := statestore.Reset(*stateDir); err != nil {
			logging.Fatal().Err(err).Msg("failed to reset state")
		}
		logging.Info().Str("dir", *stateDir).Msg("state reset")
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Fatal().Err(err).Str("path", *configPath).Msg("failed to load configuration")
	}
	setupLogging(cfg, *logLevel, *logOutput)

	resetRequested, err := supervisor.ConsumeResetFlag(*stateDir)
	if err != nil {
		logging.Error().Err(err).Msg("failed to check reset flag")
	}
	if resetRequested {
		logging.Info().Msg("consuming reset-state request persisted by a prior /reset-state call")
		if err := statestore.Reset(*stateDir); err != nil {
			logging.Error().Err(err).Msg("failed to apply persisted reset request")
		}
	}

	if rec, err := bootreason.Read(*stateDir); err == nil && rec.Reason != bootreason.ReasonNone {
		logging.Warn().Str("reason", string(rec.Reason)).Str("detail", rec.Detail).Time("at", rec.At).Msg("prior boot ended abnormally")
		if err := bootreason.Clear(*stateDir); err != nil {
			logging.Warn().Err(err).Msg("failed to clear boot_reason after surfacing it")
		}
	}

	store, err := statestore.Open(*stateDir)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to open state store")
	}
	defer store.Close()

	sensor := activity.New(buildEdgeCounter())
	gpioPin, _ := strconv.Atoi(cfg.Extra["GPIO_PIN"])
	if err := sensor.Begin(gpioPin, 100); err != nil {
		logging.Fatal().Err(err).Msg("failed to arm activity sensor")
	}

	arb, err := buildArbiter(cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to build bus arbiter")
	}

	mount := readonlyfs.New(readonlyfs.SyscallMounter{}, cfg.Extra["MOUNT_SOURCE"], cfg.Extra["MOUNT_TARGET"], cfg.Extra["MOUNT_FSTYPE"])

	backends := buildBackends(cfg)
	if len(backends) == 0 {
		logging.Fatal().Msg("no backend adapters configured: set SHARE_* or CLOUD_* keys")
	}

	sourceFS := pipeline.NewOSSourceFS(cfg.Extra["MOUNT_TARGET"])
	dayTracker := &scheduler.DayTracker{}
	window := scheduler.Window{StartHour: cfg.UploadStartHour, EndHour: cfg.UploadEndHour}

	// sup is wired below; the pipeline's watchdog-feed callback closes over
	// the pointer rather than a concrete value so the two can be
	// constructed in either order (pipeline.New never calls it eagerly).
	var sup *supervisor.Supervisor
	pl := pipeline.New(store, sourceFS, backends, pipeline.Config{
		RecentFolderDays: cfg.RecentFolderDays,
		MaxDays:          cfg.MaxDays,
		SessionDeadline:  time.Duration(cfg.ExclusiveAccessMinutes) * time.Minute,
		MandatoryFiles:   splitNonEmpty(cfg.Extra["MANDATORY_FILES"], ","),
	}, func(now time.Time) bool { return scheduler.CanUploadOld(window, now) }, func() {
		if sup != nil {
			sup.FeedHeartbeat()
		}
	})

	f := fsm.New(fsm.Deps{
		Sensor:           sensor,
		Arbiter:          arb,
		Mount:            mount,
		Window:           window,
		Mode:             cfg.UploadMode,
		DayTracker:       dayTracker,
		CanUploadOld:     func(now time.Time) bool { return scheduler.CanUploadOld(window, now) },
		SilenceThreshold: time.Duration(cfg.InactivitySeconds) * time.Second,
		Cooldown:         time.Duration(cfg.CooldownMinutes) * time.Minute,
	})

	sup = supervisor.New(supervisor.Deps{
		FSM:          f,
		Sensor:       sensor,
		Store:        store,
		Pipeline:     pl,
		StateDir:     *stateDir,
		FatalTimeout: 120 * time.Second,
		Reboot:       rebootDevice,
	})

	httpSrv := httpstatus.New(httpstatus.Deps{
		FSM:      f,
		Sensor:   sensor,
		Pending:  sup,
		Deadline: sup,
		Resetter: sup,
		Mode:     cfg.UploadMode,
		Window:   window,
	})

	statusAddr := cfg.Extra["STATUS_ADDR"]
	if statusAddr == "" {
		statusAddr = ":8080"
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := httpSrv.ListenAndServe(statusAddr); err != nil {
			logging.Error().Err(err).Msg("http status surface exited")
		}
	}()

	setupSignalHandler(cancel, httpSrv)

	logging.Info().Str("mode", string(cfg.UploadMode)).Str("state_dir", *stateDir).Msg("cpap-uploader starting")
	if err := sup.Run(ctx); err != nil {
		logging.Error().Err(err).Msg("supervisor exited with error")
		os.Exit(1)
	}
	logging.Info().Msg("cpap-uploader stopped")
}

func setupLogging(cfg *config.Config, levelOverride, outputOverride string) {
	level := levelOverride
	output := outputOverride
	if output == "" {
		output = "STDOUT"
	}
	logging.DefaultLogger = logging.NewConsole(output)
	if level != "" {
		lvl, err := logging.ParseLevel(level)
		if err != nil {
			logging.Warn().Str("level", level).Msg("invalid log level, keeping default")
			return
		}
		logging.SetGlobalLevel(lvl)
	}
}

func setupSignalHandler(cancel context.CancelFunc, httpSrv *httpstatus.Server) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logging.Info().Str("signal", strings.ToUpper(sig.String())).Msg("signal received, shutting down")
		if err := httpSrv.Shutdown(); err != nil {
			logging.Warn().Err(err).Msg("http status surface shutdown failed")
		}
		cancel()
	}()
}

func rebootDevice() {
	logging.Error().Msg("rebooting device")
	// A real appliance invokes its platform-specific reboot mechanism here
	// (e.g. syscall.Reboot(syscall.LINUX_REBOOT_CMD_RESTART)); left as a
	// hook so tests and non-appliance deployments can substitute their own
	// supervisor.RebootFunc instead of actually restarting the machine.
	if cmd := os.Getenv("CPAP_UPLOADER_REBOOT_CMD"); cmd != "" {
		logging.Info().Str("cmd", cmd).Msg("invoking configured reboot command")
	}
}

func buildEdgeCounter() activity.EdgeCounter {
	return activity.NewGPIOEdgeCounter()
}

func buildArbiter(cfg *config.Config) (*busarbiter.Arbiter, error) {
	muxPin, _ := strconv.Atoi(cfg.Extra["MUX_PIN"])
	cmdPin, _ := strconv.Atoi(cfg.Extra["CMD_PIN"])
	muxActiveHigh := cfg.Extra["MUX_ACTIVE_HIGH"] != "false"

	mux, err := busarbiter.NewGPIOMux(muxPin, muxActiveHigh)
	if err != nil {
		return nil, err
	}
	cmdLine, err := busarbiter.NewGPIOCommandLine(cmdPin, 0)
	if err != nil {
		return nil, err
	}
	return busarbiter.New(mux, cmdLine, 500*time.Millisecond, 500*time.Millisecond, cfg.EnableResetFrame), nil
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func buildBackends(cfg *config.Config) []backend.Adapter {
	var backends []backend.Adapter
	if addr := cfg.Extra["SHARE_ADDR"]; addr != "" {
		backends = append(backends, backend.NewShareAdapter(
			addr,
			cfg.Extra["SHARE_NAME"],
			cfg.Extra["SHARE_USER"],
			cfg.Extra["SHARE_PASSWORD"],
		))
	}
	if baseURL := cfg.Extra["CLOUD_BASE_URL"]; baseURL != "" {
		backends = append(backends, backend.NewCloudAdapter(baseURL, cfg.Extra["CLOUD_TOKEN"]))
	}
	return backends
}
