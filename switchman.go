package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/neilb/switchman/cfg"
	"github.com/neilb/switchman/coordinator"
	"github.com/neilb/switchman/macro"
	"github.com/neilb/switchman/supervisor"
	"github.com/neilb/switchman/telemetry"
	"github.com/neilb/switchman/zkconn"
)

// exitInternal reports the wrapper's own failures. It is distinct from
// anything the workload could report honestly, following the convention
// timeout(1) and env(1) use. 0 is success and also the quiet skips: host
// not in the execution group, lock already held elsewhere.
const exitInternal = 125

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()

	// Provisional logging until the config is loaded. Everything goes to
	// stderr; stdout belongs to the workload.
	log.Logger = log.Output(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
		w.Out = os.Stderr
	})).Level(zerolog.WarnLevel)
	if *cfg.VerboseFlag || os.Getenv("SWITCHMAN_VERBOSE") != "" {
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
	}

	// Load configuration
	if err := cfg.Load(*cfg.ConfigPathFlag); err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		return exitInternal
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		return exitInternal
	}

	setupLogging()

	argv := flag.Args()
	if len(argv) == 0 {
		fmt.Fprintln(os.Stderr, "switchman: no command given; usage: switchman [flags] command [args...]")
		flag.Usage()
		return exitInternal
	}

	lockName := *cfg.LockNameFlag
	if lockName == "" {
		lockName = filepath.Base(argv[0])
	}

	reqs, err := macro.ParseLeases(cfg.LeasesFlag)
	if err != nil {
		log.Error().Err(err).Msg("Invalid lease declaration")
		return exitInternal
	}

	log.Debug().
		Str("command", argv[0]).
		Str("lock", lockName).
		Str("group", *cfg.GroupFlag).
		Int("leases", len(reqs)).
		Msg("Switchman starting")

	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()
	defer telemetry.Push(lockName)

	// Connect to the coordination service
	sessionTimeout := time.Duration(cfg.Config.ZooKeeper.SessionTimeoutMS) * time.Millisecond
	conn, err := zkconn.Connect(cfg.Config.ZooKeeper.Servers, sessionTimeout)
	if err != nil {
		log.Error().Err(err).Msg("Failed to reach coordination service")
		return exitInternal
	}
	defer conn.Close()

	root := cfg.Config.ZooKeeper.Prefix
	group := *cfg.GroupFlag
	host := cfg.Config.Hostname

	// Fetch the group document; the watch stays armed for the monitor.
	var doc *coordinator.Doc
	raw, groupEvents, docErr := conn.GetW(root)
	switch {
	case docErr == nil:
		doc, err = coordinator.ParseDoc(raw)
		if err != nil {
			log.Error().Err(err).Msg("Group document is malformed")
			return exitInternal
		}
	case errors.Is(docErr, coordinator.ErrNoNode):
		// Nothing published yet; only unrestricted runs can proceed.
		doc = &coordinator.Doc{}
		groupEvents = nil
	default:
		log.Error().Err(docErr).Msg("Failed to fetch group document")
		return exitInternal
	}

	// Membership gate
	allowed, err := coordinator.Authorize(group, doc, host)
	if err != nil {
		log.Error().Err(err).Msg("Refusing to run")
		return exitInternal
	}
	if !allowed {
		log.Debug().Str("group", group).Str("host", host).Msg("Host not in execution group, skipping")
		return 0
	}

	// Advisory: a shared acquisition order is what prevents deadlocks
	// between instances holding overlapping lease sets.
	if order := leaseOrder(reqs); len(order) > 1 && !coordinator.OrderConforms(order, doc.Resources) {
		log.Warn().
			Strs("declared", order).
			Strs("convention", doc.Resources).
			Msg("Lease order deviates from the published resource order")
	}

	// Acquire leases in declared order, then the lock.
	leases, err := coordinator.AcquireLeases(conn, root, reqs)
	if err != nil {
		log.Error().Err(err).Msg("Failed to acquire leases")
		return exitInternal
	}
	defer coordinator.ReleaseLeases(leases)

	lock, err := coordinator.AcquireLock(conn, root, lockName, host)
	if err != nil {
		log.Error().Err(err).Msg("Failed to acquire lock")
		return exitInternal
	}
	if lock == nil {
		// Held elsewhere; someone is already doing the work.
		return 0
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Warn().Err(err).Msg("Failed to release lock")
		}
	}()

	// Start the workload. From here on no path may exit without the
	// supervisor having stopped it; the deferred Kill backstops panics.
	sup, err := supervisor.Start(argv)
	if err != nil {
		log.Error().Err(err).Msg("Failed to start workload")
		return exitInternal
	}
	stopForwarding := sup.ForwardSignals()
	defer stopForwarding()
	defer sup.Kill()

	sampler := telemetry.NewSampler(sup.Pid(), time.Second)
	sampler.Start()
	defer sampler.Stop()

	monitor := &coordinator.Monitor{
		Conn:        conn,
		Root:        root,
		Group:       group,
		Host:        host,
		Lock:        lock,
		GroupEvents: groupEvents,
		DocSum:      doc.Sum,
	}
	outcome := monitor.Run(sup.Done())

	var status supervisor.Status
	if outcome.Revoked {
		status = sup.Terminate()
		log.Warn().
			Err(&coordinator.RevokedError{Reason: outcome.Reason}).
			Stringer("status", status).
			Msg("Workload terminated")
	} else {
		status = sup.Wait()
		log.Debug().Stringer("status", status).Msg("Workload finished")
	}

	return status.ExitCode()
}

// setupLogging configures the global logger from the loaded config.
func setupLogging() {
	var writer io.Writer = zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
		w.Out = os.Stderr
	})
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stderr
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.WarnLevel)
	}
}

// leaseOrder lists the declared resources in acquisition order.
func leaseOrder(reqs []coordinator.LeaseRequest) []string {
	order := make([]string, 0, len(reqs))
	for _, req := range reqs {
		order = append(order, req.Resource)
	}
	return order
}
