// aegisd is the host-side agent that manages the lifecycle of a set of
// managed VMs: it accepts a control connection speaking the message-bus
// protocol (E) carrying JSON-RPC calls (F), serves disk image transfers
// over HTTP (D), and keeps each VM's guest-agent state fresh via a
// periodic poller (J). A single listening socket multiplexes the first
// two over protocol detection (C).
package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/xfeldman/aegisd/internal/blob"
	"github.com/xfeldman/aegisd/internal/bus"
	"github.com/xfeldman/aegisd/internal/config"
	"github.com/xfeldman/aegisd/internal/detector"
	"github.com/xfeldman/aegisd/internal/guestpoll"
	"github.com/xfeldman/aegisd/internal/imgtransport"
	"github.com/xfeldman/aegisd/internal/jobexec"
	"github.com/xfeldman/aegisd/internal/metrics"
	"github.com/xfeldman/aegisd/internal/reactor"
	"github.com/xfeldman/aegisd/internal/registry"
	"github.com/xfeldman/aegisd/internal/rpc"
	"github.com/xfeldman/aegisd/internal/sched"
	"github.com/xfeldman/aegisd/internal/secrets"
	"github.com/xfeldman/aegisd/internal/version"
	"github.com/xfeldman/aegisd/internal/vmadapter"
)

// detectorPrefixLen is the longest verb prefix across the two protocols
// the shared listener demultiplexes: "CONNECT\r\n" (9 bytes) beats
// "CONNECT\n" (8 bytes) and "GET "/"PUT " (4 bytes).
const detectorPrefixLen = 9

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("version", version.Version()).Logger()

	cfg := config.DefaultConfig()
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatal().Err(err).Msg("aegisd: create directories")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	go serveMetrics(reg, log)

	db, err := registry.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("aegisd: open recovery registry")
	}
	defer db.Close()

	credStore, err := secrets.NewStore(cfg.MasterKeyPath)
	if err != nil {
		log.Fatal().Err(err).Msg("aegisd: open secret store")
	}
	passcode, err := loadOrCreateCredential(credStore, filepath.Join(cfg.DataDir, "credential.enc"), log)
	if err != nil {
		log.Fatal().Err(err).Msg("aegisd: load RPC credential")
	}
	credentialChecker := bus.CredentialChecker(func(login, pass string) bool {
		return login == "aegisd" && pass == passcode
	})

	driver := vmadapter.NewLocalDriver()
	adapter := vmadapter.New(driver)
	defer adapter.Close()

	scheduler := sched.New()
	scheduler.SetMetrics(m)
	scheduler.Start()
	defer scheduler.Stop(true)

	rpcExecutor := jobexec.New("rpc", cfg.SchedulerWorkers, cfg.SchedulerWorkers*cfg.TaskPerWorker, cfg.SchedulerWorkers, log)
	rpcExecutor.SetMetrics(m)
	rpcExecutor.Start()
	defer rpcExecutor.Stop(true)

	pollExecutor := jobexec.New("guestpoll", cfg.SchedulerWorkers, cfg.SchedulerWorkers*cfg.TaskPerWorker, cfg.SchedulerWorkers, log)
	pollExecutor.SetMetrics(m)
	pollExecutor.Start()
	defer pollExecutor.Stop(true)

	tracker := newVMTracker()

	poller := guestpoll.New(guestpoll.Config{
		PollPeriod:      cfg.GuestAgentPollInterval,
		CapsPeriod:      cfg.GuestAgentPollInterval,
		FailureThrottle: cfg.GuestAgentFailureThrottle,
		BootWindow:      cfg.GuestAgentBootWindow,
		HotplugWindow:   cfg.HotplugRefreshWindow,
		CommandTimeout:  5 * time.Second,
	}, adapter, tracker.snapshot, scheduler, pollExecutor, log)
	poller.SetMetrics(m)
	poller.Operation().Start()
	defer poller.Operation().Stop()

	trackerCtx, stopTracker := context.WithCancel(context.Background())
	defer stopTracker()
	go tracker.watchEvents(trackerCtx, adapter, poller, log)

	rpcRegistry := rpc.NewDefaultRegistry()
	rpc.RegisterVMMethods(rpcRegistry, adapter)
	rpc.RegisterGuestInfoMethod(rpcRegistry, poller)

	var recovering int32
	var b *bus.Bus
	rpcServer := rpc.NewServer(rpc.Config{
		Registry:   rpcRegistry,
		Sink:       responseSinkFunc(func(msg []byte) { b.Deliver(msg) }),
		Executor:   rpcExecutor,
		Recovering: func() bool { return atomic.LoadInt32(&recovering) != 0 },
		Timeout:    cfg.RecoveryReplayTimeout,
		Log:        log,
		Metrics:    m,
	})
	dispatcher := newRecordingDispatcher(rpcServer, db, log)

	b = bus.New(bus.Config{
		RequestQueues:     []string{"jms.aegisd.requests"},
		CredentialChecker: credentialChecker,
		Dispatcher:        dispatcher,
		Scheduler:         scheduler,
		Log:               log,
	})
	react := reactor.New(b, log)
	b.SetReactor(react)
	go react.Run()
	defer react.Stop()

	imageStore := blob.NewImageStore(filepath.Join(cfg.DataDir, "images"))
	imgHandler := imgtransport.New(imageStore, log)
	imgServer := &http.Server{Handler: imgHandler}

	det := detector.New(detectorPrefixLen, 5*time.Second,
		busProtocol{reactor: react},
		imgProtocol{server: imgServer},
	)

	ln, err := net.Listen("tcp", cfg.BusListenAddr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.BusListenAddr).Msg("aegisd: listen")
	}
	log.Info().Str("addr", cfg.BusListenAddr).Msg("aegisd: listening (bus + image transport)")

	serveCtx, stopServe := context.WithCancel(context.Background())
	go func() {
		if err := det.Serve(serveCtx, ln); err != nil {
			log.Error().Err(err).Msg("aegisd: detector serve stopped")
		}
	}()

	replayRecovery(&recovering, db, dispatcher, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("aegisd: shutting down")

	stopServe()
	ln.Close()
	imgServer.Close()
}

func serveMetrics(reg *prometheus.Registry, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(":9090", mux); err != nil {
		log.Warn().Err(err).Msg("aegisd: metrics server stopped")
	}
}

// loadOrCreateCredential returns the shared RPC passcode, decrypting it
// from credPath if present or generating and persisting a new one (under
// store's master key) on first run.
func loadOrCreateCredential(store *secrets.Store, credPath string, log zerolog.Logger) (string, error) {
	if data, err := os.ReadFile(credPath); err == nil {
		return store.DecryptString(data)
	} else if !os.IsNotExist(err) {
		return "", err
	}

	passcode := uuid.NewString()
	enc, err := store.EncryptString(passcode)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(credPath), 0700); err != nil {
		return "", err
	}
	if err := os.WriteFile(credPath, enc, 0600); err != nil {
		return "", err
	}
	log.Info().Str("credential", passcode).Msg("aegisd: generated new RPC credential on first run")
	return passcode, nil
}

// replayRecovery reads every persisted recovery record and replays it as
// a synthetic VM.create call through dispatcher, per §6: "Recovery reads
// every record and schedules a VM.create on the dispatcher for each."
func replayRecovery(recovering *int32, db *registry.DB, dispatcher *recordingDispatcher, log zerolog.Logger) {
	atomic.StoreInt32(recovering, 1)
	defer atomic.StoreInt32(recovering, 0)

	records, err := db.All()
	if err != nil {
		log.Error().Err(err).Msg("aegisd: read recovery records")
		return
	}
	for _, rec := range records {
		body, err := json.Marshal(recoveryRequest{
			JSONRPC: "2.0",
			Method:  "VM.create",
			Params:  rec.Params,
			ID:      uuid.NewString(),
		})
		if err != nil {
			log.Warn().Str("vm_id", rec.VMID).Err(err).Msg("aegisd: marshal recovery replay request")
			continue
		}
		log.Info().Str("vm_id", rec.VMID).Msg("aegisd: replaying recovery record")
		dispatcher.inner.Dispatch(body) // bypass maybeRecord: the record is already persisted
	}
}

type recoveryRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      string          `json:"id"`
}

type responseSinkFunc func(message []byte)

func (f responseSinkFunc) Deliver(message []byte) { f(message) }
