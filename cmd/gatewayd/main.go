// Command gatewayd is the device gateway core: the always-on process
// that terminates the broker session, drives the per-device session engine,
// dispatches outbound commands, and finalizes reassembled images.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/fleetcam/devicegateway/internal/adminapi"
	"github.com/fleetcam/devicegateway/internal/broker"
	"github.com/fleetcam/devicegateway/internal/chunkstore"
	"github.com/fleetcam/devicegateway/internal/cmdqueue"
	"github.com/fleetcam/devicegateway/internal/config"
	"github.com/fleetcam/devicegateway/internal/devicecontext"
	"github.com/fleetcam/devicegateway/internal/devicelock"
	"github.com/fleetcam/devicegateway/internal/devicestore"
	"github.com/fleetcam/devicegateway/internal/dispatcher"
	"github.com/fleetcam/devicegateway/internal/finalizer"
	"github.com/fleetcam/devicegateway/internal/health"
	"github.com/fleetcam/devicegateway/internal/model"
	"github.com/fleetcam/devicegateway/internal/rpcclient"
	"github.com/fleetcam/devicegateway/internal/sessionengine"
	"github.com/fleetcam/devicegateway/internal/sessionstore"
	"github.com/fleetcam/devicegateway/internal/storage"
	"github.com/fleetcam/devicegateway/internal/wake"
)

// sweepInterval is how often the session/chunk-store sweeper runs.
const sweepInterval = 60 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	log.SetFormatter(&logrus.JSONFormatter{})

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("gatewayd exited with error")
	}
}

func run(cfg config.Config, log *logrus.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	devices, err := devicestore.Open(devicestore.Config{Path: cfg.DeviceStorePath})
	if err != nil {
		return err
	}
	defer devices.Close()

	chunks, err := chunkstore.Open(chunkstore.Config{Path: cfg.ChunkStorePath})
	if err != nil {
		return err
	}
	defer chunks.Close()

	queue, err := cmdqueue.Open(cmdqueue.Config{Path: cfg.CmdQueuePath})
	if err != nil {
		return err
	}
	defer queue.Close()

	sessions, err := sessionstore.New()
	if err != nil {
		return err
	}

	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pgPool.Close()
	var rpc rpcclient.Client = rpcclient.NewPostgresClient(pgPool, log, config.RPCTimeout)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer redisClient.Close()

	storageClient, err := storage.New(ctx, storage.Config{Region: cfg.StorageRegion, Bucket: cfg.StorageBucket})
	if err != nil {
		return err
	}

	brokerCfg := broker.DefaultConfig()
	brokerCfg.BrokerURL = cfg.BrokerURL
	brokerCfg.Username = cfg.BrokerUsername
	brokerCfg.Password = cfg.BrokerPassword
	brokerCfg.CamPrefix = cfg.CamPrefix
	brokerClient := broker.New(brokerCfg, log)
	// The broker may come up after the gateway in a fresh deploy; retry the
	// initial connect with exponential backoff before giving up.
	connectPolicy := backoff.NewExponentialBackOff()
	connectPolicy.MaxElapsedTime = 2 * time.Minute
	if err := backoff.Retry(brokerClient.Connect, backoff.WithContext(connectPolicy, ctx)); err != nil {
		return err
	}
	defer brokerClient.Disconnect()

	resolver := devicecontext.New(rpc, redisClient, log)
	scheduler := wake.New(rpc, cfg.DefaultCron, log)
	dispatch := dispatcher.New(dispatcher.DefaultConfig(), queue, devices, brokerClient, scheduler, log)
	final := finalizer.New(chunks, sessions, storageClient, brokerClient, rpc, scheduler, log)
	locks := devicelock.New(log)

	engine := sessionengine.New(devices, sessions, chunks, resolver, dispatch, final, brokerClient, rpc, locks, log)

	if err := brokerClient.Subscribe(func(msg broker.InboundMessage) {
		// One worker per message; per-device ordering is enforced by the
		// engine's lock registry, not by the broker's dispatch goroutine.
		go handleInbound(ctx, engine, msg, log)
	}); err != nil {
		return err
	}

	go dispatch.Run(ctx)
	go runSweeper(ctx, engine, log)

	healthServer := health.New(
		brokerClient,
		dispatcherCounters{dispatch},
		pendingCounter{queue},
		engineSessions{engine},
		engineSweeper{engine},
		log,
	)
	adminServer := adminapi.New(devices, dispatch, resolver, log)

	topMux := http.NewServeMux()
	topMux.Handle("/devices/", adminServer.Handler())
	topMux.Handle("/", healthServer.Handler())
	httpServer := &http.Server{Addr: portAddr(cfg.HealthPort), Handler: topMux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("health server stopped")
		}
	}()

	log.WithField("health_port", cfg.HealthPort).Info("gatewayd started")
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	return nil
}

// handleInbound is the panic-recovery boundary between the broker's own
// dispatch goroutines and the session engine: nothing from the inbound path
// is allowed to propagate or crash the process.
func handleInbound(ctx context.Context, engine *sessionengine.Engine, msg broker.InboundMessage, log *logrus.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("device_mac", msg.DeviceMAC).WithField("panic", r).Error("recovered from panic handling inbound message")
		}
	}()

	engineMsg := sessionengine.InboundMessage{
		DeviceMAC: msg.DeviceMAC,
		Kind:      sessionengine.MessageKind(msg.Kind),
		Topic:     msg.Topic,
		Payload:   msg.Payload,
	}
	if err := engine.HandleMessage(ctx, engineMsg); err != nil {
		log.WithError(err).WithField("device_mac", msg.DeviceMAC).Error("failed to handle inbound message")
	}
}

func runSweeper(ctx context.Context, engine *sessionengine.Engine, log *logrus.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			engine.Sweep(ctx)
		}
	}
}

func portAddr(port int) string {
	if port <= 0 {
		port = 8080
	}
	return ":" + strconv.Itoa(port)
}

// dispatcherCounters adapts *dispatcher.Dispatcher to health.DispatcherStatus.
type dispatcherCounters struct{ d *dispatcher.Dispatcher }

func (d dispatcherCounters) Counters() health.Counters {
	c := d.d.Counters()
	return health.Counters{SentTotal: c.SentTotal, FailedTotal: c.FailedTotal}
}

// pendingCounter adapts *cmdqueue.Queue to health.PendingCounter.
type pendingCounter struct{ q *cmdqueue.Queue }

func (p pendingCounter) CountPending() int {
	ctx, cancel := context.WithTimeout(context.Background(), config.RPCTimeout)
	defer cancel()
	n, err := p.q.CountByStatus(ctx, model.CommandPendingStatus)
	if err != nil {
		return 0
	}
	return n
}

// engineSessions adapts *sessionengine.Engine to health.SessionSource.
type engineSessions struct{ e *sessionengine.Engine }

func (s engineSessions) ActiveSessions() ([]health.SessionSnapshot, error) {
	snaps, err := s.e.ActiveSessions()
	if err != nil {
		return nil, err
	}
	out := make([]health.SessionSnapshot, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, health.SessionSnapshot{
			DeviceMAC:        s.DeviceMAC,
			State:            s.State,
			CurrentImageName: s.CurrentImageName,
			StartedAt:        s.StartedAt,
			LastActivityAt:   s.LastActivityAt,
		})
	}
	return out, nil
}

// engineSweeper adapts *sessionengine.Engine to health.Sweeper.
type engineSweeper struct{ e *sessionengine.Engine }

func (s engineSweeper) Sweep() health.SweepResult {
	r := s.e.Sweep(context.Background())
	return health.SweepResult{
		IdleSessionsReaped:        r.IdleSessionsReaped,
		SuppressionEntriesEvicted: r.SuppressionEntriesEvicted,
		ChunkRowsSwept:            r.ChunkRowsSwept,
	}
}
