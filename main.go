package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/zijiren233/synctv-relay/config"
	"github.com/zijiren233/synctv-relay/httpServer"
	"github.com/zijiren233/synctv-relay/internal/auth"
	"github.com/zijiren233/synctv-relay/internal/hls"
	"github.com/zijiren233/synctv-relay/internal/hub"
	"github.com/zijiren233/synctv-relay/internal/logging"
	"github.com/zijiren233/synctv-relay/internal/metrics"
	"github.com/zijiren233/synctv-relay/internal/registry"
	"github.com/zijiren233/synctv-relay/internal/relay"
	"github.com/zijiren233/synctv-relay/internal/rtmp"
	"github.com/zijiren233/synctv-relay/internal/storage"
)

func main() {
	cfg := config.Load()
	logging.Setup(cfg.NodeID)
	log.Info().
		Str("rtmp", cfg.RTMPAddr).
		Str("http", cfg.HTTPAddr).
		Str("grpc", cfg.GRPCAddr).
		Msg("starting synctv relay node")

	// Segment storage backend
	var store storage.Storage
	switch cfg.StorageType {
	case "gcs":
		if cfg.GCSBucket == "" {
			log.Fatal().Msg("GCS_BUCKET_NAME must be set when STORAGE_TYPE=gcs")
		}
		gcs, err := storage.NewGCSStorage(context.Background(), cfg.GCSBucket, cfg.GCSBasePath, cfg.GCSCDNBase)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize GCS storage")
		}
		store = gcs
	case "memory":
		store = storage.NewMemoryStorage()
	default:
		fileStore, err := storage.NewFileStorage(cfg.StorageDir)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize file storage")
		}
		store = fileStore
	}
	log.Info().Str("backend", cfg.StorageType).Msg("segment storage initialized")

	// Registry kv and revocation store
	var reg registry.Registry
	var revocations auth.RevocationStore
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		client := redis.NewClient(opts)
		if err := client.Ping(context.Background()).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		reg = registry.NewRedis(client, cfg.KeyPrefix, cfg.NodeID, cfg.AdvertiseAddr)
		revocations = auth.NewRedisRevocations(client, cfg.KeyPrefix)
		log.Info().Msg("redis registry initialized")
	} else {
		reg = registry.NewMemory(cfg.NodeID, cfg.AdvertiseAddr)
		revocations = auth.NoRevocations{}
		log.Info().Msg("in-memory registry initialized (single node)")
	}

	// Recover from a previous crash: drop stale records for this node.
	if deleted, err := reg.CleanupNode(context.Background(), cfg.NodeID); err != nil {
		log.Warn().Err(err).Msg("failed to clean up stale publisher records")
	} else if deleted > 0 {
		log.Info().Int("deleted", deleted).Msg("cleaned up stale publisher records")
	}

	m := metrics.New()
	authHook := auth.New([]byte(cfg.JWTSecret), revocations)

	// Stream hub and its observers
	h := hub.New(cfg.MaxGOPs)
	go observeMetrics(h, m)

	lifecycle := registry.NewLifecycle(reg, h, cfg.HeartbeatInterval)
	lifecycle.SetMetrics(m)
	go lifecycle.Run()

	hlsManager := hls.NewManager(h, store, cfg.SegmentDuration, cfg.Retention)
	go hlsManager.Run()

	cleaner := storage.NewCleaner(store, cfg.Retention, cfg.CleanupInterval)
	cleaner.Start()

	pulls := relay.NewManager(h, reg, cfg.NodeID, cfg.ClusterSecret)
	pulls.SetMetrics(m)
	go pulls.Run()

	proxy := relay.NewHLSProxy(reg, cfg.ClusterSecret, cfg.Retention+30*time.Second)

	// Cross-node relay service
	relaySvc := relay.NewService(h, hlsManager, store, cfg.ClusterSecret)
	go func() {
		if err := relaySvc.Serve(cfg.GRPCAddr); err != nil {
			log.Fatal().Err(err).Msg("grpc server failed")
		}
	}()

	// RTMP frontend
	rtmpSrv := rtmp.New(cfg.RTMPAddr, h, authHook, pulls,
		rtmp.WithMaxConnections(cfg.MaxConnections),
		rtmp.WithMaxMessageSize(uint32(cfg.MaxMessageSize)),
		rtmp.WithGracePeriod(cfg.ShutdownGrace),
	)
	go func() {
		if err := rtmpSrv.ListenAndServe(); err != nil {
			log.Fatal().Err(err).Msg("rtmp server failed")
		}
	}()

	// HTTP frontend
	httpSrv := httpServer.New(h, authHook, pulls, hlsManager, proxy, store, m)
	go func() {
		if err := httpSrv.Run(cfg.HTTPAddr); err != nil {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// Block until shutdown signal, then drain in dependency order.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
	defer cancel()

	if err := rtmpSrv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("rtmp shutdown incomplete")
	}
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	relaySvc.Stop()
	pulls.Stop()
	hlsManager.Stop()
	cleaner.Stop()
	lifecycle.Stop()
	proxy.Close()
	h.Close()
	log.Info().Msg("shutdown complete")
}

// observeMetrics feeds stream lifecycle metrics from hub broadcasts.
func observeMetrics(h *hub.Hub, m *metrics.Metrics) {
	for ev := range h.Observe() {
		switch ev.Kind {
		case hub.EventPublish:
			m.RecordStreamStart()
		case hub.EventUnpublish:
			m.RecordStreamStop()
		case hub.EventSubscribe:
			m.RecordSubscribe(string(ev.Subscriber.Type))
		case hub.EventUnsubscribe:
			m.RecordUnsubscribe(string(ev.Subscriber.Type))
		}
	}
}
