package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/semaphore"

	"github.com/forkmeplease/powersync-service/internal/authkeystore"
	"github.com/forkmeplease/powersync-service/internal/checkpointwatcher"
	"github.com/forkmeplease/powersync-service/internal/checksumcache"
	"github.com/forkmeplease/powersync-service/internal/config"
	"github.com/forkmeplease/powersync-service/internal/connstate"
	"github.com/forkmeplease/powersync-service/internal/domain"
	"github.com/forkmeplease/powersync-service/internal/metrics"
	"github.com/forkmeplease/powersync-service/internal/obslog"
	"github.com/forkmeplease/powersync-service/internal/paramresolver"
	"github.com/forkmeplease/powersync-service/internal/replication"
	"github.com/forkmeplease/powersync-service/internal/storage"
	"github.com/forkmeplease/powersync-service/internal/syncrules"
	"github.com/forkmeplease/powersync-service/internal/syncstream"
	"github.com/forkmeplease/powersync-service/internal/wire"
)

var logger = obslog.Get("syncd")

func main() {
	configPath := flag.String("config", "", "path to service config YAML")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Criticalf("loading config: %v", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	obslog.ConfigureRootLevel(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		logger.Criticalf("fatal: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	clk := clock.WallClock

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	engine, err := storage.Open(ctx, cfg.Storage.DSN, clk)
	if err != nil {
		return errors.Annotate(err, "opening storage engine")
	}
	defer engine.Close()

	cache := checksumcache.New(engine, cfg.Sync.ChecksumCacheCapacity)

	flushLocks := kmutex.New()
	writer := replication.NewWriter(cfg.Replication.GroupID, noopRules{}, engine, clk, flushLocks)
	_ = writer // wired up fully once a concrete SourceAdapter and sync-rules compiler are configured per deployment

	watcher := checkpointwatcher.New(engineUpstream{engine: engine, groupID: cfg.Replication.GroupID}, func(ctx context.Context, key string) (domain.Checkpoint, error) {
		return engine.CurrentCheckpoint(ctx, cfg.Replication.GroupID)
	})

	keyStore := buildKeyStore(cfg)
	syncstream.PreemptionOpThreshold = cfg.Sync.PreemptionOpsThreshold
	sem := syncstream.NewSharedSemaphore()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/sync/stream", syncHandler(cfg, engine, cache, watcher, keyStore, sem, clk))

	srv := &http.Server{Addr: cfg.Listen, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return errors.Trace(srv.Shutdown(shutdownCtx))
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Trace(err)
	}
}

func syncHandler(cfg config.Config, engine *storage.Engine, cache *checksumcache.Cache, watcher *checkpointwatcher.Demux, keyStore *authkeystore.Store, sem *semaphore.Weighted, clk clock.Clock) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		token := bearerToken(req)
		claims, err := keyStore.Verify(req.Context(), token)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		sink, err := syncstream.UpgradeSink(w, req)
		if err != nil {
			logger.Warningf("upgrade failed for %s: %v", claims.Subject, err)
			return
		}
		defer sink.Close()

		sub, err := watcher.Subscribe(req.Context(), claims.Subject)
		if err != nil {
			logger.Errorf("subscribe failed for %s: %v", claims.Subject, err)
			return
		}
		defer sub.Cancel()

		resolver := paramresolver.New(noopRules{}, syncrules.RequestParameters{UserID: claims.Subject, Claims: claims.Raw})
		state := connstate.New(cfg.Replication.GroupID, cache, resolver, nil)

		connCtx, cancel := syncstream.WatchTokenExpiry(req.Context(), clk, claims.ExpiresAt, syncstream.DefaultExpirySkew)
		defer cancel()

		conn := syncstream.NewConnection(cfg.Replication.GroupID, sink, state, engine, sub, clk, flavorFor(req), sem)
		if err := conn.Run(connCtx); err != nil {
			logger.Warningf("sync stream for %s ended: %v", claims.Subject, err)
		}
	}
}

func bearerToken(req *http.Request) string {
	if auth := req.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
		return auth[7:]
	}
	return req.URL.Query().Get("token")
}

func flavorFor(req *http.Request) wire.Flavor {
	q := req.URL.Query()
	switch {
	case q.Get("binary_data") == "true":
		return wire.FlavorBinary
	case q.Get("raw_data") == "true":
		return wire.FlavorRaw
	default:
		return wire.FlavorDefault
	}
}

func buildKeyStore(cfg config.Config) *authkeystore.Store {
	refreshLocks := kmutex.New()
	var collectors []authkeystore.KeyCollector
	for _, k := range cfg.Auth.StaticKeys {
		key := authkeystore.Key{KID: k.KeyID, Algorithm: k.Algorithm}
		if k.PEM != "" {
			pub, err := authkeystore.ParsePublicKeyPEM(k.Algorithm, k.PEM)
			if err != nil {
				logger.Criticalf("parsing static key %q: %v", k.KeyID, err)
				os.Exit(1)
			}
			key.PublicKey = pub
		} else {
			key.PublicKey = []byte(k.Secret)
		}
		collectors = append(collectors, authkeystore.NewStaticCollector([]authkeystore.Key{key}))
	}
	for _, j := range cfg.Auth.JWKSCollectors {
		collectors = append(collectors, authkeystore.NewJWKSCollector(j.URL, j.RefreshPeriod, nil, refreshLocks))
	}
	if cfg.Auth.Supabase != nil {
		collectors = append(collectors, authkeystore.NewSupabaseSecretCollector([]byte(cfg.Auth.Supabase.JWTSecret), cfg.Auth.Supabase.Issuer))
	}
	return authkeystore.New(collectors, cfg.Auth.Audience, cfg.Auth.MaxLifetime)
}

// engineUpstream adapts storage.Engine to checkpointwatcher.Upstream,
// binding the sync-rules group id CurrentCheckpoint needs but Upstream's
// Fetch signature doesn't carry.
type engineUpstream struct {
	engine  *storage.Engine
	groupID string
}

func (u engineUpstream) Notify() <-chan struct{} { return u.engine.Notify() }
func (u engineUpstream) Fetch(ctx context.Context) (domain.Checkpoint, error) {
	return u.engine.CurrentCheckpoint(ctx, u.groupID)
}

// noopRules is the compiled-sync-rules placeholder wired in until a
// concrete rules compiler (outside this spec's scope) is configured per
// deployment; it reports no buckets at all, which is a safe default.
type noopRules struct{}

func (noopRules) Version() string                { return "" }
func (noopRules) StaticBuckets() []syncrules.BucketDefinition { return nil }
func (noopRules) DynamicBucketNames() []string   { return nil }
func (noopRules) EvaluateDataQueries(syncrules.SourceRow) ([]syncrules.DataQueryResult, error) {
	return nil, nil
}
func (noopRules) EvaluateParameterQueries(syncrules.SourceRow) ([]syncrules.ParameterLookup, error) {
	return nil, nil
}
func (noopRules) QueryDynamicBucketDescriptions(syncrules.RequestParameters, domain.OpID) ([]string, error) {
	return nil, nil
}
