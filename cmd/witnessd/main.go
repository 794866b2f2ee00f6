// witnessd is the protocol daemon: it owns the local identity, securestore,
// object cache, upload queue, and session manager, and exposes them over a
// local REST API a capture client (mobile/desktop UI) talks to.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	wcrypto "github.com/witness-protocol/core/internal/crypto"

	"github.com/witness-protocol/core/internal/attestation"
	"github.com/witness-protocol/core/internal/config"
	"github.com/witness-protocol/core/internal/discovery"
	"github.com/witness-protocol/core/internal/group"
	"github.com/witness-protocol/core/internal/identity"
	"github.com/witness-protocol/core/internal/ledger"
	"github.com/witness-protocol/core/internal/ledger/memledger"
	"github.com/witness-protocol/core/internal/objectstore"
	"github.com/witness-protocol/core/internal/observability"
	"github.com/witness-protocol/core/internal/securestore"
	"github.com/witness-protocol/core/internal/session"
	"github.com/witness-protocol/core/internal/uploadqueue"
)

const daemonVersion = "0.1.0"

func main() {
	logger := observability.NewLogger("witnessd", daemonVersion, os.Stdout)
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker(daemonVersion)

	if shutdown, err := observability.InitTracing(context.Background(), "witnessd"); err == nil {
		defer shutdown(context.Background())
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		logger.Fatal(err, "failed to load configuration")
	}

	if err := os.MkdirAll(cfg.DataDirectory, 0700); err != nil {
		logger.Fatal(err, "failed to create data directory")
	}

	signer, err := loadOrCreateSigner(cfg, logger)
	if err != nil {
		logger.Fatal(err, "failed to load identity signer")
	}
	logger.Info(fmt.Sprintf("identity signer ready, address=%x", signer.Address()))

	vault := wcrypto.NewKeyVault()
	masterKey, err := vault.DeriveMasterKey(signer, cfg.ChainID)
	if err != nil {
		logger.Fatal(err, "failed to derive master key")
	}

	secureStore, err := securestore.Open(filepath.Join(cfg.DataDirectory, "securestore.db"), *masterKey)
	if err != nil {
		logger.Fatal(err, "failed to open secure store")
	}
	defer secureStore.Close()

	id, err := identity.GetOrCreate(secureStore, signer, cfg.ChainID)
	if err != nil {
		logger.Fatal(err, "failed to load or create identity")
	}
	logger.Info(fmt.Sprintf("semaphore identity commitment=%x", id.Commitment))

	// The public Registry is an external collaborator (an on-chain contract
	// behind a gasless relayer). No live ethclient-backed implementation of
	// ledger.Registry exists anywhere in the retrieved corpus, so memledger
	// stands in for it here; swapping in a real implementation touches
	// nothing above this line.
	registry := memledger.New()
	registry.RegisterAddr(signer.Address())

	objStore, err := objectstore.OpenBoltStore(filepath.Join(cfg.DataDirectory, "objects.bolt"))
	if err != nil {
		logger.Fatal(err, "failed to open object store")
	}
	defer objStore.Close()

	sessionRecords, err := session.OpenStore(filepath.Join(cfg.DataDirectory, "sessions.db"))
	if err != nil {
		logger.Fatal(err, "failed to open session store")
	}
	defer sessionRecords.Close()

	queue, err := uploadqueue.Open(filepath.Join(cfg.DataDirectory, "uploadqueue.db"))
	if err != nil {
		logger.Fatal(err, "failed to open upload queue")
	}
	defer queue.Close()

	sessionMgr := session.NewManager(objStore, queue, sessionRecords, registry, logger)
	sessionMgr.SetUploadRateLimit(cfg.UploadRatePerSec, cfg.UploadBurst)
	groupSvc := group.NewService(registry, secureStore, cfg.ChainID, cfg.RegistryAddress)
	attestSvc := attestation.NewService(registry, secureStore)
	discoverySvc := discovery.NewService(registry, objStore, groupSvc)
	recovery := session.NewRecovery(sessionRecords, queue)

	pending, err := recovery.Scan()
	if err != nil {
		logger.Error(err, "recovery scan failed")
	}
	for _, p := range pending {
		logger.Info(fmt.Sprintf("recoverable session %s: status=%s pending=%d uploaded=%d failed=%d", p.SessionID, p.Status, p.Pending, p.Uploaded, p.Failed))
	}

	health.RegisterCheck("rest_listener", observability.RESTListenerCheck(cfg.RESTAddress))
	health.RegisterCheck("identity", observability.KeystoreCheck(true))
	health.RegisterCheck("session_store", observability.DatabaseCheck(filepath.Join(cfg.DataDirectory, "sessions.db")))
	health.RegisterCheck("disk_space", observability.DiskSpaceCheck(cfg.DataDirectory, cfg.MinFreeDiskBytes))
	health.RegisterCheck("registry", observability.LedgerCheck(cfg.RPCEndpoint, func(ctx context.Context) error {
		_, err := registry.Registered(ctx, signer.Address())
		return err
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The background worker drains both job kinds ProcessChunk can enqueue:
	// chunk uploads the object store rejected at capture time, and ledger
	// anchors the registry rejected at capture time.
	worker := uploadqueue.NewWorker(queue, retryDispatch(objStore, sessionRecords, registry, metrics, logger))
	worker.Start(ctx)
	defer worker.Stop()

	srv := &apiServer{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		sessionMgr: sessionMgr,
		groups:     groupSvc,
		attest:     attestSvc,
		discovery:  discoverySvc,
		identity:   id,
		signer:     signer,
		store:      objStore,
		recovery:   recovery,
	}

	go startObservabilityServer(cfg.ObservabilityAddress, metrics, health, logger)

	mux := http.NewServeMux()
	srv.registerRoutes(mux)
	apiSrv := &http.Server{Addr: cfg.RESTAddress, Handler: mux}

	go func() {
		logger.Info("REST API listening on " + cfg.RESTAddress)
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(err, "REST API server error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = apiSrv.Shutdown(shutdownCtx)
	cancel()
	logger.Info("witnessd stopped")
}

// loadOrCreateSigner loads the local identity key from the configured
// keystore, generating a fresh key on first run and saving it with the same
// SaveKey format cmd/keygen writes.
func loadOrCreateSigner(cfg *config.Config, logger *observability.Logger) (*wcrypto.LocalSigner, error) {
	keyPath := filepath.Join(cfg.DataDirectory, "identity.key")
	passphrase := os.Getenv("WITNESSD_KEY_PASSPHRASE")

	// Without a passphrase SaveKey writes keyPath+".insecure", and LoadKey
	// reads raw key bytes only from a path with that extension.
	loadPath := keyPath
	if passphrase == "" {
		loadPath += ".insecure"
	}

	if _, err := os.Stat(loadPath); os.IsNotExist(err) {
		logger.Info("no identity key found, generating a new one")
		priv, err := wcrypto.RandomBytes(32)
		if err != nil {
			return nil, err
		}
		if err := wcrypto.SaveKey(priv, keyPath, passphrase); err != nil {
			return nil, err
		}
	}

	priv, err := wcrypto.LoadKey(loadPath, passphrase)
	if err != nil {
		return nil, err
	}
	return wcrypto.NewLocalSigner(priv)
}

// retryDispatch builds the single UploadFunc the background worker drains
// the upload queue with, dispatched on each Item's Kind: a chunk_upload job
// retries the object store write with the ciphertext the queue already
// holds; an anchor_confirm job resubmits UpdateSession from the session's
// latest durable record, since the chunk's plaintext is long gone by retry
// time.
func retryDispatch(objStore objectstore.Store, records *session.Store, registry interface {
	UpdateSession(ctx context.Context, sessionID, merkleRoot [32]byte, manifestCID string, chunkCount uint64, groupIDs [][32]byte) (string, error)
}, metrics *observability.Metrics, logger *observability.Logger) uploadqueue.UploadFunc {
	return func(ctx context.Context, item uploadqueue.Item) error {
		switch item.Kind {
		case uploadqueue.KindChunkUpload:
			_, err := objStore.Upload(ctx, item.Payload, fmt.Sprintf("chunk-%d", item.ChunkIndex))
			if err != nil {
				logger.Error(err, fmt.Sprintf("retry upload failed: session %s chunk %d", item.SessionID, item.ChunkIndex))
			}
			return err
		case uploadqueue.KindAnchorConfirm:
			return retryAnchor(ctx, item.SessionID, records, registry, metrics, logger)
		default:
			return fmt.Errorf("unknown upload queue job kind %q", item.Kind)
		}
	}
}

// retryAnchor resubmits UpdateSession for a session whose anchor call
// failed, using its latest durable manifest/root.
func retryAnchor(ctx context.Context, sessionID string, records *session.Store, registry interface {
	UpdateSession(ctx context.Context, sessionID, merkleRoot [32]byte, manifestCID string, chunkCount uint64, groupIDs [][32]byte) (string, error)
}, metrics *observability.Metrics, logger *observability.Logger) error {
	rec, err := records.Load(sessionID)
	if err != nil {
		return err
	}
	start := time.Now()
	var root [32]byte
	if decoded, decErr := hex.DecodeString(rec.LatestMerkleRoot); decErr == nil {
		copy(root[:], decoded)
	}
	_, err = registry.UpdateSession(ctx, ledger.EncodeSessionID(sessionID), root, rec.LatestManifestCID, uint64(rec.ChunkCount), nil)
	metrics.RecordAnchor(err == nil, time.Since(start).Seconds())
	if err != nil {
		logger.AnchorFailed(sessionID, err)
	}
	return err
}

func startObservabilityServer(addr string, metrics *observability.Metrics, health *observability.HealthChecker, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", health.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{Addr: addr, Handler: mux}
	logger.Info("observability server listening on " + addr + " (metrics, health, pprof)")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "observability server error")
	}
}
