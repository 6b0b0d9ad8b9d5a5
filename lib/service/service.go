// Cloudillo
// Copyright (C) 2025 The Cloudillo Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package service assembles a Cloudillo instance from its parts: it
// opens the stores, wires the token issuer, identity service, action
// engine, federation client, relay and gateway, schedules the
// background tasks and owns the process lifecycle from listener bind
// to graceful shutdown.
package service

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/cloudillo/cloudillo"
	"github.com/cloudillo/cloudillo/lib/actions"
	"github.com/cloudillo/cloudillo/lib/auth"
	"github.com/cloudillo/cloudillo/lib/backend/blobfs"
	"github.com/cloudillo/cloudillo/lib/backend/crdtlog"
	"github.com/cloudillo/cloudillo/lib/backend/lite"
	"github.com/cloudillo/cloudillo/lib/backend/membus"
	"github.com/cloudillo/cloudillo/lib/defaults"
	"github.com/cloudillo/cloudillo/lib/federation"
	"github.com/cloudillo/cloudillo/lib/relay"
	"github.com/cloudillo/cloudillo/lib/tokens"
	"github.com/cloudillo/cloudillo/lib/utils"
	"github.com/cloudillo/cloudillo/lib/web"
	"github.com/cloudillo/cloudillo/lib/worker"
)

// Config is the bootstrap configuration of an instance, normally
// populated from the environment by lib/config. Everything beyond
// bootstrap lives in the stores and is managed through the API.
type Config struct {
	// Mode selects how client connections terminate: standalone and
	// stream_proxy terminate TLS here, proxy serves plain HTTP behind
	// a TLS-terminating reverse proxy.
	Mode cloudillo.RunMode
	// ListenAddr is the main listener address.
	ListenAddr string
	// ListenAddrHTTP is the plain HTTP listener of the TLS modes. It
	// serves ACME challenges and redirects everything else.
	ListenAddrHTTP string
	// DataDir is the state directory of the instance.
	DataDir string
	// PrivateDataDir holds the stores and the private blob tree.
	// Defaults under DataDir.
	PrivateDataDir string
	// PublicDataDir holds the public blob mirror. Defaults under
	// DataDir.
	PublicDataDir string
	// Secret signs the instance token kinds.
	Secret []byte
	// BaseIDTag is the identity tag of the base tenant. It is
	// provisioned with BasePassword on first start when missing.
	BaseIDTag string
	// BasePassword is the initial password of the base tenant.
	BasePassword string
	// BaseAppDomain is the host the first-party web app is served
	// from. When set, the gateway grants CORS to its origin.
	BaseAppDomain string
	// ACMEEmail is the ACME account contact. Required in the TLS
	// modes.
	ACMEEmail string
	// ACMEDirectoryURL overrides the ACME directory, mostly in tests.
	ACMEDirectoryURL string
	// LocalIPs lists the fronting proxy addresses trusted to assert
	// forwarded headers in proxy modes.
	LocalIPs []string
	// IdentityProviders restricts hosted registration to identity
	// tags under the listed domains.
	IdentityProviders []string
	// Clock overrides the wall clock in tests.
	Clock clockwork.Clock
	// Log is the supervisor logger.
	Log *slog.Logger
}

// terminatesTLS reports whether this instance owns the TLS endpoint
// and with it the certificate lifecycle.
func (c *Config) terminatesTLS() bool {
	return c.Mode == cloudillo.ModeStandalone || c.Mode == cloudillo.ModeStreamProxy
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if len(c.Secret) == 0 {
		return trace.BadParameter("missing JWT secret")
	}
	switch c.Mode {
	case "":
		c.Mode = cloudillo.ModeStandalone
	case cloudillo.ModeStandalone, cloudillo.ModeProxy, cloudillo.ModeStreamProxy:
	default:
		return trace.BadParameter("unknown run mode %q", c.Mode)
	}
	if c.terminatesTLS() && c.ACMEEmail == "" {
		return trace.BadParameter("mode %q manages certificates and needs an ACME contact email", c.Mode)
	}
	if c.BaseIDTag != "" && c.BasePassword == "" {
		return trace.BadParameter("base tenant %q needs a password", c.BaseIDTag)
	}
	if c.ListenAddr == "" {
		if c.Mode == cloudillo.ModeProxy {
			c.ListenAddr = defaults.ListenAddrProxy
		} else {
			c.ListenAddr = defaults.ListenAddr
		}
	}
	if c.ListenAddrHTTP == "" {
		c.ListenAddrHTTP = defaults.ListenAddrHTTP
	}
	if c.DataDir == "" {
		c.DataDir = defaults.DataDir
	}
	if c.PrivateDataDir == "" {
		c.PrivateDataDir = filepath.Join(c.DataDir, "private")
	}
	if c.PublicDataDir == "" {
		c.PublicDataDir = filepath.Join(c.DataDir, "public")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = utils.NewLogger(cloudillo.ComponentService)
	}
	return nil
}

// Instance is one assembled Cloudillo process.
type Instance struct {
	cfg   Config
	log   *slog.Logger
	clock clockwork.Clock

	authStore *lite.AuthBackend
	metaStore *lite.MetaBackend
	dataStore *lite.DatabaseBackend
	blobStore *blobfs.Store
	crdtStore *crdtlog.Store
	bus       *membus.Bus

	issuer   *tokens.Issuer
	identity *auth.Service
	certs    *auth.CertManager
	fed      *federation.Client
	engine   *actions.Engine
	relay    *relay.Server
	tasks    *worker.Worker
	handler  *web.Handler

	pushClient *http.Client

	listener     net.Listener
	listenerHTTP net.Listener

	closeOnce sync.Once
	closeErr  error
}

// New builds an instance: it opens the stores under the data
// directories, wires every component and binds the listeners, so an
// unusable configuration surfaces before Run.
func New(cfg Config) (*Instance, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	i := &Instance{cfg: cfg, log: cfg.Log, clock: cfg.Clock}
	if err := i.init(); err != nil {
		i.Close()
		return nil, trace.Wrap(err)
	}
	return i, nil
}

func (i *Instance) init() error {
	cfg := i.cfg
	if err := os.MkdirAll(cfg.PrivateDataDir, 0o700); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := os.MkdirAll(cfg.PublicDataDir, 0o755); err != nil {
		return trace.ConvertSystemError(err)
	}

	var err error
	if i.authStore, err = lite.NewAuthStore(lite.Config{
		Path:  filepath.Join(cfg.PrivateDataDir, defaults.AuthDBFile),
		Clock: cfg.Clock,
	}); err != nil {
		return trace.Wrap(err)
	}
	if i.metaStore, err = lite.NewMetaStore(lite.Config{
		Path:  filepath.Join(cfg.PrivateDataDir, defaults.MetaDBFile),
		Clock: cfg.Clock,
	}); err != nil {
		return trace.Wrap(err)
	}
	if i.dataStore, err = lite.NewDatabaseStore(lite.Config{
		Path:  filepath.Join(cfg.PrivateDataDir, defaults.DatabaseDBFile),
		Clock: cfg.Clock,
	}); err != nil {
		return trace.Wrap(err)
	}
	if i.blobStore, err = blobfs.New(blobfs.Config{
		Root:       filepath.Join(cfg.PrivateDataDir, defaults.BlobDir),
		PublicRoot: cfg.PublicDataDir,
	}); err != nil {
		return trace.Wrap(err)
	}
	if i.crdtStore, err = crdtlog.New(crdtlog.Config{
		Root: filepath.Join(cfg.PrivateDataDir, defaults.CRDTDir),
	}); err != nil {
		return trace.Wrap(err)
	}
	i.bus = membus.New()

	if i.issuer, err = tokens.NewIssuer(tokens.Config{
		Secret: cfg.Secret,
		Clock:  cfg.Clock,
	}); err != nil {
		return trace.Wrap(err)
	}
	if i.identity, err = auth.New(auth.Config{
		AuthStore:         i.authStore,
		MetaStore:         i.metaStore,
		Issuer:            i.issuer,
		Mode:              cfg.Mode,
		IdentityProviders: cfg.IdentityProviders,
		LocalIPs:          cfg.LocalIPs,
		Clock:             cfg.Clock,
	}); err != nil {
		return trace.Wrap(err)
	}
	if cfg.terminatesTLS() {
		if i.certs, err = auth.NewCertManager(auth.CertConfig{
			Store:        i.authStore,
			Email:        cfg.ACMEEmail,
			DirectoryURL: cfg.ACMEDirectoryURL,
			Clock:        cfg.Clock,
		}); err != nil {
			return trace.Wrap(err)
		}
	}
	if i.fed, err = federation.New(federation.Config{
		Tokens: i.identity,
		Meta:   i.metaStore,
		Blobs:  i.blobStore,
		Clock:  cfg.Clock,
	}); err != nil {
		return trace.Wrap(err)
	}
	if i.engine, err = actions.New(actions.Config{
		Auth:       i.authStore,
		Meta:       i.metaStore,
		Blobs:      i.blobStore,
		Bus:        i.bus,
		Federation: i.fed,
		Clock:      cfg.Clock,
	}); err != nil {
		return trace.Wrap(err)
	}
	if i.relay, err = relay.New(relay.Config{
		Issuer: i.issuer,
		CRDT:   i.crdtStore,
		Bus:    i.bus,
		Clock:  cfg.Clock,
	}); err != nil {
		return trace.Wrap(err)
	}
	if i.handler, err = web.New(web.Config{
		Identity:  i.identity,
		Actions:   i.engine,
		Relay:     i.relay,
		Certs:     i.certs,
		Auth:      i.authStore,
		Meta:      i.metaStore,
		Blobs:     i.blobStore,
		Database:  i.dataStore,
		AppDomain: cfg.BaseAppDomain,
		Clock:     cfg.Clock,
	}); err != nil {
		return trace.Wrap(err)
	}

	// Publishes with nobody online fall through to the notification
	// queue and reach the tenant's devices through web push.
	i.bus.SetOfflineHandler(i.queueNotification)
	i.pushClient = &http.Client{Timeout: defaults.FederationTimeout}

	if err := i.registerTasks(); err != nil {
		return trace.Wrap(err)
	}

	if i.listener, err = net.Listen("tcp", cfg.ListenAddr); err != nil {
		return trace.ConvertSystemError(err)
	}
	if cfg.terminatesTLS() {
		if i.listenerHTTP, err = net.Listen("tcp", cfg.ListenAddrHTTP); err != nil {
			return trace.ConvertSystemError(err)
		}
	}
	return nil
}

func (i *Instance) registerTasks() error {
	var err error
	if i.tasks, err = worker.New(worker.Config{Clock: i.cfg.Clock}); err != nil {
		return trace.Wrap(err)
	}
	if i.certs != nil {
		err = i.tasks.Register("cert-renew", defaults.CertCheckPeriod, func(ctx context.Context) (time.Duration, error) {
			return 0, trace.Wrap(i.certs.RenewExpiring(ctx))
		})
		if err != nil {
			return trace.Wrap(err)
		}
	}
	if err := i.tasks.Register("profile-sync", defaults.ProfileSyncPeriod, i.engine.SyncStaleProfiles); err != nil {
		return trace.Wrap(err)
	}
	if err := i.tasks.Register("delivery-retry", defaults.DeliveryRetryPeriod, i.engine.RetryDeliveries); err != nil {
		return trace.Wrap(err)
	}
	if err := i.tasks.Register("attachment-sync", defaults.FileSyncPeriod, i.engine.SyncPendingFiles); err != nil {
		return trace.Wrap(err)
	}
	if err := i.tasks.Register("notify-push", defaults.NotifyPeriod, i.pushNotifications); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// Addr returns the bound address of the main listener.
func (i *Instance) Addr() string {
	return i.listener.Addr().String()
}

// bootstrap provisions first-start state: the instance key material
// and the base tenant. It is idempotent.
func (i *Instance) bootstrap(ctx context.Context) error {
	if err := i.identity.EnsureInstanceKeys(ctx); err != nil {
		return trace.Wrap(err)
	}
	if i.cfg.BaseIDTag == "" {
		return nil
	}
	tenant, err := i.identity.EnsureTenant(ctx, auth.RegisterParams{
		IDTag:    i.cfg.BaseIDTag,
		Name:     i.cfg.BaseIDTag,
		Password: i.cfg.BasePassword,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	i.log.InfoContext(ctx, "base tenant ready", "id_tag", tenant.IDTag, "tn_id", tenant.TnID)
	return nil
}

// Run starts the instance and blocks until the context is canceled or
// the process receives SIGINT or SIGTERM. On the way out the HTTP
// servers drain, the relay flushes its rooms and the stores close.
func (i *Instance) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer i.Close()

	if err := i.bootstrap(ctx); err != nil {
		return trace.Wrap(err)
	}

	main := &http.Server{
		Handler:           i.handler,
		ReadHeaderTimeout: defaults.ReadHeaderTimeout,
	}
	servers := []*http.Server{main}
	var serve []func() error

	if i.cfg.terminatesTLS() {
		main.TLSConfig = &tls.Config{
			GetCertificate: i.certs.GetCertificate,
			MinVersion:     tls.VersionTLS12,
			NextProtos:     []string{"h2", "http/1.1"},
		}
		serve = append(serve, func() error { return main.ServeTLS(i.listener, "", "") })

		challenge := &http.Server{
			Handler:           i.challengeHandler(),
			ReadHeaderTimeout: defaults.ReadHeaderTimeout,
		}
		servers = append(servers, challenge)
		serve = append(serve, func() error { return challenge.Serve(i.listenerHTTP) })
	} else {
		serve = append(serve, func() error { return main.Serve(i.listener) })
	}

	i.log.InfoContext(ctx, "instance starting",
		"version", cloudillo.Version, "mode", i.cfg.Mode, "addr", i.listener.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	for _, fn := range serve {
		g.Go(func() error {
			if err := fn(); !errors.Is(err, http.ErrServerClosed) {
				return trace.Wrap(err)
			}
			return nil
		})
	}
	g.Go(func() error {
		return trace.Wrap(i.tasks.Run(gctx))
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), defaults.ShutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(sctx))
		}
		return trace.NewAggregate(errs...)
	})

	err := g.Wait()
	i.log.InfoContext(ctx, "instance stopped")
	return trace.Wrap(err)
}

// challengeHandler serves the plain HTTP listener of the TLS modes:
// ACME HTTP-01 challenge responses, with everything else redirected
// to the TLS endpoint.
func (i *Instance) challengeHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(cloudillo.ChallengeBasePath, func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.URL.Path, cloudillo.ChallengeBasePath)
		response, err := i.certs.ChallengeResponse(r.Context(), token)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, response)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://"+r.Host+r.URL.RequestURI(), http.StatusMovedPermanently)
	})
	return mux
}

// Close releases everything the instance holds. It is safe to call
// more than once and on a partially constructed instance.
func (i *Instance) Close() error {
	i.closeOnce.Do(func() {
		var errs []error
		closeListener := func(ln net.Listener) {
			if ln == nil {
				return
			}
			if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		closeListener(i.listener)
		closeListener(i.listenerHTTP)
		if i.relay != nil {
			errs = append(errs, i.relay.Close())
		}
		if i.dataStore != nil {
			errs = append(errs, i.dataStore.Close())
		}
		if i.metaStore != nil {
			errs = append(errs, i.metaStore.Close())
		}
		if i.authStore != nil {
			errs = append(errs, i.authStore.Close())
		}
		i.closeErr = trace.NewAggregate(errs...)
	})
	return i.closeErr
}
