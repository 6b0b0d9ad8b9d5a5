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

package auth

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/cloudillo/cloudillo"
	"github.com/cloudillo/cloudillo/lib/backend"
	"github.com/cloudillo/cloudillo/lib/defaults"
	"github.com/cloudillo/cloudillo/lib/utils"
)

// Instance value names of the ACME account state.
const (
	acmeAccountKeyName = "acme.account.key"
	acmeAccountRegName = "acme.account.registration"
)

// certCacheTTL bounds how long a parsed certificate is served without
// consulting the auth store, which in turn bounds how stale a renewed
// certificate may be on the wire.
const certCacheTTL = time.Minute

// CertConfig holds the certificate manager parameters.
type CertConfig struct {
	// Store persists certificates, challenges and the account state.
	Store backend.AuthStore
	// Email is the ACME account contact.
	Email string
	// DirectoryURL is the ACME directory, defaults to Let's Encrypt.
	DirectoryURL string
	// RenewalWindow is how long before expiry a certificate becomes
	// eligible for renewal.
	RenewalWindow time.Duration
	// Clock is used for expiry decisions.
	Clock clockwork.Clock
	// Log is the manager logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *CertConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing Store")
	}
	if c.Email == "" {
		return trace.BadParameter("missing ACME contact email")
	}
	if c.DirectoryURL == "" {
		c.DirectoryURL = defaults.ACMEDirectoryURL
	}
	if c.RenewalWindow == 0 {
		c.RenewalWindow = defaults.CertRenewalWindow
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = utils.NewLogger(cloudillo.ComponentACME)
	}
	return nil
}

// CertManager obtains and renews tenant certificates over ACME HTTP-01
// and serves them to the TLS listener. Challenge responses are kept in
// the auth store so any instance process can answer them.
type CertManager struct {
	cfg   CertConfig
	log   *slog.Logger
	clock clockwork.Clock
	certs *utils.TTLCache[string, *tls.Certificate]

	mu     sync.Mutex
	client *lego.Client
}

// NewCertManager returns a certificate manager for the given config.
func NewCertManager(cfg CertConfig) (*CertManager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &CertManager{
		cfg:   cfg,
		log:   cfg.Log,
		clock: cfg.Clock,
		certs: utils.NewTTLCache[string, *tls.Certificate](certCacheTTL, cfg.Clock),
	}, nil
}

// acmeUser carries the ACME account state lego signs requests with.
type acmeUser struct {
	email string
	reg   *registration.Resource
	key   *ecdsa.PrivateKey
}

func (u *acmeUser) GetEmail() string                        { return u.email }
func (u *acmeUser) GetRegistration() *registration.Resource { return u.reg }
func (u *acmeUser) GetPrivateKey() crypto.PrivateKey        { return u.key }

// challengeStore persists HTTP-01 challenge responses in the auth
// store. The gateway serves them at the well-known challenge path.
type challengeStore struct {
	store backend.AuthStore
}

func (s challengeStore) Present(domain, token, keyAuth string) error {
	return trace.Wrap(s.store.UpsertChallenge(context.Background(), token, keyAuth))
}

func (s challengeStore) CleanUp(domain, token, keyAuth string) error {
	return trace.Wrap(s.store.DeleteChallenge(context.Background(), token))
}

// ensureClient lazily builds the ACME client, creating or restoring
// the account on first use.
func (m *CertManager) ensureClient(ctx context.Context) (*lego.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		return m.client, nil
	}

	key, err := m.loadAccountKey(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	user := &acmeUser{email: m.cfg.Email, key: key}

	config := lego.NewConfig(user)
	config.CADirURL = m.cfg.DirectoryURL
	config.Certificate.KeyType = certcrypto.EC256
	client, err := lego.NewClient(config)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := client.Challenge.SetHTTP01Provider(challengeStore{store: m.cfg.Store}); err != nil {
		return nil, trace.Wrap(err)
	}

	regJSON, err := m.cfg.Store.GetInstanceValue(ctx, acmeAccountRegName)
	switch {
	case err == nil:
		reg := &registration.Resource{}
		if err := json.Unmarshal([]byte(regJSON), reg); err != nil {
			return nil, trace.BadParameter("corrupt ACME registration state")
		}
		user.reg = reg
	case trace.IsNotFound(err):
		reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		data, err := json.Marshal(reg)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if err := m.cfg.Store.SetInstanceValue(ctx, acmeAccountRegName, string(data)); err != nil {
			return nil, trace.Wrap(err)
		}
		user.reg = reg
		m.log.InfoContext(ctx, "registered ACME account", "email", m.cfg.Email)
	default:
		return nil, trace.Wrap(err)
	}

	m.client = client
	return client, nil
}

func (m *CertManager) loadAccountKey(ctx context.Context) (*ecdsa.PrivateKey, error) {
	stored, err := m.cfg.Store.GetInstanceValue(ctx, acmeAccountKeyName)
	if err == nil {
		block, _ := pem.Decode([]byte(stored))
		if block == nil {
			return nil, trace.BadParameter("corrupt ACME account key")
		}
		key, err := x509.ParseECPrivateKey(block.Bytes)
		return key, trace.Wrap(err)
	}
	if !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	encoded := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	if err := m.cfg.Store.SetInstanceValue(ctx, acmeAccountKeyName, string(encoded)); err != nil {
		return nil, trace.Wrap(err)
	}
	return key, nil
}

// EnsureCert obtains a certificate covering the tenant's identity tag
// and its API hostname. It is a no-op while the stored certificate
// stays outside the renewal window, unless force is set.
func (m *CertManager) EnsureCert(ctx context.Context, tnID int64, idTag string, force bool) error {
	if !force {
		cert, err := m.cfg.Store.GetCert(ctx, tnID)
		if err == nil && cert.ExpiresAt.After(m.clock.Now().Add(m.cfg.RenewalWindow)) {
			return nil
		}
		if err != nil && !trace.IsNotFound(err) {
			return trace.Wrap(err)
		}
	}

	client, err := m.ensureClient(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	res, err := client.Certificate.Obtain(certificate.ObtainRequest{
		Domains: []string{idTag, cloudillo.APIHostPrefix + idTag},
		Bundle:  true,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	expiresAt, err := certExpiry(res.Certificate)
	if err != nil {
		return trace.Wrap(err)
	}

	if err := m.cfg.Store.UpsertCert(ctx, &backend.TenantCert{
		TnID:      tnID,
		Domain:    idTag,
		Cert:      res.Certificate,
		Key:       res.PrivateKey,
		ExpiresAt: expiresAt,
	}); err != nil {
		return trace.Wrap(err)
	}
	m.certs.Remove(idTag)
	m.log.InfoContext(ctx, "obtained certificate", "id_tag", idTag, "expires_at", expiresAt)
	return nil
}

// RenewExpiring walks tenants whose certificate is missing or inside
// the renewal window and obtains a fresh one for each. Per-tenant
// failures are logged and do not stop the pass.
func (m *CertManager) RenewExpiring(ctx context.Context) error {
	deadline := m.clock.Now().Add(m.cfg.RenewalWindow)
	tenants, err := m.cfg.Store.ListExpiringCerts(ctx, deadline)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, tnID := range tenants {
		idTag, err := m.cfg.Store.GetIdentityTag(ctx, tnID)
		if err != nil {
			m.log.WarnContext(ctx, "skipping certificate renewal", "tn_id", tnID, "error", err)
			continue
		}
		if err := m.EnsureCert(ctx, tnID, idTag, false); err != nil {
			m.log.WarnContext(ctx, "certificate renewal failed", "id_tag", idTag, "error", err)
		}
		if err := ctx.Err(); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// ChallengeResponse returns the stored HTTP-01 response for a token.
func (m *CertManager) ChallengeResponse(ctx context.Context, token string) (string, error) {
	response, err := m.cfg.Store.GetChallenge(ctx, token)
	return response, trace.Wrap(err)
}

// GetCertificate serves the TLS listener: it maps the SNI hostname to
// the owning tenant's stored certificate.
func (m *CertManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	domain := utils.NormalizeHost(hello.ServerName)
	domain = strings.TrimPrefix(domain, cloudillo.APIHostPrefix)
	if domain == "" {
		return nil, trace.BadParameter("missing server name")
	}
	if cert, ok := m.certs.Get(domain); ok {
		return cert, nil
	}

	ctx := hello.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	stored, err := m.cfg.Store.GetCertByDomain(ctx, domain)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cert, err := tls.X509KeyPair(stored.Cert, stored.Key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	m.certs.Set(domain, &cert)
	return &cert, nil
}

// certExpiry parses the leaf expiry out of a PEM certificate bundle.
func certExpiry(bundle []byte) (time.Time, error) {
	block, _ := pem.Decode(bundle)
	if block == nil || block.Type != "CERTIFICATE" {
		return time.Time{}, trace.BadParameter("invalid certificate bundle")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return time.Time{}, trace.Wrap(err)
	}
	return cert.NotAfter, nil
}
