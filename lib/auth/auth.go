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

// Package auth implements the identity service: it resolves inbound
// requests to a tenant, runs login and registration flows, exchanges
// refs and login tokens for sessions, and owns the WebAuthn ceremonies
// and the certificate lifecycle of local tenants.
package auth

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/cloudillo/cloudillo"
	"github.com/cloudillo/cloudillo/api/types"
	"github.com/cloudillo/cloudillo/lib/backend"
	"github.com/cloudillo/cloudillo/lib/defaults"
	"github.com/cloudillo/cloudillo/lib/tokens"
	"github.com/cloudillo/cloudillo/lib/utils"
)

// Ref resource names with service-level meaning. Refs addressing any
// other resource scope a guest session to that resource.
const (
	// LoginResource marks a ref as a one-shot login token. Consuming
	// it yields a full session for the owning tenant.
	LoginResource = "login"

	// PasswordResource marks a ref as a one-shot password reset
	// capability.
	PasswordResource = "password"
)

// tenantCacheTTL bounds how long a resolved idTag to tnId mapping may
// be served without consulting the auth store.
const tenantCacheTTL = time.Minute

// Config holds the identity service dependencies.
type Config struct {
	// AuthStore holds tenants, keys, credentials and certificates.
	AuthStore backend.AuthStore
	// MetaStore holds profiles and refs.
	MetaStore backend.MetaStore
	// Issuer mints and verifies the instance token kinds.
	Issuer *tokens.Issuer
	// Mode selects how the effective host of a request is read.
	Mode cloudillo.RunMode
	// IdentityProviders restricts hosted registration to identity
	// tags under the listed domains. Empty allows any identity tag.
	IdentityProviders []string
	// LocalIPs lists the source addresses of the fronting proxies.
	// In proxy modes, forwarded host headers are honored only from
	// these addresses; empty trusts every source.
	LocalIPs []string
	// Clock is used for expiry decisions, defaults to the wall clock.
	Clock clockwork.Clock
	// Log is the service logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.AuthStore == nil {
		return trace.BadParameter("missing AuthStore")
	}
	if c.MetaStore == nil {
		return trace.BadParameter("missing MetaStore")
	}
	if c.Issuer == nil {
		return trace.BadParameter("missing Issuer")
	}
	if c.Mode == "" {
		c.Mode = cloudillo.ModeStandalone
	}
	for _, ip := range c.LocalIPs {
		if net.ParseIP(strings.TrimSpace(ip)) == nil {
			return trace.BadParameter("invalid local proxy address %q", ip)
		}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = utils.NewLogger(cloudillo.ComponentIdentity)
	}
	return nil
}

// Service is the identity service of one instance.
type Service struct {
	cfg     Config
	log     *slog.Logger
	clock   clockwork.Clock
	tenants *utils.TTLCache[string, int64]
	proxies map[string]struct{}
}

// New returns an identity Service for the given config.
func New(cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	proxies := make(map[string]struct{}, len(cfg.LocalIPs))
	for _, ip := range cfg.LocalIPs {
		proxies[net.ParseIP(strings.TrimSpace(ip)).String()] = struct{}{}
	}
	return &Service{
		cfg:     cfg,
		log:     cfg.Log,
		clock:   cfg.Clock,
		tenants: utils.NewTTLCache[string, int64](tenantCacheTTL, cfg.Clock),
		proxies: proxies,
	}, nil
}

// Issuer returns the token issuer the service verifies with.
func (s *Service) Issuer() *tokens.Issuer {
	return s.cfg.Issuer
}

// ResolveIDTag extracts the addressed tenant's identity tag from a
// request: the effective host, minus an optional API host prefix. In
// proxy modes the effective host is the first X-Forwarded-Host value;
// standalone instances terminate TLS themselves and use the Host
// header.
func (s *Service) ResolveIDTag(r *http.Request) (string, error) {
	host := r.Host
	if s.cfg.Mode == cloudillo.ModeProxy || s.cfg.Mode == cloudillo.ModeStreamProxy {
		if !s.trustedProxy(r.RemoteAddr) {
			return "", trace.AccessDenied("request from %v bypasses the proxy", r.RemoteAddr)
		}
		fwd := r.Header.Get("X-Forwarded-Host")
		if fwd == "" {
			return "", trace.BadParameter("missing X-Forwarded-Host header behind proxy")
		}
		host, _, _ = strings.Cut(fwd, ",")
	}
	host = utils.NormalizeHost(host)
	host = strings.TrimPrefix(host, cloudillo.APIHostPrefix)
	if host == "" {
		return "", trace.BadParameter("missing host header")
	}
	return host, nil
}

// trustedProxy reports whether a request source may assert forwarded
// headers. With no local proxy addresses configured every source is
// trusted.
func (s *Service) trustedProxy(remoteAddr string) bool {
	if len(s.proxies) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	_, ok := s.proxies[ip.String()]
	return ok
}

// ResolveTenant resolves a request to the local tenant it addresses.
func (s *Service) ResolveTenant(ctx context.Context, r *http.Request) (tnID int64, idTag string, err error) {
	idTag, err = s.ResolveIDTag(r)
	if err != nil {
		return 0, "", trace.Wrap(err)
	}
	tnID, err = s.LookupTenant(ctx, idTag)
	if err != nil {
		return 0, "", trace.Wrap(err)
	}
	return tnID, idTag, nil
}

// LookupTenant maps an identity tag to the local tenant id, caching
// hits briefly.
func (s *Service) LookupTenant(ctx context.Context, idTag string) (int64, error) {
	if tnID, ok := s.tenants.Get(idTag); ok {
		return tnID, nil
	}
	tnID, err := s.cfg.AuthStore.GetTnID(ctx, idTag)
	if err != nil {
		if trace.IsNotFound(err) {
			return 0, trace.NotFound("unknown tenant %q", idTag)
		}
		return 0, trace.Wrap(err)
	}
	s.tenants.Set(idTag, tnID)
	return tnID, nil
}

// Login verifies a tenant password and mints a session token for the
// tenant owner.
func (s *Service) Login(ctx context.Context, idTag, password string) (string, *types.Tenant, error) {
	tnID, err := s.LookupTenant(ctx, idTag)
	if err != nil {
		if trace.IsNotFound(err) {
			// Do not leak which identity tags exist.
			return "", nil, trace.AccessDenied("invalid credentials")
		}
		return "", nil, trace.Wrap(err)
	}
	if err := s.cfg.AuthStore.VerifyPassword(ctx, tnID, password); err != nil {
		if trace.IsAccessDenied(err) {
			return "", nil, trace.AccessDenied("invalid credentials")
		}
		return "", nil, trace.Wrap(err)
	}
	return s.issueSession(ctx, tnID, idTag)
}

// issueSession mints the owner session of a tenant.
func (s *Service) issueSession(ctx context.Context, tnID int64, idTag string) (string, *types.Tenant, error) {
	tenant, err := s.cfg.AuthStore.GetTenant(ctx, tnID)
	if err != nil {
		return "", nil, trace.Wrap(err)
	}
	token, err := s.cfg.Issuer.IssueAccess(tokens.AccessParams{
		Tenant: idTag,
		User:   idTag,
		Access: types.AccessAdmin,
		TTL:    defaults.AccessTokenTTL,
	})
	if err != nil {
		return "", nil, trace.Wrap(err)
	}
	return token, tenant, nil
}

// IssueLoginToken creates a one-shot login capability for the tenant
// owner. It is backed by a quota-1 ref, so a second exchange fails
// even within the token lifetime.
func (s *Service) IssueLoginToken(ctx context.Context, tnID int64, idTag string) (string, error) {
	expires := s.clock.Now().Add(defaults.LoginTokenTTL)
	quota := int64(1)
	ref := &types.Ref{
		RefID:      utils.RandomID(18),
		TnID:       tnID,
		ResourceID: LoginResource,
		Access:     types.AccessAdmin,
		Quota:      &quota,
		ExpiresAt:  &expires,
		CreatedAt:  s.clock.Now(),
	}
	if err := s.cfg.MetaStore.CreateRef(ctx, ref); err != nil {
		return "", trace.Wrap(err)
	}
	token, err := s.cfg.Issuer.IssueRef(ref.RefID, ref.ResourceID, ref.Access, ref.ExpiresAt)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return token, nil
}

// AccessTokenByRef exchanges a ref token for an access token. Login
// refs yield a full owner session; every other ref yields an anonymous
// session confined to the referenced resource. Quota and expiry are
// charged against the stored ref row.
func (s *Service) AccessTokenByRef(ctx context.Context, tnID int64, idTag, refToken string) (string, error) {
	claims, err := s.cfg.Issuer.VerifyRef(refToken)
	if err != nil {
		return "", trace.Wrap(err)
	}
	ref, err := s.cfg.MetaStore.ConsumeRef(ctx, tnID, claims.Ref, s.clock.Now())
	if err != nil {
		if trace.IsNotFound(err) {
			return "", trace.AccessDenied("unknown ref")
		}
		return "", trace.Wrap(err)
	}

	if ref.ResourceID == LoginResource {
		token, _, err := s.issueSession(ctx, tnID, idTag)
		return token, trace.Wrap(err)
	}

	token, err := s.cfg.Issuer.IssueAccess(tokens.AccessParams{
		Tenant:   idTag,
		Resource: ref.ResourceID,
		Access:   ref.Access,
		TTL:      defaults.AccessTokenTTL,
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	return token, nil
}

// ProxyTokenFor mints an outbound federation token for calls as the
// tenant toward the target peer.
func (s *Service) ProxyTokenFor(ctx context.Context, tnID int64, target string) (string, error) {
	idTag, err := s.cfg.AuthStore.GetIdentityTag(ctx, tnID)
	if err != nil {
		return "", trace.Wrap(err)
	}
	token, err := s.cfg.Issuer.IssueProxy(idTag, idTag, target, defaults.ProxyTokenTTL)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return token, nil
}

// RegisterParams describes a tenant registration request.
type RegisterParams struct {
	IDTag    string
	Name     string
	Type     types.TenantType
	Password string
}

// CheckRegistration validates that an identity tag may register on
// this instance: it must be a well-formed DNS name, fall under one of
// the configured identity provider domains when any are configured,
// and not be taken.
func (s *Service) CheckRegistration(ctx context.Context, idTag string) error {
	idTag = utils.NormalizeHost(idTag)
	if err := utils.CheckIDTag(idTag); err != nil {
		return trace.Wrap(err)
	}
	if len(s.cfg.IdentityProviders) > 0 {
		var allowed bool
		for _, provider := range s.cfg.IdentityProviders {
			if strings.HasSuffix(idTag, "."+utils.NormalizeHost(provider)) {
				allowed = true
				break
			}
		}
		if !allowed {
			return trace.AccessDenied("identity tag %q is not served by this instance", idTag)
		}
	}
	if _, err := s.cfg.AuthStore.GetTnID(ctx, idTag); err == nil {
		return trace.AlreadyExists("identity tag %q is taken", idTag)
	} else if !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	return nil
}

// Register creates a tenant through the hosted registration flow.
func (s *Service) Register(ctx context.Context, p RegisterParams) (*types.Tenant, error) {
	p.IDTag = utils.NormalizeHost(p.IDTag)
	if err := s.CheckRegistration(ctx, p.IDTag); err != nil {
		return nil, trace.Wrap(err)
	}
	return s.createTenant(ctx, p)
}

// EnsureTenant provisions a tenant outside the hosted registration
// flow: the identity provider restriction does not apply, and an
// existing tenant is returned as is. The supervisor uses it to create
// the base tenant on first start.
func (s *Service) EnsureTenant(ctx context.Context, p RegisterParams) (*types.Tenant, error) {
	p.IDTag = utils.NormalizeHost(p.IDTag)
	if err := utils.CheckIDTag(p.IDTag); err != nil {
		return nil, trace.Wrap(err)
	}
	tnID, err := s.cfg.AuthStore.GetTnID(ctx, p.IDTag)
	if err == nil {
		tenant, err := s.cfg.AuthStore.GetTenant(ctx, tnID)
		return tenant, trace.Wrap(err)
	}
	if !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	return s.createTenant(ctx, p)
}

// createTenant writes the rows a new tenant consists of: the auth
// row, its first signing key and its own trusted profile. The
// certificate is obtained by the renewal task on its next pass.
func (s *Service) createTenant(ctx context.Context, p RegisterParams) (*types.Tenant, error) {
	if p.Type == "" {
		p.Type = types.TenantPerson
	}

	tenant := &types.Tenant{
		IDTag:     p.IDTag,
		Name:      p.Name,
		Type:      p.Type,
		CreatedAt: s.clock.Now(),
	}
	tnID, err := s.cfg.AuthStore.CreateTenant(ctx, tenant, p.Password)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	tenant.TnID = tnID

	key, err := tokens.GenerateSigningKey()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.cfg.AuthStore.CreateSigningKey(ctx, tnID, key.PublicProfileKey(), tokens.EncodePrivateKey(key.Private)); err != nil {
		return nil, trace.Wrap(err)
	}

	if err := s.cfg.MetaStore.UpsertProfile(ctx, &types.Profile{
		TnID:   tnID,
		IDTag:  p.IDTag,
		Name:   p.Name,
		Type:   p.Type,
		Status: types.ProfileTrusted,
	}); err != nil {
		return nil, trace.Wrap(err)
	}

	s.log.InfoContext(ctx, "registered tenant", "id_tag", p.IDTag, "tn_id", tnID)
	return tenant, nil
}

// ChangePassword rotates a tenant password after verifying the old
// one.
func (s *Service) ChangePassword(ctx context.Context, tnID int64, oldPassword, newPassword string) error {
	if newPassword == "" {
		return trace.BadParameter("missing new password")
	}
	if err := s.cfg.AuthStore.VerifyPassword(ctx, tnID, oldPassword); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.cfg.AuthStore.SetPassword(ctx, tnID, newPassword))
}

// RequestPasswordReset creates a one-shot password reset capability.
// Delivering it to the user is up to the caller; the instance does not
// send mail itself.
func (s *Service) RequestPasswordReset(ctx context.Context, tnID int64) (string, error) {
	expires := s.clock.Now().Add(defaults.PasswordResetTTL)
	quota := int64(1)
	ref := &types.Ref{
		RefID:      utils.RandomID(18),
		TnID:       tnID,
		ResourceID: PasswordResource,
		Access:     types.AccessAdmin,
		Quota:      &quota,
		ExpiresAt:  &expires,
		CreatedAt:  s.clock.Now(),
	}
	if err := s.cfg.MetaStore.CreateRef(ctx, ref); err != nil {
		return "", trace.Wrap(err)
	}
	token, err := s.cfg.Issuer.IssueRef(ref.RefID, ref.ResourceID, ref.Access, ref.ExpiresAt)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return token, nil
}

// ResetPassword consumes a password reset capability and sets the new
// password.
func (s *Service) ResetPassword(ctx context.Context, tnID int64, refToken, newPassword string) error {
	if newPassword == "" {
		return trace.BadParameter("missing new password")
	}
	claims, err := s.cfg.Issuer.VerifyRef(refToken)
	if err != nil {
		return trace.Wrap(err)
	}
	ref, err := s.cfg.MetaStore.ConsumeRef(ctx, tnID, claims.Ref, s.clock.Now())
	if err != nil {
		if trace.IsNotFound(err) {
			return trace.AccessDenied("unknown ref")
		}
		return trace.Wrap(err)
	}
	if ref.ResourceID != PasswordResource {
		return trace.AccessDenied("ref does not grant a password reset")
	}
	return trace.Wrap(s.cfg.AuthStore.SetPassword(ctx, tnID, newPassword))
}
