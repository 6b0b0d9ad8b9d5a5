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

// Package tokens mints and verifies the capability tokens of the
// platform. Access, proxy and ref tokens are HS256 JWTs signed with
// the instance secret; action tokens are EdDSA JWS envelopes signed
// with a tenant key and are handled in action.go.
package tokens

import (
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/cloudillo/cloudillo/api/types"
	"github.com/cloudillo/cloudillo/lib/defaults"
)

// Config configures an Issuer.
type Config struct {
	// Secret is the HS256 instance secret shared by all local token
	// kinds.
	Secret []byte
	// Clock is used for time claims, defaults to the wall clock.
	Clock clockwork.Clock
	// Leeway is the verification slack on time claims.
	Leeway time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if len(c.Secret) < 16 {
		return trace.BadParameter("token secret must be at least 16 bytes")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Leeway == 0 {
		c.Leeway = defaults.TokenClockSkew
	}
	return nil
}

// Issuer mints and verifies the HS256 token kinds of one instance.
type Issuer struct {
	secret []byte
	clock  clockwork.Clock
	leeway time.Duration
}

// NewIssuer returns an Issuer for the given config.
func NewIssuer(cfg Config) (*Issuer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Issuer{secret: cfg.Secret, clock: cfg.Clock, leeway: cfg.Leeway}, nil
}

// AccessClaims is the payload of a browser session token. The token
// authorizes one session against one tenant, optionally confined to a
// single resource.
type AccessClaims struct {
	*jwt.Claims

	// Tenant is the idTag of the tenant the session addresses.
	Tenant string `json:"t"`
	// User is the idTag of the authenticated identity. Empty for
	// anonymous ref-derived sessions.
	User string `json:"u,omitempty"`
	// Roles carries extra role labels of the session.
	Roles []string `json:"r,omitempty"`
	// Resource confines the session to one resource id. Empty means
	// tenant-wide.
	Resource string `json:"res,omitempty"`
	// Access is the permission level of the session.
	Access types.AccessLevel `json:"acc,omitempty"`
}

// ProxyClaims is the payload of an outbound federation token, minted
// by tenant Tenant for calls against peer Target.
type ProxyClaims struct {
	*jwt.Claims

	Tenant string `json:"t"`
	User   string `json:"u,omitempty"`
	Target string `json:"p"`
}

// RefClaims is the payload of a shareable guest capability token. It
// references a stored ref row; quota accounting happens against the
// row when the token is exchanged for an access token.
type RefClaims struct {
	*jwt.Claims

	Ref      string            `json:"ref"`
	Resource string            `json:"res"`
	Access   types.AccessLevel `json:"acc"`
}

// AccessParams describes the access token to mint.
type AccessParams struct {
	Tenant   string
	User     string
	Roles    []string
	Resource string
	Access   types.AccessLevel
	Subject  string
	TTL      time.Duration
}

// IssueAccess mints a browser session token.
func (i *Issuer) IssueAccess(p AccessParams) (string, error) {
	if p.Tenant == "" {
		return "", trace.BadParameter("missing tenant")
	}
	if p.TTL <= 0 {
		p.TTL = defaults.AccessTokenTTL
	}
	if p.Access == "" {
		p.Access = types.AccessRead
	}
	now := i.clock.Now()
	claims := &AccessClaims{
		Claims: &jwt.Claims{
			Subject:  p.Subject,
			Audience: jwt.Audience{p.Tenant},
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(p.TTL)),
		},
		Tenant:   p.Tenant,
		User:     p.User,
		Roles:    p.Roles,
		Resource: p.Resource,
		Access:   p.Access,
	}
	return i.sign(claims)
}

// VerifyAccess verifies a browser session token presented against
// tenant.
func (i *Issuer) VerifyAccess(raw, tenant string) (*AccessClaims, error) {
	var claims AccessClaims
	if err := i.verify(raw, &claims); err != nil {
		return nil, trace.Wrap(err)
	}
	if claims.Tenant == "" {
		return nil, trace.AccessDenied("not an access token")
	}
	if err := claims.Claims.ValidateWithLeeway(jwt.Expected{
		Audience: jwt.Audience{tenant},
		Time:     i.clock.Now(),
	}, i.leeway); err != nil {
		return nil, trace.AccessDenied("invalid access token: %v", err)
	}
	return &claims, nil
}

// IssueProxy mints an outbound federation token authorizing calls as
// tenant toward target.
func (i *Issuer) IssueProxy(tenant, user, target string, ttl time.Duration) (string, error) {
	if tenant == "" || target == "" {
		return "", trace.BadParameter("missing tenant or target")
	}
	if ttl <= 0 {
		ttl = defaults.ProxyTokenTTL
	}
	now := i.clock.Now()
	claims := &ProxyClaims{
		Claims: &jwt.Claims{
			Audience: jwt.Audience{target},
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(ttl)),
		},
		Tenant: tenant,
		User:   user,
		Target: target,
	}
	return i.sign(claims)
}

// VerifyProxy verifies a locally minted proxy token presented back to
// this instance, confirming it targets tenant.
func (i *Issuer) VerifyProxy(raw, tenant string) (*ProxyClaims, error) {
	var claims ProxyClaims
	if err := i.verify(raw, &claims); err != nil {
		return nil, trace.Wrap(err)
	}
	if claims.Target == "" {
		return nil, trace.AccessDenied("not a proxy token")
	}
	if err := claims.Claims.ValidateWithLeeway(jwt.Expected{
		Audience: jwt.Audience{tenant},
		Time:     i.clock.Now(),
	}, i.leeway); err != nil {
		return nil, trace.AccessDenied("invalid proxy token: %v", err)
	}
	return &claims, nil
}

// PeekProxy parses the payload of a proxy token without verifying the
// signature. Proxy tokens presented by remote instances are signed
// with the remote secret, so the claims only serve to identify the
// caller; anything served against them must be safe to hand to an
// unauthenticated peer.
func PeekProxy(raw string) (*ProxyClaims, error) {
	parsed, err := jwt.ParseSigned(raw)
	if err != nil {
		return nil, trace.BadParameter("malformed proxy token")
	}
	var claims ProxyClaims
	if err := parsed.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return nil, trace.BadParameter("invalid proxy token payload")
	}
	if claims.Tenant == "" || claims.Target == "" {
		return nil, trace.BadParameter("not a proxy token")
	}
	return &claims, nil
}

// IssueRef mints a shareable capability token for a stored ref.
func (i *Issuer) IssueRef(refID, resource string, access types.AccessLevel, expires *time.Time) (string, error) {
	if refID == "" || resource == "" {
		return "", trace.BadParameter("missing ref or resource")
	}
	claims := &RefClaims{
		Claims: &jwt.Claims{
			IssuedAt: jwt.NewNumericDate(i.clock.Now()),
		},
		Ref:      refID,
		Resource: resource,
		Access:   access,
	}
	if expires != nil {
		claims.Expiry = jwt.NewNumericDate(*expires)
	}
	return i.sign(claims)
}

// VerifyRef verifies a ref capability token.
func (i *Issuer) VerifyRef(raw string) (*RefClaims, error) {
	var claims RefClaims
	if err := i.verify(raw, &claims); err != nil {
		return nil, trace.Wrap(err)
	}
	if claims.Ref == "" {
		return nil, trace.AccessDenied("not a ref token")
	}
	if err := claims.Claims.ValidateWithLeeway(jwt.Expected{
		Time: i.clock.Now(),
	}, i.leeway); err != nil {
		return nil, trace.AccessDenied("invalid ref token: %v", err)
	}
	return &claims, nil
}

func (i *Issuer) sign(claims any) (string, error) {
	opts := (&jose.SignerOptions{}).WithType("JWT")
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: i.secret}, opts)
	if err != nil {
		return "", trace.Wrap(err)
	}
	raw, err := jwt.Signed(signer).Claims(claims).CompactSerialize()
	if err != nil {
		return "", trace.Wrap(err)
	}
	return raw, nil
}

func (i *Issuer) verify(raw string, claims any) error {
	parsed, err := jwt.ParseSigned(raw)
	if err != nil {
		return trace.AccessDenied("malformed token")
	}
	if len(parsed.Headers) == 0 || parsed.Headers[0].Algorithm != string(jose.HS256) {
		return trace.AccessDenied("unexpected token algorithm")
	}
	if err := parsed.Claims(i.secret, claims); err != nil {
		return trace.AccessDenied("invalid token signature")
	}
	return nil
}
