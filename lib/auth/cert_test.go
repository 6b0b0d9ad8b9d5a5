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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/cloudillo/cloudillo"
	"github.com/cloudillo/cloudillo/api/types"
	"github.com/cloudillo/cloudillo/lib/backend"
)

func newTestCertManager(t *testing.T) (*CertManager, *testEnv) {
	t.Helper()
	env := newTestService(t, cloudillo.ModeStandalone)
	m, err := NewCertManager(CertConfig{
		Store: env.auth,
		Email: "certs@example.com",
		Clock: env.clock,
	})
	require.NoError(t, err)
	return m, env
}

// selfSignedCert returns a PEM certificate and key covering the given
// names, expiring at notAfter.
func selfSignedCert(t *testing.T, notAfter time.Time, names ...string) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: names[0]},
		NotBefore:    notAfter.Add(-365 * 24 * time.Hour),
		NotAfter:     notAfter,
		DNSNames:     names,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}

// storeCert registers a self-signed certificate for the tenant so
// renewal passes see it as fresh.
func storeCert(t *testing.T, env *testEnv, tenant *types.Tenant, notAfter time.Time) {
	t.Helper()
	certPEM, keyPEM := selfSignedCert(t, notAfter, tenant.IDTag, cloudillo.APIHostPrefix+tenant.IDTag)
	require.NoError(t, env.auth.UpsertCert(context.Background(), &backend.TenantCert{
		TnID:      tenant.TnID,
		Domain:    tenant.IDTag,
		Cert:      certPEM,
		Key:       keyPEM,
		ExpiresAt: notAfter,
	}))
}

func TestEnsureCertFresh(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, env := newTestCertManager(t)
	tenant := env.register(t, "alice.example.com")
	storeCert(t, env, tenant, env.clock.Now().Add(60*24*time.Hour))

	// Outside the renewal window this is a no-op, no ACME round trip
	// happens.
	require.NoError(t, m.EnsureCert(ctx, tenant.TnID, tenant.IDTag, false))
}

func TestRenewExpiringAllFresh(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, env := newTestCertManager(t)
	alice := env.register(t, "alice.example.com")
	bob := env.register(t, "bob.example.com")
	storeCert(t, env, alice, env.clock.Now().Add(60*24*time.Hour))
	storeCert(t, env, bob, env.clock.Now().Add(45*24*time.Hour))

	require.NoError(t, m.RenewExpiring(ctx))
}

func TestGetCertificate(t *testing.T) {
	t.Parallel()
	m, env := newTestCertManager(t)
	tenant := env.register(t, "alice.example.com")
	storeCert(t, env, tenant, env.clock.Now().Add(90*24*time.Hour))

	for _, serverName := range []string{
		"alice.example.com",
		"cl-o.alice.example.com",
		"Alice.Example.COM",
	} {
		cert, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: serverName})
		require.NoError(t, err, "server name %q", serverName)
		require.NotEmpty(t, cert.Certificate)
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		require.NoError(t, err)
		require.Contains(t, leaf.DNSNames, "alice.example.com")
	}

	_, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "nobody.example.com"})
	require.True(t, trace.IsNotFound(err))

	_, err = m.GetCertificate(&tls.ClientHelloInfo{})
	require.True(t, trace.IsBadParameter(err))
}

func TestChallengeStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, env := newTestCertManager(t)
	cs := challengeStore{store: env.auth}

	require.NoError(t, cs.Present("alice.example.com", "tok123", "tok123.keyauth"))
	response, err := m.ChallengeResponse(ctx, "tok123")
	require.NoError(t, err)
	require.Equal(t, "tok123.keyauth", response)

	require.NoError(t, cs.CleanUp("alice.example.com", "tok123", "tok123.keyauth"))
	_, err = m.ChallengeResponse(ctx, "tok123")
	require.True(t, trace.IsNotFound(err))
}

func TestAccountKeyPersisted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := newTestCertManager(t)

	key, err := m.loadAccountKey(ctx)
	require.NoError(t, err)
	again, err := m.loadAccountKey(ctx)
	require.NoError(t, err)
	require.True(t, key.Equal(again))
}

func TestCertExpiry(t *testing.T) {
	t.Parallel()
	notAfter := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	certPEM, _ := selfSignedCert(t, notAfter, "alice.example.com")

	got, err := certExpiry(certPEM)
	require.NoError(t, err)
	require.WithinDuration(t, notAfter, got, time.Second)

	_, err = certExpiry([]byte("junk"))
	require.True(t, trace.IsBadParameter(err))
}
