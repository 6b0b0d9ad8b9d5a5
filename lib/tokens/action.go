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

package tokens

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"

	"github.com/go-jose/go-jose/v3"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/cloudillo/cloudillo/api/types"
)

// SigningKey is one tenant signing key pair. The private part never
// leaves the AuthStore of the owning instance; the public part is
// published in the tenant's profile document.
type SigningKey struct {
	KeyID   string
	Private ed25519.PrivateKey
}

// GenerateSigningKey creates a fresh tenant signing key. The key id is
// derived from the public key, so peers can address keys they fetched
// from the profile document.
func GenerateSigningKey() (*SigningKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &SigningKey{KeyID: KeyID(pub), Private: priv}, nil
}

// KeyID derives the key id of an ed25519 public key.
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return base64.RawURLEncoding.EncodeToString(sum[:])[:16]
}

// PublicProfileKey returns the profile document entry of the key.
func (k *SigningKey) PublicProfileKey() types.ProfileKey {
	pub := k.Private.Public().(ed25519.PublicKey)
	return types.ProfileKey{
		KeyID:     k.KeyID,
		Alg:       types.KeyAlgED25519,
		PublicKey: base64.RawURLEncoding.EncodeToString(pub),
	}
}

// EncodePrivateKey serializes the private key for storage.
func EncodePrivateKey(priv ed25519.PrivateKey) string {
	return base64.RawURLEncoding.EncodeToString(priv)
}

// DecodePrivateKey restores a stored private key.
func DecodePrivateKey(s string) (ed25519.PrivateKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil || len(raw) != ed25519.PrivateKeySize {
		return nil, trace.BadParameter("invalid private key encoding")
	}
	return ed25519.PrivateKey(raw), nil
}

// SignAction signs the compact action payload with a tenant key and
// returns the serialized token. The payload bytes produced here are
// what peers verify; the encoding must stay stable.
func SignAction(key *SigningKey, payload *types.ActionToken) (string, error) {
	if err := payload.Check(); err != nil {
		return "", trace.Wrap(err)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", trace.Wrap(err)
	}
	opts := (&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", key.KeyID)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: key.Private}, opts)
	if err != nil {
		return "", trace.Wrap(err)
	}
	jws, err := signer.Sign(data)
	if err != nil {
		return "", trace.Wrap(err)
	}
	raw, err := jws.CompactSerialize()
	if err != nil {
		return "", trace.Wrap(err)
	}
	return raw, nil
}

// ActionKeyID extracts the signing key id from a serialized action
// token without verifying it. Used to decide whether the issuer's
// profile has to be re-synced before verification.
func ActionKeyID(raw string) (string, error) {
	jws, err := jose.ParseSigned(raw)
	if err != nil {
		return "", trace.BadParameter("malformed action token")
	}
	if len(jws.Signatures) == 0 {
		return "", trace.BadParameter("unsigned action token")
	}
	kid := jws.Signatures[0].Header.KeyID
	if kid == "" {
		return "", trace.BadParameter("action token missing key id")
	}
	return kid, nil
}

// PeekAction parses the payload of a serialized action token without
// verifying the signature. The result is untrusted: it only serves to
// locate the issuer whose key set the token must then verify against.
func PeekAction(raw string) (*types.ActionToken, error) {
	jws, err := jose.ParseSigned(raw)
	if err != nil {
		return nil, trace.BadParameter("malformed action token")
	}
	var payload types.ActionToken
	if err := json.Unmarshal(jws.UnsafePayloadWithoutVerification(), &payload); err != nil {
		return nil, trace.BadParameter("invalid action token payload")
	}
	if err := payload.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &payload, nil
}

// VerifyAction verifies a serialized action token against the
// issuer's published key set and returns the parsed payload.
func VerifyAction(clock clockwork.Clock, raw string, keys []types.ProfileKey) (*types.ActionToken, error) {
	jws, err := jose.ParseSigned(raw)
	if err != nil {
		return nil, trace.AccessDenied("malformed action token")
	}
	if len(jws.Signatures) == 0 {
		return nil, trace.AccessDenied("unsigned action token")
	}
	header := jws.Signatures[0].Header
	if header.Algorithm != string(jose.EdDSA) {
		return nil, trace.AccessDenied("unexpected action token algorithm %q", header.Algorithm)
	}
	if header.KeyID == "" {
		return nil, trace.AccessDenied("action token missing key id")
	}

	var pub ed25519.PublicKey
	for _, k := range keys {
		if k.KeyID != header.KeyID {
			continue
		}
		if k.Alg != types.KeyAlgED25519 {
			return nil, trace.AccessDenied("unsupported key algorithm %q", k.Alg)
		}
		rawPub, err := base64.RawURLEncoding.DecodeString(k.PublicKey)
		if err != nil || len(rawPub) != ed25519.PublicKeySize {
			return nil, trace.AccessDenied("invalid public key for kid %q", k.KeyID)
		}
		pub = ed25519.PublicKey(rawPub)
		break
	}
	if pub == nil {
		return nil, trace.AccessDenied("unknown key id %q", header.KeyID)
	}

	data, err := jws.Verify(pub)
	if err != nil {
		return nil, trace.AccessDenied("action token signature verification failed")
	}

	var payload types.ActionToken
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, trace.AccessDenied("invalid action token payload")
	}
	if err := payload.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	if payload.Expires != nil && clock.Now().After(payload.Expires.Time()) {
		return nil, trace.AccessDenied("action token expired")
	}
	return &payload, nil
}

// ActionID computes the content address of a signed action token: the
// hash of the exact serialized form.
func ActionID(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
