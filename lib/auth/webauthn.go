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
	"encoding/base64"
	"encoding/json"
	"io"

	"github.com/go-webauthn/webauthn/protocol"
	wan "github.com/go-webauthn/webauthn/webauthn"
	"github.com/gravitational/trace"

	"github.com/cloudillo/cloudillo"
	"github.com/cloudillo/cloudillo/api/types"
	"github.com/cloudillo/cloudillo/lib/backend"
	"github.com/cloudillo/cloudillo/lib/defaults"
)

// Ceremony state scopes in the auth store.
const (
	scopeRegister = "register"
	scopeLogin    = "login"
)

// newWebauthn builds the relying party for one tenant. The RP id is
// the tenant's identity tag; ceremonies are accepted from the app
// origin and the API origin.
func (s *Service) newWebauthn(idTag string) (*wan.WebAuthn, error) {
	timeoutConfig := wan.TimeoutConfig{
		Enforce:    true,
		Timeout:    defaults.WebauthnChallengeTimeout,
		TimeoutUVD: defaults.WebauthnChallengeTimeout,
	}
	web, err := wan.New(&wan.Config{
		RPID:                  idTag,
		RPOrigins:             []string{"https://" + idTag, "https://" + cloudillo.APIHostPrefix + idTag},
		RPDisplayName:         defaults.WebauthnDisplayName,
		AttestationPreference: protocol.PreferNoAttestation,
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			ResidentKey:      protocol.ResidentKeyRequirementDiscouraged,
			UserVerification: protocol.VerificationDiscouraged,
		},
		Timeouts: wan.TimeoutsConfig{
			Login:        timeoutConfig,
			Registration: timeoutConfig,
		},
	})
	return web, trace.Wrap(err)
}

// webauthnUser adapts a tenant and its stored credentials to the
// relying party user contract.
type webauthnUser struct {
	tenant *types.Tenant
	creds  []wan.Credential
}

func (u *webauthnUser) WebAuthnID() []byte { return []byte(u.tenant.IDTag) }

func (u *webauthnUser) WebAuthnName() string { return u.tenant.IDTag }

func (u *webauthnUser) WebAuthnDisplayName() string {
	if u.tenant.Name != "" {
		return u.tenant.Name
	}
	return u.tenant.IDTag
}

func (u *webauthnUser) WebAuthnCredentials() []wan.Credential { return u.creds }

func (u *webauthnUser) exclusions() []protocol.CredentialDescriptor {
	out := make([]protocol.CredentialDescriptor, 0, len(u.creds))
	for _, cred := range u.creds {
		out = append(out, cred.Descriptor())
	}
	return out
}

func (s *Service) loadWebauthnUser(ctx context.Context, tnID int64) (*webauthnUser, error) {
	tenant, err := s.cfg.AuthStore.GetTenant(ctx, tnID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	stored, err := s.cfg.AuthStore.ListCredentials(ctx, tnID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	user := &webauthnUser{tenant: tenant, creds: make([]wan.Credential, 0, len(stored))}
	for _, row := range stored {
		var cred wan.Credential
		if err := json.Unmarshal(row.Data, &cred); err != nil {
			return nil, trace.BadParameter("corrupt stored credential %q", row.CredentialID)
		}
		user.creds = append(user.creds, cred)
	}
	return user, nil
}

// BeginWebauthnRegistration starts a credential registration ceremony
// and returns the creation options for the browser.
func (s *Service) BeginWebauthnRegistration(ctx context.Context, tnID int64) (*protocol.CredentialCreation, error) {
	user, err := s.loadWebauthnUser(ctx, tnID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	web, err := s.newWebauthn(user.tenant.IDTag)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	creation, session, err := web.BeginRegistration(user, wan.WithExclusions(user.exclusions()))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.storeSession(ctx, tnID, scopeRegister, session); err != nil {
		return nil, trace.Wrap(err)
	}
	return creation, nil
}

// FinishWebauthnRegistration validates the authenticator response and
// stores the new credential under the given name.
func (s *Service) FinishWebauthnRegistration(ctx context.Context, tnID int64, name string, body io.Reader) (*backend.Credential, error) {
	parsed, err := protocol.ParseCredentialCreationResponseBody(body)
	if err != nil {
		return nil, trace.BadParameter("invalid registration response: %v", err)
	}
	session, err := s.takeSession(ctx, tnID, scopeRegister, parsed.Response.CollectedClientData.Challenge)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	user, err := s.loadWebauthnUser(ctx, tnID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	web, err := s.newWebauthn(user.tenant.IDTag)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cred, err := web.CreateCredential(user, *session, parsed)
	if err != nil {
		return nil, trace.AccessDenied("registration ceremony failed: %v", err)
	}

	data, err := json.Marshal(cred)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	stored := &backend.Credential{
		CredentialID: base64.RawURLEncoding.EncodeToString(cred.ID),
		TnID:         tnID,
		Name:         name,
		Data:         data,
		CreatedAt:    s.clock.Now(),
	}
	if err := s.cfg.AuthStore.CreateCredential(ctx, stored); err != nil {
		return nil, trace.Wrap(err)
	}
	return stored, nil
}

// BeginWebauthnLogin starts an assertion ceremony against the tenant's
// registered credentials.
func (s *Service) BeginWebauthnLogin(ctx context.Context, tnID int64) (*protocol.CredentialAssertion, error) {
	user, err := s.loadWebauthnUser(ctx, tnID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(user.creds) == 0 {
		return nil, trace.NotFound("no credentials registered")
	}
	web, err := s.newWebauthn(user.tenant.IDTag)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	assertion, session, err := web.BeginLogin(user)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.storeSession(ctx, tnID, scopeLogin, session); err != nil {
		return nil, trace.Wrap(err)
	}
	return assertion, nil
}

// FinishWebauthnLogin validates the assertion and mints an owner
// session.
func (s *Service) FinishWebauthnLogin(ctx context.Context, tnID int64, body io.Reader) (string, *types.Tenant, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBody(body)
	if err != nil {
		return "", nil, trace.BadParameter("invalid login response: %v", err)
	}
	session, err := s.takeSession(ctx, tnID, scopeLogin, parsed.Response.CollectedClientData.Challenge)
	if err != nil {
		return "", nil, trace.Wrap(err)
	}
	user, err := s.loadWebauthnUser(ctx, tnID)
	if err != nil {
		return "", nil, trace.Wrap(err)
	}
	web, err := s.newWebauthn(user.tenant.IDTag)
	if err != nil {
		return "", nil, trace.Wrap(err)
	}
	cred, err := web.ValidateLogin(user, *session, parsed)
	if err != nil {
		return "", nil, trace.AccessDenied("login ceremony failed: %v", err)
	}
	if cred.Authenticator.CloneWarning {
		s.log.WarnContext(ctx, "webauthn sign count regressed, credential may be cloned",
			"tn_id", tnID, "credential", base64.RawURLEncoding.EncodeToString(cred.ID))
	}
	return s.issueSession(ctx, tnID, user.tenant.IDTag)
}

// ListWebauthnCredentials returns the stored credentials of a tenant.
func (s *Service) ListWebauthnCredentials(ctx context.Context, tnID int64) ([]backend.Credential, error) {
	creds, err := s.cfg.AuthStore.ListCredentials(ctx, tnID)
	return creds, trace.Wrap(err)
}

// DeleteWebauthnCredential removes one stored credential.
func (s *Service) DeleteWebauthnCredential(ctx context.Context, tnID int64, credentialID string) error {
	return trace.Wrap(s.cfg.AuthStore.DeleteCredential(ctx, tnID, credentialID))
}

func (s *Service) storeSession(ctx context.Context, tnID int64, scope string, session *wan.SessionData) error {
	data, err := json.Marshal(session)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.cfg.AuthStore.UpsertWebauthnSession(ctx, tnID, scope, session.Challenge, data))
}

// takeSession loads and deletes ceremony state, making every
// challenge single-use.
func (s *Service) takeSession(ctx context.Context, tnID int64, scope, challenge string) (*wan.SessionData, error) {
	data, err := s.cfg.AuthStore.TakeWebauthnSession(ctx, tnID, scope, challenge)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.AccessDenied("unknown or already used challenge")
		}
		return nil, trace.Wrap(err)
	}
	var session wan.SessionData
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, trace.BadParameter("corrupt ceremony state")
	}
	return &session, nil
}
