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
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"

	"github.com/gravitational/trace"
)

// Instance value names.
const (
	// vapidPublicName and vapidPrivateName hold the instance web-push
	// key pair: the P-256 public point and scalar in base64url form.
	vapidPublicName  = "vapid.public"
	vapidPrivateName = "vapid.private"
)

// EnsureInstanceKeys creates the instance-global key material on first
// start. Currently that is the VAPID key pair push subscriptions are
// bound to.
func (s *Service) EnsureInstanceKeys(ctx context.Context) error {
	_, err := s.cfg.AuthStore.GetInstanceValue(ctx, vapidPublicName)
	if err == nil {
		return nil
	}
	if !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}

	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return trace.Wrap(err)
	}
	public := base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes())
	private := base64.RawURLEncoding.EncodeToString(key.Bytes())

	if err := s.cfg.AuthStore.SetInstanceValue(ctx, vapidPrivateName, private); err != nil {
		return trace.Wrap(err)
	}
	if err := s.cfg.AuthStore.SetInstanceValue(ctx, vapidPublicName, public); err != nil {
		return trace.Wrap(err)
	}
	s.log.InfoContext(ctx, "generated instance vapid key pair")
	return nil
}

// VapidPublicKey returns the instance web-push public key browsers
// subscribe with.
func (s *Service) VapidPublicKey(ctx context.Context) (string, error) {
	value, err := s.cfg.AuthStore.GetInstanceValue(ctx, vapidPublicName)
	return value, trace.Wrap(err)
}

// VapidPrivateKey returns the instance web-push private key. It is
// consumed by the notification sink when signing push requests.
func (s *Service) VapidPrivateKey(ctx context.Context) (string, error) {
	value, err := s.cfg.AuthStore.GetInstanceValue(ctx, vapidPrivateName)
	return value, trace.Wrap(err)
}
