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

// Package config turns the bootstrap environment variables into a
// service configuration. Only bootstrap lives here; everything else is
// kept in the stores and managed through the API.
package config

import (
	"os"
	"strings"

	"github.com/gravitational/trace"

	"github.com/cloudillo/cloudillo"
	"github.com/cloudillo/cloudillo/lib/service"
)

// Environment variables understood by ParseEnv.
const (
	EnvBaseIDTag         = "BASE_ID_TAG"
	EnvBasePassword      = "BASE_PASSWORD"
	EnvJWTSecret         = "JWT_SECRET"
	EnvMode              = "MODE"
	EnvListen            = "LISTEN"
	EnvListenHTTP        = "LISTEN_HTTP"
	EnvDataDir           = "DATA_DIR"
	EnvPrivateDataDir    = "PRIVATE_DATA_DIR"
	EnvPublicDataDir     = "PUBLIC_DATA_DIR"
	EnvACMEEmail         = "ACME_EMAIL"
	EnvLocalIPs          = "LOCAL_IPS"
	EnvIdentityProviders = "IDENTITY_PROVIDERS"
	EnvBaseAppDomain     = "BASE_APP_DOMAIN"
)

// ParseEnv reads the bootstrap environment into cfg. Unset variables
// leave the corresponding field alone, so defaults are applied later
// by cfg.CheckAndSetDefaults.
func ParseEnv(cfg *service.Config) error {
	return parse(cfg, os.Getenv)
}

func parse(cfg *service.Config, getenv func(string) string) error {
	if v := getenv(EnvMode); v != "" {
		mode := cloudillo.RunMode(v)
		switch mode {
		case cloudillo.ModeStandalone, cloudillo.ModeProxy, cloudillo.ModeStreamProxy:
			cfg.Mode = mode
		default:
			return trace.BadParameter("%s: unknown run mode %q", EnvMode, v)
		}
	}
	if v := getenv(EnvJWTSecret); v != "" {
		cfg.Secret = []byte(v)
	}
	if v := getenv(EnvListen); v != "" {
		cfg.ListenAddr = v
	}
	if v := getenv(EnvListenHTTP); v != "" {
		cfg.ListenAddrHTTP = v
	}
	if v := getenv(EnvDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := getenv(EnvPrivateDataDir); v != "" {
		cfg.PrivateDataDir = v
	}
	if v := getenv(EnvPublicDataDir); v != "" {
		cfg.PublicDataDir = v
	}
	if v := getenv(EnvBaseIDTag); v != "" {
		cfg.BaseIDTag = v
	}
	if v := getenv(EnvBasePassword); v != "" {
		cfg.BasePassword = v
	}
	if v := getenv(EnvBaseAppDomain); v != "" {
		cfg.BaseAppDomain = v
	}
	if v := getenv(EnvACMEEmail); v != "" {
		cfg.ACMEEmail = v
	}
	if v := getenv(EnvLocalIPs); v != "" {
		cfg.LocalIPs = splitList(v)
	}
	if v := getenv(EnvIdentityProviders); v != "" {
		cfg.IdentityProviders = splitList(v)
	}
	return nil
}

// splitList parses a comma-separated variable, dropping empty items so
// trailing commas are harmless.
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
