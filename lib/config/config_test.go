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

package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudillo/cloudillo"
	"github.com/cloudillo/cloudillo/lib/service"
)

func TestParseEnv(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		EnvMode:              "proxy",
		EnvJWTSecret:         "s3cret",
		EnvListen:            ":9443",
		EnvDataDir:           "/var/lib/cloudillo",
		EnvBaseIDTag:         "base.example.com",
		EnvBasePassword:      "hunter2",
		EnvACMEEmail:         "ops@example.com",
		EnvLocalIPs:          "10.0.0.1, 10.0.0.2,",
		EnvIdentityProviders: "example.com",
	}

	var cfg service.Config
	require.NoError(t, parse(&cfg, func(k string) string { return env[k] }))

	require.Equal(t, cloudillo.ModeProxy, cfg.Mode)
	require.Equal(t, []byte("s3cret"), cfg.Secret)
	require.Equal(t, ":9443", cfg.ListenAddr)
	require.Equal(t, "/var/lib/cloudillo", cfg.DataDir)
	require.Equal(t, "base.example.com", cfg.BaseIDTag)
	require.Equal(t, "hunter2", cfg.BasePassword)
	require.Equal(t, "ops@example.com", cfg.ACMEEmail)
	require.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, cfg.LocalIPs)
	require.Equal(t, []string{"example.com"}, cfg.IdentityProviders)
}

func TestParseEnvUnsetLeavesFields(t *testing.T) {
	t.Parallel()

	cfg := service.Config{ListenAddr: ":1234", Secret: []byte("keep")}
	require.NoError(t, parse(&cfg, func(string) string { return "" }))
	require.Equal(t, ":1234", cfg.ListenAddr)
	require.Equal(t, []byte("keep"), cfg.Secret)
	require.Empty(t, cfg.Mode)
}

func TestParseEnvBadMode(t *testing.T) {
	t.Parallel()

	var cfg service.Config
	err := parse(&cfg, func(k string) string {
		if k == EnvMode {
			return "serverless"
		}
		return ""
	})
	require.Error(t, err)
}
