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

package utils

import (
	"crypto/rand"
	"encoding/base64"
	"net"
	"strings"

	"github.com/gravitational/trace"
)

// NormalizeHost lowercases a host header value and strips an optional
// port.
func NormalizeHost(host string) string {
	host = strings.TrimSpace(strings.ToLower(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// CheckIDTag validates that tag is a usable DNS-rooted identity tag.
func CheckIDTag(tag string) error {
	if tag == "" {
		return trace.BadParameter("empty identity tag")
	}
	if len(tag) > 253 {
		return trace.BadParameter("identity tag too long")
	}
	labels := strings.Split(tag, ".")
	if len(labels) < 2 {
		return trace.BadParameter("identity tag %q is not a DNS hostname", tag)
	}
	for _, label := range labels {
		if len(label) == 0 || len(label) > 63 {
			return trace.BadParameter("identity tag %q has an invalid label", tag)
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return trace.BadParameter("identity tag %q has an invalid label", tag)
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			if c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-' {
				continue
			}
			return trace.BadParameter("identity tag %q has an invalid character", tag)
		}
	}
	return nil
}

// RandomID returns n random bytes in unpadded base64url form.
func RandomID(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
