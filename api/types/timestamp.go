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

package types

import (
	"math"
	"strconv"
	"time"

	"github.com/gravitational/trace"
)

// Timestamp is a UNIX timestamp with centisecond precision, stored as
// centiseconds since the epoch. On the wire it is a JSON number of
// seconds with exactly two fractional digits. Signed token payloads
// depend on this truncation being stable across encode/decode.
type Timestamp int64

// TimestampFromTime truncates t to centisecond precision.
func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp(t.UnixMilli() / 10)
}

// Time converts the timestamp back to a time.Time.
func (t Timestamp) Time() time.Time {
	return time.UnixMilli(int64(t) * 10)
}

// Before reports whether t is earlier than u.
func (t Timestamp) Before(u Timestamp) bool { return t < u }

// String implements fmt.Stringer using the wire form.
func (t Timestamp) String() string {
	s := strconv.FormatInt(int64(t)/100, 10)
	c := int64(t) % 100
	if c < 0 {
		c = -c
	}
	return s + "." + pad2(c)
}

func pad2(n int64) string {
	if n < 10 {
		return "0" + strconv.FormatInt(n, 10)
	}
	return strconv.FormatInt(n, 10)
}

// MarshalJSON writes seconds with two fractional digits.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalJSON accepts any JSON number and truncates it to
// centiseconds.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return trace.BadParameter("invalid timestamp %q", string(data))
	}
	*t = Timestamp(math.Round(f * 100))
	return nil
}
