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

// Package httplib implements common plumbing for the HTTP API
// handlers: JSON replies, error mapping and request parsing.
package httplib

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
)

// HandlerFunc is an HTTP handler that returns a JSON-marshalable
// result or an error.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error)

// MakeHandler wraps a HandlerFunc into an httprouter.Handle that
// replies with JSON and maps errors to status codes.
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(w, err)
			return
		}
		if out == nil {
			roundtrip.ReplyJSON(w, http.StatusOK, okMessage{Status: "ok"})
			return
		}
		roundtrip.ReplyJSON(w, http.StatusOK, out)
	}
}

type okMessage struct {
	Status string `json:"status"`
}

// ErrorMessage is the JSON error envelope of the API. It matches the
// shape trace.ReadError parses, so peers recover the message.
type ErrorMessage struct {
	Message string `json:"message"`
}

func errorMessage(err error) ErrorMessage {
	return ErrorMessage{Message: trace.UserMessage(err)}
}

// ErrorToStatus maps a trace error to an HTTP status code. Request
// body validation failures map to 422; plain auth failures are
// written by ReplyAuthError instead.
func ErrorToStatus(err error) int {
	switch {
	case trace.IsNotFound(err):
		return http.StatusNotFound
	case trace.IsBadParameter(err):
		return http.StatusUnprocessableEntity
	case trace.IsAccessDenied(err):
		return http.StatusForbidden
	case trace.IsAlreadyExists(err):
		return http.StatusConflict
	case trace.IsLimitExceeded(err):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// ReplyError writes err as a JSON error reply.
func ReplyError(w http.ResponseWriter, err error) {
	roundtrip.ReplyJSON(w, ErrorToStatus(err), errorMessage(err))
}

// ReplyAuthError writes a 401 reply. Used by the token verification
// middleware; domain-level permission denials reply 403 through
// ReplyError.
func ReplyAuthError(w http.ResponseWriter, err error) {
	roundtrip.ReplyJSON(w, http.StatusUnauthorized, errorMessage(err))
}

// ReadJSON decodes the request body into val, bounded by limit bytes.
func ReadJSON(r *http.Request, limit int64, val any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return trace.Wrap(err)
	}
	if int64(len(data)) > limit {
		return trace.BadParameter("request body too large")
	}
	if err := json.Unmarshal(data, val); err != nil {
		return trace.BadParameter("invalid request body: %v", err)
	}
	return nil
}

// ConvertResponse converts a non-2xx federation response into the
// matching trace error, keeping 2xx responses untouched.
func ConvertResponse(re *roundtrip.Response, err error) (*roundtrip.Response, error) {
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if re.Code() < 200 || re.Code() > 299 {
		return nil, trace.ReadError(re.Code(), re.Bytes())
	}
	return re, nil
}

// SetNoCacheHeaders disables response caching.
func SetNoCacheHeaders(h http.Header) {
	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
}

// SetImmutableCacheHeaders marks a content-addressed response as
// indefinitely cacheable.
func SetImmutableCacheHeaders(h http.Header) {
	h.Set("Cache-Control", "public, max-age=31536000, immutable")
}
