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

package httplib

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"
)

func TestMakeHandlerErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		code int
	}{
		{name: "not found", err: trace.NotFound("no such action"), code: http.StatusNotFound},
		{name: "bad input", err: trace.BadParameter("bad body"), code: http.StatusUnprocessableEntity},
		{name: "denied", err: trace.AccessDenied("not yours"), code: http.StatusForbidden},
		{name: "conflict", err: trace.AlreadyExists("duplicate key"), code: http.StatusConflict},
		{name: "limit", err: trace.LimitExceeded("slow down"), code: http.StatusTooManyRequests},
		{name: "internal", err: trace.Errorf("boom"), code: http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			handle := MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
				return nil, tc.err
			})
			rec := httptest.NewRecorder()
			handle(rec, httptest.NewRequest(http.MethodGet, "/", nil), nil)
			require.Equal(t, tc.code, rec.Code)
			require.Contains(t, rec.Body.String(), "message")
		})
	}
}

func TestMakeHandlerOK(t *testing.T) {
	t.Parallel()

	handle := MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
		return map[string]string{"hello": "world"}, nil
	})
	rec := httptest.NewRecorder()
	handle(rec, httptest.NewRequest(http.MethodGet, "/", nil), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"hello":"world"}`, rec.Body.String())
}

func TestReplyAuthError(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	ReplyAuthError(rec, trace.AccessDenied("token expired"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "token expired")
}

func TestReadJSON(t *testing.T) {
	t.Parallel()

	var out struct {
		Name string `json:"name"`
	}
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"alice"}`))
	require.NoError(t, ReadJSON(r, 1024, &out))
	require.Equal(t, "alice", out.Name)

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"`+strings.Repeat("x", 100)+`"}`))
	err := ReadJSON(r, 16, &out)
	require.True(t, trace.IsBadParameter(err))

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{broken`))
	err = ReadJSON(r, 1024, &out)
	require.True(t, trace.IsBadParameter(err))
}

func TestConvertResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "missing") {
			ReplyError(w, trace.NotFound("no such thing"))
			return
		}
		roundtrip.ReplyJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	clt, err := roundtrip.NewClient(srv.URL, "api")
	require.NoError(t, err)

	re, err := ConvertResponse(clt.Get(context.Background(), clt.Endpoint("missing"), url.Values{}))
	require.Nil(t, re)
	require.True(t, trace.IsNotFound(err))

	re, err = ConvertResponse(clt.Get(context.Background(), clt.Endpoint("ok"), url.Values{}))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, re.Code())
}
