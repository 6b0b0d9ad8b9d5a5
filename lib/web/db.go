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

package web

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/cloudillo/cloudillo/lib/defaults"
)

// readJSONValue reads the request body as one raw JSON value.
func readJSONValue(r *http.Request) (json.RawMessage, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, defaults.MaxInlineFileSize+1))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if int64(len(data)) > defaults.MaxInlineFileSize {
		return nil, trace.BadParameter("request body too large")
	}
	if !json.Valid(data) {
		return nil, trace.BadParameter("request body is not valid JSON")
	}
	return json.RawMessage(data), nil
}

// dbRead returns the value at the path, or the child entries when the
// list parameter is set.
func (h *Handler) dbRead(w http.ResponseWriter, r *http.Request, p httprouter.Params, tc *TenantContext) (any, error) {
	docID, path := p.ByName("docId"), p.ByName("path")
	if r.URL.Query().Has("list") {
		entries, err := h.cfg.Database.List(r.Context(), tc.TnID, docID, path)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return listEnvelope{Items: entries}, nil
	}
	value, err := h.cfg.Database.Read(r.Context(), tc.TnID, docID, path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return value, nil
}

// dbPush appends the body under the path with a generated key.
func (h *Handler) dbPush(w http.ResponseWriter, r *http.Request, p httprouter.Params, tc *TenantContext) (any, error) {
	value, err := readJSONValue(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	key, err := h.cfg.Database.Push(r.Context(), tc.TnID, p.ByName("docId"), p.ByName("path"), value)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return struct {
		Key string `json:"key"`
	}{Key: key}, nil
}

// dbPut stores the body at the path.
func (h *Handler) dbPut(w http.ResponseWriter, r *http.Request, p httprouter.Params, tc *TenantContext) (any, error) {
	value, err := readJSONValue(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, trace.Wrap(h.cfg.Database.Put(r.Context(), tc.TnID, p.ByName("docId"), p.ByName("path"), value))
}

// dbDelete removes the path and everything under it.
func (h *Handler) dbDelete(w http.ResponseWriter, r *http.Request, p httprouter.Params, tc *TenantContext) (any, error) {
	return nil, trace.Wrap(h.cfg.Database.Delete(r.Context(), tc.TnID, p.ByName("docId"), p.ByName("path")))
}
