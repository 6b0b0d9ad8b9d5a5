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
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/cloudillo/cloudillo/api/types"
	"github.com/cloudillo/cloudillo/lib/backend"
	"github.com/cloudillo/cloudillo/lib/defaults"
	"github.com/cloudillo/cloudillo/lib/httplib"
	"github.com/cloudillo/cloudillo/lib/tokens"
	"github.com/cloudillo/cloudillo/lib/utils"
)

// uploadPresets are the accepted upload processing profiles. Public
// presets mirror the blob into the public tree, where the static
// file server and peer instances read without a tenant session.
var uploadPresets = map[string]struct {
	Public bool
}{
	"profile":    {Public: true},
	"attachment": {Public: false},
	"gallery":    {Public: false},
	"doc":        {Public: false},
}

func parseListFiles(r *http.Request) (types.ListFilesOptions, error) {
	q := r.URL.Query()
	opts := types.ListFilesOptions{
		Preset:      q.Get("preset"),
		ContentType: q.Get("contentType"),
		ParentID:    q.Get("parentId"),
		Tag:         q.Get("tag"),
		Query:       q.Get("q"),
		Cursor:      q.Get("cursor"),
	}
	if v := q.Get("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			opts.Statuses = append(opts.Statuses, types.FileStatus(s))
		}
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return opts, trace.BadParameter("invalid limit %q", v)
		}
		opts.Limit = limit
	}
	return opts, nil
}

func (h *Handler) listFiles(w http.ResponseWriter, r *http.Request, _ httprouter.Params, tc *TenantContext) (any, error) {
	opts, err := parseListFiles(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	items, cursor, err := h.cfg.Meta.ListFiles(r.Context(), tc.TnID, opts)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return listEnvelope{Items: items, Cursor: cursor}, nil
}

// createFile registers file metadata without content. This is how
// collaborative documents get their file row: the id doubles as the
// CRDT document id, so it is generated rather than content-derived.
func (h *Handler) createFile(w http.ResponseWriter, r *http.Request, _ httprouter.Params, tc *TenantContext) (any, error) {
	var req struct {
		FileID      string `json:"fileId"`
		FileName    string `json:"fileName"`
		ContentType string `json:"contentType"`
		Preset      string `json:"preset"`
		ParentID    string `json:"parentId"`
	}
	if err := httplib.ReadJSON(r, defaults.MaxInlineFileSize, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if _, ok := uploadPresets[req.Preset]; !ok {
		return nil, trace.BadParameter("unknown preset %q", req.Preset)
	}
	fileID := req.FileID
	if fileID == "" {
		fileID = utils.RandomID(24)
	}
	meta := &types.FileMeta{
		FileID:      fileID,
		TnID:        tc.TnID,
		OwnerTag:    tc.IDTag,
		ParentID:    req.ParentID,
		Preset:      req.Preset,
		ContentType: req.ContentType,
		FileName:    req.FileName,
		CreatedAt:   h.cfg.Clock.Now(),
		Status:      types.FileActive,
	}
	if err := h.cfg.Meta.CreateFile(r.Context(), meta); err != nil {
		return nil, trace.Wrap(err)
	}
	return meta, nil
}

// uploadFile stores a blob under its content address and creates the
// file row with the canonical variant. Re-uploading the same bytes is
// idempotent end to end.
func (h *Handler) uploadFile(w http.ResponseWriter, r *http.Request, p httprouter.Params, tc *TenantContext) (any, error) {
	preset, ok := uploadPresets[p.ByName("preset")]
	if !ok {
		return nil, trace.BadParameter("unknown preset %q", p.ByName("preset"))
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, defaults.MaxUploadSize+1))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if int64(len(data)) > defaults.MaxUploadSize {
		return nil, trace.LimitExceeded("upload exceeds the size limit")
	}
	if len(data) == 0 {
		return nil, trace.BadParameter("empty upload")
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	fileID := backend.ContentHash(data)
	if err := h.cfg.Blobs.WriteBlob(r.Context(), tc.TnID, fileID, data, backend.BlobWriteOptions{Public: preset.Public}); err != nil {
		return nil, trace.Wrap(err)
	}
	meta := &types.FileMeta{
		FileID:      fileID,
		TnID:        tc.TnID,
		OwnerTag:    tc.IDTag,
		Preset:      p.ByName("preset"),
		ContentType: contentType,
		FileName:    p.ByName("fileName"),
		CreatedAt:   h.cfg.Clock.Now(),
		Variants: []types.FileVariant{{
			Variant:   types.VariantOrig,
			VariantID: fileID,
			Format:    formatOf(contentType),
			Size:      int64(len(data)),
		}},
		Status: types.FileActive,
	}
	if err := h.cfg.Meta.CreateFile(r.Context(), meta); err != nil {
		return nil, trace.Wrap(err)
	}
	return meta, nil
}

// formatOf derives the variant format label from a MIME type.
func formatOf(contentType string) string {
	_, sub, ok := strings.Cut(contentType, "/")
	if !ok {
		return ""
	}
	sub, _, _ = strings.Cut(sub, ";")
	return strings.TrimSpace(sub)
}

// authorizeFetch decides whether a fetch request may read the blobs
// of fileID. Local sessions need read access and a matching resource
// confinement. A peer proxy token passes on identification alone: it
// is signed with the peer's secret, which this instance cannot check,
// and the content address makes the response self-authenticating.
func (h *Handler) authorizeFetch(r *http.Request, tc *TenantContext, fileID string) error {
	raw := sessionToken(r)
	if raw == "" {
		return trace.AccessDenied("authentication required")
	}
	claims, err := h.cfg.Identity.Issuer().VerifyAccess(raw, tc.IDTag)
	if err == nil {
		if !claims.Access.Covers(types.AccessRead) {
			return trace.AccessDenied("insufficient access")
		}
		if claims.Resource != "" && claims.Resource != fileID {
			return trace.AccessDenied("token is confined to another resource")
		}
		return nil
	}
	proxy, perr := tokens.PeekProxy(raw)
	if perr == nil && proxy.Target == tc.IDTag {
		return nil
	}
	return trace.AccessDenied("invalid token")
}

// serveBlob streams one blob with immutable caching: the id is the
// content hash, so the bytes can never change.
func (h *Handler) serveBlob(w http.ResponseWriter, r *http.Request, tc *TenantContext, blobID, contentType string) error {
	rc, size, err := h.cfg.Blobs.OpenBlob(r.Context(), tc.TnID, blobID)
	if err != nil {
		return trace.Wrap(err)
	}
	defer rc.Close()
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	httplib.SetImmutableCacheHeaders(w.Header())
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.log.Debug("blob send interrupted", "file_id", blobID, "error", err)
	}
	return nil
}

// fetchFile serves the blob addressed by fileId. The id can name a
// file row (the canonical variant is served) or a variant blob
// directly, which is how peers fetch profile pictures.
func (h *Handler) fetchFile(w http.ResponseWriter, r *http.Request, p httprouter.Params, tc *TenantContext) error {
	fileID := p.ByName("fileId")
	if err := h.authorizeFetch(r, tc, fileID); err != nil {
		httplib.ReplyAuthError(w, err)
		return nil
	}
	contentType := ""
	if meta, err := h.cfg.Meta.GetFile(r.Context(), tc.TnID, fileID); err == nil {
		if meta.Status == types.FileDeleted {
			return trace.NotFound("file %q not found", fileID)
		}
		contentType = meta.ContentType
	}
	return trace.Wrap(h.serveBlob(w, r, tc, fileID, contentType))
}

// fetchFileVariant serves one rendered variant of a file, or the
// metadata row when the label is "meta", which is not a valid variant
// label.
func (h *Handler) fetchFileVariant(w http.ResponseWriter, r *http.Request, p httprouter.Params, tc *TenantContext) error {
	fileID := p.ByName("fileId")
	label := p.ByName("variant")
	if err := h.authorizeFetch(r, tc, fileID); err != nil {
		httplib.ReplyAuthError(w, err)
		return nil
	}
	meta, err := h.cfg.Meta.GetFile(r.Context(), tc.TnID, fileID)
	if err != nil {
		return trace.Wrap(err)
	}
	if meta.Status == types.FileDeleted {
		return trace.NotFound("file %q not found", fileID)
	}
	if label == "meta" {
		roundtrip.ReplyJSON(w, http.StatusOK, meta)
		return nil
	}
	for _, variant := range meta.Variants {
		if variant.Variant == label {
			contentType := meta.ContentType
			return trace.Wrap(h.serveBlob(w, r, tc, variant.VariantID, contentType))
		}
	}
	return trace.NotFound("file %q has no %q variant", fileID, label)
}

// patchFile updates the mutable parts of a file row: the status, and
// variant registration for externally rendered versions.
func (h *Handler) patchFile(w http.ResponseWriter, r *http.Request, p httprouter.Params, tc *TenantContext) (any, error) {
	fileID := p.ByName("fileId")
	var req struct {
		Status  types.FileStatus   `json:"status"`
		Variant *types.FileVariant `json:"variant"`
	}
	if err := httplib.ReadJSON(r, defaults.MaxInlineFileSize, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Status != "" {
		switch req.Status {
		case types.FileActive, types.FilePending, types.FileDeleted:
		default:
			return nil, trace.BadParameter("invalid status %q", req.Status)
		}
		if err := h.cfg.Meta.SetFileStatus(r.Context(), tc.TnID, fileID, req.Status); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if req.Variant != nil {
		if req.Variant.Variant == "" || req.Variant.VariantID == "" {
			return nil, trace.BadParameter("variant label and id are required")
		}
		if err := h.cfg.Meta.AddFileVariant(r.Context(), tc.TnID, fileID, *req.Variant); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	meta, err := h.cfg.Meta.GetFile(r.Context(), tc.TnID, fileID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return meta, nil
}

// deleteFile tombstones the row and removes the blobs. Blob removal
// is best effort: the tombstone already hides the file, and orphaned
// blobs are harmless.
func (h *Handler) deleteFile(w http.ResponseWriter, r *http.Request, p httprouter.Params, tc *TenantContext) (any, error) {
	fileID := p.ByName("fileId")
	meta, err := h.cfg.Meta.GetFile(r.Context(), tc.TnID, fileID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Meta.SetFileStatus(r.Context(), tc.TnID, fileID, types.FileDeleted); err != nil {
		return nil, trace.Wrap(err)
	}
	for _, variant := range meta.Variants {
		if err := h.cfg.Blobs.DeleteBlob(r.Context(), tc.TnID, variant.VariantID); err != nil && !trace.IsNotFound(err) {
			h.log.Warn("failed to delete blob", "file_id", fileID, "variant_id", variant.VariantID, "error", err)
		}
	}
	return nil, nil
}

func (h *Handler) tagFile(w http.ResponseWriter, r *http.Request, p httprouter.Params, tc *TenantContext) (any, error) {
	return nil, trace.Wrap(h.cfg.Meta.SetFileTag(r.Context(), tc.TnID, p.ByName("fileId"), p.ByName("tag"), true))
}

func (h *Handler) untagFile(w http.ResponseWriter, r *http.Request, p httprouter.Params, tc *TenantContext) (any, error) {
	return nil, trace.Wrap(h.cfg.Meta.SetFileTag(r.Context(), tc.TnID, p.ByName("fileId"), p.ByName("tag"), false))
}

func (h *Handler) listTags(w http.ResponseWriter, r *http.Request, _ httprouter.Params, tc *TenantContext) (any, error) {
	tags, err := h.cfg.Meta.ListTags(r.Context(), tc.TnID, r.URL.Query().Get("prefix"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return struct {
		Tags map[string]int64 `json:"tags"`
	}{Tags: tags}, nil
}
