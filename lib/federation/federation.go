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

// Package federation implements the outbound HTTP client used to talk
// to peer Cloudillo instances: action delivery to peer inboxes,
// profile synchronization and attachment fetching. Every call presents
// a freshly minted proxy token, runs under a per-attempt timeout and
// retries transient failures with linear backoff. Definitive peer
// answers (4xx) are permanent and never retried.
package federation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/cloudillo/cloudillo"
	"github.com/cloudillo/cloudillo/api/types"
	"github.com/cloudillo/cloudillo/lib/backend"
	"github.com/cloudillo/cloudillo/lib/defaults"
	"github.com/cloudillo/cloudillo/lib/utils"
)

// TokenSource mints proxy tokens that authenticate outbound calls to
// peers. Implemented by the identity service.
type TokenSource interface {
	ProxyTokenFor(ctx context.Context, tnID int64, target string) (string, error)
}

// InboxRequest is the body of an action delivery POST.
type InboxRequest struct {
	Token string `json:"token"`
}

// Config holds the federation client dependencies.
type Config struct {
	// Tokens mints the per-call proxy tokens.
	Tokens TokenSource
	// Meta persists synced profiles and key sets.
	Meta backend.MetaStore
	// Blobs stores fetched attachments.
	Blobs backend.BlobStore
	// PeerURL resolves a peer identity tag to the base URL of its API
	// host. Defaults to https://cl-o.{idTag}.
	PeerURL func(idTag string) string
	// HTTPClient overrides the transport, e.g. in tests.
	HTTPClient *http.Client
	// Timeout bounds one attempt of one call.
	Timeout time.Duration
	// Retries is the number of attempts for one call.
	Retries int
	// RetryStep is the backoff added between attempts.
	RetryStep time.Duration
	// Jitter is applied to backoff delays.
	Jitter utils.Jitter
	// Clock overrides the wall clock in tests.
	Clock clockwork.Clock
	// Log is the client logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Tokens == nil {
		return trace.BadParameter("missing Tokens")
	}
	if c.Meta == nil {
		return trace.BadParameter("missing Meta")
	}
	if c.Blobs == nil {
		return trace.BadParameter("missing Blobs")
	}
	if c.PeerURL == nil {
		c.PeerURL = func(idTag string) string {
			return "https://" + cloudillo.APIHostPrefix + idTag
		}
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Timeout <= 0 {
		c.Timeout = defaults.FederationTimeout
	}
	if c.Retries <= 0 {
		c.Retries = defaults.FederationRetries
	}
	if c.RetryStep <= 0 {
		c.RetryStep = defaults.FederationRetryStep
	}
	if c.Jitter == nil {
		c.Jitter = utils.NewHalfJitter()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = utils.NewLogger(cloudillo.ComponentFederation)
	}
	return nil
}

// Client executes outbound calls to peer instances.
type Client struct {
	cfg Config
	log *slog.Logger
}

// New returns a federation client.
func New(cfg Config) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{cfg: cfg, log: cfg.Log}, nil
}

// PermanentError marks a federation failure the caller must not
// retry: the peer gave a definitive answer.
type PermanentError struct {
	Err error
}

// Error implements the error interface.
func (e *PermanentError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying peer error.
func (e *PermanentError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err is a definitive peer answer rather
// than a transient failure.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// peerClient builds a roundtrip client bound to one peer with the
// given bearer token.
func (c *Client) peerClient(peer, token string) (*roundtrip.Client, error) {
	clt, err := roundtrip.NewClient(c.cfg.PeerURL(peer), cloudillo.APIPrefix,
		roundtrip.HTTPClient(c.cfg.HTTPClient),
		roundtrip.BearerAuth(token),
		roundtrip.SanitizerEnabled(true),
	)
	return clt, trace.Wrap(err)
}

// call runs fn under the per-attempt timeout, retrying transient
// failures up to the configured attempt budget. 2xx and 304 responses
// are returned, 429 and 5xx retried, any other status is permanent.
func (c *Client) call(ctx context.Context, peer string, fn func(ctx context.Context) (*roundtrip.Response, error)) (*roundtrip.Response, error) {
	retry, err := utils.NewLinear(utils.LinearConfig{
		Step:   c.cfg.RetryStep,
		Max:    c.cfg.Timeout,
		Jitter: c.cfg.Jitter,
		Clock:  c.cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var lastErr error
	for attempt := 1; attempt <= c.cfg.Retries; attempt++ {
		re, err := c.once(ctx, fn)
		if err == nil {
			return re, nil
		}
		if IsPermanent(err) {
			return nil, trace.Wrap(err)
		}
		lastErr = err
		c.log.DebugContext(ctx, "Federation attempt failed.",
			"peer", peer, "attempt", attempt, "error", err)
		if attempt == c.cfg.Retries {
			break
		}
		retry.Inc()
		select {
		case <-retry.After():
		case <-ctx.Done():
			return nil, trace.ConnectionProblem(ctx.Err(), "federation call to %q canceled", peer)
		}
	}
	return nil, trace.Wrap(lastErr)
}

func (c *Client) once(ctx context.Context, fn func(ctx context.Context) (*roundtrip.Response, error)) (*roundtrip.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	re, err := fn(ctx)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "peer unreachable")
	}
	code := re.Code()
	switch {
	case code >= 200 && code <= 299 || code == http.StatusNotModified:
		return re, nil
	case code == http.StatusTooManyRequests || code >= 500:
		return nil, trace.ConnectionProblem(nil, "peer answered %v", code)
	default:
		return nil, &PermanentError{Err: trace.ReadError(code, re.Bytes())}
	}
}

// DeliverAction posts a signed action token to the peer's inbox.
func (c *Client) DeliverAction(ctx context.Context, tnID int64, peer, token string) error {
	proxyToken, err := c.cfg.Tokens.ProxyTokenFor(ctx, tnID, peer)
	if err != nil {
		return trace.Wrap(err)
	}
	clt, err := c.peerClient(peer, proxyToken)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = c.call(ctx, peer, func(ctx context.Context) (*roundtrip.Response, error) {
		return clt.PostJSON(ctx, clt.Endpoint("inbox"), InboxRequest{Token: token})
	})
	return trace.Wrap(err)
}

// SyncProfile refreshes the cached profile and key set of a remote
// identity with an ETag-conditional fetch of its profile document.
func (c *Client) SyncProfile(ctx context.Context, tnID int64, idTag string) error {
	etag := ""
	switch prof, err := c.cfg.Meta.GetProfile(ctx, tnID, idTag); {
	case err == nil:
		etag = prof.ETag
	case !trace.IsNotFound(err):
		return trace.Wrap(err)
	}

	proxyToken, err := c.cfg.Tokens.ProxyTokenFor(ctx, tnID, idTag)
	if err != nil {
		return trace.Wrap(err)
	}
	clt, err := c.peerClient(idTag, proxyToken)
	if err != nil {
		return trace.Wrap(err)
	}
	re, err := c.call(ctx, idTag, func(ctx context.Context) (*roundtrip.Response, error) {
		return clt.RoundTrip(func() (*http.Response, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, clt.Endpoint("me"), nil)
			if err != nil {
				return nil, err
			}
			clt.SetAuthHeader(req.Header)
			if etag != "" {
				req.Header.Set("If-None-Match", etag)
			}
			return clt.HTTPClient().Do(req)
		})
	})
	if err != nil {
		return trace.Wrap(err)
	}

	now := c.cfg.Clock.Now()
	if re.Code() == http.StatusNotModified {
		return trace.Wrap(c.cfg.Meta.SetProfileSynced(ctx, tnID, idTag, etag, now))
	}

	var doc types.ProfileDoc
	if err := json.Unmarshal(re.Bytes(), &doc); err != nil {
		return trace.BadParameter("invalid profile document from %q: %v", idTag, err)
	}
	if doc.IDTag != idTag {
		return trace.BadParameter("profile document of %q claims identity %q", idTag, doc.IDTag)
	}
	if err := c.cfg.Meta.UpsertProfile(ctx, &types.Profile{
		TnID:       tnID,
		IDTag:      doc.IDTag,
		Name:       doc.Name,
		Type:       doc.Type,
		ProfilePic: doc.ProfilePic,
		CoverPic:   doc.CoverPic,
	}); err != nil {
		return trace.Wrap(err)
	}
	if err := c.cfg.Meta.UpsertProfileKeys(ctx, tnID, idTag, doc.Keys); err != nil {
		return trace.Wrap(err)
	}
	if doc.ProfilePic != "" {
		if err := c.fetchBlob(ctx, tnID, clt, idTag, doc.ProfilePic, true); err != nil {
			c.log.DebugContext(ctx, "Profile picture fetch failed.",
				"peer", idTag, "file_id", doc.ProfilePic, "error", err)
		}
	}
	return trace.Wrap(c.cfg.Meta.SetProfileSynced(ctx, tnID, idTag, re.Headers().Get("ETag"), now))
}

// FetchAttachment fetches a content-addressed file from a peer and
// stores it in the blob store, mirroring it to the public tree when
// public is set. Bytes whose hash disagrees with the announced id
// report CompareFailed and nothing is stored.
func (c *Client) FetchAttachment(ctx context.Context, tnID int64, peer, fileID string, public bool) error {
	proxyToken, err := c.cfg.Tokens.ProxyTokenFor(ctx, tnID, peer)
	if err != nil {
		return trace.Wrap(err)
	}
	clt, err := c.peerClient(peer, proxyToken)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(c.fetchBlob(ctx, tnID, clt, peer, fileID, public))
}

func (c *Client) fetchBlob(ctx context.Context, tnID int64, clt *roundtrip.Client, peer, fileID string, public bool) error {
	if ok, err := c.cfg.Blobs.CheckBlob(ctx, tnID, fileID); err != nil {
		return trace.Wrap(err)
	} else if ok {
		return nil
	}
	re, err := c.call(ctx, peer, func(ctx context.Context) (*roundtrip.Response, error) {
		return clt.RoundTrip(func() (*http.Response, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, clt.Endpoint("store", fileID), nil)
			if err != nil {
				return nil, err
			}
			clt.SetAuthHeader(req.Header)
			return clt.HTTPClient().Do(req)
		})
	})
	if err != nil {
		return trace.Wrap(err)
	}
	data := re.Bytes()
	if int64(len(data)) > defaults.MaxUploadSize {
		return trace.LimitExceeded("attachment %q exceeds the size limit", fileID)
	}
	if backend.ContentHash(data) != fileID {
		return trace.CompareFailed("attachment %q content hash mismatch", fileID)
	}
	return trace.Wrap(c.cfg.Blobs.WriteBlob(ctx, tnID, fileID, data, backend.BlobWriteOptions{Public: public}))
}
