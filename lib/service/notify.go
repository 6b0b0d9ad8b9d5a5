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

package service

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/gravitational/trace"

	"github.com/cloudillo/cloudillo/api/types"
	"github.com/cloudillo/cloudillo/lib/backend"
	"github.com/cloudillo/cloudillo/lib/defaults"
)

const (
	// notifyBatch caps how many queued notifications one push pass
	// drains.
	notifyBatch = 64
	// pushTTL is how long push services hold an undelivered message.
	pushTTL = 24 * time.Hour
)

// queueNotification receives bus messages nobody was online for and
// parks them in the notification queue for the push task. It runs
// synchronously inside Send, so failures are logged, not returned.
func (i *Instance) queueNotification(idTag string, msg *types.BusMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), defaults.FederationTimeout)
	defer cancel()
	err := i.metaStore.EnqueueNotification(ctx, &backend.Notification{
		IDTag:     idTag,
		Message:   *msg,
		CreatedAt: i.clock.Now(),
	})
	if err != nil {
		i.log.WarnContext(ctx, "failed to queue notification", "id_tag", idTag, "error", err)
	}
}

// pushNotifications drains the notification queue and delivers each
// message to the tenant's registered push endpoints. A full batch asks
// the scheduler to come straight back.
func (i *Instance) pushNotifications(ctx context.Context) (time.Duration, error) {
	queued, err := i.metaStore.DequeueNotifications(ctx, notifyBatch)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	if len(queued) == 0 {
		return 0, nil
	}
	vapidPublic, err := i.identity.VapidPublicKey(ctx)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	vapidPrivate, err := i.identity.VapidPrivateKey(ctx)
	if err != nil {
		return 0, trace.Wrap(err)
	}

	for _, n := range queued {
		if err := ctx.Err(); err != nil {
			return 0, trace.Wrap(err)
		}
		tnID, err := i.authStore.GetTnID(ctx, n.IDTag)
		if err != nil {
			i.log.DebugContext(ctx, "dropping notification for unknown tenant", "id_tag", n.IDTag)
			continue
		}
		subs, err := i.metaStore.ListSubscriptions(ctx, tnID)
		if err != nil {
			return 0, trace.Wrap(err)
		}
		if len(subs) == 0 {
			continue
		}
		payload, err := json.Marshal(n.Message)
		if err != nil {
			return 0, trace.Wrap(err)
		}
		for _, sub := range subs {
			if err := i.pushOne(ctx, &sub, payload, vapidPublic, vapidPrivate); err != nil {
				i.log.WarnContext(ctx, "push delivery failed",
					"id_tag", n.IDTag, "subs_id", sub.SubsID, "error", err)
			}
		}
	}
	if len(queued) == notifyBatch {
		return time.Second, nil
	}
	return 0, nil
}

// pushOne sends one encrypted payload to one endpoint. Endpoints that
// answer 404 or 410 are gone for good and get pruned.
func (i *Instance) pushOne(ctx context.Context, sub *types.Subscription, payload []byte, vapidPublic, vapidPrivate string) error {
	target := &webpush.Subscription{Endpoint: sub.Endpoint}
	if len(sub.Keys) > 0 {
		if err := json.Unmarshal(sub.Keys, &target.Keys); err != nil {
			return trace.BadParameter("subscription %v has corrupt keys", sub.SubsID)
		}
	}
	resp, err := webpush.SendNotificationWithContext(ctx, payload, target, &webpush.Options{
		HTTPClient:      i.pushClient,
		Subscriber:      i.cfg.ACMEEmail,
		TTL:             int(pushTTL / time.Second),
		VAPIDPublicKey:  vapidPublic,
		VAPIDPrivateKey: vapidPrivate,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		i.log.InfoContext(ctx, "pruning gone push subscription", "subs_id", sub.SubsID)
		return trace.Wrap(i.metaStore.DeleteSubscription(ctx, sub.TnID, sub.SubsID))
	case resp.StatusCode >= 400:
		return trace.ConnectionProblem(nil, "push endpoint answered %v", resp.Status)
	}
	return nil
}
