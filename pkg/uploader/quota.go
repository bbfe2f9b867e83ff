package uploader

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/showrunner/pkg/alerting"
	"github.com/cuemby/showrunner/pkg/log"
	"github.com/cuemby/showrunner/pkg/metrics"
	"github.com/cuemby/showrunner/pkg/storage"
	"github.com/cuemby/showrunner/pkg/types"
)

// UnitsPerUpload is the upload API's cost for one video insert.
const UnitsPerUpload = 1600

// quotaWarnFraction triggers an operator warning when a day's reservation
// crosses this share of the ceiling.
const quotaWarnFraction = 0.8

// Quota wraps the ledger with alerting. Reservation happens before the
// upload starts; a failed reservation defers the task without consuming
// any retry budget.
type Quota struct {
	store   *storage.Store
	alerter *alerting.Alerter
}

// NewQuota creates the quota layer.
func NewQuota(store *storage.Store, alerter *alerting.Alerter) *Quota {
	return &Quota{store: store, alerter: alerter}
}

// Reserve charges one upload against the channel's daily ledger. Returns
// storage.ErrQuotaExhausted when the ceiling would be exceeded; the ledger
// is untouched in that case.
func (q *Quota) Reserve(ctx context.Context, ch *types.Channel) error {
	day := time.Now().UTC().Format("2006-01-02")
	used, err := q.store.ReserveUploadUnits(ctx, ch.ID, day, UnitsPerUpload, ch.DailyUploadUnits)
	if err != nil {
		return err
	}
	metrics.UploadQuotaUsed.WithLabelValues(ch.ID).Set(float64(used))

	if ch.DailyUploadUnits > 0 && float64(used) >= quotaWarnFraction*float64(ch.DailyUploadUnits) {
		q.alerter.Send(ctx, alerting.Alert{
			Severity:  alerting.SeverityWarning,
			ChannelID: ch.ID,
			Title:     "upload quota near ceiling",
			Message: fmt.Sprintf("%d of %d units used for %s on %s",
				used, ch.DailyUploadUnits, ch.ID, day),
		})
	}
	return nil
}

// Release refunds a reservation whose upload did not go through. Every
// failure path between Reserve and a recorded upload must refund, or
// retries would drain the day's budget without publishing anything.
func (q *Quota) Release(ctx context.Context, ch *types.Channel) {
	day := time.Now().UTC().Format("2006-01-02")
	used, err := q.store.ReleaseUploadUnits(ctx, ch.ID, day, UnitsPerUpload)
	if err != nil {
		log.WithChannelID(ch.ID).Warn().Err(err).Msg("failed to refund upload quota reservation")
		return
	}
	metrics.UploadQuotaUsed.WithLabelValues(ch.ID).Set(float64(used))
}

// NextUTCMidnight is when exhausted quota resets. Quota-deferred tasks
// become available again at this instant.
func NextUTCMidnight(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
