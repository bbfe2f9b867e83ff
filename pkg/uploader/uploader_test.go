package uploader

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"golang.org/x/oauth2"

	"github.com/cuemby/showrunner/pkg/alerting"
	"github.com/cuemby/showrunner/pkg/storage"
	"github.com/cuemby/showrunner/pkg/types"
)

func TestNextUTCMidnight(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{
			name: "mid-afternoon",
			now:  time.Date(2026, 8, 20, 15, 30, 0, 0, time.UTC),
			want: time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "one second before midnight",
			now:  time.Date(2026, 8, 20, 23, 59, 59, 0, time.UTC),
			want: time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "exactly midnight rolls to the next day",
			now:  time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC),
			want: time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "non-UTC input normalized",
			now:  time.Date(2026, 8, 20, 22, 0, 0, 0, time.FixedZone("UTC+4", 4*3600)),
			want: time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "month boundary",
			now:  time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC),
			want: time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NextUTCMidnight(tt.now); !got.Equal(tt.want) {
				t.Errorf("NextUTCMidnight(%v) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

// A reservation whose upload never happened is refunded in full, so the
// retry can reserve again without double-charging the day.
func TestQuotaReleaseRefundsReservation(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	store := storage.NewWithDB(db, "pgx", 0)

	day := time.Now().UTC().Format("2006-01-02")
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO upload_quota_ledger")).
		WithArgs("ch-1", day, int64(UnitsPerUpload), int64(10000)).
		WillReturnRows(sqlmock.NewRows([]string{"units_used"}).AddRow(int64(UnitsPerUpload)))
	mock.ExpectQuery(regexp.QuoteMeta("GREATEST(units_used - $3, 0)")).
		WithArgs("ch-1", day, int64(UnitsPerUpload)).
		WillReturnRows(sqlmock.NewRows([]string{"units_used"}).AddRow(int64(0)))

	q := NewQuota(store, alerting.New())
	ch := &types.Channel{ID: "ch-1", DailyUploadUnits: 10000}
	if err := q.Reserve(context.Background(), ch); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	q.Release(context.Background(), ch)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("ledger calls: %v", err)
	}
}

func TestIsInvalidGrant(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "structured invalid_grant",
			err:  &oauth2.RetrieveError{ErrorCode: "invalid_grant"},
			want: true,
		},
		{
			name: "wrapped structured error",
			err:  fmt.Errorf("refresh failed: %w", &oauth2.RetrieveError{ErrorCode: "invalid_grant"}),
			want: true,
		},
		{
			name: "other oauth error code",
			err:  &oauth2.RetrieveError{ErrorCode: "invalid_client"},
			want: false,
		},
		{
			name: "string fallback",
			err:  errors.New(`oauth2: "invalid_grant" token expired or revoked`),
			want: true,
		},
		{
			name: "transient network error",
			err:  errors.New("dial tcp: i/o timeout"),
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isInvalidGrant(tt.err); got != tt.want {
				t.Errorf("isInvalidGrant(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
