// Package refund computes cancellation refunds from a policy table.
package refund

import (
	"math"
	"time"

	"github.com/Niiaks/Lodge/internal/model"
	"github.com/Niiaks/Lodge/pkg/constants"
)

type Result struct {
	DaysUntilCheckIn int   `json:"days_until_checkin"`
	RefundPercentage int   `json:"refund_percentage"`
	BaseRefund       int64 `json:"base_refund"`
	CancellationFee  int64 `json:"cancellation_fee"`
	RefundAmount     int64 `json:"refund_amount"`
}

// Calculate returns the refund owed on paidAmount (minor units) when a stay
// starting at checkIn is cancelled at now.
//
// The service fee is a percentage of the refund, not of the retained amount,
// so a larger refund also carries a larger fee. RefundAmount is
// paid × pct × 90% rounded half up, and BaseRefund = RefundAmount + CancellationFee.
func Calculate(paidAmount int64, checkIn, now time.Time, policy []model.CancellationPolicy) Result {
	days := DaysUntil(checkIn, now)
	pct := Percentage(days, policy)

	if paidAmount <= 0 {
		return Result{DaysUntilCheckIn: days, RefundPercentage: pct}
	}

	base := percentOf(paidAmount, int64(pct))
	amount := (paidAmount*int64(pct)*(100-constants.ServiceFeePercentage) + 5000) / 10000
	if amount < 0 {
		amount = 0
	}
	fee := base - amount

	return Result{
		DaysUntilCheckIn: days,
		RefundPercentage: pct,
		BaseRefund:       base,
		CancellationFee:  fee,
		RefundAmount:     amount,
	}
}

// DaysUntil is ceil((checkIn - now) in days), clamped at zero.
func DaysUntil(checkIn, now time.Time) int {
	d := checkIn.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Hours() / 24))
}

// Percentage picks the row with the greatest threshold not above days.
func Percentage(days int, policy []model.CancellationPolicy) int {
	best := -1
	pct := 0
	for _, row := range policy {
		if row.DaysBeforeCheckIn <= days && row.DaysBeforeCheckIn > best {
			best = row.DaysBeforeCheckIn
			pct = row.RefundPercentage
		}
	}
	return pct
}

// percentOf rounds half away from zero to a whole minor unit.
func percentOf(amount, pct int64) int64 {
	return (amount*pct + 50) / 100
}
