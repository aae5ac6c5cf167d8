package reservation

import (
	"time"

	"github.com/Niiaks/Lodge/internal/model"
	"github.com/Niiaks/Lodge/pkg/constants"
	"github.com/google/uuid"
)

// Plan is the payment split for one reservation. Deposit and Remaining are
// always computed from the total; the schedule rows depend on Method.
type Plan struct {
	Method    model.PaymentMethod
	Total     int64
	Deposit   int64
	Remaining int64
	DueDate   time.Time
}

// SplitDeposit returns round(total * 50%) half-up and the rest.
func SplitDeposit(total int64) (deposit, remaining int64) {
	deposit = (total*constants.DepositPercentage + 50) / 100
	return deposit, total - deposit
}

// NewPlan builds the plan for a booking made on today. A deposit plan whose
// balance would already be due, or would have nothing left to pay, becomes a
// full payment.
func NewPlan(total int64, method model.PaymentMethod, checkIn, today time.Time) Plan {
	deposit, remaining := SplitDeposit(total)
	due := checkIn.AddDate(0, 0, -constants.PaymentDueLeadDays)

	if method == model.PaymentMethodDeposit && (!due.After(today) || remaining == 0) {
		method = model.PaymentMethodFull
	}

	return Plan{
		Method:    method,
		Total:     total,
		Deposit:   deposit,
		Remaining: remaining,
		DueDate:   due,
	}
}

func (p Plan) Schedules(reservationID uuid.UUID, today time.Time) []model.PaymentSchedule {
	item := func(kind model.ScheduleKind, amount int64, due time.Time) model.PaymentSchedule {
		return model.PaymentSchedule{
			ID:            uuid.New(),
			ReservationID: reservationID,
			Kind:          kind,
			Amount:        amount,
			DueDate:       due,
			Status:        model.SchedulePending,
		}
	}

	if p.Method == model.PaymentMethodFull {
		return []model.PaymentSchedule{item(model.ScheduleFull, p.Total, today)}
	}
	return []model.PaymentSchedule{
		item(model.ScheduleDeposit, p.Deposit, today),
		item(model.ScheduleRemaining, p.Remaining, p.DueDate),
	}
}

// dateOf truncates t to a UTC calendar date.
func dateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func firstSchedule(schedules []model.PaymentSchedule) *model.PaymentSchedule {
	for i := range schedules {
		if schedules[i].Kind == model.ScheduleDeposit || schedules[i].Kind == model.ScheduleFull {
			return &schedules[i]
		}
	}
	return nil
}

func scheduleOfKind(schedules []model.PaymentSchedule, kind model.ScheduleKind) *model.PaymentSchedule {
	for i := range schedules {
		if schedules[i].Kind == kind {
			return &schedules[i]
		}
	}
	return nil
}

func paidAmount(schedules []model.PaymentSchedule) int64 {
	var paid int64
	for _, s := range schedules {
		if s.Status == model.SchedulePaid {
			paid += s.Amount
		}
	}
	return paid
}
