package constants

const (
	// DepositPercentage of the total is charged when a deposit plan is chosen.
	DepositPercentage int64 = 50
	// ServiceFeePercentage is withheld from every cancellation refund.
	ServiceFeePercentage int64 = 10
	// PaymentDueLeadDays is how many days before check-in the balance is due.
	PaymentDueLeadDays = 3
	// ReminderLeadDays is how many days before the due date the reminder fires.
	ReminderLeadDays = 1
)

const DateLayout = "2006-01-02"
