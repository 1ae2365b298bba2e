package model

import "time"

type Status string

const (
	StatusNew                  Status = "NEW"
	StatusInReview             Status = "IN_REVIEW"
	StatusAwaitingPayment      Status = "AWAITING_PAYMENT"
	StatusPaymentProofUploaded Status = "PAYMENT_PROOF_UPLOADED"
	StatusPaid                 Status = "PAID"
	StatusInProgress           Status = "IN_PROGRESS"
	StatusCompleted            Status = "COMPLETED"
	StatusDeclinedByMaster     Status = "DECLINED_BY_MASTER"
	StatusCancelled            Status = "CANCELLED"
)

// allowedTransitions is the single source of truth for the appointment
// lifecycle. Both the operator-facing operations and rule-engine auto
// transitions consult it; terminal states have no outgoing edges.
var allowedTransitions = map[Status][]Status{
	StatusNew:                  {StatusInReview, StatusCancelled},
	StatusInReview:             {StatusAwaitingPayment, StatusDeclinedByMaster, StatusCancelled},
	StatusAwaitingPayment:      {StatusPaymentProofUploaded, StatusDeclinedByMaster, StatusCancelled},
	StatusPaymentProofUploaded: {StatusPaid, StatusCancelled},
	StatusPaid:                 {StatusInProgress, StatusCancelled},
	StatusInProgress:           {StatusCompleted, StatusCancelled},
	StatusCompleted:            {},
	StatusDeclinedByMaster:     {},
	StatusCancelled:            {},
}

func AllowedTransition(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func ValidStatus(s Status) bool {
	_, ok := allowedTransitions[s]
	return ok
}

func (s Status) Terminal() bool {
	return len(allowedTransitions[s]) == 0 && ValidStatus(s)
}

type PaymentMethod string

const (
	PaymentCrypto       PaymentMethod = "crypto"
	PaymentBankTransfer PaymentMethod = "bank_transfer"
)

// Appointment is one remote unlock booking, the central workflow entity.
// It is mutated exclusively through the lifecycle service and never
// hard-deleted; terminal statuses end its lifecycle.
type Appointment struct {
	ID               int64
	ClientID         int64
	AssignedMasterID *int64

	Brand       string
	Model       string
	LockType    string
	HasPC       bool
	Description string

	Status     Status
	TotalPrice *int64
	Currency   string

	PaymentMethod      PaymentMethod
	PaymentProofRef    string
	PaymentMarkedAt    *time.Time
	PaymentConfirmedAt *time.Time
	PaymentConfirmedBy *int64

	TakenAt     *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	ResponseDeadlineAt   *time.Time
	CompletionDeadlineAt *time.Time
	SLABreached          bool

	PlatformTags []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (a *Appointment) HasTag(tag string) bool {
	for _, t := range a.PlatformTags {
		if t == tag {
			return true
		}
	}
	return false
}

// AppointmentEvent is the immutable per-appointment audit record. It is
// owned by its appointment and written once per action, never mutated.
type AppointmentEvent struct {
	ID            int64
	AppointmentID int64
	ActorID       *int64
	EventType     AppointmentEventType
	FromStatus    Status
	ToStatus      Status
	Note          string
	Metadata      map[string]any
	CreatedAt     time.Time
}

type AppointmentEventType string

const (
	EventStatusChanged        AppointmentEventType = "status_changed"
	EventPriceSet             AppointmentEventType = "price_set"
	EventPaymentProofUploaded AppointmentEventType = "payment_proof_uploaded"
	EventPaymentMarked        AppointmentEventType = "payment_marked"
	EventPaymentConfirmed     AppointmentEventType = "payment_confirmed"
	EventClientSignal         AppointmentEventType = "client_signal"
)
