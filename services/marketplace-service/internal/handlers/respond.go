package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/remlock/remlock/services/marketplace-service/internal/lifecycle"
	"github.com/remlock/remlock/services/marketplace-service/internal/model"
	"github.com/remlock/remlock/services/marketplace-service/internal/storage"
)

// actorID reads the authenticated user id forwarded by the edge proxy in
// X-User-Id. Token verification happens upstream; this service trusts the
// header.
func actorID(r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(r.Header.Get("X-User-Id"))
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "failed to build response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// writeDomainError maps lifecycle sentinel errors onto HTTP statuses. Raw
// storage errors are reported as 500 without leaking the message.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, lifecycle.ErrForbidden):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, lifecycle.ErrConflict), storage.IsConflict(err):
		http.Error(w, err.Error(), http.StatusConflict)
	case storage.IsNotFound(err):
		http.Error(w, "not found", http.StatusNotFound)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func queryLimit(r *http.Request, def, max int) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > max {
		return def
	}
	return n
}

// paymentRequisites is shown to the client while payment is pending.
type paymentRequisites struct {
	Bank         string `json:"bank,omitempty"`
	CryptoWallet string `json:"crypto_wallet,omitempty"`
}

type appointmentView struct {
	ID                int64              `json:"id"`
	ClientID          int64              `json:"client_id"`
	AssignedMasterID  *int64             `json:"assigned_master_id,omitempty"`
	Brand             string             `json:"brand"`
	Model             string             `json:"model"`
	LockType          string             `json:"lock_type"`
	HasPC             bool               `json:"has_pc"`
	Description       string             `json:"description,omitempty"`
	Status            string             `json:"status"`
	TotalPrice        *int64             `json:"total_price,omitempty"`
	Currency          string             `json:"currency"`
	PaymentMethod     string             `json:"payment_method,omitempty"`
	PaymentProofRef   string             `json:"payment_proof_ref,omitempty"`
	PaymentRequisites *paymentRequisites `json:"payment_requisites,omitempty"`
	SLABreached       bool               `json:"sla_breached"`
	PlatformTags      []string           `json:"platform_tags,omitempty"`

	TakenAt              string `json:"taken_at,omitempty"`
	StartedAt            string `json:"started_at,omitempty"`
	CompletedAt          string `json:"completed_at,omitempty"`
	PaymentMarkedAt      string `json:"payment_marked_at,omitempty"`
	PaymentConfirmedAt   string `json:"payment_confirmed_at,omitempty"`
	ResponseDeadlineAt   string `json:"response_deadline_at,omitempty"`
	CompletionDeadlineAt string `json:"completion_deadline_at,omitempty"`
	CreatedAt            string `json:"created_at"`
	UpdatedAt            string `json:"updated_at"`
}

func viewOf(appt *model.Appointment) appointmentView {
	v := appointmentView{
		ID:               appt.ID,
		ClientID:         appt.ClientID,
		AssignedMasterID: appt.AssignedMasterID,
		Brand:            appt.Brand,
		Model:            appt.Model,
		LockType:         appt.LockType,
		HasPC:            appt.HasPC,
		Description:      appt.Description,
		Status:           string(appt.Status),
		TotalPrice:       appt.TotalPrice,
		Currency:         appt.Currency,
		PaymentMethod:    string(appt.PaymentMethod),
		PaymentProofRef:  appt.PaymentProofRef,
		SLABreached:      appt.SLABreached,
		PlatformTags:     appt.PlatformTags,
		CreatedAt:        appt.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:        appt.UpdatedAt.UTC().Format(time.RFC3339),
	}
	v.TakenAt = formatOpt(appt.TakenAt)
	v.StartedAt = formatOpt(appt.StartedAt)
	v.CompletedAt = formatOpt(appt.CompletedAt)
	v.PaymentMarkedAt = formatOpt(appt.PaymentMarkedAt)
	v.PaymentConfirmedAt = formatOpt(appt.PaymentConfirmedAt)
	v.ResponseDeadlineAt = formatOpt(appt.ResponseDeadlineAt)
	v.CompletionDeadlineAt = formatOpt(appt.CompletionDeadlineAt)
	return v
}

func formatOpt(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
