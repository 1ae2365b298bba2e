package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/remlock/remlock/services/marketplace-service/internal/lifecycle"
	"github.com/remlock/remlock/services/marketplace-service/internal/model"
	"github.com/remlock/remlock/services/marketplace-service/internal/storage"
)

// appointmentService is the slice of the lifecycle API this handler
// drives. *lifecycle.Service implements it.
type appointmentService interface {
	CreateAppointment(ctx context.Context, clientID int64, device lifecycle.DeviceInfo) (*model.Appointment, error)
	Take(ctx context.Context, appointmentID, masterID int64) (*model.Appointment, error)
	SetPrice(ctx context.Context, appointmentID, masterID, totalPrice int64) (*model.Appointment, error)
	UploadProofAck(ctx context.Context, appointmentID, clientID int64, proofRef string) (*model.Appointment, error)
	MarkPaid(ctx context.Context, appointmentID, clientID int64, method model.PaymentMethod) (*model.Appointment, error)
	ConfirmPayment(ctx context.Context, appointmentID, actorID int64) (*model.Appointment, error)
	Start(ctx context.Context, appointmentID, masterID int64) (*model.Appointment, error)
	Complete(ctx context.Context, appointmentID, masterID int64) (*model.Appointment, error)
	Decline(ctx context.Context, appointmentID, masterID int64, note string) (*model.Appointment, error)
	Cancel(ctx context.Context, appointmentID, actorID int64, note string) (*model.Appointment, error)
	AdminSetStatus(ctx context.Context, appointmentID, adminID int64, to model.Status, note string) (*model.Appointment, error)
	ClientSignal(ctx context.Context, appointmentID, clientID int64, signal, comment string) error
	Repeat(ctx context.Context, sourceID, clientID int64) (*model.Appointment, error)
	PaymentRequisites() (bank, cryptoWallet string)
}

type AppointmentHandler struct {
	svc    appointmentService
	store  *storage.Store
	logger *slog.Logger
}

func NewAppointmentHandler(svc appointmentService, store *storage.Store, logger *slog.Logger) *AppointmentHandler {
	return &AppointmentHandler{svc: svc, store: store, logger: logger}
}

// view renders an appointment, attaching the payment requisites while the
// appointment waits for the client to pay.
func (h *AppointmentHandler) view(appt *model.Appointment) appointmentView {
	v := viewOf(appt)
	if appt.Status == model.StatusAwaitingPayment || appt.Status == model.StatusPaymentProofUploaded {
		bank, wallet := h.svc.PaymentRequisites()
		if bank != "" || wallet != "" {
			v.PaymentRequisites = &paymentRequisites{Bank: bank, CryptoWallet: wallet}
		}
	}
	return v
}

type createAppointmentRequest struct {
	Brand       string `json:"brand"`
	Model       string `json:"model"`
	LockType    string `json:"lock_type"`
	HasPC       bool   `json:"has_pc"`
	Description string `json:"description"`
}

func (h *AppointmentHandler) Create(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	clientID, ok := actorID(r)
	if !ok {
		http.Error(w, "X-User-Id header required", http.StatusUnauthorized)
		return
	}
	var req createAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	appt, err := h.svc.CreateAppointment(r.Context(), clientID, lifecycle.DeviceInfo{
		Brand:       strings.TrimSpace(req.Brand),
		Model:       strings.TrimSpace(req.Model),
		LockType:    strings.TrimSpace(req.LockType),
		HasPC:       req.HasPC,
		Description: strings.TrimSpace(req.Description),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.view(appt))
}

func (h *AppointmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, err := strconv.ParseInt(strings.TrimSpace(r.URL.Query().Get("id")), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "id required", http.StatusBadRequest)
		return
	}
	appt, err := h.store.GetAppointment(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if appt == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, h.view(appt))
}

// List serves three views: the caller's own appointments as client, their
// assignments as master, or a status feed (the NEW feed masters poll).
func (h *AppointmentHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := queryLimit(r, 50, 200)
	q := r.URL.Query()

	var (
		appts []model.Appointment
		err   error
	)
	switch {
	case strings.TrimSpace(q.Get("status")) != "":
		status := model.Status(strings.TrimSpace(q.Get("status")))
		if !model.ValidStatus(status) {
			http.Error(w, "unknown status", http.StatusBadRequest)
			return
		}
		appts, err = h.store.ListAppointmentsByStatus(r.Context(), status, limit)
	case strings.TrimSpace(q.Get("role")) == "master":
		id, ok := actorID(r)
		if !ok {
			http.Error(w, "X-User-Id header required", http.StatusUnauthorized)
			return
		}
		appts, err = h.store.ListAppointmentsByMaster(r.Context(), id, limit)
	default:
		id, ok := actorID(r)
		if !ok {
			http.Error(w, "X-User-Id header required", http.StatusUnauthorized)
			return
		}
		appts, err = h.store.ListAppointmentsByClient(r.Context(), id, limit)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}

	items := make([]appointmentView, 0, len(appts))
	for i := range appts {
		items = append(items, h.view(&appts[i]))
	}
	writeJSON(w, http.StatusOK, items)
}

type appointmentActionRequest struct {
	AppointmentID int64  `json:"appointment_id"`
	TotalPrice    int64  `json:"total_price,omitempty"`
	ProofRef      string `json:"proof_ref,omitempty"`
	Method        string `json:"method,omitempty"`
	Note          string `json:"note,omitempty"`
	Status        string `json:"status,omitempty"`
	Signal        string `json:"signal,omitempty"`
	Comment       string `json:"comment,omitempty"`
}

func (h *AppointmentHandler) action(w http.ResponseWriter, r *http.Request) (appointmentActionRequest, int64, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return appointmentActionRequest{}, 0, false
	}
	actor, ok := actorID(r)
	if !ok {
		http.Error(w, "X-User-Id header required", http.StatusUnauthorized)
		return appointmentActionRequest{}, 0, false
	}
	var req appointmentActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return appointmentActionRequest{}, 0, false
	}
	if req.AppointmentID <= 0 {
		http.Error(w, "appointment_id required", http.StatusBadRequest)
		return appointmentActionRequest{}, 0, false
	}
	return req, actor, true
}

func (h *AppointmentHandler) respond(w http.ResponseWriter, appt *model.Appointment, err error) {
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(appt))
}

func (h *AppointmentHandler) Take(w http.ResponseWriter, r *http.Request) {
	req, actor, ok := h.action(w, r)
	if !ok {
		return
	}
	appt, err := h.svc.Take(r.Context(), req.AppointmentID, actor)
	h.respond(w, appt, err)
}

func (h *AppointmentHandler) SetPrice(w http.ResponseWriter, r *http.Request) {
	req, actor, ok := h.action(w, r)
	if !ok {
		return
	}
	appt, err := h.svc.SetPrice(r.Context(), req.AppointmentID, actor, req.TotalPrice)
	h.respond(w, appt, err)
}

func (h *AppointmentHandler) UploadProof(w http.ResponseWriter, r *http.Request) {
	req, actor, ok := h.action(w, r)
	if !ok {
		return
	}
	appt, err := h.svc.UploadProofAck(r.Context(), req.AppointmentID, actor, strings.TrimSpace(req.ProofRef))
	h.respond(w, appt, err)
}

func (h *AppointmentHandler) MarkPaid(w http.ResponseWriter, r *http.Request) {
	req, actor, ok := h.action(w, r)
	if !ok {
		return
	}
	appt, err := h.svc.MarkPaid(r.Context(), req.AppointmentID, actor, model.PaymentMethod(req.Method))
	h.respond(w, appt, err)
}

func (h *AppointmentHandler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	req, actor, ok := h.action(w, r)
	if !ok {
		return
	}
	appt, err := h.svc.ConfirmPayment(r.Context(), req.AppointmentID, actor)
	h.respond(w, appt, err)
}

func (h *AppointmentHandler) Start(w http.ResponseWriter, r *http.Request) {
	req, actor, ok := h.action(w, r)
	if !ok {
		return
	}
	appt, err := h.svc.Start(r.Context(), req.AppointmentID, actor)
	h.respond(w, appt, err)
}

func (h *AppointmentHandler) Complete(w http.ResponseWriter, r *http.Request) {
	req, actor, ok := h.action(w, r)
	if !ok {
		return
	}
	appt, err := h.svc.Complete(r.Context(), req.AppointmentID, actor)
	h.respond(w, appt, err)
}

func (h *AppointmentHandler) Decline(w http.ResponseWriter, r *http.Request) {
	req, actor, ok := h.action(w, r)
	if !ok {
		return
	}
	appt, err := h.svc.Decline(r.Context(), req.AppointmentID, actor, strings.TrimSpace(req.Note))
	h.respond(w, appt, err)
}

func (h *AppointmentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	req, actor, ok := h.action(w, r)
	if !ok {
		return
	}
	appt, err := h.svc.Cancel(r.Context(), req.AppointmentID, actor, strings.TrimSpace(req.Note))
	h.respond(w, appt, err)
}

func (h *AppointmentHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	req, actor, ok := h.action(w, r)
	if !ok {
		return
	}
	appt, err := h.svc.AdminSetStatus(r.Context(), req.AppointmentID, actor, model.Status(req.Status), strings.TrimSpace(req.Note))
	h.respond(w, appt, err)
}

func (h *AppointmentHandler) Signal(w http.ResponseWriter, r *http.Request) {
	req, actor, ok := h.action(w, r)
	if !ok {
		return
	}
	if err := h.svc.ClientSignal(r.Context(), req.AppointmentID, actor, strings.TrimSpace(req.Signal), strings.TrimSpace(req.Comment)); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *AppointmentHandler) Repeat(w http.ResponseWriter, r *http.Request) {
	req, actor, ok := h.action(w, r)
	if !ok {
		return
	}
	appt, err := h.svc.Repeat(r.Context(), req.AppointmentID, actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.view(appt))
}

type appointmentEventItem struct {
	ID         int64          `json:"id"`
	ActorID    *int64         `json:"actor_id,omitempty"`
	EventType  string         `json:"event_type"`
	FromStatus string         `json:"from_status,omitempty"`
	ToStatus   string         `json:"to_status,omitempty"`
	Note       string         `json:"note,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  string         `json:"created_at"`
}

// History streams the per-appointment audit trail; after_id gives cursor
// pagination in insertion order.
func (h *AppointmentHandler) History(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	id, err := strconv.ParseInt(strings.TrimSpace(q.Get("appointment_id")), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "appointment_id required", http.StatusBadRequest)
		return
	}
	afterID, _ := strconv.ParseInt(strings.TrimSpace(q.Get("after_id")), 10, 64)
	limit := queryLimit(r, 100, 500)

	evts, err := h.store.ListAppointmentEvents(r.Context(), id, afterID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	items := make([]appointmentEventItem, 0, len(evts))
	for _, evt := range evts {
		items = append(items, appointmentEventItem{
			ID:         evt.ID,
			ActorID:    evt.ActorID,
			EventType:  string(evt.EventType),
			FromStatus: string(evt.FromStatus),
			ToStatus:   string(evt.ToStatus),
			Note:       evt.Note,
			Metadata:   evt.Metadata,
			CreatedAt:  evt.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, items)
}
