package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/remlock/remlock/services/marketplace-service/internal/model"
)

// memStore is an in-memory Store with transaction semantics close enough
// to the real one for state machine tests: the store mutex is held for the
// whole transaction, so concurrent operations serialize the same way row
// locks do, and a failed transaction leaves no trace.
type memStore struct {
	mu sync.Mutex

	appointments   map[int64]model.Appointment
	users          map[int64]model.User
	apptEvents     []model.AppointmentEvent
	platformEvents []model.PlatformEvent
	notifications  []model.Notification

	nextApptID  int64
	nextEventID int64
}

func newMemStore() *memStore {
	return &memStore{
		appointments: make(map[int64]model.Appointment),
		users:        make(map[int64]model.User),
	}
}

func (s *memStore) addUser(u model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	s.users[u.ID] = u
}

func (s *memStore) addAppointment(a model.Appointment) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextApptID++
	a.ID = s.nextApptID
	s.appointments[a.ID] = a
	return a.ID
}

func (s *memStore) appointment(id int64) model.Appointment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appointments[id]
}

func (s *memStore) setAppointment(a model.Appointment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appointments[a.ID] = a
}

func (s *memStore) eventsOfType(t string) []model.PlatformEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.PlatformEvent
	for _, evt := range s.platformEvents {
		if evt.EventType == t {
			out = append(out, evt)
		}
	}
	return out
}

func (s *memStore) auditOfType(t model.AppointmentEventType) []model.AppointmentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AppointmentEvent
	for _, evt := range s.apptEvents {
		if evt.EventType == t {
			out = append(out, evt)
		}
	}
	return out
}

func (s *memStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make(map[int64]model.Appointment, len(s.appointments))
	for id, a := range s.appointments {
		snapshot[id] = a
	}
	apptEvents := len(s.apptEvents)
	platformEvents := len(s.platformEvents)
	notifications := len(s.notifications)
	nextAppt, nextEvent := s.nextApptID, s.nextEventID

	if err := fn(&memTx{s: s}); err != nil {
		s.appointments = snapshot
		s.apptEvents = s.apptEvents[:apptEvents]
		s.platformEvents = s.platformEvents[:platformEvents]
		s.notifications = s.notifications[:notifications]
		s.nextApptID, s.nextEventID = nextAppt, nextEvent
		return err
	}
	return nil
}

type memTx struct {
	s *memStore
}

func (t *memTx) GetAppointmentForUpdate(ctx context.Context, id int64) (*model.Appointment, error) {
	a, ok := t.s.appointments[id]
	if !ok {
		return nil, fmt.Errorf("%w: appointment %d", ErrNotFound, id)
	}
	copied := a
	return &copied, nil
}

func (t *memTx) InsertAppointment(ctx context.Context, appt *model.Appointment) error {
	t.s.nextApptID++
	appt.ID = t.s.nextApptID
	if appt.CreatedAt.IsZero() {
		appt.CreatedAt = time.Now().UTC()
	}
	appt.UpdatedAt = appt.CreatedAt
	t.s.appointments[appt.ID] = *appt
	return nil
}

func (t *memTx) UpdateAppointment(ctx context.Context, appt *model.Appointment) error {
	if _, ok := t.s.appointments[appt.ID]; !ok {
		return fmt.Errorf("%w: appointment %d", ErrNotFound, appt.ID)
	}
	appt.UpdatedAt = time.Now().UTC()
	t.s.appointments[appt.ID] = *appt
	return nil
}

func (t *memTx) InsertAppointmentEvent(ctx context.Context, evt *model.AppointmentEvent) error {
	t.s.nextEventID++
	evt.ID = t.s.nextEventID
	evt.CreatedAt = time.Now().UTC()
	t.s.apptEvents = append(t.s.apptEvents, *evt)
	return nil
}

func (t *memTx) InsertPlatformEvent(ctx context.Context, evt *model.PlatformEvent) error {
	t.s.nextEventID++
	evt.ID = t.s.nextEventID
	t.s.platformEvents = append(t.s.platformEvents, *evt)
	return nil
}

func (t *memTx) GetUser(ctx context.Context, id int64) (*model.User, error) {
	u, ok := t.s.users[id]
	if !ok {
		return nil, nil
	}
	copied := u
	return &copied, nil
}

func (t *memTx) ListActiveMasters(ctx context.Context) ([]model.User, error) {
	var out []model.User
	for _, u := range t.s.users {
		if u.Role == model.RoleMaster && u.IsMasterActive && !u.IsBanned {
			out = append(out, u)
		}
	}
	return out, nil
}

func (t *memTx) InsertNotification(ctx context.Context, n *model.Notification) error {
	n.ID = int64(len(t.s.notifications) + 1)
	n.CreatedAt = time.Now().UTC()
	t.s.notifications = append(t.s.notifications, *n)
	return nil
}

// recorder captures dispatched events and recalc requests.
type recorder struct {
	mu         sync.Mutex
	dispatched []model.PlatformEvent
	masters    []int64
	clients    []int64
}

func (r *recorder) HandleEvent(ctx context.Context, evt model.PlatformEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatched = append(r.dispatched, evt)
}

func (r *recorder) RecalculateMaster(ctx context.Context, id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.masters = append(r.masters, id)
}

func (r *recorder) RecalculateClient(ctx context.Context, id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients = append(r.clients, id)
}

func (r *recorder) dispatchedOfType(t string) []model.PlatformEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.PlatformEvent
	for _, evt := range r.dispatched {
		if evt.EventType == t {
			out = append(out, evt)
		}
	}
	return out
}
