package adminapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// resourceStore is a named-interface in-memory CRUD store for the
// peripheral operator resources spec.md §6 names (videos, channels,
// keywords, schedules) that have no corresponding entity in the Data
// Model (spec.md §3 models Node/Device/Workflow/WorkflowExecution/
// ExecutionLog/Alert only). Treated the same way this project treats
// DeviceDriver: a named interface with a minimal concrete
// implementation, since no SPEC_FULL.md component defines these
// entities' schema or business rules beyond "CRUD". See DESIGN.md.
type resourceStore struct {
	mu   sync.RWMutex
	data map[string]map[string]resourceRecord
}

type resourceRecord struct {
	ID        string          `json:"id"`
	Fields    json.RawMessage `json:"fields"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func newResourceStore() *resourceStore {
	return &resourceStore{data: make(map[string]map[string]resourceRecord)}
}

func (rs *resourceStore) collection(kind string) map[string]resourceRecord {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	c, ok := rs.data[kind]
	if !ok {
		c = make(map[string]resourceRecord)
		rs.data[kind] = c
	}
	return c
}

func (rs *resourceStore) list(kind string) []resourceRecord {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	c := rs.data[kind]
	out := make([]resourceRecord, 0, len(c))
	for _, r := range c {
		out = append(out, r)
	}
	return out
}

func (rs *resourceStore) get(kind, id string) (resourceRecord, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	r, ok := rs.data[kind][id]
	return r, ok
}

func (rs *resourceStore) create(kind string, fields json.RawMessage) resourceRecord {
	now := time.Now()
	record := resourceRecord{ID: uuid.NewString(), Fields: fields, CreatedAt: now, UpdatedAt: now}
	rs.mu.Lock()
	if rs.data[kind] == nil {
		rs.data[kind] = make(map[string]resourceRecord)
	}
	rs.data[kind][record.ID] = record
	rs.mu.Unlock()
	return record
}

func (rs *resourceStore) update(kind, id string, fields json.RawMessage) (resourceRecord, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	existing, ok := rs.data[kind][id]
	if !ok {
		return resourceRecord{}, false
	}
	existing.Fields = fields
	existing.UpdatedAt = time.Now()
	rs.data[kind][id] = existing
	return existing, true
}

func (rs *resourceStore) delete(kind, id string) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if _, ok := rs.data[kind][id]; !ok {
		return false
	}
	delete(rs.data[kind], id)
	return true
}

// registerResourceRoutes wires the standard list/get/create/update/
// delete routes for one generic resource kind.
func (s *Server) registerResourceRoutes(kind string) {
	base := "/" + kind
	s.router.HandleFunc(base, s.resourceList(kind)).Methods(http.MethodGet)
	s.router.HandleFunc(base, s.resourceCreate(kind)).Methods(http.MethodPost)
	s.router.HandleFunc(base+"/{id}", s.resourceGet(kind)).Methods(http.MethodGet)
	s.router.HandleFunc(base+"/{id}", s.resourceUpdate(kind)).Methods(http.MethodPatch)
	s.router.HandleFunc(base+"/{id}", s.resourceDelete(kind)).Methods(http.MethodDelete)
}

func (s *Server) resourceList(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.resources.list(kind))
	}
}

func (s *Server) resourceGet(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		record, ok := s.resources.get(kind, mux.Vars(r)["id"])
		if !ok {
			writeError(w, http.StatusNotFound, kind[:len(kind)-1]+" not found")
			return
		}
		writeJSON(w, http.StatusOK, record)
	}
}

func (s *Server) resourceCreate(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var fields json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil || len(fields) == 0 {
			writeError(w, http.StatusBadRequest, "request body is required")
			return
		}
		writeJSON(w, http.StatusOK, s.resources.create(kind, fields))
	}
}

func (s *Server) resourceUpdate(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var fields json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil || len(fields) == 0 {
			writeError(w, http.StatusBadRequest, "request body is required")
			return
		}
		record, ok := s.resources.update(kind, mux.Vars(r)["id"], fields)
		if !ok {
			writeError(w, http.StatusNotFound, kind[:len(kind)-1]+" not found")
			return
		}
		writeJSON(w, http.StatusOK, record)
	}
}

func (s *Server) resourceDelete(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.resources.delete(kind, mux.Vars(r)["id"]) {
			writeError(w, http.StatusNotFound, kind[:len(kind)-1]+" not found")
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
