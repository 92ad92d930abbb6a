// Package backendtest runs an in-memory imitation of the hosted backend
// with fault injection, for tests and the demo daemon.
package backendtest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

type Row = map[string]any

// Fault is an injected failure. Drop closes the connection without a
// response, which clients observe as a transport error.
type Fault struct {
	Status  int
	Code    string
	Message string
	Details string
	Hint    string
	Drop    bool
	Delay   time.Duration
	// Times is how many requests the fault applies to; 0 means forever.
	Times int
}

// PolicyRecursion is the error a misconfigured row-level policy produces.
func PolicyRecursion(table string) Fault {
	return Fault{
		Status:  http.StatusInternalServerError,
		Code:    "42P17",
		Message: fmt.Sprintf("infinite recursion detected in policy for relation %q", table),
	}
}

type RPCFunc func(args map[string]any) (any, *Fault)

type user struct {
	id       string
	email    string
	password string
	meta     map[string]any
}

type Server struct {
	mu       sync.Mutex
	tables   map[string][]Row
	rpcs     map[string]RPCFunc
	faults   map[string][]*Fault
	down     bool
	calls    map[string]int
	idem     map[string]Row
	users    map[string]*user
	tokens   map[string]string
	refresh  map[string]string
	headers  []http.Header
	srv      *httptest.Server
	router   *mux.Router
	tokenTTL time.Duration
}

func New() *Server {
	s := &Server{
		tables:   map[string][]Row{},
		rpcs:     map[string]RPCFunc{},
		faults:   map[string][]*Fault{},
		calls:    map[string]int{},
		idem:     map[string]Row{},
		users:    map[string]*user{},
		tokens:   map[string]string{},
		refresh:  map[string]string{},
		tokenTTL: time.Hour,
	}
	s.router = s.newRouter()
	return s
}

// Start serves on a loopback httptest server until Close.
func Start() *Server {
	s := New()
	s.srv = httptest.NewServer(s)
	return s
}

func (s *Server) URL() string {
	if s.srv == nil {
		return ""
	}
	return s.srv.URL
}

// HTTPClient returns a client without connection reuse. net/http replays
// idempotent requests that die on a reused connection, which would hide
// dropped requests from Calls.
func (s *Server) HTTPClient() *http.Client {
	return &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
}

func (s *Server) Close() {
	if s.srv != nil {
		s.srv.Close()
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) newRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/rest/v1/", s.handleDescribe).Methods(http.MethodGet)
	r.HandleFunc("/rest/v1/rpc/{fn}", s.handleRPC).Methods(http.MethodPost)
	r.HandleFunc("/rest/v1/{table}", s.handleSelect).Methods(http.MethodGet)
	r.HandleFunc("/rest/v1/{table}", s.handleInsert).Methods(http.MethodPost)
	r.HandleFunc("/rest/v1/{table}", s.handleUpdate).Methods(http.MethodPatch)
	r.HandleFunc("/rest/v1/{table}", s.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/auth/v1/signup", s.handleSignUp).Methods(http.MethodPost)
	r.HandleFunc("/auth/v1/token", s.handleToken).Methods(http.MethodPost)
	r.HandleFunc("/auth/v1/user", s.handleUser).Methods(http.MethodGet)
	return r
}

// CreateTable registers an empty table (or view) so selects succeed.
func (s *Server) CreateTable(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		if _, ok := s.tables[name]; !ok {
			s.tables[name] = []Row{}
		}
	}
}

// DropTable removes a table, making it report as missing from the schema.
func (s *Server) DropTable(name string) {
	s.mu.Lock()
	delete(s.tables, name)
	s.mu.Unlock()
}

func (s *Server) Seed(table string, rows ...Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		s.tables[table] = append(s.tables[table], cloneRow(row))
	}
	if _, ok := s.tables[table]; !ok {
		s.tables[table] = []Row{}
	}
}

// Rows returns a copy of the rows stored in table.
func (s *Server) Rows(table string) []Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Row, 0, len(s.tables[table]))
	for _, row := range s.tables[table] {
		out = append(out, cloneRow(row))
	}
	return out
}

func (s *Server) HandleRPC(fn string, f RPCFunc) {
	s.mu.Lock()
	s.rpcs[fn] = f
	s.mu.Unlock()
}

func (s *Server) RemoveRPC(fn string) {
	s.mu.Lock()
	delete(s.rpcs, fn)
	s.mu.Unlock()
}

// Inject queues f for requests to key: a table name, "rpc:<fn>" or "auth".
func (s *Server) Inject(key string, f Fault) {
	s.mu.Lock()
	s.faults[key] = append(s.faults[key], &f)
	s.mu.Unlock()
}

func (s *Server) ClearFaults() {
	s.mu.Lock()
	s.faults = map[string][]*Fault{}
	s.mu.Unlock()
}

// SetDown makes every request fail at the transport level.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

// Calls reports how many requests reached key.
func (s *Server) Calls(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}

// Headers returns the headers of every request seen so far.
func (s *Server) Headers() []http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]http.Header, len(s.headers))
	copy(out, s.headers)
	return out
}

// AddUser registers credentials directly.
func (s *Server) AddUser(email, password string, meta map[string]any) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.users[email] = &user{id: id, email: email, password: password, meta: meta}
	return id
}

// enter records the call and applies faults. It returns false when the
// request has already been answered.
func (s *Server) enter(w http.ResponseWriter, r *http.Request, key string) bool {
	s.mu.Lock()
	s.calls[key]++
	s.headers = append(s.headers, r.Header.Clone())
	down := s.down
	var fault *Fault
	if queue := s.faults[key]; len(queue) > 0 {
		f := *queue[0]
		fault = &f
		if queue[0].Times > 0 {
			queue[0].Times--
			if queue[0].Times == 0 {
				s.faults[key] = queue[1:]
			}
		}
	}
	s.mu.Unlock()

	if down || (fault != nil && fault.Drop) {
		drop(w)
		return false
	}
	if fault == nil {
		return true
	}
	if fault.Delay > 0 {
		select {
		case <-time.After(fault.Delay):
		case <-r.Context().Done():
			return false
		}
	}
	if fault.Status == 0 {
		return true
	}
	writeError(w, fault.Status, fault.Code, fault.Message, fault.Details, fault.Hint)
	return false
}

func drop(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic(http.ErrAbortHandler)
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		panic(http.ErrAbortHandler)
	}
	_ = conn.Close()
}

func (s *Server) tableExists(table string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tables[table]
	return ok
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	table := mux.Vars(r)["table"]
	if !s.enter(w, r, table) {
		return
	}
	if !s.tableExists(table) {
		writeMissingTable(w, table)
		return
	}
	filters, order, limit, offset, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "PGRST100", err.Error(), "", "")
		return
	}
	s.mu.Lock()
	var out []Row
	for _, row := range s.tables[table] {
		if matches(row, filters) {
			out = append(out, cloneRow(row))
		}
	}
	s.mu.Unlock()
	if order != "" {
		sortRows(out, order)
	}
	if offset > 0 {
		if offset >= len(out) {
			out = nil
		} else {
			out = out[offset:]
		}
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	if out == nil {
		out = []Row{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	table := mux.Vars(r)["table"]
	if !s.enter(w, r, table) {
		return
	}
	if !s.tableExists(table) {
		writeMissingTable(w, table)
		return
	}
	rows, err := decodeRows(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "PGRST102", err.Error(), "", "")
		return
	}
	idemKey := r.Header.Get("Idempotency-Key")
	s.mu.Lock()
	if idemKey != "" {
		if prior, ok := s.idem[table+"|"+idemKey]; ok {
			s.mu.Unlock()
			writeJSON(w, http.StatusCreated, []Row{cloneRow(prior)})
			return
		}
	}
	stored := make([]Row, 0, len(rows))
	for _, row := range rows {
		if _, ok := row["id"]; !ok {
			row["id"] = uuid.NewString()
		}
		s.tables[table] = append(s.tables[table], cloneRow(row))
		stored = append(stored, cloneRow(row))
	}
	if idemKey != "" && len(stored) == 1 {
		s.idem[table+"|"+idemKey] = cloneRow(stored[0])
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	table := mux.Vars(r)["table"]
	if !s.enter(w, r, table) {
		return
	}
	if !s.tableExists(table) {
		writeMissingTable(w, table)
		return
	}
	filters, _, _, _, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "PGRST100", err.Error(), "", "")
		return
	}
	var patch Row
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "PGRST102", "invalid json body", "", "")
		return
	}
	s.mu.Lock()
	var updated []Row
	for _, row := range s.tables[table] {
		if !matches(row, filters) {
			continue
		}
		for k, v := range patch {
			row[k] = v
		}
		updated = append(updated, cloneRow(row))
	}
	s.mu.Unlock()
	if updated == nil {
		updated = []Row{}
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	table := mux.Vars(r)["table"]
	if !s.enter(w, r, table) {
		return
	}
	if !s.tableExists(table) {
		writeMissingTable(w, table)
		return
	}
	filters, _, _, _, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "PGRST100", err.Error(), "", "")
		return
	}
	s.mu.Lock()
	kept := s.tables[table][:0]
	var removed []Row
	for _, row := range s.tables[table] {
		if matches(row, filters) {
			removed = append(removed, row)
			continue
		}
		kept = append(kept, row)
	}
	s.tables[table] = kept
	s.mu.Unlock()
	if removed == nil {
		removed = []Row{}
	}
	writeJSON(w, http.StatusOK, removed)
}

// handleDescribe serves a minimal OpenAPI document listing every table
// and function. Its call key is "openapi".
func (s *Server) handleDescribe(w http.ResponseWriter, r *http.Request) {
	if !s.enter(w, r, "openapi") {
		return
	}
	paths := map[string]any{"/": map[string]any{}}
	s.mu.Lock()
	for t := range s.tables {
		paths["/"+t] = map[string]any{}
	}
	for fn := range s.rpcs {
		paths["/rpc/"+fn] = map[string]any{"post": map[string]any{}}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"swagger": "2.0", "paths": paths})
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	fn := mux.Vars(r)["fn"]
	if !s.enter(w, r, "rpc:"+fn) {
		return
	}
	s.mu.Lock()
	f, ok := s.rpcs[fn]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "PGRST202", fmt.Sprintf("Could not find the function public.%s in the schema cache", fn), "", "")
		return
	}
	var args map[string]any
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "PGRST102", "invalid json body", "", "")
		return
	}
	result, fault := f(args)
	if fault != nil {
		writeError(w, fault.Status, fault.Code, fault.Message, fault.Details, fault.Hint)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	if !s.enter(w, r, "auth") {
		return
	}
	var body struct {
		Email    string         `json:"email"`
		Password string         `json:"password"`
		Data     map[string]any `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Email == "" || len(body.Password) < 6 {
		writeAuthError(w, http.StatusUnprocessableEntity, "validation_failed", "email and a password of at least 6 characters are required")
		return
	}
	s.mu.Lock()
	if _, exists := s.users[body.Email]; exists {
		s.mu.Unlock()
		writeAuthError(w, http.StatusUnprocessableEntity, "user_already_exists", "User already registered")
		return
	}
	u := &user{id: uuid.NewString(), email: body.Email, password: body.Password, meta: body.Data}
	s.users[body.Email] = u
	resp := s.issueLocked(u)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if !s.enter(w, r, "auth") {
		return
	}
	var body struct {
		Email        string `json:"email"`
		Password     string `json:"password"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAuthError(w, http.StatusBadRequest, "bad_json", "invalid json body")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch r.URL.Query().Get("grant_type") {
	case "password":
		u, ok := s.users[body.Email]
		if !ok || u.password != body.Password {
			writeAuthError(w, http.StatusBadRequest, "invalid_credentials", "Invalid login credentials")
			return
		}
		writeJSON(w, http.StatusOK, s.issueLocked(u))
	case "refresh_token":
		email, ok := s.refresh[body.RefreshToken]
		if !ok {
			writeAuthError(w, http.StatusBadRequest, "refresh_token_not_found", "Invalid Refresh Token")
			return
		}
		delete(s.refresh, body.RefreshToken)
		writeJSON(w, http.StatusOK, s.issueLocked(s.users[email]))
	default:
		writeAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "unsupported grant_type")
	}
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	if !s.enter(w, r, "auth") {
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	s.mu.Lock()
	email, ok := s.tokens[token]
	var u *user
	if ok {
		u = s.users[email]
	}
	s.mu.Unlock()
	if u == nil {
		writeAuthError(w, http.StatusUnauthorized, "bad_jwt", "invalid JWT")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": u.id, "email": u.email, "user_metadata": u.meta})
}

func (s *Server) issueLocked(u *user) map[string]any {
	access := "at-" + uuid.NewString()
	refresh := "rt-" + uuid.NewString()
	s.tokens[access] = u.email
	s.refresh[refresh] = u.email
	return map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "bearer",
		"expires_in":    int64(s.tokenTTL / time.Second),
		"user":          map[string]any{"id": u.id, "email": u.email, "user_metadata": u.meta},
	}
}

func parseQuery(r *http.Request) (filters map[string]string, order string, limit, offset int, err error) {
	filters = map[string]string{}
	for key, values := range r.URL.Query() {
		if len(values) == 0 {
			continue
		}
		v := values[0]
		switch key {
		case "select":
		case "order":
			order = v
		case "limit":
			if limit, err = strconv.Atoi(v); err != nil {
				return nil, "", 0, 0, fmt.Errorf("invalid limit %q", v)
			}
		case "offset":
			if offset, err = strconv.Atoi(v); err != nil {
				return nil, "", 0, 0, fmt.Errorf("invalid offset %q", v)
			}
		default:
			if !strings.HasPrefix(v, "eq.") {
				return nil, "", 0, 0, fmt.Errorf("unsupported operator in %s=%s", key, v)
			}
			filters[key] = strings.TrimPrefix(v, "eq.")
		}
	}
	return filters, order, limit, offset, nil
}

func matches(row Row, filters map[string]string) bool {
	for col, want := range filters {
		if fmt.Sprint(row[col]) != want {
			return false
		}
	}
	return true
}

func sortRows(rows []Row, order string) {
	col, dir, _ := strings.Cut(order, ".")
	desc := dir == "desc"
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := fmt.Sprint(rows[i][col]), fmt.Sprint(rows[j][col])
		if desc {
			return a > b
		}
		return a < b
	})
}

func decodeRows(body io.Reader) ([]Row, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var rows []Row
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, fmt.Errorf("invalid json body")
		}
		return rows, nil
	}
	var row Row
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("invalid json body")
	}
	return []Row{row}, nil
}

func cloneRow(row Row) Row {
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

func writeMissingTable(w http.ResponseWriter, table string) {
	writeError(w, http.StatusNotFound, "PGRST205", fmt.Sprintf("Could not find the table 'public.%s' in the schema cache", table), "", "")
}

func writeError(w http.ResponseWriter, status int, code, message, details, hint string) {
	writeJSON(w, status, map[string]any{"code": code, "message": message, "details": nilIfEmpty(details), "hint": nilIfEmpty(hint)})
}

func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"code": status, "error_code": code, "msg": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
