package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Grant mirrors the backend's permission tuple.
type Grant struct {
	Module   string
	Resource string
	Action   string
}

// Backend is a fake farm backend. Paths under /api/ are protected resources that
// answer 401 unless the bearer token is currently valid.
type Backend struct {
	server *httptest.Server

	mu            sync.Mutex
	accessTTL     time.Duration
	access        map[string]bool
	refresh       map[string]bool
	refreshScript []int
	refreshGate   chan struct{}
	refreshCalls  int
	omitRefresh   bool
	role          string
	grants        []Grant
	meStatus      int
	meCalls       int
	served        []string
	logouts       int
}

// NewBackend starts a fake backend.
func NewBackend() *Backend {
	b := &Backend{
		accessTTL: 5 * time.Minute,
		access:    make(map[string]bool),
		refresh:   make(map[string]bool),
		role:      "OPERARIO",
	}
	b.server = httptest.NewServer(b.Handler())
	return b
}

// URL is the base URL of the backend.
func (b *Backend) URL() string {
	return b.server.URL
}

// Close shuts the server down.
func (b *Backend) Close() {
	b.server.Close()
}

// SetAccessTTL changes the lifetime of newly minted access tokens.
func (b *Backend) SetAccessTTL(d time.Duration) {
	b.mu.Lock()
	b.accessTTL = d
	b.mu.Unlock()
}

// Issue mints and registers a valid pair.
func (b *Backend) Issue() (access, refresh string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.issueLocked()
}

func (b *Backend) issueLocked() (string, string) {
	access := MintAccess(time.Now().Add(b.accessTTL))
	refresh := uuid.NewString()
	b.access[access] = true
	b.refresh[refresh] = true
	return access, refresh
}

// Expire invalidates an access token server-side.
func (b *Backend) Expire(access string) {
	b.mu.Lock()
	delete(b.access, access)
	b.mu.Unlock()
}

// ExpireAll invalidates every access token.
func (b *Backend) ExpireAll() {
	b.mu.Lock()
	b.access = make(map[string]bool)
	b.mu.Unlock()
}

// ScriptRefresh queues status codes returned by the next refresh calls. 0 or an
// exhausted script means a normal rotation.
func (b *Backend) ScriptRefresh(statuses ...int) {
	b.mu.Lock()
	b.refreshScript = append(b.refreshScript, statuses...)
	b.mu.Unlock()
}

// HoldRefresh makes refresh calls block until the returned release func is called.
func (b *Backend) HoldRefresh() (release func()) {
	gate := make(chan struct{})
	b.mu.Lock()
	b.refreshGate = gate
	b.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if b.refreshGate == gate {
				b.refreshGate = nil
			}
			b.mu.Unlock()
			close(gate)
		})
	}
}

// OmitRotatedRefresh makes refresh responses leave out refresh_token.
func (b *Backend) OmitRotatedRefresh(omit bool) {
	b.mu.Lock()
	b.omitRefresh = omit
	b.mu.Unlock()
}

// RefreshCalls returns the number of refresh requests received.
func (b *Backend) RefreshCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refreshCalls
}

// SetProfile sets the role and permissions returned by /usuarios/me.
func (b *Backend) SetProfile(role string, grants ...Grant) {
	b.mu.Lock()
	b.role = role
	b.grants = append([]Grant(nil), grants...)
	b.mu.Unlock()
}

// SetProfileStatus forces /usuarios/me to answer with status (0 restores normal).
func (b *Backend) SetProfileStatus(status int) {
	b.mu.Lock()
	b.meStatus = status
	b.mu.Unlock()
}

// ProfileCalls returns the number of /usuarios/me requests.
func (b *Backend) ProfileCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.meCalls
}

// Served returns the X-Order header (or path) of every protected request answered 200,
// in arrival order.
func (b *Backend) Served() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.served...)
}

// Logouts returns the number of logout calls.
func (b *Backend) Logouts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.logouts
}

// Handler returns the HTTP handler.
func (b *Backend) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", b.handleLogin)
	mux.HandleFunc("/auth/refresh", b.handleRefresh)
	mux.HandleFunc("/auth/logout", b.handleLogout)
	mux.HandleFunc("/auth/verify-token", b.handleVerify)
	mux.HandleFunc("/usuarios/me", b.handleMe)
	mux.HandleFunc("/api/", b.handleProtected)
	return mux
}

func (b *Backend) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		DNI      string `json:"dni"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.DNI == "" || in.Password != "secret" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "credenciales invalidas"})
		return
	}
	access, refresh := b.Issue()
	writeJSON(w, http.StatusOK, map[string]string{"access_token": access, "refresh_token": refresh})
}

func (b *Backend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = json.NewDecoder(r.Body).Decode(&in)

	b.mu.Lock()
	b.refreshCalls++
	gate := b.refreshGate
	status := 0
	if len(b.refreshScript) > 0 {
		status = b.refreshScript[0]
		b.refreshScript = b.refreshScript[1:]
	}
	b.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if status != 0 && status != http.StatusOK {
		writeJSON(w, status, map[string]string{"message": http.StatusText(status)})
		return
	}

	b.mu.Lock()
	if !b.refresh[in.RefreshToken] {
		b.mu.Unlock()
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "refresh invalido"})
		return
	}
	access := MintAccess(time.Now().Add(b.accessTTL))
	b.access[access] = true
	out := map[string]string{"access_token": access}
	if !b.omitRefresh {
		delete(b.refresh, in.RefreshToken)
		rotated := uuid.NewString()
		b.refresh[rotated] = true
		out["refresh_token"] = rotated
	}
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, out)
}

func (b *Backend) handleLogout(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.logouts++
	delete(b.access, bearer(r))
	b.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) handleVerify(w http.ResponseWriter, r *http.Request) {
	if !b.valid(bearer(r)) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "token invalido"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

func (b *Backend) handleMe(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.meCalls++
	status := b.meStatus
	role := b.role
	grants := append([]Grant(nil), b.grants...)
	b.mu.Unlock()

	if status != 0 {
		writeJSON(w, status, map[string]string{"message": http.StatusText(status)})
		return
	}
	if !b.valid(bearer(r)) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "token invalido"})
		return
	}

	type modulo struct {
		Nombre string `json:"nombre"`
	}
	type recurso struct {
		Nombre string `json:"nombre"`
		Modulo modulo `json:"modulo"`
	}
	type permiso struct {
		Recurso recurso `json:"recurso"`
		Accion  string  `json:"accion"`
	}
	permisos := make([]permiso, 0, len(grants))
	for _, g := range grants {
		permisos = append(permisos, permiso{Recurso: recurso{Nombre: g.Resource, Modulo: modulo{Nombre: g.Module}}, Accion: g.Action})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":  1,
		"dni": "12345678",
		"rol": map[string]any{"nombre": role, "permisos": permisos},
	})
}

func (b *Backend) handleProtected(w http.ResponseWriter, r *http.Request) {
	if !b.valid(bearer(r)) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "token expirado"})
		return
	}
	tag := r.Header.Get("X-Order")
	if tag == "" {
		tag = r.URL.Path
	}
	b.mu.Lock()
	b.served = append(b.served, tag)
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"path": r.URL.Path, "order": tag})
}

func (b *Backend) valid(access string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return access != "" && b.access[access]
}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
