package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"

	"watersmart/internal/watersmart"
)

const (
	portalLoginPath = "/index.php/welcome/login"
	portalChartPath = "/index.php/rest/v1/Chart/RealTimeChart"
	sessionCookie   = "ci_session"
)

type chartPoint struct {
	ReadDatetime int64    `json:"read_datetime"`
	Gallons      *float64 `json:"gallons"`
}

// MockPortal serves the login form and the real-time chart of a WaterSmart
// portal for a single account.
type MockPortal struct {
	server   *httptest.Server
	email    string
	password string

	mu       sync.Mutex
	points   map[int64]chartPoint
	sessions map[string]bool
	failures []int
	logins   int
	fetches  int
	rawChart string
}

// NewMockPortal starts a portal that accepts email and password.
func NewMockPortal(email, password string) *MockPortal {
	p := &MockPortal{
		email:    email,
		password: password,
		points:   make(map[int64]chartPoint),
		sessions: make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(portalLoginPath, p.handleLogin)
	mux.HandleFunc(portalChartPath, p.handleChart)
	p.server = httptest.NewServer(mux)
	return p
}

// URL is the portal base URL.
func (p *MockPortal) URL() string {
	return p.server.URL
}

// Close stops the portal.
func (p *MockPortal) Close() {
	p.server.Close()
}

// AddReadings appends hourly points to the chart, replacing any point with
// the same timestamp.
func (p *MockPortal) AddReadings(readings ...watersmart.Reading) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range readings {
		gallons := r.Value
		p.points[r.ReadDatetime] = chartPoint{ReadDatetime: r.ReadDatetime, Gallons: &gallons}
	}
}

// AddPending adds a point whose gallons are still null.
func (p *MockPortal) AddPending(readDatetime int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.points[readDatetime] = chartPoint{ReadDatetime: readDatetime}
}

// SetRawChart replaces the chart body verbatim. An empty string restores
// the generated chart.
func (p *MockPortal) SetRawChart(body string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rawChart = body
}

// FailNext makes the next chart requests answer with the given statuses.
func (p *MockPortal) FailNext(statuses ...int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = append(p.failures, statuses...)
}

// ExpireSessions invalidates every session cookie handed out so far.
func (p *MockPortal) ExpireSessions() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions = make(map[string]bool)
}

// Counts returns how many logins and chart fetches the portal served.
func (p *MockPortal) Counts() (logins, fetches int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.logins, p.fetches
}

func (p *MockPortal) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body><form method=\"post\">Sign in</form></body></html>")
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.logins++

	if r.PostForm.Get("email") != p.email || r.PostForm.Get("password") != p.password {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	id := fmt.Sprintf("session-%d", p.logins)
	p.sessions[id] = true
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: id, Path: "/"})
	w.WriteHeader(http.StatusOK)
}

func (p *MockPortal) handleChart(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.fetches++
	var status int
	if len(p.failures) > 0 {
		status = p.failures[0]
		p.failures = p.failures[1:]
	}
	cookie, err := r.Cookie(sessionCookie)
	valid := err == nil && p.sessions[cookie.Value]
	raw := p.rawChart
	points := make([]chartPoint, 0, len(p.points))
	for _, pt := range p.points {
		points = append(points, pt)
	}
	p.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if !valid {
		// The portal sends expired sessions back to the login page.
		http.Redirect(w, r, portalLoginPath, http.StatusFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if raw != "" {
		fmt.Fprint(w, raw)
		return
	}

	sort.Slice(points, func(i, j int) bool { return points[i].ReadDatetime < points[j].ReadDatetime })
	json.NewEncoder(w).Encode(map[string]interface{}{
		"data": map[string]interface{}{"series": points},
	})
}
