package ops

import (
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"sort"
	"strings"
	"time"

	"castbot/internal/broadcast"
	"castbot/internal/notifier"
	rtsup "castbot/internal/runtime/supervisor"
)

// Sources feed the endpoints. Nil funcs are skipped.
type Sources struct {
	Supervisors func() map[string]*rtsup.Supervisor
	Broadcasts  func() []broadcast.JobStatus
	Notifier    func() notifier.Stats

	// CancelBroadcast stops a running job and reports whether it was running.
	CancelBroadcast func(id string) bool
}

type healthReport struct {
	Status      string                              `json:"status"`
	At          time.Time                           `json:"at"`
	Unhealthy   []string                            `json:"unhealthy,omitempty"`
	Supervisors map[string]rtsup.SupervisorSnapshot `json:"supervisors,omitempty"`
}

// Handler builds the ops mux: /healthz, /broadcasts, POST
// /broadcasts/{id}/cancel, /notifier and optionally /debug/pprof/. Every route requires token when it is set.
func Handler(cfg Config, src Sources) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Token, h) }

	mux.HandleFunc("GET /healthz", wrap(func(w http.ResponseWriter, r *http.Request) {
		rep := health(src)
		code := http.StatusOK
		if rep.Status != "ok" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, rep)
	}))
	mux.HandleFunc("GET /broadcasts", wrap(func(w http.ResponseWriter, r *http.Request) {
		jobs := []broadcast.JobStatus{}
		if src.Broadcasts != nil {
			jobs = append(jobs, src.Broadcasts()...)
		}
		writeJSON(w, http.StatusOK, jobs)
	}))
	if src.CancelBroadcast != nil {
		mux.HandleFunc("POST /broadcasts/{id}/cancel", wrap(func(w http.ResponseWriter, r *http.Request) {
			id := r.PathValue("id")
			if !src.CancelBroadcast(id) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "no running broadcast " + id})
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]string{"cancelled": id})
		}))
	}
	mux.HandleFunc("GET /notifier", wrap(func(w http.ResponseWriter, r *http.Request) {
		if src.Notifier == nil {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, src.Notifier())
	}))

	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	}
	return mux
}

func health(src Sources) healthReport {
	rep := healthReport{Status: "ok", At: time.Now().UTC()}
	if src.Supervisors == nil {
		return rep
	}
	rep.Supervisors = map[string]rtsup.SupervisorSnapshot{}
	for name, sup := range src.Supervisors() {
		if sup == nil {
			continue
		}
		snap := sup.Snapshot()
		rep.Supervisors[name] = snap
		if !snap.Healthy() {
			rep.Unhealthy = append(rep.Unhealthy, name)
		}
	}
	if len(rep.Unhealthy) > 0 {
		sort.Strings(rep.Unhealthy)
		rep.Status = "degraded"
	}
	return rep
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			got, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(tok)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
