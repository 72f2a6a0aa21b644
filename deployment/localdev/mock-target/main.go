package main

import (
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"sync"
	"time"
)

// fault kinds injected through POST /targets/{id}/fault.
const (
	faultNone     = ""
	faultCrash    = "crash"    // cleared by any restart
	faultDegraded = "degraded" // cleared by a safe-mode restart
	faultCorrupt  = "corrupt"  // cleared by restoring state or reprovisioning
)

type target struct {
	Running  bool                   `json:"running"`
	SafeMode string                 `json:"safe_mode,omitempty"`
	Fault    string                 `json:"fault,omitempty"`
	State    map[string]interface{} `json:"state"`
	Restarts int                    `json:"restarts"`
}

type fleet struct {
	mu      sync.Mutex
	targets map[string]*target
}

func (f *fleet) get(id string) *target {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.targets[id]
	if !ok {
		t = &target{Running: true, State: map[string]interface{}{"generation": 1}}
		f.targets[id] = t
	}
	return t
}

func main() {
	addr := flag.String("addr", ":8081", "listen address")
	flag.Parse()

	f := &fleet{targets: map[string]*target{}}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /targets/{id}/health", func(w http.ResponseWriter, r *http.Request) {
		t := f.get(r.PathValue("id"))
		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case !t.Running:
			w.WriteHeader(http.StatusServiceUnavailable)
			writeJSON(w, map[string]string{"status": "down", "detail": "process stopped"})
		case t.Fault == faultCrash:
			w.WriteHeader(http.StatusInternalServerError)
			writeJSON(w, map[string]string{"status": "down", "detail": "panic: nil map write"})
		case t.Fault == faultCorrupt:
			w.WriteHeader(http.StatusInternalServerError)
			writeJSON(w, map[string]string{"status": "down", "detail": "state checksum mismatch"})
		case t.Fault == faultDegraded && t.SafeMode == "":
			writeJSON(w, map[string]string{"status": "degraded", "detail": "worker pool saturated"})
		default:
			writeJSON(w, map[string]string{"status": "ok"})
		}
	})

	mux.HandleFunc("POST /targets/{id}/control/{action}", func(w http.ResponseWriter, r *http.Request) {
		t := f.get(r.PathValue("id"))
		var body struct {
			Profile string `json:"profile"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.PathValue("action") {
		case "stop":
			t.Running = false
		case "start":
			t.Running = true
			t.SafeMode = ""
			if t.Fault == faultCrash {
				t.Fault = faultNone
			}
		case "restart":
			t.Running = true
			t.SafeMode = ""
			t.Restarts++
			if t.Fault == faultCrash {
				t.Fault = faultNone
			}
		case "safe-mode":
			t.Running = true
			t.SafeMode = body.Profile
			t.Restarts++
			if t.Fault == faultCrash || t.Fault == faultDegraded {
				t.Fault = faultNone
			}
		case "reprovision":
			*t = target{Running: true, State: map[string]interface{}{"generation": 1}}
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /targets/{id}/state", func(w http.ResponseWriter, r *http.Request) {
		t := f.get(r.PathValue("id"))
		f.mu.Lock()
		defer f.mu.Unlock()
		writeJSON(w, map[string]any{"state": t.State})
	})

	mux.HandleFunc("PUT /targets/{id}/state", func(w http.ResponseWriter, r *http.Request) {
		t := f.get(r.PathValue("id"))
		var body struct {
			State map[string]interface{} `json:"state"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		t.State = body.State
		if t.Fault == faultCorrupt {
			t.Fault = faultNone
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /targets/{id}/fault", func(w http.ResponseWriter, r *http.Request) {
		t := f.get(r.PathValue("id"))
		var body struct {
			Kind string `json:"kind"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		switch body.Kind {
		case faultNone, faultCrash, faultDegraded, faultCorrupt:
		default:
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		t.Fault = body.Kind
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /targets/{id}", func(w http.ResponseWriter, r *http.Request) {
		t := f.get(r.PathValue("id"))
		f.mu.Lock()
		defer f.mu.Unlock()
		writeJSON(w, t)
	})

	logger := log.New(log.Writer(), "target-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:              *addr,
		Handler:           logRequests(logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
