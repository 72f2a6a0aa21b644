package repo

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestTargetClientControlCalls(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	client := NewTargetClient(map[string]string{"api": "http://api.local/base/"}, time.Second)
	client.httpClient = newTestClient(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		mu.Lock()
		defer mu.Unlock()
		entry := req.Method + " " + req.URL.Path
		if req.Body != nil {
			data, _ := io.ReadAll(req.Body)
			if len(data) > 0 {
				entry += " " + string(data)
			}
		}
		calls = append(calls, entry)
		return jsonResponse(http.StatusOK, `{}`), nil
	}))

	ctx := context.Background()
	steps := []func() error{
		func() error { return client.Stop(ctx, "api") },
		func() error { return client.Start(ctx, "api") },
		func() error { return client.Restart(ctx, "api") },
		func() error { return client.RestartSafeMode(ctx, "api", "minimal") },
		func() error { return client.Reprovision(ctx, "api") },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("control call failed: %v", err)
		}
	}

	expected := []string{
		"POST /base/control/stop",
		"POST /base/control/start",
		"POST /base/control/restart",
		`POST /base/control/safe-mode {"profile":"minimal"}`,
		"POST /base/control/reprovision",
	}
	if len(calls) != len(expected) {
		t.Fatalf("expected %d calls, got %v", len(expected), calls)
	}
	for i := range expected {
		if calls[i] != expected[i] {
			t.Fatalf("call %d: expected %q, got %q", i, expected[i], calls[i])
		}
	}
}

func TestTargetClientErrors(t *testing.T) {
	client := NewTargetClient(nil, time.Second)
	if err := client.Restart(context.Background(), "ghost"); err == nil {
		t.Fatalf("expected error for unknown target")
	}

	client.SetEndpoint("db", "http://db.local")
	client.httpClient = newTestClient(roundTripFunc(func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusConflict, "already stopped"), nil
	}))
	err := client.Stop(context.Background(), "db")
	if err == nil || !strings.Contains(err.Error(), "already stopped") {
		t.Fatalf("expected upstream error text, got %v", err)
	}
}

func TestDataSourceRoundTrip(t *testing.T) {
	var stored map[string]interface{}
	client := NewTargetClient(map[string]string{"db": "http://db.local"}, time.Second)
	client.httpClient = newTestClient(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/state" {
			t.Fatalf("unexpected path %s", req.URL.Path)
		}
		switch req.Method {
		case http.MethodPut:
			var body struct {
				State map[string]interface{} `json:"state"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			stored = body.State
			return jsonResponse(http.StatusNoContent, ""), nil
		default:
			data, _ := json.Marshal(map[string]interface{}{"state": stored})
			return jsonResponse(http.StatusOK, string(data)), nil
		}
	}))

	source := client.DataSource()
	ctx := context.Background()
	if err := source.Apply(ctx, "db", map[string]interface{}{"rows": float64(42)}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	state, err := source.Capture(ctx, "db")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if state["rows"] != float64(42) {
		t.Fatalf("unexpected state %v", state)
	}
}
