package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/miradorstack/mirador-recovery/internal/api"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestForceCommandPostsStrategy(t *testing.T) {
	var gotPath, gotAuth string
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"id":"inc-1","status":"RECOVERING"}`))
	}))
	defer srv.Close()

	out, err := runCLI(t, "force", "inc-1", "ConfigRollback", "--server", srv.URL, "--token", "abc")
	if err != nil {
		t.Fatalf("force: %v", err)
	}
	if gotPath != "POST /api/v1/incidents/inc-1/force" {
		t.Fatalf("unexpected request %q", gotPath)
	}
	if gotAuth != "Bearer abc" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if body["strategy"] != "ConfigRollback" {
		t.Fatalf("unexpected body %v", body)
	}
	if !strings.Contains(out, `"status": "RECOVERING"`) {
		t.Fatalf("expected indented response, got %q", out)
	}
}

func TestIncidentsCommandSendsOpenFilter(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	if _, err := runCLI(t, "incidents", "--open", "--server", srv.URL); err != nil {
		t.Fatalf("incidents: %v", err)
	}
	if query != "open=true" {
		t.Fatalf("unexpected query %q", query)
	}
}

func TestEventsCommandFetchesIncidentLog(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		_, _ = w.Write([]byte(`{"incident_id":"inc-1","events":[{"seq":1,"kind":"opened"}],"count":1}`))
	}))
	defer srv.Close()

	out, err := runCLI(t, "events", "inc-1", "--server", srv.URL)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if gotPath != "GET /api/v1/incidents/inc-1/events" {
		t.Fatalf("unexpected request %q", gotPath)
	}
	if !strings.Contains(out, `"kind": "opened"`) {
		t.Fatalf("expected event in output, got %q", out)
	}
}

func TestClientSurfacesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"close: incident already closed","code":"FailedPrecondition"}`))
	}))
	defer srv.Close()

	_, err := runCLI(t, "close", "inc-9", "--server", srv.URL)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "FailedPrecondition") || !strings.Contains(err.Error(), "409") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestTokenCommandIssuesVerifiableToken(t *testing.T) {
	out, err := runCLI(t, "token", "alice", "--secret", "s3cret")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	claims, err := api.ParseToken("s3cret", strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Operator != "alice" {
		t.Fatalf("unexpected operator %q", claims.Operator)
	}
}
