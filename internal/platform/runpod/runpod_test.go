package runpod

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tuneplane/internal/platform"
)

const testKey = "rp-test-key"

func authorized(r *http.Request) bool {
	return r.Header.Get("Authorization") == "Bearer "+testKey
}

func newTestAPI(t *testing.T, mux *http.ServeMux) *Connector {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return New(srv.URL, WithPollInterval(5*time.Millisecond))
}

func connect(t *testing.T, c *Connector) {
	t.Helper()
	if err := c.Connect(context.Background(), platform.Credentials{APIKey: testKey}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
}

func accountMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/account", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid api key"})
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func TestConnect(t *testing.T) {
	c := newTestAPI(t, accountMux())

	if err := c.Connect(context.Background(), platform.Credentials{APIKey: testKey}); err != nil {
		t.Fatalf("Connect with valid key failed: %v", err)
	}
	err := c.Connect(context.Background(), platform.Credentials{APIKey: "wrong"})
	if !platform.IsKind(err, platform.KindAuth) {
		t.Errorf("bad key error = %v, want auth", err)
	}
	err = c.Connect(context.Background(), platform.Credentials{})
	if !platform.IsKind(err, platform.KindAuth) {
		t.Errorf("empty key error = %v, want auth", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	c := New("http://127.0.0.1:1", WithHTTPClient(&http.Client{Timeout: 100 * time.Millisecond}))
	err := c.Connect(context.Background(), platform.Credentials{APIKey: testKey})
	if !platform.IsKind(err, platform.KindUnreachable) {
		t.Errorf("error = %v, want unreachable", err)
	}
}

func TestSubmitJob(t *testing.T) {
	mux := accountMux()
	mux.HandleFunc("POST /v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		var cfg platform.TrainingConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil || cfg.BaseModel == "" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(map[string]string{"error": "base_model is required"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "pod-42"})
	})
	c := newTestAPI(t, mux)
	connect(t, c)

	id, err := c.SubmitJob(context.Background(), platform.TrainingConfig{BaseModel: "llama-3-8b"})
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}
	if id != "pod-42" {
		t.Errorf("id = %s, want pod-42", id)
	}

	_, err = c.SubmitJob(context.Background(), platform.TrainingConfig{})
	if !platform.IsKind(err, platform.KindValidation) {
		t.Errorf("error = %v, want validation", err)
	}
}

func TestStreamLogs_PagesToCleanEnd(t *testing.T) {
	mux := accountMux()
	mux.HandleFunc("/v1/jobs/pod-42/logs", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("after") {
		case "0":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"lines": []map[string]interface{}{
					{"text": "epoch=1 loss=0.9"},
					{"text": "epoch=2 loss=0.5"},
				},
				"cursor": 2,
				"done":   false,
			})
		case "2":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"lines":  []map[string]interface{}{{"text": "epoch=3 loss=0.3"}},
				"cursor": 3,
				"done":   true,
			})
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("after"))
		}
	})
	c := newTestAPI(t, mux)
	connect(t, c)

	stream, err := c.StreamLogs(context.Background(), "pod-42")
	if err != nil {
		t.Fatalf("StreamLogs failed: %v", err)
	}

	var lines []string
	for line := range stream.Lines() {
		lines = append(lines, line.Text)
	}
	if stream.Err() != nil {
		t.Fatalf("stream ended with error: %v", stream.Err())
	}
	if len(lines) != 3 || lines[2] != "epoch=3 loss=0.3" {
		t.Errorf("lines = %v, want 3 lines ending with epoch=3", lines)
	}
}

func TestStreamLogs_RemoteFailureIsTerminal(t *testing.T) {
	mux := accountMux()
	mux.HandleFunc("/v1/jobs/pod-9/logs", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"lines":      []map[string]interface{}{{"text": "CUDA out of memory"}},
			"cursor":     1,
			"done":       true,
			"exit_error": "trainer exited with code 1",
		})
	})
	c := newTestAPI(t, mux)
	connect(t, c)

	stream, err := c.StreamLogs(context.Background(), "pod-9")
	if err != nil {
		t.Fatalf("StreamLogs failed: %v", err)
	}
	for range stream.Lines() {
	}
	if !platform.IsKind(stream.Err(), platform.KindInternal) {
		t.Errorf("stream error = %v, want internal", stream.Err())
	}
}

func TestStreamLogs_UnknownJob(t *testing.T) {
	mux := accountMux()
	mux.HandleFunc("/v1/jobs/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "no such job"})
	})
	c := newTestAPI(t, mux)
	connect(t, c)

	if _, err := c.StreamLogs(context.Background(), "nope"); !platform.IsKind(err, platform.KindNotFound) {
		t.Errorf("error = %v, want not_found", err)
	}
}

func TestFetchArtifact(t *testing.T) {
	data := []byte("adapter weights")
	mux := accountMux()
	mux.HandleFunc("/v1/jobs/pod-42/artifact", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(artifactHashHeader, "abc123")
		w.Write(data)
	})
	mux.HandleFunc("/v1/jobs/pod-busy/artifact", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": "job still running"})
	})
	c := newTestAPI(t, mux)
	connect(t, c)

	payload, err := c.FetchArtifact(context.Background(), "pod-42")
	if err != nil {
		t.Fatalf("FetchArtifact failed: %v", err)
	}
	if string(payload.Data) != string(data) || payload.SHA256 != "abc123" {
		t.Errorf("payload = %q/%s, want body with reported hash", payload.Data, payload.SHA256)
	}

	_, err = c.FetchArtifact(context.Background(), "pod-busy")
	if !platform.IsKind(err, platform.KindNotReady) {
		t.Errorf("error = %v, want not_ready", err)
	}
}

func TestCancelJob_GoneJobIsNoop(t *testing.T) {
	mux := accountMux()
	mux.HandleFunc("DELETE /v1/jobs/pod-42", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	c := newTestAPI(t, mux)
	connect(t, c)

	if err := c.CancelJob(context.Background(), "pod-42"); err != nil {
		t.Errorf("cancelling a finished job should be a no-op, got %v", err)
	}
}

func TestListResourcesAndPricing(t *testing.T) {
	mux := accountMux()
	mux.HandleFunc("/v1/gpus", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"gpus": []map[string]interface{}{
				{"id": "a100-80", "display_name": "A100 80GB", "gpu_type": "A100", "gpu_count": 1, "memory_gb": 80, "region": "eu", "spot": true},
			},
		})
	})
	mux.HandleFunc("/v1/gpus/a100-80/price", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"price_per_hour": 1.99, "spot_per_hour": 0.79, "currency": "USD"}`)
	})
	c := newTestAPI(t, mux)
	connect(t, c)

	resources, err := c.ListResources(context.Background())
	if err != nil {
		t.Fatalf("ListResources failed: %v", err)
	}
	if len(resources) != 1 || resources[0].GPUType != "A100" {
		t.Errorf("resources = %+v, want one A100", resources)
	}

	pricing, err := c.GetPricing(context.Background(), "a100-80")
	if err != nil {
		t.Fatalf("GetPricing failed: %v", err)
	}
	if pricing.PricePerHour != 1.99 || pricing.SpotPerHour != 0.79 {
		t.Errorf("pricing = %+v, want 1.99/0.79", pricing)
	}
}
