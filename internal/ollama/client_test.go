package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// fakeOllama serves the subset of the Ollama API the client uses. models
// lists the installed tags; the handlers answer embed and pull requests.
type fakeOllama struct {
	models []string
	embed  func(w http.ResponseWriter, req embedRequest)
	pull   func(w http.ResponseWriter, req pullRequest)
}

func (f *fakeOllama) start(t *testing.T) *Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tags", func(w http.ResponseWriter, r *http.Request) {
		var resp tagsResponse
		for _, m := range f.models {
			resp.Models = append(resp.Models, modelEntry{Name: m})
		}
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("POST /api/embed", func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.embed(w, req)
	})
	mux.HandleFunc("POST /api/pull", func(w http.ResponseWriter, r *http.Request) {
		var req pullRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.pull(w, req)
	})
	mux.HandleFunc("POST /api/chat", func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Stream {
			t.Error("Chat must not request streaming")
		}
		json.NewEncoder(w).Encode(chatResponse{
			Message: Message{Role: "assistant", Content: "Paris."},
			Done:    true,
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return New(srv.URL)
}

func TestIsRunning(t *testing.T) {
	c := (&fakeOllama{models: []string{"llama3.1:latest"}}).start(t)
	if !c.IsRunning(context.Background()) {
		t.Error("IsRunning() = false against a live server")
	}

	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	if New(srv.URL).IsRunning(context.Background()) {
		t.Error("IsRunning() = true against a closed server")
	}
}

func TestListModelsAndHasModel(t *testing.T) {
	c := (&fakeOllama{models: []string{"llama3.1:latest", "all-minilm:latest", "nomic-embed-text:v1.5"}}).start(t)

	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 3 || models[1] != "all-minilm:latest" {
		t.Errorf("ListModels = %q", models)
	}

	tests := []struct {
		name string
		want bool
	}{
		{"llama3.1", true},
		{"llama3.1:latest", true},
		{"all-minilm", true},
		{"nomic-embed-text", true},
		{"llama3", false},
		{"mistral", false},
	}
	for _, tt := range tests {
		if got := c.HasModel(context.Background(), tt.name); got != tt.want {
			t.Errorf("HasModel(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestChat_Blocking(t *testing.T) {
	c := (&fakeOllama{}).start(t)
	got, err := c.Chat(context.Background(), "llama3.1", []Message{{Role: "user", Content: "Capital of France?"}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got != "Paris." {
		t.Errorf("Chat = %q, want %q", got, "Paris.")
	}
}

func TestEmbed(t *testing.T) {
	f := &fakeOllama{embed: func(w http.ResponseWriter, req embedRequest) {
		if req.Model != "all-minilm" || req.Input != "Hello world." {
			t.Errorf("embed request = %+v", req)
		}
		json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{0.5, -1, 2}}})
	}}
	c := f.start(t)

	vec, err := c.Embed(context.Background(), "all-minilm", "Hello world.")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 || vec[0] != 0.5 || vec[1] != -1 || vec[2] != 2 {
		t.Errorf("Embed = %v", vec)
	}
}

func TestEmbed_Errors(t *testing.T) {
	t.Run("missing model", func(t *testing.T) {
		f := &fakeOllama{embed: func(w http.ResponseWriter, _ embedRequest) {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"model \"all-minilm\" not found, try pulling it first"}`))
		}}
		_, err := f.start(t).Embed(context.Background(), "all-minilm", "x")
		var se *StatusError
		if !errors.As(err, &se) {
			t.Fatalf("error = %v, want *StatusError", err)
		}
		if se.StatusCode != http.StatusNotFound || se.Message != `model "all-minilm" not found, try pulling it first` {
			t.Errorf("StatusError = %+v", se)
		}
	})

	t.Run("no vectors", func(t *testing.T) {
		f := &fakeOllama{embed: func(w http.ResponseWriter, _ embedRequest) {
			w.Write([]byte(`{"embeddings":[]}`))
		}}
		if _, err := f.start(t).Embed(context.Background(), "all-minilm", "x"); err == nil {
			t.Error("expected error for an empty embeddings array")
		}
	})
}

func TestPullModel(t *testing.T) {
	f := &fakeOllama{pull: func(w http.ResponseWriter, req pullRequest) {
		if req.Name != "all-minilm" || !req.Stream {
			t.Errorf("pull request = %+v", req)
		}
		enc := json.NewEncoder(w)
		enc.Encode(PullProgress{Status: "pulling manifest"})
		enc.Encode(PullProgress{Status: "downloading", Total: 46, Completed: 23})
		enc.Encode(PullProgress{Status: "success"})
	}}
	c := f.start(t)

	var statuses []string
	if err := c.PullModel(context.Background(), "all-minilm", func(p PullProgress) {
		statuses = append(statuses, p.Status)
	}); err != nil {
		t.Fatalf("PullModel: %v", err)
	}
	if len(statuses) != 3 || statuses[2] != "success" {
		t.Errorf("progress statuses = %q", statuses)
	}
}

func TestPullModel_ErrorLine(t *testing.T) {
	f := &fakeOllama{pull: func(w http.ResponseWriter, _ pullRequest) {
		enc := json.NewEncoder(w)
		enc.Encode(PullProgress{Status: "pulling manifest"})
		enc.Encode(PullProgress{Error: "pull model manifest: file does not exist"})
	}}
	err := f.start(t).PullModel(context.Background(), "no-such-model", nil)
	var se *StatusError
	if !errors.As(err, &se) || se.Message != "pull model manifest: file does not exist" {
		t.Errorf("error = %v, want StatusError carrying the streamed message", err)
	}
}
