package reportstore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"radview/api/internal/annotation"
)

func TestSaveRoundTrip(t *testing.T) {
	var received annotation.Draft
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/annotations" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		json.NewEncoder(w).Encode(annotation.Persisted{Draft: received, ID: "ann_1"})
	}))
	defer server.Close()

	client := New(server.URL, "secret")
	persisted, err := client.Save(context.Background(), annotation.Draft{
		StudyUID:       "S1",
		ExternalToolID: "tool-1",
		Kind:           annotation.KindEllipse,
	})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if persisted.ID != "ann_1" {
		t.Errorf("expected server id ann_1, got %s", persisted.ID)
	}
	if received.ExternalToolID != "tool-1" {
		t.Errorf("draft not carried to the store: %+v", received)
	}
}

func TestSaveRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid geometry", http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	_, err := New(server.URL, "").Save(context.Background(), annotation.Draft{StudyUID: "S1"})
	if !errors.Is(err, ErrRejected) {
		t.Errorf("expected ErrRejected, got %v", err)
	}
}

func TestSaveUnreachable(t *testing.T) {
	server := httptest.NewServer(nil)
	server.Close() // refuse connections

	_, err := New(server.URL, "").Save(context.Background(), annotation.Draft{StudyUID: "S1"})
	if !errors.Is(err, ErrUnreachable) {
		t.Errorf("expected ErrUnreachable, got %v", err)
	}
}

func TestListByStudy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("study"); got != "S1" {
			t.Errorf("expected study=S1, got %s", got)
		}
		json.NewEncoder(w).Encode([]annotation.Persisted{
			{ID: "ann_1"}, {ID: "ann_2"},
		})
	}))
	defer server.Close()

	annotations, err := New(server.URL, "").ListByStudy(context.Background(), "S1")
	if err != nil {
		t.Fatalf("ListByStudy failed: %v", err)
	}
	if len(annotations) != 2 {
		t.Errorf("expected 2 annotations, got %d", len(annotations))
	}
}
