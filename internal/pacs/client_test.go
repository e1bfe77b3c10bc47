package pacs

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestArchive(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := New(server.URL, "", "")
	t.Cleanup(client.Close)
	return client
}

func TestFindStudy(t *testing.T) {
	client := newTestArchive(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/system":
			w.Write([]byte(`{"Version":"1.12.0"}`))
		case "/tools/find":
			if r.Method != http.MethodPost {
				t.Errorf("expected POST, got %s", r.Method)
			}
			w.Write([]byte(`["orthanc-study-1"]`))
		default:
			http.NotFound(w, r)
		}
	})

	id, err := client.FindStudy(context.Background(), "1.2.3.4")
	if err != nil {
		t.Fatalf("FindStudy failed: %v", err)
	}
	if id != "orthanc-study-1" {
		t.Errorf("expected orthanc-study-1, got %s", id)
	}
}

func TestFindStudyNoMatch(t *testing.T) {
	client := newTestArchive(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/tools/find" {
			w.Write([]byte(`[]`))
			return
		}
		w.Write([]byte(`{}`))
	})

	_, err := client.FindStudy(context.Background(), "1.2.3.4")
	if !errors.Is(err, ErrStudyNotFound) {
		t.Errorf("expected ErrStudyNotFound, got %v", err)
	}
}

func TestGetStudyDecodesTagsAndSeriesOrder(t *testing.T) {
	client := newTestArchive(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/studies/s1" {
			w.Write([]byte(`{
				"ID": "s1",
				"MainDicomTags": {"StudyInstanceUID": "1.2.3", "StudyDescription": "CT CHEST"},
				"Series": ["se-b", "se-a", "se-c"]
			}`))
			return
		}
		w.Write([]byte(`{}`))
	})

	study, err := client.GetStudy(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetStudy failed: %v", err)
	}
	if study.StudyInstanceUID != "1.2.3" {
		t.Errorf("expected StudyInstanceUID 1.2.3, got %s", study.StudyInstanceUID)
	}
	if len(study.Series) != 3 || study.Series[0] != "se-b" || study.Series[2] != "se-c" {
		t.Errorf("series order not preserved: %v", study.Series)
	}
}

func TestGetSeriesDecodesInstances(t *testing.T) {
	client := newTestArchive(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/series/se1" {
			w.Write([]byte(`{
				"ID": "se1",
				"MainDicomTags": {"SeriesInstanceUID": "1.2.3.1", "Modality": "CT", "SeriesDescription": "AXIAL"},
				"Instances": ["i1", "i2"]
			}`))
			return
		}
		w.Write([]byte(`{}`))
	})

	series, err := client.GetSeries(context.Background(), "se1")
	if err != nil {
		t.Fatalf("GetSeries failed: %v", err)
	}
	if series.Modality != "CT" {
		t.Errorf("expected modality CT, got %s", series.Modality)
	}
	if len(series.Instances) != 2 {
		t.Errorf("expected 2 instances, got %d", len(series.Instances))
	}
}

func TestServerErrorMapsToUnreachable(t *testing.T) {
	client := newTestArchive(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/system" {
			w.Write([]byte(`{}`))
			return
		}
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	_, err := client.GetStudy(context.Background(), "s1")
	if !errors.Is(err, ErrUnreachable) {
		t.Errorf("expected ErrUnreachable, got %v", err)
	}
}

func TestNotFoundStatusMapsToStudyNotFound(t *testing.T) {
	client := newTestArchive(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/system" {
			w.Write([]byte(`{}`))
			return
		}
		http.NotFound(w, r)
	})

	_, err := client.GetStudy(context.Background(), "missing")
	if !errors.Is(err, ErrStudyNotFound) {
		t.Errorf("expected ErrStudyNotFound, got %v", err)
	}
}
