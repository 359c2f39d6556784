package devops

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/adotel/adotel/pkg/models"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewClient(Options{
		BaseURL:        srv.URL,
		Organization:   "acme",
		AccessToken:    "pat-token",
		CatalogRefresh: time.Hour,
	}, zap.NewNop())
	return client, srv
}

// adoHandler simulates enough of the pipelines API for one organization with
// one project, one pipeline, and a configurable set of runs.
func adoHandler(t *testing.T, srvURL func() string) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()

	// Project listing is paginated across two pages to exercise the
	// continuation token loop.
	mux.HandleFunc("/acme/_apis/projects", func(w http.ResponseWriter, r *http.Request) {
		if user, pass, ok := r.BasicAuth(); !ok || user != "" || pass != "pat-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("continuationToken") == "page2" {
			fmt.Fprint(w, `{"count":1,"value":[{"id":"p2","name":"empty"}]}`)
			return
		}
		w.Header().Set("x-ms-continuationtoken", "page2")
		fmt.Fprint(w, `{"count":1,"value":[{"id":"p1","name":"webapp"}]}`)
	})

	mux.HandleFunc("/acme/webapp/_apis/pipelines", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"count":1,"value":[{"id":7,"name":"build","folder":"\\","revision":3}]}`)
	})
	mux.HandleFunc("/acme/empty/_apis/pipelines", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"count":0,"value":[]}`)
	})

	mux.HandleFunc("/acme/webapp/_apis/pipelines/7/runs", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"count":2,"value":[
			{"id":101,"name":"20260823.1","state":"completed","result":"succeeded",
			 "url":"https://dev.azure.com/acme/webapp/_apis/pipelines/7/runs/101",
			 "createdDate":"2026-08-23T10:00:00Z","finishedDate":"2026-08-23T10:05:00Z",
			 "pipeline":{"id":7,"name":"build","folder":"\\","revision":3},
			 "_links":{"web":{"href":"https://dev.azure.com/acme/webapp/_build/results?buildId=101"}}},
			{"id":102,"name":"20260823.2","state":"inProgress",
			 "url":"https://dev.azure.com/acme/webapp/_apis/pipelines/7/runs/102",
			 "createdDate":"2026-08-23T10:10:00Z",
			 "pipeline":{"id":7,"name":"build","folder":"\\","revision":3}}
		]}`)
	})

	mux.HandleFunc("/acme/webapp/_apis/pipelines/7/runs/101/logs", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"logs":[
			{"id":1,"lineCount":2,"createdOn":"2026-08-23T10:05:00Z","url":"log-1-url"},
			{"id":2,"lineCount":1,"createdOn":"2026-08-23T10:05:01Z","url":"log-2-url"}
		]}`)
	})
	mux.HandleFunc("/acme/webapp/_apis/pipelines/7/runs/101/logs/1", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("$expand") != "signedContent" {
			t.Errorf("expected $expand=signedContent, got %q", r.URL.RawQuery)
		}
		fmt.Fprintf(w, `{"id":1,"lineCount":2,"createdOn":"2026-08-23T10:05:00Z","url":"log-1-url",
			"signedContent":{"url":"%s/content/1"}}`, srvURL())
	})
	mux.HandleFunc("/acme/webapp/_apis/pipelines/7/runs/101/logs/2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"id":2,"lineCount":1,"createdOn":"2026-08-23T10:05:01Z","url":"log-2-url",
			"signedContent":{"url":"%s/content/2"}}`, srvURL())
	})
	mux.HandleFunc("/content/1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "2026-08-23T10:04:58Z first line\n2026-08-23T10:04:59Z ##[error]boom\n")
	})
	mux.HandleFunc("/content/2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "only line")
	})

	return mux
}

func TestRecentRuns(t *testing.T) {
	var srv *httptest.Server
	client, s := newTestClient(t, adoHandler(t, func() string { return srv.URL }))
	srv = s

	runs, err := client.RecentRuns(context.Background())
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}

	first := runs[0]
	if first.ID != "101" || first.State != models.RunStateSucceeded {
		t.Errorf("unexpected first run: %+v", first)
	}
	if first.Project != "webapp" || first.PipelineName != "build" || first.Organization != "acme" {
		t.Errorf("unexpected run attribution: %+v", first)
	}
	if !first.State.Terminal() {
		t.Error("succeeded run should be terminal")
	}

	second := runs[1]
	if second.State != models.RunStateRunning {
		t.Errorf("in-progress run mapped to %q", second.State)
	}
	if second.State.Terminal() {
		t.Error("running run must not be terminal")
	}
}

func TestCatalogIsCachedUntilStale(t *testing.T) {
	var projectCalls int
	var srv *httptest.Server
	mux := adoHandler(t, func() string { return srv.URL })

	wrapped := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/acme/_apis/projects" {
			projectCalls++
		}
		mux.ServeHTTP(w, r)
	})
	client, s := newTestClient(t, wrapped)
	srv = s

	for i := 0; i < 3; i++ {
		if _, err := client.RecentRuns(context.Background()); err != nil {
			t.Fatalf("RecentRuns #%d: %v", i, err)
		}
	}
	// Two pages on the first cycle, none after.
	if projectCalls != 2 {
		t.Errorf("expected catalog to be built once (2 paginated calls), got %d", projectCalls)
	}

	// Force staleness and verify a rebuild happens.
	client.mu.Lock()
	client.catalogAt = time.Now().Add(-2 * time.Hour)
	client.mu.Unlock()

	if _, err := client.RecentRuns(context.Background()); err != nil {
		t.Fatalf("RecentRuns after staleness: %v", err)
	}
	if projectCalls != 4 {
		t.Errorf("expected catalog rebuild after staleness, project calls = %d", projectCalls)
	}
}

func TestLogsIterator(t *testing.T) {
	var srv *httptest.Server
	client, s := newTestClient(t, adoHandler(t, func() string { return srv.URL }))
	srv = s

	run := models.PipelineRun{ID: "101", Project: "webapp", PipelineID: 7}
	it, err := client.Logs(context.Background(), run)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if it.Len() != 2 {
		t.Fatalf("expected 2 logs, got %d", it.Len())
	}

	first, err := it.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if first.LogID != 1 {
		t.Errorf("expected log 1 first, got %d", first.LogID)
	}
	// Trailing newline yields a final empty element; the normalizer skips it.
	if len(first.Lines) != 3 || first.Lines[0] != "2026-08-23T10:04:58Z first line" {
		t.Errorf("unexpected lines: %q", first.Lines)
	}

	second, err := it.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if second.LogID != 2 || second.Lines[0] != "only line" {
		t.Errorf("unexpected second chunk: %+v", second)
	}

	if _, err := it.Next(context.Background()); err != io.EOF {
		t.Errorf("expected io.EOF at end, got %v", err)
	}
}

func TestLogDownloadWithoutSignedContentIsAuthenticated(t *testing.T) {
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/acme/webapp/_apis/pipelines/7/runs/101/logs", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"logs":[{"id":1,"lineCount":1,"createdOn":"2026-08-23T10:05:00Z","url":"log-1-url"}]}`)
	})
	// Log detail without signedContent: content must come from the plain API
	// URL, which requires the credential.
	mux.HandleFunc("/acme/webapp/_apis/pipelines/7/runs/101/logs/1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"id":1,"lineCount":1,"createdOn":"2026-08-23T10:05:00Z","url":"%s/raw/1"}`, srv.URL)
	})
	mux.HandleFunc("/raw/1", func(w http.ResponseWriter, r *http.Request) {
		if _, pass, ok := r.BasicAuth(); !ok || pass != "pat-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, "authenticated line")
	})
	client, s := newTestClient(t, mux)
	srv = s

	run := models.PipelineRun{ID: "101", Project: "webapp", PipelineID: 7}
	it, err := client.Logs(context.Background(), run)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	chunk, err := it.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(chunk.Lines) == 0 || chunk.Lines[0] != "authenticated line" {
		t.Errorf("unexpected content: %q", chunk.Lines)
	}
}

func TestErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header http.Header
		check  func(t *testing.T, err error)
	}{
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			check: func(t *testing.T, err error) {
				var authErr *AuthError
				if !errors.As(err, &authErr) {
					t.Fatalf("expected AuthError, got %v", err)
				}
			},
		},
		{
			name:   "rate limited",
			status: http.StatusTooManyRequests,
			header: http.Header{"Retry-After": []string{"17"}},
			check: func(t *testing.T, err error) {
				var rl *RateLimitError
				if !errors.As(err, &rl) {
					t.Fatalf("expected RateLimitError, got %v", err)
				}
				if rl.RetryAfter() != 17*time.Second {
					t.Errorf("expected 17s retry-after, got %v", rl.RetryAfter())
				}
			},
		},
		{
			name:   "not found",
			status: http.StatusNotFound,
			check: func(t *testing.T, err error) {
				var nf *NotFoundError
				if !errors.As(err, &nf) {
					t.Fatalf("expected NotFoundError, got %v", err)
				}
			},
		},
		{
			name:   "server error",
			status: http.StatusBadGateway,
			check: func(t *testing.T, err error) {
				var tr *TransientError
				if !errors.As(err, &tr) {
					t.Fatalf("expected TransientError, got %v", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, vs := range tt.header {
					for _, v := range vs {
						w.Header().Add(k, v)
					}
				}
				w.WriteHeader(tt.status)
			}))
			_, err := client.RecentRuns(context.Background())
			if err == nil {
				t.Fatal("expected an error")
			}
			tt.check(t, err)
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("9"); got != 9*time.Second {
		t.Errorf("delta-seconds: got %v", got)
	}
	if got := parseRetryAfter(""); got != defaultRetryAfter {
		t.Errorf("missing header: got %v", got)
	}
	if got := parseRetryAfter("garbage"); got != defaultRetryAfter {
		t.Errorf("unparseable header: got %v", got)
	}
	future := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(future); got < 80*time.Second || got > 90*time.Second {
		t.Errorf("http-date: got %v", got)
	}
}
