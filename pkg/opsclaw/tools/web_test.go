package tools

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWebSearchMissingKey(t *testing.T) {
	t.Setenv("BRAVE_API_KEY", "")
	tool := NewWebSearchTool("", 5, nil)
	if got := run(t, tool, map[string]any{"query": "go"}); got != "Error: BRAVE_API_KEY not configured" {
		t.Errorf("web_search = %q", got)
	}
}

func TestWebSearchResults(t *testing.T) {
	var gotCount, gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCount = r.URL.Query().Get("count")
		gotToken = r.Header.Get("X-Subscription-Token")
		switch r.URL.Query().Get("q") {
		case "empty":
			_, _ = io.WriteString(w, `{"web":{"results":[]}}`)
		case "down":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			_, _ = io.WriteString(w, `{"web":{"results":[
				{"title":"Go","url":"https://go.dev","description":"The Go language"},
				{"title":"Tour","url":"https://go.dev/tour","description":""}
			]}}`)
		}
	}))
	defer srv.Close()

	tool := NewWebSearchTool("brave-key", 5, srv.Client()).WithEndpoint(srv.URL)

	got := run(t, tool, map[string]any{"query": "golang", "count": float64(50)})
	want := "Results for: golang\n1. Go\n   https://go.dev\n   The Go language\n2. Tour\n   https://go.dev/tour"
	if got != want {
		t.Errorf("web_search = %q, want %q", got, want)
	}
	if gotCount != "10" {
		t.Errorf("count = %s, want clamped 10", gotCount)
	}
	if gotToken != "brave-key" {
		t.Errorf("token = %q", gotToken)
	}

	if got := run(t, tool, map[string]any{"query": "empty"}); got != "No results for: empty" {
		t.Errorf("empty = %q", got)
	}
	if got := run(t, tool, map[string]any{"query": "down"}); got != "Error: Search API returned 503" {
		t.Errorf("down = %q", got)
	}
}

func TestWebFetchHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, `<!doctype html><html><head><style>body{}</style><script>alert(1)</script></head>
<body><nav>menu</nav><h1>Runbook</h1><p>Restart the   service &amp; check logs.</p>
<ul><li>one</li><li>two</li></ul><footer>copyright</footer></body></html>`)
	}))
	defer srv.Close()

	tool := NewWebFetchTool(0, srv.Client())
	out := run(t, tool, map[string]any{"url": srv.URL + "/doc"})

	var res fetchResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("result is not JSON: %v\n%s", err, out)
	}
	wantText := "# Runbook\nRestart the service & check logs.\n- one\n- two"
	if res.Text != wantText {
		t.Errorf("text = %q, want %q", res.Text, wantText)
	}
	if res.Status != 200 || res.Extractor != "markdown" || res.Truncated {
		t.Errorf("result = %+v", res)
	}
	for _, leaked := range []string{"alert", "menu", "copyright", "body{}"} {
		if strings.Contains(res.Text, leaked) {
			t.Errorf("text contains %q", leaked)
		}
	}
}

func TestWebFetchTruncatesAndPassesJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"data":"`+strings.Repeat("x", 500)+`"}`)
	}))
	defer srv.Close()

	out := run(t, NewWebFetchTool(0, srv.Client()), map[string]any{"url": srv.URL, "maxChars": float64(100)})
	var res fetchResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatal(err)
	}
	if res.Extractor != "json" || !res.Truncated || res.Length != 100 || len(res.Text) != 100 {
		t.Errorf("result = %+v", res)
	}
}

func TestWebFetchRejectsScheme(t *testing.T) {
	got := run(t, NewWebFetchTool(0, nil), map[string]any{"url": "file:///etc/passwd"})
	if got != "Error: unsupported URL scheme" {
		t.Errorf("web_fetch = %q", got)
	}
}
