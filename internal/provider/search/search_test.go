package search

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"polychat/internal/apperr"
	"polychat/internal/provider"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

func init() {
	provider.RetryInitialInterval = time.Millisecond
}

type fakeTool struct {
	out   string
	err   error
	calls int
}

func (f *fakeTool) Info(context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{Name: "fake"}, nil
}

func (f *fakeTool) InvokableRun(ctx context.Context, args string, _ ...tool.Option) (string, error) {
	f.calls++
	return f.out, f.err
}

func TestSearchUsesExa(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/search" || r.Header.Get("x-api-key") != "exa" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req exaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if req.Query != "golang generics" || req.NumResults != 2 {
			t.Errorf("unexpected body %+v", req)
		}
		w.Write([]byte(`{"results":[{"title":"Go","url":"https://go.dev","text":"Generics","publishedDate":"2022-03-15"}]}`))
	}))
	defer srv.Close()

	fallback := &fakeTool{out: `{"items":[]}`}
	c := NewClient("exa", srv.Client(), fallback).WithBaseURL(srv.URL)
	results, err := c.Search(context.Background(), "golang generics", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].URL != "https://go.dev" || results[0].Content != "Generics" {
		t.Fatalf("unexpected results %+v", results)
	}
	if fallback.calls != 0 {
		t.Fatalf("fallback must not run when exa succeeds")
	}
}

func TestSearchFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	broken := &fakeTool{err: errors.New("quota")}
	ddg := &fakeTool{out: `{"message":"ok","results":[{"title":"A","url":"https://a.example","summary":"first"},{"title":"B","url":"https://b.example","summary":"second"}]}`}
	c := NewClient("exa", srv.Client(), broken, ddg).WithBaseURL(srv.URL)
	results, err := c.Search(context.Background(), "anything", 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if broken.calls != 1 || ddg.calls != 1 {
		t.Fatalf("expected both fallbacks to run, got %d/%d", broken.calls, ddg.calls)
	}
	if len(results) != 1 || results[0].URL != "https://a.example" || results[0].Content != "first" {
		t.Fatalf("unexpected results %+v", results)
	}
}

func TestSearchErrors(t *testing.T) {
	c := NewClient("", nil)
	if _, err := c.Search(context.Background(), "  ", 0); !apperr.Is(err, apperr.BadRequest, apperr.SurfaceSearch) {
		t.Fatalf("expected bad_request:search, got %v", err)
	}
	if _, err := c.Search(context.Background(), "q", 0); !apperr.Is(err, apperr.Offline, apperr.SurfaceSearch) {
		t.Fatalf("expected offline:search, got %v", err)
	}
}

func TestParseToolOutput(t *testing.T) {
	got := parseToolOutput(`{"query":"q","items":[{"title":"G","link":"https://g.example","snippet":"s"}]}`)
	if len(got) != 1 || got[0].URL != "https://g.example" || got[0].Content != "s" {
		t.Fatalf("unexpected google parse %+v", got)
	}
	got = parseToolOutput("plain text answer")
	if len(got) != 1 || got[0].Content != "plain text answer" {
		t.Fatalf("unexpected text parse %+v", got)
	}
}
