// Package search runs web searches against Exa, falling back to the
// Google and DuckDuckGo eino tools.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"polychat/internal/apperr"
	"polychat/internal/provider"

	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/tool"
)

const (
	defaultBaseURL    = "https://api.exa.ai"
	DefaultNumResults = 5
	maxNumResults     = 20
	maxContentChars   = 1000
)

type Result struct {
	Title         string `json:"title"`
	URL           string `json:"url"`
	Content       string `json:"content"`
	PublishedDate string `json:"publishedDate,omitempty"`
}

type Client struct {
	exaKey    string
	baseURL   string
	http      *http.Client
	fallbacks []tool.InvokableTool
}

func NewClient(exaKey string, httpClient *http.Client, fallbacks ...tool.InvokableTool) *Client {
	return &Client{exaKey: exaKey, baseURL: defaultBaseURL, http: httpClient, fallbacks: fallbacks}
}

func (c *Client) WithBaseURL(base string) *Client {
	c.baseURL = base
	return c
}

// DefaultFallbacks builds the Google tool when credentials exist and the
// keyless DuckDuckGo tool.
func DefaultFallbacks(ctx context.Context, googleKey, engineID string) []tool.InvokableTool {
	var tools []tool.InvokableTool
	if googleKey != "" && engineID != "" {
		g, err := googlesearch.NewTool(ctx, &googlesearch.Config{
			ToolName:       "web_search_google",
			ToolDesc:       "Google Search Tool",
			APIKey:         googleKey,
			SearchEngineID: engineID,
			Lang:           "en",
			Num:            DefaultNumResults,
		})
		if err != nil {
			log.Printf("search: google fallback disabled: %v", err)
		} else {
			tools = append(tools, g)
		}
	} else {
		log.Printf("search: google fallback disabled: missing GOOGLE_API_KEY or GOOGLE_SEARCH_ENGINE_ID")
	}
	d, err := duckduckgo.NewTextSearchTool(ctx, &duckduckgo.Config{
		ToolName:   "web_search_ddg",
		ToolDesc:   "DuckDuckGo Search Tool (no token required)",
		MaxResults: DefaultNumResults,
		Region:     duckduckgo.RegionWT,
		Timeout:    10 * time.Second,
	})
	if err != nil {
		log.Printf("search: duckduckgo fallback disabled: %v", err)
	} else {
		tools = append(tools, d)
	}
	return tools
}

type exaRequest struct {
	Query      string `json:"query"`
	NumResults int    `json:"numResults"`
	Contents   struct {
		Text struct {
			MaxCharacters int `json:"maxCharacters"`
		} `json:"text"`
	} `json:"contents"`
}

type exaResponse struct {
	Results []struct {
		Title         string `json:"title"`
		URL           string `json:"url"`
		Text          string `json:"text"`
		PublishedDate string `json:"publishedDate"`
	} `json:"results"`
}

// Search returns up to numResults results for query.
func (c *Client) Search(ctx context.Context, query string, numResults int) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperr.New(apperr.BadRequest, apperr.SurfaceSearch, "query must not be empty")
	}
	if numResults <= 0 {
		numResults = DefaultNumResults
	}
	if numResults > maxNumResults {
		numResults = maxNumResults
	}

	var lastErr error
	if c.exaKey != "" {
		results, err := c.exa(ctx, query, numResults)
		if err == nil {
			return results, nil
		}
		if provider.StatusCode(err) == http.StatusBadRequest {
			return nil, apperr.Wrap(apperr.BadRequest, apperr.SurfaceSearch, err)
		}
		log.Printf("search: exa failed: %v", err)
		lastErr = err
	}

	payload, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return nil, fmt.Errorf("marshal search params: %w", err)
	}
	for _, fb := range c.fallbacks {
		out, err := fb.InvokableRun(ctx, string(payload))
		if err != nil {
			log.Printf("search: fallback failed: %v", err)
			lastErr = err
			continue
		}
		results := parseToolOutput(out)
		if len(results) > numResults {
			results = results[:numResults]
		}
		return results, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no search provider configured")
	}
	return nil, apperr.Wrap(apperr.Offline, apperr.SurfaceSearch, lastErr)
}

func (c *Client) exa(ctx context.Context, query string, numResults int) ([]Result, error) {
	var reqBody exaRequest
	reqBody.Query = query
	reqBody.NumResults = numResults
	reqBody.Contents.Text.MaxCharacters = maxContentChars
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	var resp exaResponse
	err = provider.FetchJSON(ctx, c.http, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", c.exaKey)
		return req, nil
	}, &resp)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(resp.Results))
	for _, r := range resp.Results {
		results = append(results, Result{
			Title:         r.Title,
			URL:           r.URL,
			Content:       r.Text,
			PublishedDate: r.PublishedDate,
		})
	}
	return results, nil
}

// toolItem covers the result shapes of the Google and DuckDuckGo tools.
type toolItem struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	Desc    string `json:"desc"`
	Summary string `json:"summary"`
}

type toolOutput struct {
	Items   []toolItem `json:"items"`
	Results []toolItem `json:"results"`
}

func parseToolOutput(out string) []Result {
	var parsed toolOutput
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		var items []toolItem
		if err := json.Unmarshal([]byte(out), &items); err != nil {
			text := strings.TrimSpace(out)
			if text == "" {
				return []Result{}
			}
			return []Result{{Content: text}}
		}
		parsed.Items = items
	}
	results := []Result{}
	for _, it := range append(parsed.Items, parsed.Results...) {
		results = append(results, Result{
			Title:   it.Title,
			URL:     firstNonEmpty(it.Link, it.URL),
			Content: firstNonEmpty(it.Snippet, it.Summary, it.Desc),
		})
	}
	return results
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
