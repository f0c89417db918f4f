package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// BraveSearchURL is the Brave web search endpoint.
const BraveSearchURL = "https://api.search.brave.com/res/v1/web/search"

// DefaultFetchMaxChars caps web_fetch output when not configured.
const DefaultFetchMaxChars = 50000

const fetchUserAgent = "Mozilla/5.0 (compatible; opsclaw/1.0)"

// maxFetchBody bounds how much of a response body is read at all.
const maxFetchBody = 5 << 20

// WebSearchTool searches the web through the Brave Search API.
type WebSearchTool struct {
	apiKey     string
	maxResults int
	endpoint   string
	client     *http.Client
}

// NewWebSearchTool creates a web_search tool. An empty apiKey falls back
// to BRAVE_API_KEY.
func NewWebSearchTool(apiKey string, maxResults int, client *http.Client) *WebSearchTool {
	if apiKey == "" {
		apiKey = os.Getenv("BRAVE_API_KEY")
	}
	if maxResults <= 0 {
		maxResults = 5
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &WebSearchTool{
		apiKey:     apiKey,
		maxResults: clamp(maxResults, 1, 10),
		endpoint:   BraveSearchURL,
		client:     client,
	}
}

// WithEndpoint overrides the search endpoint.
func (t *WebSearchTool) WithEndpoint(endpoint string) *WebSearchTool {
	t.endpoint = endpoint
	return t
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Search the web. Returns titles, URLs and snippets."
}

func (t *WebSearchTool) Parameters() map[string]any {
	return schema(map[string]any{
		"query": prop("string", "Search query"),
		"count": map[string]any{
			"type":        "integer",
			"description": "Number of results (1-10)",
			"minimum":     1,
			"maximum":     10,
		},
	}, "query")
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	query, err := StringArg(args, "query")
	if err != nil {
		return "", err
	}
	count, err := IntArg(args, "count", t.maxResults)
	if err != nil {
		return "", err
	}
	count = clamp(count, 1, 10)

	if t.apiKey == "" {
		return "Error: BRAVE_API_KEY not configured", nil
	}

	q := url.Values{}
	q.Set("q", query)
	q.Set("count", fmt.Sprint(count))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("brave search failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Sprintf("Error: Search API returned %d", resp.StatusCode), nil
	}

	var result struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&result); err != nil {
		return "", fmt.Errorf("parsing brave results: %w", err)
	}
	if len(result.Web.Results) == 0 {
		return "No results for: " + query, nil
	}

	lines := []string{"Results for: " + query}
	for i, r := range result.Web.Results {
		if i >= count {
			break
		}
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, r.Title), "   "+r.URL)
		if r.Description != "" {
			lines = append(lines, "   "+r.Description)
		}
	}
	return strings.Join(lines, "\n"), nil
}

// WebFetchTool downloads a URL and reduces HTML to readable text.
type WebFetchTool struct {
	maxChars int
	client   *http.Client
}

// NewWebFetchTool creates a web_fetch tool.
func NewWebFetchTool(maxChars int, client *http.Client) *WebFetchTool {
	if maxChars <= 0 {
		maxChars = DefaultFetchMaxChars
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &WebFetchTool{maxChars: maxChars, client: client}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch a URL and extract its readable content."
}

func (t *WebFetchTool) Parameters() map[string]any {
	return schema(map[string]any{
		"url": prop("string", "URL to fetch"),
		"extractMode": map[string]any{
			"type":    "string",
			"enum":    []string{"markdown", "text"},
			"default": "markdown",
		},
		"maxChars": map[string]any{"type": "integer", "minimum": 100},
	}, "url")
}

type fetchResult struct {
	URL       string `json:"url"`
	FinalURL  string `json:"finalUrl"`
	Status    int    `json:"status"`
	Extractor string `json:"extractor"`
	Truncated bool   `json:"truncated"`
	Length    int    `json:"length"`
	Text      string `json:"text"`
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	rawURL, err := StringArg(args, "url")
	if err != nil {
		return "", err
	}
	mode, err := OptionalStringArg(args, "extractMode")
	if err != nil {
		return "", err
	}
	maxChars, err := IntArg(args, "maxChars", t.maxChars)
	if err != nil {
		return "", err
	}
	if maxChars < 100 {
		maxChars = 100
	}

	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "Error: unsupported URL scheme", nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return "Error: request timed out", nil
		}
		return "", fmt.Errorf("fetching %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", rawURL, err)
	}

	contentType := resp.Header.Get("Content-Type")
	var text, extractor string
	switch {
	case strings.Contains(contentType, "application/json"):
		text, extractor = string(body), "json"
	case strings.Contains(contentType, "html") || looksLikeHTML(body):
		text, extractor = htmlToText(string(body)), "text"
		if mode != "text" {
			extractor = "markdown"
		}
	default:
		text, extractor = string(body), "raw"
	}

	truncated := false
	if utf8.RuneCountInString(text) > maxChars {
		text = string([]rune(text)[:maxChars])
		truncated = true
	}

	out, err := json.Marshal(fetchResult{
		URL:       rawURL,
		FinalURL:  resp.Request.URL.String(),
		Status:    resp.StatusCode,
		Extractor: extractor,
		Truncated: truncated,
		Length:    utf8.RuneCountInString(text),
		Text:      text,
	})
	if err != nil {
		return "", fmt.Errorf("encoding result: %w", err)
	}
	return string(out), nil
}

func looksLikeHTML(body []byte) bool {
	head := strings.ToLower(strings.TrimSpace(string(body[:min(len(body), 512)])))
	return strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html")
}

var skipElements = map[string]bool{
	"script": true, "style": true, "noscript": true,
	"nav": true, "header": true, "footer": true, "svg": true,
}

var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true, "section": true,
	"article": true, "h1": true, "h2": true, "h3": true, "h4": true, "h5": true,
	"h6": true, "pre": true, "blockquote": true, "table": true, "ul": true, "ol": true,
}

// htmlToText walks the token stream, dropping non-content elements and
// collapsing whitespace. Block elements become line breaks; headings and
// list items keep a markdown marker.
func htmlToText(doc string) string {
	z := html.NewTokenizer(strings.NewReader(doc))
	var b strings.Builder
	skip := 0

	newline := func() {
		s := b.String()
		if s != "" && !strings.HasSuffix(s, "\n") {
			b.WriteString("\n")
		}
	}

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return tidyLines(b.String())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skipElements[tag] {
				if tt == html.StartTagToken {
					skip++
				}
				continue
			}
			if blockElements[tag] {
				newline()
			}
			if skip > 0 {
				continue
			}
			switch tag {
			case "h1", "h2", "h3", "h4", "h5", "h6":
				b.WriteString(strings.Repeat("#", int(tag[1]-'0')) + " ")
			case "li":
				b.WriteString("- ")
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skipElements[tag] {
				if skip > 0 {
					skip--
				}
				continue
			}
			if blockElements[tag] {
				newline()
			}
		case html.TextToken:
			if skip > 0 {
				continue
			}
			text := strings.Join(strings.Fields(string(z.Text())), " ")
			if text == "" {
				continue
			}
			s := b.String()
			if s != "" && !strings.HasSuffix(s, "\n") && !strings.HasSuffix(s, " ") {
				b.WriteString(" ")
			}
			b.WriteString(text)
		}
	}
}

func tidyLines(s string) string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
