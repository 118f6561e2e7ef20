package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

const testPage = `<!DOCTYPE html>
<html>
<head>
  <title>Example Page</title>
  <meta name="description" content="A page for tests">
  <style>body { color: red; }</style>
</head>
<body>
  <nav>Home | About</nav>
  <h1>Welcome</h1>
  <p>First paragraph with   extra   spaces.</p>
  <script>var hidden = 1;</script>
  <div>Second block</div>
  <footer>Copyright</footer>
</body>
</html>`

// charTokenizer treats every byte as a token.
type charTokenizer struct{}

func (charTokenizer) Count(text string) int { return len(text) }

func (charTokenizer) Truncate(text string, budget int) string {
	if len(text) <= budget {
		return text
	}
	return text[:budget]
}

func newTestCrawler(maxTokens int) *CrawlerTool {
	tool := NewCrawlerTool(charTokenizer{}, maxTokens, zerolog.Nop())
	tool.allowPrivate = true
	return tool
}

func invokeURL(t *testing.T, tool *CrawlerTool, target string) (string, error) {
	t.Helper()
	args, _ := json.Marshal(map[string]string{"url": target})
	return tool.Invoke(context.Background(), args)
}

func TestCrawlerToolExtractsPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(testPage))
	}))
	defer server.Close()

	out, err := invokeURL(t, newTestCrawler(0), server.URL)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}

	want := "title: Example Page\ndescription: A page for tests\nWelcome\nFirst paragraph with extra spaces.\nSecond block"
	if out != want {
		t.Errorf("Invoke() =\n%q\nwant\n%q", out, want)
	}
	for _, hidden := range []string{"hidden", "Home", "Copyright", "color"} {
		if strings.Contains(out, hidden) {
			t.Errorf("output contains skipped text %q", hidden)
		}
	}
}

func TestCrawlerToolTruncatesToBudget(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(testPage))
	}))
	defer server.Close()

	out, err := invokeURL(t, newTestCrawler(20), server.URL)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if len(out) != 20 {
		t.Errorf("len(output) = %d, want 20", len(out))
	}
}

func TestCrawlerToolRequestBudgetOverrides(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(testPage))
	}))
	defer server.Close()

	tool := newTestCrawler(20)
	args, _ := json.Marshal(map[string]string{"url": server.URL})

	tests := []struct {
		name    string
		budget  *Budget
		wantLen int
	}{
		{name: "build-time budget", wantLen: 20},
		{name: "request budget", budget: &Budget{MaxTokens: 8}, wantLen: 8},
		{name: "request tokenizer", budget: &Budget{MaxTokens: 12, Tokenizer: halfTokenizer{}}, wantLen: 24},
		{name: "zero falls back", budget: &Budget{}, wantLen: 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.budget != nil {
				ctx = WithBudget(ctx, *tt.budget)
			}
			out, err := tool.Invoke(ctx, args)
			if err != nil {
				t.Fatalf("Invoke() error = %v", err)
			}
			if len(out) != tt.wantLen {
				t.Errorf("len(output) = %d, want %d", len(out), tt.wantLen)
			}
		})
	}
}

// halfTokenizer counts two bytes per token.
type halfTokenizer struct{}

func (halfTokenizer) Count(text string) int { return (len(text) + 1) / 2 }

func (halfTokenizer) Truncate(text string, budget int) string {
	if len(text) <= budget*2 {
		return text
	}
	return text[:budget*2]
}

func TestValidateURLForSSRFHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := validateURLForSSRF(ctx, "http://example.invalid/"); err == nil {
		t.Error("expected lookup under a cancelled context to fail")
	}
	if err := validateURLForSSRF(ctx, "http://93.184.216.34/"); err != nil {
		t.Errorf("literal public IP should not need a lookup: %v", err)
	}
}

func TestCrawlerToolRejectsUnsupportedContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.4"))
	}))
	defer server.Close()

	tool := newTestCrawler(0)
	tests := []struct {
		name   string
		target string
	}{
		{name: "pdf suffix", target: server.URL + "/paper.PDF"},
		{name: "pdf content type", target: server.URL + "/download"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := invokeURL(t, tool, tt.target)
			if !errors.Is(err, ErrUnsupportedContent) {
				t.Errorf("Invoke() error = %v, want ErrUnsupportedContent", err)
			}
		})
	}
}

func TestCrawlerToolHTTPError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	if _, err := invokeURL(t, newTestCrawler(0), server.URL); err == nil {
		t.Error("expected error for 404 response")
	}
}

func TestCrawlerToolBlocksPrivateTargets(t *testing.T) {
	tool := NewCrawlerTool(nil, 0, zerolog.Nop())
	for _, target := range []string{
		"http://localhost:8080/",
		"http://127.0.0.1/admin",
		"http://10.0.0.5/",
		"http://169.254.169.254/latest/meta-data",
		"http://[::1]/",
		"ftp://example.com/file",
	} {
		t.Run(target, func(t *testing.T) {
			if _, err := invokeURL(t, tool, target); err == nil {
				t.Errorf("expected %s to be blocked", target)
			}
		})
	}
}

func TestIsPrivateOrReservedIP(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"127.0.0.1", true},
		{"10.1.2.3", true},
		{"172.16.0.1", true},
		{"192.168.1.1", true},
		{"169.254.169.254", true},
		{"0.0.0.0", true},
		{"fe80::1", true},
		{"8.8.8.8", false},
		{"2606:4700:4700::1111", false},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			if got := isPrivateOrReservedIP(net.ParseIP(tt.ip)); got != tt.want {
				t.Errorf("isPrivateOrReservedIP(%s) = %v, want %v", tt.ip, got, tt.want)
			}
		})
	}
}
