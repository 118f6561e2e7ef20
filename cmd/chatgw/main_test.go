package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aschepis/backscratcher/chatgw/client"
	"github.com/rs/zerolog"
)

func TestSessionKeepsHistory(t *testing.T) {
	var seen [][]client.Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req client.ChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		seen = append(seen, req.Messages)
		fmt.Fprintf(w, "data: %s\n\n", `{"id":"c1","choices":[{"index":0,"delta":{"content":"pong"}}]}`)
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	gw, err := client.Connect(srv.URL)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	var out bytes.Buffer
	s := &session{gw: gw, system: "be brief", stream: true, out: &out, logger: zerolog.Nop()}

	if err := s.repl(context.Background(), strings.NewReader("ping\n\nagain\n/quit\n")); err != nil {
		t.Fatalf("repl() error = %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("requests = %d, want 2", len(seen))
	}
	second := seen[1]
	if len(second) != 4 || second[0].Role != "system" || second[2].Content != "pong" || second[3].Content != "again" {
		t.Errorf("second request messages = %+v", second)
	}
	if !strings.Contains(out.String(), "pong") {
		t.Errorf("output = %q", out.String())
	}
}

func TestSessionReset(t *testing.T) {
	s := &session{history: []client.Message{{Role: "user", Content: "x"}}, out: &bytes.Buffer{}, logger: zerolog.Nop()}
	if err := s.repl(context.Background(), strings.NewReader("/reset\n")); err != nil {
		t.Fatalf("repl() error = %v", err)
	}
	if len(s.history) != 0 {
		t.Errorf("history = %v, want empty", s.history)
	}
}
