package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aschepis/backscratcher/chatgw/client"
	chatgwlogger "github.com/aschepis/backscratcher/chatgw/logger"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Parse command-line flags
	var (
		addr       = flag.String("addr", client.DefaultAddress, "Gateway address")
		user       = flag.String("user", os.Getenv("USER"), "User id sent for rate limiting")
		model      = flag.String("model", "", "Model to request. Empty uses the gateway default")
		system     = flag.String("system", "", "System prompt override")
		noStream   = flag.Bool("no-stream", false, "Wait for the full answer instead of streaming")
		adminToken = flag.String("admin-token", os.Getenv("CHATGW_ADMIN_TOKEN"), "Bearer token for admin commands")
		logFile    = flag.String("logfile", "", "Path to log file. If not set, logging is disabled")
		pretty     = flag.Bool("pretty", false, "Use pretty console output on stderr (only valid when logfile is not set)")
	)
	flag.Parse()

	// Validate that --logfile and --pretty are mutually exclusive
	if *logFile != "" && *pretty {
		return fmt.Errorf("--logfile and --pretty are mutually exclusive")
	}

	logger := zerolog.Nop()
	if *logFile != "" || *pretty {
		l, logCloser, err := chatgwlogger.Setup(chatgwlogger.Options{File: *logFile, Pretty: *pretty})
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		defer logCloser.Close() //nolint:errcheck // No remedy for log close errors
		logger = l
	}

	// Get chat timeout: env var takes precedence, then default (120)
	chatTimeout := 120 * time.Second
	if envTimeout := os.Getenv("CHATGW_CHAT_TIMEOUT"); envTimeout != "" {
		if parsed, err := strconv.Atoi(envTimeout); err == nil && parsed > 0 {
			chatTimeout = time.Duration(parsed) * time.Second
		}
	}

	gw, err := client.Connect(*addr, client.WithUserID(*user), client.WithAdminToken(*adminToken))
	if err != nil {
		return err
	}
	logger.Info().Str("address", *addr).Dur("timeout", chatTimeout).Msg("Gateway client ready")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s := &session{
		gw:      gw,
		model:   *model,
		system:  *system,
		stream:  !*noStream,
		timeout: chatTimeout,
		out:     os.Stdout,
		logger:  logger,
	}
	return s.repl(ctx, os.Stdin)
}

// session keeps the conversation sent with each request.
type session struct {
	gw      *client.Client
	model   string
	system  string
	stream  bool
	timeout time.Duration
	history []client.Message
	out     io.Writer
	logger  zerolog.Logger
}

func (s *session) repl(ctx context.Context, in io.Reader) error {
	fmt.Fprintln(s.out, "Type a message, or /models, /system, /reset, /quit.")
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(s.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(s.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/reset":
			s.history = nil
			fmt.Fprintln(s.out, "History cleared.")
			continue
		case "/models":
			s.printModels(ctx)
			continue
		case "/system":
			s.printSystem(ctx)
			continue
		}

		if err := s.send(ctx, line); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
	}
}

func (s *session) send(ctx context.Context, text string) error {
	ctx, cancel := client.Timeout(ctx, s.timeout)
	defer cancel()

	var messages []client.Message
	if s.system != "" {
		messages = append(messages, client.Message{Role: "system", Content: s.system})
	}
	messages = append(messages, s.history...)
	messages = append(messages, client.Message{Role: "user", Content: text})
	req := client.ChatRequest{Model: s.model, Messages: messages}

	var (
		res *client.ChatResult
		err error
	)
	if s.stream {
		res, err = s.gw.ChatStream(ctx, req, func(delta string) error {
			_, werr := io.WriteString(s.out, delta)
			return werr
		})
		fmt.Fprintln(s.out)
	} else {
		res, err = s.gw.Chat(ctx, req)
		if err == nil {
			fmt.Fprintln(s.out, res.Content)
		}
	}
	if err != nil {
		return err
	}
	s.logger.Debug().Str("id", res.ID).Int("chars", len(res.Content)).Msg("Reply received")

	s.history = append(s.history,
		client.Message{Role: "user", Content: text},
		client.Message{Role: "assistant", Content: res.Content},
	)
	return nil
}

func (s *session) printModels(ctx context.Context) {
	ids, err := s.gw.Models(ctx)
	if err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err)
		return
	}
	for _, id := range ids {
		fmt.Fprintln(s.out, id)
	}
}

func (s *session) printSystem(ctx context.Context) {
	info, err := s.gw.System(ctx)
	if err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err)
		return
	}
	fmt.Fprintln(s.out, string(info))
}
