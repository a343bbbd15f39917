// Package main is the live tutoring demo CLI.
//
// It connects a voice session to the realtime API through a credential
// broker, streams the microphone up and assistant audio back, and prints
// transcripts, cost updates, and session-clock events as they happen.
//
// Usage:
//
//	go run ./cmd/parlo-live --token-endpoint https://broker.example.com/realtime-token
//
// Environment variables (a .env file is loaded when present):
//
//	PARLO_TOKEN_ENDPOINT - Broker URL issuing ephemeral credentials
//	PARLO_MODEL          - Realtime model override
//	PARLO_VOICE          - Assistant voice override
//	PARLO_METRICS_ADDR   - Serve Prometheus metrics on this address
//
// Controls (single keys; stdin falls back to line commands when not a
// terminal):
//
//	m - mute/unmute the microphone
//	t - type a message to the tutor
//	i - replace the tutoring instructions
//	c - print the cost ledger
//	r - reset the cost ledger
//	s - print the conversation summary
//	y - extend, when the session clock asks
//	q - quit
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/term"

	"github.com/parlo-app/parlo-go/pkg/core/cost"
	"github.com/parlo-app/parlo-go/pkg/realtime"
)

const defaultInstructions = "You are a friendly Spanish tutor. Keep replies short and conversational, " +
	"gently correct mistakes, and stay in Spanish unless the learner asks for English."

type options struct {
	tokenEndpoint  string
	realtimeURL    string
	model          string
	voice          string
	instructions   string
	transport      string
	sessionMinutes int
	warningMinutes int
	maxSessions    int
	metricsAddr    string
	strictConfig   bool
	debug          bool
}

func main() {
	os.Exit(runMain())
}

func runMain() int {
	_ = godotenv.Load()

	var opt options
	flag.StringVar(&opt.tokenEndpoint, "token-endpoint", strings.TrimSpace(os.Getenv("PARLO_TOKEN_ENDPOINT")), "Broker URL issuing ephemeral realtime credentials (also reads PARLO_TOKEN_ENDPOINT); required")
	flag.StringVar(&opt.realtimeURL, "realtime-url", "", "Realtime API base URL (default: the public endpoint)")
	flag.StringVar(&opt.model, "model", strings.TrimSpace(os.Getenv("PARLO_MODEL")), "Realtime model (default: gpt-realtime)")
	flag.StringVar(&opt.voice, "voice", strings.TrimSpace(os.Getenv("PARLO_VOICE")), "Assistant voice (default: alloy)")
	flag.StringVar(&opt.instructions, "instructions", "", "Initial tutoring instructions (default: built-in Spanish tutor prompt)")
	flag.StringVar(&opt.transport, "transport", "webrtc", "Control transport: webrtc or websocket (default: webrtc)")
	flag.IntVar(&opt.sessionMinutes, "session-minutes", 10, "Length of one session cycle in minutes (default: 10)")
	flag.IntVar(&opt.warningMinutes, "warning-minutes", 2, "Minutes before the limit to warn at (default: 2)")
	flag.IntVar(&opt.maxSessions, "max-sessions", 3, "Highest session index reachable by extension (default: 3)")
	flag.StringVar(&opt.metricsAddr, "metrics-addr", strings.TrimSpace(os.Getenv("PARLO_METRICS_ADDR")), "Serve Prometheus metrics on this address (e.g. :9105); empty disables")
	flag.BoolVar(&opt.strictConfig, "strict-config", false, "Treat configuration retry exhaustion as fatal")
	flag.BoolVar(&opt.debug, "debug", false, "Enable debug logging and verbose event printing")
	flag.Parse()

	if strings.TrimSpace(opt.tokenEndpoint) == "" {
		fmt.Fprintln(os.Stderr, "--token-endpoint is required (or set PARLO_TOKEN_ENDPOINT)")
		return 2
	}
	opt.transport = strings.ToLower(strings.TrimSpace(opt.transport))
	if opt.transport != string(realtime.TransportWebRTC) && opt.transport != string(realtime.TransportWebSocket) {
		fmt.Fprintln(os.Stderr, "--transport must be webrtc or websocket")
		return 2
	}
	if opt.sessionMinutes <= 0 {
		fmt.Fprintln(os.Stderr, "--session-minutes must be > 0")
		return 2
	}
	if opt.warningMinutes < 0 || opt.warningMinutes >= opt.sessionMinutes {
		fmt.Fprintln(os.Stderr, "--warning-minutes must be >= 0 and less than --session-minutes")
		return 2
	}
	if opt.maxSessions <= 0 {
		fmt.Fprintln(os.Stderr, "--max-sessions must be > 0")
		return 2
	}
	instructions := strings.TrimSpace(opt.instructions)
	if instructions == "" {
		instructions = defaultInstructions
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metrics *realtime.Metrics
	if opt.metricsAddr != "" {
		metrics = realtime.NewMetrics("parlo")
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: opt.metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fmt.Fprintln(os.Stderr, "metrics server:", err)
			}
		}()
		defer srv.Close()
	}

	printBanner()

	prompt := &extendPrompt{}
	cfg := realtime.SessionConfig{
		TokenEndpoint: strings.TrimSpace(opt.tokenEndpoint),
		RealtimeURL:   strings.TrimSpace(opt.realtimeURL),
		Model:         strings.TrimSpace(opt.model),
		Voice:         strings.TrimSpace(opt.voice),
		Instructions:  instructions,
		Transport:     realtime.Transport(opt.transport),
		Timing: realtime.Timing{
			DurationLimit: time.Duration(opt.sessionMinutes) * time.Minute,
			WarningOffset: time.Duration(opt.warningMinutes) * time.Minute,
			MaxSessions:   opt.maxSessions,
		},
		StrictConfig: opt.strictConfig,
		Debug:        opt.debug,
	}

	registry := realtime.NewRegistry(nil)
	session, err := registry.Acquire(cfg, realtime.Dependencies{
		Metrics: metrics,
		Hooks: realtime.Hooks{
			OnSessionComplete: func(ctx context.Context, info realtime.SessionInfo, totalCost float64) bool {
				ch := prompt.install()
				defer prompt.clear()
				fmt.Printf("\r\n[time] session %d of %d ended, total cost $%.4f - press y to extend\r\n", info.Index, info.MaxSessions, totalCost)
				select {
				case yes := <-ch:
					return yes
				case <-ctx.Done():
					return false
				case <-time.After(20 * time.Second):
					fmt.Print("[time] no answer, wrapping up this cycle\r\n")
					return false
				}
			},
		},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "create session:", err)
		return 2
	}
	defer registry.Shutdown()

	if err := session.Connect(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		return 1
	}

	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		renderEvents(session, opt.debug)
	}()

	keysDone := make(chan struct{})
	go func() {
		defer close(keysDone)
		keyLoop(ctx, session, prompt)
	}()

	select {
	case <-ctx.Done():
		fmt.Print("\r\n[bye] interrupted\r\n")
	case <-keysDone:
	}

	registry.Shutdown()
	select {
	case <-rendered:
	case <-time.After(2 * time.Second):
	}
	return 0
}

func printBanner() {
	fmt.Println("╔════════════════════════════════════════════════════════════╗")
	fmt.Println("║                    Parlo Live Tutor                        ║")
	fmt.Println("╠════════════════════════════════════════════════════════════╣")
	fmt.Println("║  Speak naturally - the tutor listens and answers aloud.    ║")
	fmt.Println("║                                                            ║")
	fmt.Println("║  Keys:                                                     ║")
	fmt.Println("║    m mute/unmute    t type a message    i new instructions ║")
	fmt.Println("║    c show costs     r reset costs       s show summary     ║")
	fmt.Println("║    q quit                                                  ║")
	fmt.Println("╚════════════════════════════════════════════════════════════╝")
	fmt.Println()
}

// renderEvents prints the session's event stream until it closes. Raw
// mode needs explicit carriage returns, so every line ends with \r\n.
func renderEvents(s *realtime.Session, debug bool) {
	for event := range s.Events() {
		switch e := event.(type) {
		case realtime.UserTranscriptEvent:
			fmt.Printf("[you] %s\r\n", e.Text)
		case realtime.AssistantTurnEvent:
			fmt.Printf("[tutor] %s\r\n", e.Text)
		case realtime.SessionStartedEvent:
			fmt.Printf("[time] session %d of %d started\r\n", e.Index, e.MaxSessions)
		case realtime.TimeWarningEvent:
			fmt.Printf("[time] %d minutes left (cost so far $%.4f)\r\n", e.MinutesLeft, e.TotalCost)
		case realtime.SessionExtendedEvent:
			fmt.Printf("[time] extended into session %d\r\n", e.NextIndex)
		case realtime.SessionsExhaustedEvent:
			fmt.Printf("[time] all %d sessions used; starting fresh\r\n", e.Sessions)
		case realtime.MemoryCompactedEvent:
			if debug {
				fmt.Printf("[memory] compacted: %s\r\n", e.Summary)
			}
		case realtime.ConfigAppliedEvent:
			if debug {
				fmt.Print("[config] applied\r\n")
			}
		case realtime.ConfigFailedEvent:
			fmt.Fprintf(os.Stderr, "[warning] configuration not applied: %v\r\n", e.Err)
		case realtime.LinkRecoveredEvent:
			fmt.Printf("[link] recovered after %s\r\n", e.Outage.Round(time.Millisecond))
		case realtime.StateChangedEvent:
			if debug {
				fmt.Printf("[state] %s -> %s\r\n", e.From, e.To)
			}
		case realtime.CostUpdatedEvent:
			if debug {
				fmt.Printf("[cost] total $%.4f\r\n", e.Snapshot.TotalCost)
			}
		case realtime.ErrorEvent:
			fmt.Fprintf(os.Stderr, "[error] %v\r\n", e.Err)
		case realtime.DisconnectedEvent:
			fmt.Printf("[bye] %s\r\n", e.Reason)
		}
	}
}

func printCosts(snap cost.Snapshot) {
	fmt.Printf("[cost] audio in %.1fs ($%.4f), audio out %.1fs ($%.4f)\r\n",
		snap.AudioInputSeconds, snap.AudioInputCost, snap.AudioOutputSeconds, snap.AudioOutputCost)
	fmt.Printf("[cost] text %d in / %d out tokens ($%.4f / $%.4f), total $%.4f\r\n",
		snap.TextInputTokens, snap.TextOutputTokens, snap.TextInputCost, snap.TextOutputCost, snap.TotalCost)
}

func printHelp() {
	fmt.Print("[help] m mute, t message, i instructions, c costs, r reset, s summary, q quit\r\n")
}

// extendPrompt routes the next keypress to a pending session-extension
// question instead of the command switch.
type extendPrompt struct {
	mu sync.Mutex
	ch chan bool
}

func (p *extendPrompt) install() chan bool {
	ch := make(chan bool, 1)
	p.mu.Lock()
	p.ch = ch
	p.mu.Unlock()
	return ch
}

func (p *extendPrompt) clear() {
	p.mu.Lock()
	p.ch = nil
	p.mu.Unlock()
}

// answer feeds a pending prompt. Reports whether the key was consumed.
func (p *extendPrompt) answer(yes bool) bool {
	p.mu.Lock()
	ch := p.ch
	p.ch = nil
	p.mu.Unlock()
	if ch == nil {
		return false
	}
	ch <- yes
	return true
}

// keyLoop dispatches single-key commands in raw mode. When stdin is not
// a terminal it falls back to line commands of the same letters.
func keyLoop(ctx context.Context, s *realtime.Session, prompt *extendPrompt) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		lineLoop(ctx, s, prompt)
		return
	}
	cooked, err := term.MakeRaw(fd)
	if err != nil {
		lineLoop(ctx, s, prompt)
		return
	}
	defer term.Restore(fd, cooked)

	buf := make([]byte, 1)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := os.Stdin.Read(buf)
		if err != nil || n == 0 {
			return
		}
		b := buf[0]
		if prompt.answer(b == 'y' || b == 'Y') {
			continue
		}
		switch b {
		case 'q', 'Q', 0x03: // Ctrl-C arrives as a byte in raw mode
			return
		case 'm', 'M':
			muted := !s.Muted()
			s.SetMuted(muted)
			if muted {
				fmt.Print("[mic] muted\r\n")
			} else {
				fmt.Print("[mic] live\r\n")
			}
		case 'c', 'C':
			printCosts(s.CurrentCosts())
		case 'r', 'R':
			s.ResetCostTracking()
			fmt.Print("[cost] ledger reset\r\n")
		case 's', 'S':
			summary := s.Summary()
			if summary == "" {
				summary = "(nothing compacted yet)"
			}
			fmt.Printf("[memory] %d turns kept; %s\r\n", len(s.History()), summary)
		case 't', 'T':
			text, err := promptLine(fd, cooked, "message> ")
			if err != nil || text == "" {
				continue
			}
			if err := s.SendMessage(ctx, text); err != nil {
				fmt.Fprintf(os.Stderr, "[error] send message: %v\r\n", err)
			}
		case 'i', 'I':
			text, err := promptLine(fd, cooked, "instructions> ")
			if err != nil || text == "" {
				continue
			}
			if err := s.UpdateInstructions(ctx, text); err != nil {
				fmt.Fprintf(os.Stderr, "[error] update instructions: %v\r\n", err)
			} else {
				fmt.Print("[config] instructions updated\r\n")
			}
		case 'h', 'H', '?':
			printHelp()
		}
	}
}

// promptLine leaves raw mode long enough for ordinary line editing.
func promptLine(fd int, cooked *term.State, prompt string) (string, error) {
	_ = term.Restore(fd, cooked)
	defer func() { _, _ = term.MakeRaw(fd) }()

	fmt.Print(prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func lineLoop(ctx context.Context, s *realtime.Session, prompt *extendPrompt) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if prompt.answer(strings.EqualFold(line, "y")) {
			continue
		}
		cmd := strings.ToLower(line[:1])
		rest := strings.TrimSpace(line[1:])
		switch cmd {
		case "q":
			return
		case "m":
			muted := !s.Muted()
			s.SetMuted(muted)
			fmt.Printf("[mic] muted=%v\n", muted)
		case "c":
			printCosts(s.CurrentCosts())
		case "r":
			s.ResetCostTracking()
			fmt.Println("[cost] ledger reset")
		case "s":
			summary := s.Summary()
			if summary == "" {
				summary = "(nothing compacted yet)"
			}
			fmt.Printf("[memory] %d turns kept; %s\n", len(s.History()), summary)
		case "t":
			if rest == "" {
				continue
			}
			if err := s.SendMessage(ctx, rest); err != nil {
				fmt.Fprintf(os.Stderr, "[error] send message: %v\n", err)
			}
		case "i":
			if rest == "" {
				continue
			}
			if err := s.UpdateInstructions(ctx, rest); err != nil {
				fmt.Fprintf(os.Stderr, "[error] update instructions: %v\n", err)
			}
		default:
			printHelp()
		}
	}
}
