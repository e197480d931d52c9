// Peerchat — CLI entry point.
//
// A peer-to-peer text chat over a WebRTC DataChannel. A relay server is
// only used for signaling: it assigns an identity and forwards SDP/ICE
// until the DataChannel opens, after which messages travel directly
// between peers.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/peerchat/peerchat/internal/config"
	"github.com/peerchat/peerchat/internal/conn"
	"github.com/peerchat/peerchat/internal/signaling"
	"github.com/peerchat/peerchat/internal/transport"
	"github.com/peerchat/peerchat/internal/util"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := config.LoadClient()
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	relayFlag := flag.String("relay", cfg.RelayURL, "Relay WebSocket URL, e.g. ws://127.0.0.1:9595/ws")
	timeoutFlag := flag.Duration("timeout", cfg.ConnectTimeout, "Connect attempt timeout")
	debugFlag := flag.Bool("debug", cfg.Debug, "Enable debug logging")
	flag.Parse()

	if *debugFlag {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Peerchat — v%s", version))
	pterm.Println()

	client := signaling.NewClient(ctx, *relayFlag)
	defer client.Close()

	manager := conn.NewManager(ctx, &relayRegistrar{client}, conn.Config{
		ConnectTimeout: *timeoutFlag,
	})

	settled := make(chan conn.State, 1)
	go renderEvents(manager, settled)
	util.StartStatsReporter(ctx)

	manager.Register()

	printHelp()
	runInput(ctx, manager, settled)

	util.LogInfo("goodbye")
}

// ---------------------------------------------------------------------------
// Registrar adapter
// ---------------------------------------------------------------------------

// relayRegistrar adapts the signaling client to the lifecycle manager's
// registrar contract.
type relayRegistrar struct {
	c *signaling.Client
}

func (r *relayRegistrar) Register(ctx context.Context) (string, error) {
	return r.c.Register(ctx)
}

func (r *relayRegistrar) Dial(ctx context.Context, target string) (conn.Session, error) {
	s, err := r.c.Dial(ctx, target)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *relayRegistrar) OnInbound(fn func(remote string, s conn.Session)) {
	r.c.OnInbound(func(remote string, s *transport.Session) {
		fn(remote, s)
	})
}

// ---------------------------------------------------------------------------
// Event rendering
// ---------------------------------------------------------------------------

// renderEvents drains the manager's event stream and paints it. This is
// the only goroutine that writes chat output, so lines never interleave.
// Each time it has painted a transition into a connectable state it
// signals settled, which the quit path waits on.
func renderEvents(m *conn.Manager, settled chan<- conn.State) {
	for ev := range m.Events() {
		switch e := ev.(type) {
		case conn.IdentityAssigned:
			pterm.Success.Println(fmt.Sprintf("your id: %s", e.Identity))
			pterm.Println("share it with a peer, then /connect <their-id>")

		case conn.StateChanged:
			renderTransition(m, e)
			if conn.DeriveUIState(e.Next).ConnectEnabled {
				select {
				case settled <- e.Next:
				default:
				}
			}

		case conn.MessageSent:
			pterm.FgGray.Println(fmt.Sprintf("[%s] you: %s",
				e.Message.CreatedAt.Format("15:04:05"), e.Message.Content))

		case conn.MessageReceived:
			pterm.FgCyan.Println(fmt.Sprintf("[%s] %s: %s",
				e.Message.CreatedAt.Format("15:04:05"), m.Peer(), e.Message.Content))

		case conn.FrameDropped:
			util.LogWarning("dropped a malformed message: %v", e.Reason)

		case conn.SendFailed:
			util.LogError("message not delivered: %v", e.Reason)

		default:
			util.LogDebug("unhandled event %T", ev)
		}
	}
}

func renderTransition(m *conn.Manager, e conn.StateChanged) {
	switch e.Next {
	case conn.StateConnecting:
		util.LogInfo("connecting to %s ...", m.Peer())
	case conn.StateOpen:
		pterm.Success.Println(fmt.Sprintf("connected to %s — type to chat", m.Peer()))
	case conn.StateClosed:
		if e.Reason != nil {
			util.LogWarning("connection closed: %v", e.Reason)
		} else {
			util.LogInfo("peer disconnected")
		}
	case conn.StateFailed:
		util.LogError("%v", e.Reason)
	case conn.StateIdle:
		if e.Prev == conn.StateClosing {
			util.LogInfo("disconnected")
		}
	}

	if ui := conn.DeriveUIState(e.Next); ui.ConnectEnabled && e.Prev != conn.StateRegistering {
		pterm.Println("ready — /connect <peer-id> to start a chat")
	}
}

// ---------------------------------------------------------------------------
// Input loop
// ---------------------------------------------------------------------------

// runInput reads stdin line by line until EOF, /quit, or ctx cancellation.
// Lines starting with "/" are commands; everything else is a chat message.
func runInput(ctx context.Context, m *conn.Manager, settled <-chan conn.State) {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			shutdown(ctx, m, settled)
			return

		case line, ok := <-lines:
			if !ok || handleLine(m, line) {
				shutdown(ctx, m, settled)
				return
			}
		}
	}
}

// shutdown disconnects and, if a teardown is actually in flight, waits
// until the renderer has painted the resulting transition so the final
// state is visible before the process exits.
func shutdown(ctx context.Context, m *conn.Manager, settled <-chan conn.State) {
	// Drop signals from transitions rendered before the quit.
	drained := false
	for !drained {
		select {
		case <-settled:
		default:
			drained = true
		}
	}

	switch m.State() {
	case conn.StateConnecting, conn.StateOpen, conn.StateClosing:
		m.Disconnect()
		select {
		case <-settled:
		case <-ctx.Done():
			// Interrupted: event delivery stops with the context, so
			// there is nothing left to wait for.
		case <-time.After(2 * time.Second):
		}
	default:
		m.Disconnect()
	}
}

// handleLine dispatches one input line. Returns true on /quit.
func handleLine(m *conn.Manager, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	if !strings.HasPrefix(line, "/") {
		if err := m.SendMessage(line); err != nil {
			util.LogWarning("%v", err)
		}
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "/connect":
		if err := m.Connect(arg); err != nil {
			util.LogWarning("%v", err)
		}
	case "/disconnect":
		m.Disconnect()
	case "/id":
		if id := m.Identity(); id != "" {
			pterm.Println(fmt.Sprintf("your id: %s", id))
		} else {
			util.LogWarning("no identity assigned yet")
		}
	case "/help":
		printHelp()
	case "/quit", "/exit":
		return true
	default:
		util.LogWarning("unknown command %s (try /help)", cmd)
	}
	return false
}

func printHelp() {
	pterm.Println("commands:")
	pterm.Println("  /connect <peer-id>  start a chat with a peer")
	pterm.Println("  /disconnect         leave the current chat")
	pterm.Println("  /id                 show your identity")
	pterm.Println("  /quit               exit")
	pterm.Println("anything else is sent as a message once connected")
}
