// Package interactive provides the interactive command-line interface
// for coap-client.
package interactive

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"

	"github.com/mash-protocol/coap-go/cmd/coap-client/client"
	"github.com/mash-protocol/coap-go/pkg/discovery"
	"github.com/mash-protocol/coap-go/pkg/message"
)

// observation is one background observe started from the shell.
type observation struct {
	target string
	cancel context.CancelFunc
	done   chan struct{}
}

// Shell handles interactive mode for coap-client.
type Shell struct {
	client *client.Client
	rl     *readline.Instance
	out    io.Writer

	mu           sync.Mutex
	nextID       int
	observations map[int]*observation
}

// New creates a new interactive shell.
func New(c *client.Client) (*Shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "coap> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	s := newShell(c, rl.Stdout())
	s.rl = rl
	return s, nil
}

func newShell(c *client.Client, out io.Writer) *Shell {
	return &Shell{client: c, out: out, observations: make(map[int]*observation)}
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("get"),
	readline.PcItem("post"),
	readline.PcItem("put"),
	readline.PcItem("delete"),
	readline.PcItem("observe"),
	readline.PcItem("cancel"),
	readline.PcItem("list"),
	readline.PcItem("ping"),
	readline.PcItem("discover"),
	readline.PcItem("accept", readline.PcItem("text"), readline.PcItem("json"), readline.PcItem("cbor"), readline.PcItem("none")),
	readline.PcItem("format", readline.PcItem("text"), readline.PcItem("json"), readline.PcItem("cbor"), readline.PcItem("octet")),
	readline.PcItem("type", readline.PcItem("con"), readline.PcItem("non")),
	readline.PcItem("help"),
	readline.PcItem("quit"),
)

// Stdout returns a writer that properly coordinates with the readline input.
// Use this for log output to avoid interfering with the command prompt.
func (s *Shell) Stdout() io.Writer {
	return s.rl.Stdout()
}

// Stderr returns a writer that properly coordinates with the readline input.
func (s *Shell) Stderr() io.Writer {
	return s.rl.Stderr()
}

// Run starts the interactive command loop.
func (s *Shell) Run(ctx context.Context, cancel context.CancelFunc) {
	defer s.rl.Close()
	defer s.cancelAll()

	s.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := s.rl.Readline()
		if err != nil {
			// EOF or interrupt
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(s.out, "Exiting...")
			cancel()
			return
		}
		if !s.Exec(ctx, line) {
			fmt.Fprintln(s.out, "Exiting...")
			cancel()
			return
		}
	}
}

// Exec runs one command line. It returns false when the shell should exit.
func (s *Shell) Exec(ctx context.Context, line string) bool {
	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) == 0 {
		return true
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		s.printHelp()
	case "get", "g":
		s.cmdRequest(ctx, message.GET, args)
	case "post":
		s.cmdRequest(ctx, message.POST, args)
	case "put":
		s.cmdRequest(ctx, message.PUT, args)
	case "delete", "del":
		s.cmdRequest(ctx, message.DELETE, args)
	case "observe", "obs":
		s.cmdObserve(ctx, args)
	case "cancel":
		s.cmdCancel(args)
	case "list", "ls":
		s.cmdList()
	case "ping":
		s.cmdPing(ctx, args)
	case "discover":
		s.cmdDiscover(ctx, args)
	case "accept":
		s.cmdAccept(args)
	case "format":
		s.cmdFormat(args)
	case "type":
		s.cmdType(args)
	case "quit", "exit", "q":
		return false
	default:
		fmt.Fprintf(s.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return true
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.out, `
CoAP Client Commands:
  Requests:
    get <uri>                - GET a resource
    post <uri> [payload]     - POST a payload (@file reads a file)
    put <uri> [payload]      - PUT a payload (@file reads a file)
    delete <uri>             - DELETE a resource
    ping <host[:port]>       - Send a CoAP ping

  Observation:
    observe <uri>            - Observe a resource in the background
    list                     - List active observations
    cancel <id>|all          - Stop an observation

  Settings:
    accept <fmt>|none        - Accept option for requests
    format <fmt>             - Content format of payloads
    type con|non             - Message type of requests

  Discovery:
    discover [seconds]       - Browse for CoAP endpoints over mDNS

  General:
    help               - Show this help
    quit               - Exit client

  URI Format:
    coap://host[:port]/path?query - the scheme and port may be omitted
  Formats:
    text, json, cbor, octet, link, a media type or a number`)
}

func (s *Shell) cmdRequest(ctx context.Context, code message.Code, args []string) {
	if len(args) < 1 {
		fmt.Fprintf(s.out, "Usage: %s <uri>", strings.ToLower(code.String()))
		if code == message.POST || code == message.PUT {
			fmt.Fprint(s.out, " [payload]")
		}
		fmt.Fprintln(s.out)
		return
	}
	payload, err := client.ReadPayload(strings.Join(args[1:], " "))
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}

	start := time.Now()
	resp, err := s.client.Request(ctx, code, args[0], payload)
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	client.WriteResponse(s.out, resp)
	fmt.Fprintf(s.out, "(%s)\n", time.Since(start).Round(time.Microsecond))
}

func (s *Shell) cmdObserve(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.out, "Usage: observe <uri>")
		return
	}
	target := args[0]

	obsCtx, cancel := context.WithCancel(ctx)
	o := &observation{target: target, cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.observations[id] = o
	s.mu.Unlock()

	fmt.Fprintf(s.out, "Observation %d started: %s\n", id, target)
	go func() {
		defer close(o.done)
		err := s.client.Observe(obsCtx, target, func(m *message.Message) {
			seq, ok := m.Options.Observe()
			if ok {
				fmt.Fprintf(s.out, "[%d] #%d %s: %s\n", id, seq, m.Code, client.RenderPayload(m))
			} else {
				fmt.Fprintf(s.out, "[%d] %s: %s\n", id, m.Code, client.RenderPayload(m))
			}
		})
		s.mu.Lock()
		delete(s.observations, id)
		s.mu.Unlock()
		if err != nil {
			fmt.Fprintf(s.out, "[%d] observation failed: %v\n", id, err)
			return
		}
		fmt.Fprintf(s.out, "[%d] observation ended\n", id)
	}()
}

func (s *Shell) cmdCancel(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.out, "Usage: cancel <id>|all")
		return
	}
	if args[0] == "all" {
		s.cancelAll()
		return
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(s.out, "Invalid observation id: %s\n", args[0])
		return
	}
	s.mu.Lock()
	o, ok := s.observations[id]
	s.mu.Unlock()
	if !ok {
		fmt.Fprintf(s.out, "No observation %d\n", id)
		return
	}
	o.cancel()
	<-o.done
}

func (s *Shell) cancelAll() {
	s.mu.Lock()
	obs := slices.Collect(maps.Values(s.observations))
	s.mu.Unlock()
	for _, o := range obs {
		o.cancel()
		<-o.done
	}
}

func (s *Shell) cmdList() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.observations) == 0 {
		fmt.Fprintln(s.out, "No active observations")
		return
	}
	for _, id := range slices.Sorted(maps.Keys(s.observations)) {
		fmt.Fprintf(s.out, "  %d: %s\n", id, s.observations[id].target)
	}
}

func (s *Shell) cmdPing(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.out, "Usage: ping <host[:port]>")
		return
	}
	rtt, err := s.client.Ping(ctx, args[0])
	if err != nil {
		fmt.Fprintf(s.out, "Ping failed: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "Pong from %s in %s\n", args[0], rtt.Round(time.Microsecond))
}

func (s *Shell) cmdDiscover(ctx context.Context, args []string) {
	d := 3 * time.Second
	if len(args) > 0 {
		secs, err := strconv.Atoi(args[0])
		if err != nil || secs <= 0 {
			fmt.Fprintf(s.out, "Invalid duration: %s\n", args[0])
			return
		}
		d = time.Duration(secs) * time.Second
	}
	fmt.Fprintf(s.out, "Browsing for %s...\n", d)
	n := 0
	err := s.client.Discover(ctx, d, func(svc *discovery.Service) {
		n++
		fmt.Fprintf(s.out, "  %s\n", client.FormatService(svc))
	})
	if err != nil {
		fmt.Fprintf(s.out, "Discovery failed: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "Found %d endpoint(s)\n", n)
}

func (s *Shell) cmdAccept(args []string) {
	if len(args) < 1 {
		if s.client.Options.HasAccept {
			fmt.Fprintf(s.out, "Accept: %d\n", s.client.Options.Accept)
		} else {
			fmt.Fprintln(s.out, "Accept: none")
		}
		return
	}
	if args[0] == "none" {
		s.client.Options.HasAccept = false
		fmt.Fprintln(s.out, "OK")
		return
	}
	f, err := client.ParseFormat(args[0])
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	s.client.Options.Accept, s.client.Options.HasAccept = f, true
	fmt.Fprintln(s.out, "OK")
}

func (s *Shell) cmdFormat(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(s.out, "Format: %d\n", s.client.Options.Format)
		return
	}
	f, err := client.ParseFormat(args[0])
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	s.client.Options.Format = f
	fmt.Fprintln(s.out, "OK")
}

func (s *Shell) cmdType(args []string) {
	if len(args) < 1 {
		if s.client.Options.NonConfirmable {
			fmt.Fprintln(s.out, "Type: NON")
		} else {
			fmt.Fprintln(s.out, "Type: CON")
		}
		return
	}
	switch strings.ToLower(args[0]) {
	case "con":
		s.client.Options.NonConfirmable = false
	case "non":
		s.client.Options.NonConfirmable = true
	default:
		fmt.Fprintln(s.out, "Usage: type con|non")
		return
	}
	fmt.Fprintln(s.out, "OK")
}
