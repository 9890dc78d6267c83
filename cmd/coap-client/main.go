// Command coap-client sends CoAP requests from the command line.
//
// Usage:
//
//	coap-client [flags] <command> [args]
//
// Commands:
//
//	get <uri>                GET a resource
//	post <uri> [payload]     POST a payload (@file reads a file)
//	put <uri> [payload]      PUT a payload (@file reads a file)
//	delete <uri>             DELETE a resource
//	observe <uri>            Observe a resource until interrupted
//	ping <host[:port]>       Send a CoAP ping
//	discover [seconds]       Browse for CoAP endpoints over mDNS
//	shell                    Start the interactive shell
//
// Examples:
//
//	# Read a resource as JSON
//	coap-client -accept json get coap://192.168.1.20/time
//
//	# Upload a file
//	coap-client -format octet put coap://192.168.1.20/firmware @image.bin
//
//	# Watch a resource for a minute
//	coap-client -duration 1m observe coap://192.168.1.20/time
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mash-protocol/coap-go/cmd/coap-client/client"
	"github.com/mash-protocol/coap-go/cmd/coap-client/interactive"
	"github.com/mash-protocol/coap-go/pkg/config"
	"github.com/mash-protocol/coap-go/pkg/discovery"
	"github.com/mash-protocol/coap-go/pkg/engine"
	"github.com/mash-protocol/coap-go/pkg/log"
	"github.com/mash-protocol/coap-go/pkg/message"
	"github.com/mash-protocol/coap-go/pkg/transport"
)

const usage = `coap-client - CoAP command-line client

Usage:
  coap-client [flags] <command> [args]

Commands:
  get <uri>                GET a resource
  post <uri> [payload]     POST a payload (@file reads a file)
  put <uri> [payload]      PUT a payload (@file reads a file)
  delete <uri>             DELETE a resource
  observe <uri>            Observe a resource until interrupted
  ping <host[:port]>       Send a CoAP ping
  discover [seconds]       Browse for CoAP endpoints over mDNS
  shell                    Start the interactive shell

Flags:
`

// errFailureResponse makes the process exit with status 2.
var errFailureResponse = errors.New("non-success response")

var (
	configFile  = flag.String("config", "", "YAML configuration file")
	envFile     = flag.String("env", ".env", "dotenv file loaded before the environment is read")
	listen      = flag.String("listen", ":0", "Local UDP address")
	logLevel    = flag.String("log-level", "warn", "Log level: debug, info, warn, error")
	protocolLog = flag.String("protocol-log", "", "Write a CBOR protocol capture to this file")
	accept      = flag.String("accept", "", "Accept option (text, json, cbor, or a number)")
	format      = flag.String("format", "text", "Content format of the payload")
	non         = flag.Bool("non", false, "Send non-confirmable requests")
	timeout     = flag.Duration("timeout", client.DefaultTimeout, "Request timeout")
	duration    = flag.Duration("duration", 0, "Observe for this long (default: until interrupted)")
)

func main() {
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	err := run(flag.Arg(0), flag.Args()[1:])
	switch {
	case errors.Is(err, errFailureResponse):
		os.Exit(2)
	case err != nil:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	if err := config.LoadDotEnv(*envFile); err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(*configFile)
	if err != nil {
		return config.Config{}, err
	}
	cfg.Listen = *listen
	cfg.LogLevel = *logLevel
	if *protocolLog != "" {
		cfg.ProtocolLog = *protocolLog
	}
	return cfg, cfg.Validate()
}

func run(cmd string, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := cfg.Logger(os.Stderr)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ec := cfg.Engine()
	ec.Logger = logger
	if cfg.ProtocolLog != "" {
		file, err := log.NewFileLogger(cfg.ProtocolLog)
		if err != nil {
			return fmt.Errorf("protocol log: %w", err)
		}
		defer file.Close()
		ec.ProtocolLogger = file
	}

	udp, err := transport.ListenUDP(ctx, cfg.UDP(logger))
	if err != nil {
		return err
	}
	e := engine.New(udp, ec)
	defer e.Close()
	if err := e.Start(ctx); err != nil {
		return err
	}

	c := client.New(e, nil, discovery.NewMDNSBrowser(discovery.BrowserConfig{Domain: cfg.Discovery.Domain}))
	if err := applyOptions(c); err != nil {
		return err
	}

	switch strings.ToLower(cmd) {
	case "get":
		return request(ctx, c, message.GET, args)
	case "post":
		return request(ctx, c, message.POST, args)
	case "put":
		return request(ctx, c, message.PUT, args)
	case "delete":
		return request(ctx, c, message.DELETE, args)
	case "observe":
		return observeCmd(ctx, c, args)
	case "ping":
		return ping(ctx, c, args)
	case "discover":
		return discover(ctx, c, args)
	case "shell":
		sh, err := interactive.New(c)
		if err != nil {
			return err
		}
		sh.Run(ctx, cancel)
		return nil
	default:
		flag.Usage()
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func applyOptions(c *client.Client) error {
	c.Options.NonConfirmable = *non
	c.Options.Timeout = *timeout
	f, err := client.ParseFormat(*format)
	if err != nil {
		return err
	}
	c.Options.Format = f
	if *accept != "" {
		a, err := client.ParseFormat(*accept)
		if err != nil {
			return err
		}
		c.Options.Accept, c.Options.HasAccept = a, true
	}
	return nil
}

func request(ctx context.Context, c *client.Client, code message.Code, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: coap-client %s <uri>", strings.ToLower(code.String()))
	}
	payload, err := client.ReadPayload(strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	resp, err := c.Request(ctx, code, args[0], payload)
	if err != nil {
		return err
	}
	client.WriteResponse(os.Stdout, resp)
	if !resp.Code.IsSuccess() {
		return errFailureResponse
	}
	return nil
}

func observeCmd(ctx context.Context, c *client.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: coap-client observe <uri>")
	}
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}
	return c.Observe(ctx, args[0], func(m *message.Message) {
		ts := time.Now().Format("15:04:05.000")
		if seq, ok := m.Options.Observe(); ok {
			fmt.Printf("%s #%d %s\n", ts, seq, client.RenderPayload(m))
			return
		}
		fmt.Printf("%s %s %s\n", ts, m.Code, client.RenderPayload(m))
	})
}

func ping(ctx context.Context, c *client.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: coap-client ping <host[:port]>")
	}
	rtt, err := c.Ping(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Pong from %s in %s\n", args[0], rtt.Round(time.Microsecond))
	return nil
}

func discover(ctx context.Context, c *client.Client, args []string) error {
	d := 3 * time.Second
	if len(args) > 0 {
		secs, err := strconv.Atoi(args[0])
		if err != nil || secs <= 0 {
			return fmt.Errorf("invalid duration: %s", args[0])
		}
		d = time.Duration(secs) * time.Second
	}
	return c.Discover(ctx, d, func(svc *discovery.Service) {
		fmt.Println(client.FormatService(svc))
	})
}
