// Command relaypost submits a message to an SMTP server from the command
// line. It exists mostly as a working example of wiring the library.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/relaypost-dev/relaypost"
	"github.com/relaypost-dev/relaypost/internal/config"
	"github.com/relaypost-dev/relaypost/internal/observability"
	"github.com/relaypost-dev/relaypost/mail"
)

// Version is set at build time via -ldflags.
var Version = "dev"

type stringList []string

func (s *stringList) String() string {
	return strings.Join(*s, ",")
}

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "send":
		runSend(os.Args[2:])
	case "verify":
		runVerify(os.Args[2:])
	case "version":
		fmt.Println(Version)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: relaypost <command> [flags]

commands:
  send     submit a message (body read from stdin unless -text/-html given)
  verify   check connectivity and credentials against the server
  version  print the version`)
}

func loadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return cfg
}

func newMailer(cfg *config.Config) *relaypost.Mailer {
	logger := observability.NewLogger(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	opts := cfg.Options()
	opts.Logger = logger
	opts.Metrics = metrics
	return relaypost.New(opts)
}

func runSend(args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	from := fs.String("from", "", "sender address")
	subject := fs.String("subject", "", "subject line")
	text := fs.String("text", "", "plain text body (default: read from stdin)")
	html := fs.String("html", "", "HTML body")
	var to, cc, bcc, attach stringList
	fs.Var(&to, "to", "recipient address (repeatable)")
	fs.Var(&cc, "cc", "cc address (repeatable)")
	fs.Var(&bcc, "bcc", "bcc address (repeatable)")
	fs.Var(&attach, "attach", "attachment file path (repeatable)")
	_ = fs.Parse(args)

	cfg := loadConfig(*configPath)
	mailer := newMailer(cfg)
	defer mailer.Close()

	body := *text
	if body == "" && *html == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintln(os.Stderr, "reading body from stdin:", err)
			os.Exit(1)
		}
		body = string(data)
	}

	msg := &mail.Message{
		From:    *from,
		To:      to,
		Cc:      cc,
		Bcc:     bcc,
		Subject: *subject,
		Text:    body,
		HTML:    *html,
	}
	for _, path := range attach {
		msg.Attachments = append(msg.Attachments, mail.Attachment{Path: path})
	}

	result, err := mailer.Send(context.Background(), msg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(result)
}

func runVerify(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	_ = fs.Parse(args)

	cfg := loadConfig(*configPath)
	mailer := newMailer(cfg)
	defer mailer.Close()

	if !mailer.Verify(context.Background()) {
		fmt.Fprintln(os.Stderr, "verification failed")
		os.Exit(1)
	}
	fmt.Println("ok")
}
