package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	flags "github.com/jessevdk/go-flags"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/broadcast"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/control"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/domain"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/errors"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/gateway"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logcollection"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logging"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logstore"
)

type globalOptions struct {
	Gateway string        `long:"gateway" env:"SUPERVISOR_GATEWAY" default:"http://127.0.0.1:8700" description:"supervisor gateway base URL"`
	Key     string        `long:"key" env:"SUPERVISOR_GATEWAY_KEY" description:"shared gateway key"`
	Token   string        `long:"token" env:"SUPERVISOR_TOKEN" description:"bearer token issued by the token command"`
	Timeout time.Duration `long:"timeout" default:"2m" description:"request timeout"`
	Verbose bool          `long:"verbose" short:"v" description:"debug logging on stderr"`
}

var global globalOptions

type startCommand struct{}

type stopCommand struct {
	Graceful time.Duration `long:"graceful" description:"graceful timeout before SIGKILL (default: worker configuration)"`
}

type statusCommand struct {
	Retries       int           `long:"retries" default:"1" description:"status attempts while the supervisor comes up"`
	RetryInterval time.Duration `long:"retry-interval" default:"1s" description:"delay between status attempts"`
}

type logsCommand struct {
	Channels string `long:"channels" default:"*" description:"comma separated channel names or patterns to follow"`
	Lines    int    `long:"lines" short:"n" description:"print the last N stored lines of one channel and exit"`
	JSON     bool   `long:"json" description:"print entries as JSON lines"`
}

type appendCommand struct {
	Channel string `long:"channel" required:"true" description:"target channel"`
	Level   string `long:"level" default:"info" description:"entry level"`
	Args    struct {
		Message []string `positional-arg-name:"message" required:"1"`
	} `positional-args:"yes" required:"yes"`
}

type clearCommand struct {
	Args struct {
		Channel string `positional-arg-name:"channel"`
	} `positional-args:"yes" required:"yes"`
}

type tokenCommand struct {
	Secret  string        `long:"secret" env:"SUPERVISOR_JWT_SECRET" required:"true" description:"HMAC secret shared with the gateway"`
	Role    string        `long:"role" default:"read-only" choice:"full-control" choice:"restricted-worker" choice:"read-only"`
	Subject string        `long:"subject" default:"cli" description:"token subject"`
	Issuer  string        `long:"issuer" description:"token issuer, must match the gateway configuration when set there"`
	TTL     time.Duration `long:"ttl" default:"1h" description:"token lifetime"`
}

func main() {
	parser := flags.NewParser(&global, flags.HelpFlag)
	parser.AddCommand("start", "Start the worker", "Starts the worker and waits until it is healthy.", &startCommand{})
	parser.AddCommand("stop", "Stop the worker", "Sends SIGTERM, then SIGKILL after the graceful timeout.", &stopCommand{})
	parser.AddCommand("status", "Show the worker status", "Prints the worker state and PID.", &statusCommand{})
	parser.AddCommand("logs", "Read or follow log channels", "Follows the given channels until interrupted.", &logsCommand{})
	parser.AddCommand("append", "Append a log entry", "Appends one entry to a channel.", &appendCommand{})
	parser.AddCommand("clear", "Clear a log channel", "Removes every stored entry of a channel.", &clearCommand{})
	parser.AddCommand("token", "Issue a gateway token", "Signs a bearer token for the given role.", &tokenCommand{})

	if _, err := parser.ParseArgs(os.Args[1:]); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Println(err)
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func newLogger() logging.Logger {
	level := "warn"
	if global.Verbose {
		level = "debug"
	}
	structured, err := logcollection.NewZapAdapter(logcollection.ZapConfig{
		Level:  level,
		Format: "console",
		Output: "stderr",
	})
	if err != nil {
		return logging.NewNullLogger()
	}
	return logcollection.NewLoggingAdapter("cli", structured)
}

func newClient() (*control.HTTPClientGateway, logging.Logger, error) {
	logger := newLogger()
	client, err := control.NewHTTPClientGateway(control.ClientOptions{
		BaseURL: global.Gateway,
		Key:     global.Key,
		Token:   global.Token,
		Timeout: global.Timeout,
	}, logger)
	return client, logger, err
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.NewInternalError("failed to encode output", err)
	}
	fmt.Println(string(data))
	return nil
}

func (c *startCommand) Execute(args []string) error {
	client, _, err := newClient()
	if err != nil {
		return err
	}
	status, err := client.Start(context.Background())
	if err != nil {
		return err
	}
	return printJSON(status)
}

func (c *stopCommand) Execute(args []string) error {
	client, logger, err := newClient()
	if err != nil {
		return err
	}
	status, err := client.Stop(context.Background(), c.Graceful)
	if errors.IsNotRunningError(err) {
		logger.Infof("Worker is not running")
		return printJSON(status)
	}
	if err != nil {
		return err
	}
	return printJSON(status)
}

func (c *statusCommand) Execute(args []string) error {
	client, logger, err := newClient()
	if err != nil {
		return err
	}
	status, err := domain.RetryStatus(context.Background(), client, domain.RetryStatusOptions{
		RetryAttempts: max(c.Retries, 1),
		RetryInterval: c.RetryInterval,
	}, logger)
	if err != nil {
		return err
	}
	return printJSON(status)
}

func (c *logsCommand) Execute(args []string) error {
	client, logger, err := newClient()
	if err != nil {
		return err
	}
	channels := splitChannels(c.Channels)

	if c.Lines > 0 {
		if len(channels) != 1 || strings.ContainsAny(channels[0], "*?[") {
			return errors.NewValidationError("--lines needs exactly one channel name", nil)
		}
		entries, err := client.ReadLogs(context.Background(), channels[0], c.Lines)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			c.print(entry)
		}
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// History frames repeat entries already printed after a resync
	lastSeq := make(map[string]uint64)
	err = client.Subscribe(ctx, channels, func(frame broadcast.Frame) error {
		switch frame.Type {
		case broadcast.FrameHistory:
			for _, entry := range frame.Entries {
				if entry.Seq > lastSeq[entry.Channel] {
					c.print(entry)
					lastSeq[entry.Channel] = entry.Seq
				}
			}
		case broadcast.FrameEntry:
			if frame.Entry != nil && frame.Entry.Seq > lastSeq[frame.Entry.Channel] {
				c.print(*frame.Entry)
				lastSeq[frame.Entry.Channel] = frame.Entry.Seq
			}
		case broadcast.FrameClear:
			fmt.Fprintf(os.Stderr, "-- channel %s cleared --\n", frame.Channel)
		case broadcast.FrameResync:
			logger.Warnf("Missed %d entries, requesting history", frame.Missed)
		}
		return nil
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *logsCommand) print(entry logstore.Entry) {
	if c.JSON {
		data, err := json.Marshal(entry)
		if err == nil {
			fmt.Println(string(data))
		}
		return
	}
	fmt.Printf("%s [%s] %s: %s\n", entry.Timestamp.Local().Format(time.RFC3339), entry.Level, entry.Channel, entry.Message)
}

func splitChannels(value string) []string {
	var channels []string
	for _, channel := range strings.Split(value, ",") {
		if channel = strings.TrimSpace(channel); channel != "" {
			channels = append(channels, channel)
		}
	}
	return channels
}

func (c *appendCommand) Execute(args []string) error {
	client, _, err := newClient()
	if err != nil {
		return err
	}
	entry, err := client.AppendLog(context.Background(), logstore.Entry{
		Channel: c.Channel,
		Level:   logstore.ParseLevel(c.Level),
		Message: strings.Join(c.Args.Message, " "),
	})
	if err != nil {
		return err
	}
	return printJSON(entry)
}

func (c *clearCommand) Execute(args []string) error {
	client, _, err := newClient()
	if err != nil {
		return err
	}
	if err := client.ClearLogs(context.Background(), c.Args.Channel); err != nil {
		return err
	}
	fmt.Printf("Channel %s cleared\n", c.Args.Channel)
	return nil
}

func (c *tokenCommand) Execute(args []string) error {
	role, err := gateway.ParseRole(c.Role)
	if err != nil {
		return err
	}
	token, err := gateway.IssueToken(c.Secret, c.Issuer, c.Subject, role, c.TTL)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
