package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	flags "github.com/jessevdk/go-flags"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logcollection"
)

type flagOptions struct {
	Port        int           `long:"port" description:"HTTP port serving /health and /echo (0 disables the server)"`
	ReadyDelay  time.Duration `long:"ready-delay" default:"1s" description:"how long /health answers 503 after start"`
	Channel     string        `long:"channel" default:"worker" description:"log channel written in the JSON lines"`
	Interval    time.Duration `long:"interval" default:"1s" description:"delay between heartbeat lines"`
	CrashAfter  time.Duration `long:"crash-after" description:"exit with code 3 after this duration (debug feature)"`
	RunDuration time.Duration `long:"run-duration" description:"exit cleanly after this duration (debug feature)"`
}

// emitter writes one JSON line per event, the format the supervisor collector parses
type emitter struct {
	mutex   sync.Mutex
	channel string
}

func (e *emitter) emit(level, message string, fields map[string]interface{}) {
	data, err := json.Marshal(logcollection.StructuredLogLine{
		Timestamp: time.Now().UTC(),
		Channel:   e.channel,
		Level:     level,
		Message:   message,
		Fields:    fields,
	})
	if err != nil {
		return
	}
	e.mutex.Lock()
	defer e.mutex.Unlock()
	os.Stdout.Write(append(data, '\n'))
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	_, err := parser.ParseArgs(argv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	out := &emitter{channel: opts.Channel}
	out.emit("info", "echotest starting", map[string]interface{}{"pid": os.Getpid(), "port": opts.Port})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if opts.RunDuration > 0 {
		ctx, cancel = context.WithTimeout(ctx, opts.RunDuration)
		defer cancel()
	}

	// Enable signal handling
	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig) // Unix signals not implemented on Windows
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}

	started := time.Now()
	var server *http.Server
	if opts.Port > 0 {
		router := chi.NewRouter()
		router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			if time.Since(started) < opts.ReadyDelay {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
		router.HandleFunc("/echo/*", func(w http.ResponseWriter, r *http.Request) {
			out.emit("debug", "echo request", map[string]interface{}{"method": r.Method, "path": r.URL.Path})
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]interface{}{
				"method":          r.Method,
				"path":            r.URL.Path,
				"x_forwarded_for": r.Header.Get("X-Forwarded-For"),
			})
		})

		listener, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(opts.Port)))
		if err != nil {
			out.emit("error", "failed to listen", map[string]interface{}{"error": err.Error()})
			os.Exit(2)
		}
		server = &http.Server{Handler: router, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
				out.emit("error", "server failed", map[string]interface{}{"error": err.Error()})
			}
		}()
	}

	var crash <-chan time.Time
	if opts.CrashAfter > 0 {
		crash = time.After(opts.CrashAfter)
	}
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	beats := 0
	exitCode := 0
loop:
	for {
		select {
		case <-ticker.C:
			beats++
			out.emit("info", "heartbeat", map[string]interface{}{"beat": beats})
		case <-crash:
			out.emit("error", "simulated crash", map[string]interface{}{"after": opts.CrashAfter.String()})
			exitCode = 3
			break loop
		case receivedSignal := <-sig:
			out.emit("info", "echotest received signal", map[string]interface{}{"signal": receivedSignal.String()})
			break loop
		case <-ctx.Done():
			out.emit("info", "run duration elapsed", nil)
			break loop
		}
	}

	if server != nil && exitCode == 0 {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		server.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	out.emit("info", "echotest stopped", map[string]interface{}{"exit_code": exitCode})
	os.Exit(exitCode)
}
