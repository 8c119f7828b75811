package main

import (
	"fmt"
	"os"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/supervisor"
)

type flagOptions struct {
	Config      string        `long:"config" short:"c" description:"path to the supervisor YAML configuration" required:"true"`
	EnvFile     string        `long:"env-file" description:"dotenv file loaded before the configuration (default: ./.env when present)"`
	RunDuration time.Duration `long:"run-duration" description:"stop after this duration, e.g. 30s (debug feature)"`
	LogLevel    string        `long:"log-level" description:"override supervisor.log.level" choice:"debug" choice:"info" choice:"warn" choice:"error"`
	Validate    bool          `long:"validate" description:"validate the configuration and exit"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	_, err := parser.ParseArgs(argv)
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Println(err)
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	if opts.Validate {
		if err := supervisor.LoadEnvironment(opts.EnvFile); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		if err := supervisor.ValidateConfigFile(opts.Config); err != nil {
			fmt.Fprintf(os.Stderr, "Configuration is invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Configuration %s is valid\n", opts.Config)
		return
	}

	err = supervisor.Run(supervisor.RunOptions{
		ConfigFile:  opts.Config,
		EnvFile:     opts.EnvFile,
		RunDuration: opts.RunDuration,
		LogLevel:    opts.LogLevel,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Supervisor failed: %v\n", err)
		os.Exit(1)
	}
}
