// Command taskctl drives the task server from a terminal: launch, watch and
// cancel tasks, call procedures, upload and download files.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/nadmax/taskrpc/internal/config"
)

const usage = `usage: taskctl [flags] <command> [command flags] [args]

commands:
  launch [-args JSON] [-wait] <action> <owner-id>...
  check <task-id>
  watch <task-id>
  cancel <task-id>
  delete <task-id>
  actions
  call <procedure> [JSON-arg]...
  upload [-proc NAME] [-filter EXTS] <file>
  download [-proc NAME] [-dir DIR] [-o NAME] <id>

flags:
`

func main() {
	log.SetFlags(0)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			log.Print(err)
		}
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("taskctl", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.Usage = func() {
		_, _ = fmt.Fprint(out, usage)
		fs.PrintDefaults()
	}

	opts := options{
		url:      cfg.Client.URL,
		interval: cfg.Client.PollInterval.Duration,
		timeout:  cfg.Client.Timeout.Duration,
		rps:      cfg.Client.RequestsPerSecond,
		burst:    cfg.Client.Burst,
	}
	fs.StringVar(&opts.url, "url", opts.url, "server base URL")
	fs.DurationVar(&opts.interval, "interval", opts.interval, "status poll interval")
	fs.DurationVar(&opts.timeout, "timeout", opts.timeout, "per-request timeout")
	fs.BoolVar(&opts.push, "push", true, "follow status over the push stream when available")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return flag.ErrHelp
	}

	cli := newCLI(opts, out)
	defer cli.close()

	return cli.dispatch(ctx, fs.Arg(0), fs.Args()[1:])
}
