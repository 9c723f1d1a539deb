package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"anon-chat/internal/chatcrypto"
	"anon-chat/internal/client"
	"anon-chat/internal/logging"
	"anon-chat/internal/models"
	"anon-chat/internal/syncer"
)

type options struct {
	server     string
	passphrase string
	pollFloor  time.Duration
	pollStep   time.Duration
	pollCap    time.Duration
	iterations int
	timeout    time.Duration
	logLevel   string
}

func usage(fs *pflag.FlagSet) {
	fmt.Fprintln(os.Stderr, "Usage: anonchat [flags] <command> [arguments]")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  room new")
	fmt.Fprintln(os.Stderr, "  room join <room-code>")
	fmt.Fprintln(os.Stderr, "  friend code")
	fmt.Fprintln(os.Stderr, "  friend chat <my-code> <target-code>")
	fmt.Fprintln(os.Stderr, "Flags:")
	fs.PrintDefaults()
}

func main() {
	def := syncer.DefaultConfig()
	var opts options
	fs := pflag.NewFlagSet("anonchat", pflag.ContinueOnError)
	fs.StringVar(&opts.server, "server", "http://localhost:8083", "chat service base URL")
	fs.StringVar(&opts.passphrase, "passphrase", "", "shared passphrase (prompted when empty)")
	fs.DurationVar(&opts.pollFloor, "poll-floor", def.Floor, "polling interval while healthy")
	fs.DurationVar(&opts.pollStep, "poll-step", def.Step, "backoff increment per failed fetch")
	fs.DurationVar(&opts.pollCap, "poll-cap", def.Cap, "maximum polling interval")
	fs.IntVar(&opts.iterations, "kdf-iterations", chatcrypto.DefaultIterations, "PBKDF2 iterations")
	fs.DurationVar(&opts.timeout, "timeout", client.DefaultTimeout, "per-request timeout")
	fs.StringVar(&opts.logLevel, "log-level", "warn", "log level")
	fs.Usage = func() { usage(fs) }

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	logger, err := logging.New(os.Stderr, opts.logLevel, "text")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, fs.Args(), opts, logger, os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			usage(fs)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var errUsage = errors.New("usage")

func run(ctx context.Context, args []string, opts options, logger *logrus.Logger, in io.Reader, out io.Writer) error {
	api := client.New(opts.server, client.WithTimeout(opts.timeout), client.WithLogger(logger))
	input := bufio.NewReader(in)

	if len(args) < 2 {
		return errUsage
	}
	switch args[0] + " " + args[1] {
	case "room new":
		code, err := api.CreateRoom(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Room code: %s\n", code)
		return chat(ctx, api, client.Room(code), opts, logger, input, out)
	case "room join":
		if len(args) != 3 {
			return errUsage
		}
		return chat(ctx, api, client.Room(args[2]), opts, logger, input, out)
	case "friend code":
		code, err := api.CreateIdentity(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Friend code: %s\n", code)
		return nil
	case "friend chat":
		if len(args) != 4 {
			return errUsage
		}
		conv := client.Pair(args[2], args[3])
		if err := api.Pair(ctx, conv.MyCode, conv.TargetCode); err != nil {
			return err
		}
		return chat(ctx, api, conv, opts, logger, input, out)
	default:
		return errUsage
	}
}

func chat(ctx context.Context, api *client.Client, conv client.Conversation, opts options, logger *logrus.Logger, input *bufio.Reader, out io.Writer) error {
	passphrase := opts.passphrase
	if passphrase == "" {
		fmt.Fprint(out, "Passphrase: ")
		line, err := input.ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read passphrase: %w", err)
		}
		passphrase = strings.TrimRight(line, "\r\n")
	}

	view := newRenderer(out)
	engine := syncer.NewEngine(api, chatcrypto.New(opts.iterations), syncer.Config{
		Floor:        opts.pollFloor,
		Step:         opts.pollStep,
		Cap:          opts.pollCap,
		OnSendFailed: func(_, plaintext string) { view.returned(plaintext) },
	}, syncer.WithLogger(logger))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	session, err := engine.Open(ctx, conv, passphrase)
	if err != nil {
		return err
	}
	defer session.Close()

	go func() {
		if err := api.Watch(ctx, conv, session.PollNow); err != nil {
			logger.WithError(err).Debug("push channel unavailable, polling only")
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		for {
			line, err := input.ReadString('\n')
			if line = strings.TrimRight(line, "\r\n"); line != "" {
				lines <- line
			}
			if err != nil {
				return
			}
		}
	}()

	fmt.Fprintln(out, "Type a message and press enter. /burn <text>, /key <passphrase>, /quit.")
	updates := session.Updates()
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-updates:
			if !ok {
				snap = session.Snapshot()
				view.render(snap)
				return terminalError(snap)
			}
			view.render(snap)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := command(session, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				fmt.Fprintf(out, "! %v\n", err)
			}
		}
	}
}

var errQuit = errors.New("quit")

// command handles one typed line. Typed lines are always text.
func command(s *syncer.Session, line string) error {
	switch {
	case line == "/quit":
		return errQuit
	case strings.HasPrefix(line, "/key "):
		return s.SetPassphrase(strings.TrimPrefix(line, "/key "))
	case strings.HasPrefix(line, "/burn "):
		_, err := s.Send(strings.TrimPrefix(line, "/burn "), models.KindText, true)
		return err
	default:
		_, err := s.Send(line, models.KindText, false)
		return err
	}
}

func terminalError(snap syncer.Snapshot) error {
	switch snap.Status {
	case syncer.StatusExpired:
		return syncer.ErrExpired
	case syncer.StatusFatal:
		if snap.Err != nil {
			return snap.Err
		}
		return syncer.ErrSessionFatal
	default:
		return nil
	}
}
