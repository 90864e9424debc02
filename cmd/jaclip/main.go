// Command jaclip tokenizes Japanese text for the rinna CLIP text encoder and
// prints the model inputs as JSON.
//
//	jaclip [flags] [text...]
//
// Without text arguments every non-empty line of stdin is one input.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	jaclip "github.com/amikos-tech/jaclip-tokenizers"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "jaclip: %v\n", err)
		os.Exit(1)
	}
}

type cliFlags struct {
	config    string
	model     string
	maxSeqLen int
	device    string
	backend   string
	verbose   bool
}

func parseFlags(args []string, stderr io.Writer) (*cliFlags, []string, error) {
	f := &cliFlags{}
	fs := flag.NewFlagSet("jaclip", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.config, "config", "", "path to a YAML config file")
	fs.StringVar(&f.model, "model", "", "Hub model id or local artifact directory")
	fs.IntVar(&f.maxSeqLen, "max-seq-len", 0, "output sequence length including the classifier token")
	fs.StringVar(&f.device, "device", "", "tensor device (cpu, cuda, cuda:N)")
	fs.StringVar(&f.backend, "backend", "", "tokenizer backend (auto, rust, go, sentencepiece)")
	fs.BoolVar(&f.verbose, "v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return f, fs.Args(), nil
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	f, texts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	level := zerolog.InfoLevel
	if f.verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: stderr}).Level(level).With().Timestamp().Logger()

	cfg, err := jaclip.LoadConfig(f.config)
	if err != nil {
		return err
	}
	if f.model != "" {
		cfg.ModelID = f.model
	}
	if f.maxSeqLen != 0 {
		cfg.MaxSeqLen = f.maxSeqLen
	}
	if f.device != "" {
		cfg.Device = f.device
	}
	if f.backend != "" {
		cfg.Backend = f.backend
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if len(texts) == 0 {
		if texts, err = readLines(stdin); err != nil {
			return err
		}
	}

	opts, err := cfg.TokenizeOptions(logger)
	if err != nil {
		return err
	}
	logger.Debug().Str("model", cfg.ModelID).Int("texts", len(texts)).Int("max_seq_len", cfg.MaxSeqLen).Msg("tokenizing")
	batch, err := jaclip.Tokenize(ctx, texts, opts...)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(stdout)
	if err := enc.Encode(batch); err != nil {
		return errors.Wrap(err, "failed to write batch")
	}
	return nil
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read stdin")
	}
	return lines, nil
}
