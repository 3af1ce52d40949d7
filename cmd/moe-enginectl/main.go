// moe-enginectl is the operator CLI for the engine: it parses command-line
// flags and subcommands, manages a root-scoped session, and prints
// diagnostic or generation output either as pretty text or JSON. Adapted
// from arena-cache-inspect's flag-parse/signal-cancel/subcommand shape,
// repointed at pkg/session instead of an HTTP debug endpoint.
//
// Subcommands:
//
//	moe-enginectl download -root DIR -model ID -base-url URL -manifest FILE
//	moe-enginectl load     -root DIR -model ID
//	moe-enginectl generate -root DIR -model ID -tokens "1 2 3" [-json]
//	moe-enginectl verify   -root DIR -model ID
// © 2025 moe-engine authors. MIT License.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/moerun/moe-engine/internal/download"
	"github.com/moerun/moe-engine/pkg/session"
	"github.com/moerun/moe-engine/pkg/tokenizer"
)

var version = "dev"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Println(version)
		return
	case "download":
		err = runDownload(ctx, os.Args[2:])
	case "load":
		err = runLoad(ctx, os.Args[2:])
	case "generate":
		err = runGenerate(ctx, os.Args[2:])
	case "verify":
		err = runVerify(ctx, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fatal(err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: moe-enginectl {download|load|generate|verify|version} [flags]")
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "moe-enginectl:", err)
	os.Exit(1)
}

func runDownload(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	root := fs.String("root", ".moe-engine", "session root directory")
	model := fs.String("model", "", "model id")
	baseURL := fs.String("base-url", "", "shard base URL")
	manifestPath := fs.String("manifest", "", "path to manifest.json")
	jsonOut := fs.Bool("json", false, "emit progress as JSON lines")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *model == "" || *manifestPath == "" {
		return fmt.Errorf("download: -model and -manifest are required")
	}

	sess, err := session.InitSession(*root)
	if err != nil {
		return err
	}
	defer sess.DestroySession()

	manifestBytes, err := os.ReadFile(*manifestPath)
	if err != nil {
		return err
	}

	onProgress := func(p download.Progress) {
		if *jsonOut {
			enc := json.NewEncoder(os.Stdout)
			_ = enc.Encode(p)
			return
		}
		fmt.Printf("%+v\n", p)
	}
	return sess.Download(ctx, *model, *baseURL, manifestBytes, session.DownloadOptions{OnProgress: onProgress})
}

func runLoad(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("load", flag.ExitOnError)
	root := fs.String("root", ".moe-engine", "session root directory")
	model := fs.String("model", "", "model id")
	strict := fs.Bool("strict", false, "fail on missing weights instead of substituting zero")
	jsonOut := fs.Bool("json", false, "emit result as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *model == "" {
		return fmt.Errorf("load: -model is required")
	}

	sess, err := session.InitSession(*root)
	if err != nil {
		return err
	}
	defer sess.DestroySession()

	cfg, err := sess.Load(ctx, *model, session.LoadOptions{Strict: *strict})
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	}
	fmt.Printf("loaded %s: layers=%d hidden=%d vocab=%d moe=%v\n",
		cfg.ModelID, cfg.Architecture.Layers, cfg.Architecture.HiddenSize, cfg.Architecture.VocabSize, cfg.IsMoE)
	return nil
}

// idTokenizer treats whitespace-separated integers as token ids. The
// engine ships no concrete tokenizer (pkg/tokenizer is an interface only),
// so the CLI's generate command works directly in token-id space.
type idTokenizer struct {
	eos int
}

func (t idTokenizer) Encode(text string) ([]int, error) {
	fields := strings.Fields(text)
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("invalid token id %q: %w", f, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func (t idTokenizer) Decode(tokens []int) (string, error) {
	parts := make([]string, len(tokens))
	for i, tok := range tokens {
		parts[i] = strconv.Itoa(tok)
	}
	return strings.Join(parts, " ") + " ", nil
}

func (t idTokenizer) SpecialTokens() tokenizer.SpecialTokens {
	return tokenizer.SpecialTokens{BOS: -1, EOS: t.eos, PAD: -1}
}

func runGenerate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	root := fs.String("root", ".moe-engine", "session root directory")
	model := fs.String("model", "", "model id")
	tokens := fs.String("tokens", "", "whitespace-separated prompt token ids")
	maxTokens := fs.Int("max-tokens", 64, "maximum tokens to generate")
	temperature := fs.Float64("temperature", 0.7, "sampling temperature")
	topK := fs.Int("top-k", 40, "top-k cutoff")
	topP := fs.Float64("top-p", 0.9, "top-p cutoff")
	eos := fs.Int("eos", -1, "eos token id (-1 disables stopping on eos)")
	speculative := fs.Bool("speculative", false, "use speculative decoding (requires -draft-model)")
	draftModel := fs.String("draft-model", "", "draft model id for speculative decoding")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *model == "" || *tokens == "" {
		return fmt.Errorf("generate: -model and -tokens are required")
	}

	sess, err := session.InitSession(*root, session.WithTokenizer(idTokenizer{eos: *eos}))
	if err != nil {
		return err
	}
	defer sess.DestroySession()

	if _, err := sess.Load(ctx, *model, session.LoadOptions{}); err != nil {
		return err
	}
	if *speculative {
		if *draftModel == "" {
			return fmt.Errorf("generate: -speculative requires -draft-model")
		}
		if err := sess.LoadDraft(ctx, *draftModel, session.LoadOptions{}); err != nil {
			return err
		}
	}

	opts := session.DefaultGenerationOptions()
	opts.MaxTokens = *maxTokens
	opts.Temperature = float32(*temperature)
	opts.TopK = *topK
	opts.TopP = float32(*topP)
	opts.UseSpeculative = *speculative

	ch, err := sess.Generate(ctx, *tokens, opts)
	if err != nil {
		return err
	}
	for frag := range ch {
		fmt.Print(frag)
	}
	fmt.Println()
	return nil
}

func runVerify(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	root := fs.String("root", ".moe-engine", "session root directory")
	model := fs.String("model", "", "model id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *model == "" {
		return fmt.Errorf("verify: -model is required")
	}

	sess, err := session.InitSession(*root)
	if err != nil {
		return err
	}
	defer sess.DestroySession()

	cfg, err := sess.Load(ctx, *model, session.LoadOptions{Verify: true, Strict: true})
	if err != nil {
		return err
	}
	fmt.Printf("%s: all declared weights resolved (layers=%d)\n", cfg.ModelID, cfg.Architecture.Layers)
	return nil
}
