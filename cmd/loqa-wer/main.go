package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/loqalabs/loqa-transcribe/internal/wer"
)

var version = "0.1.0-dev"

type report struct {
	Score wer.Score       `json:"score"`
	Diff  []wer.Operation `json:"diff"`
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'score' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "score":
		if err := runScore(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runScore(args []string, out io.Writer) error {
	var (
		refPath, hypPath, normalizer string
		hirschberg, withAlignment    bool
	)
	cmd := flag.NewFlagSet("score", flag.ContinueOnError)
	cmd.StringVar(&refPath, "ref", "", "Path to the reference transcript")
	cmd.StringVar(&hypPath, "hyp", "", "Path to the hypothesis transcript")
	cmd.StringVar(&normalizer, "normalizer", "basic", "Text normalizer: basic or english")
	cmd.BoolVar(&hirschberg, "hirschberg", false, "Align in linear space")
	cmd.BoolVar(&withAlignment, "alignment", false, "Include the word alignment in the output")
	if err := cmd.Parse(args); err != nil {
		return err
	}
	if refPath == "" || hypPath == "" {
		return fmt.Errorf("both -ref and -hyp are required")
	}

	ref, err := os.ReadFile(refPath)
	if err != nil {
		return fmt.Errorf("read reference: %w", err)
	}
	hyp, err := os.ReadFile(hypPath)
	if err != nil {
		return fmt.Errorf("read hypothesis: %w", err)
	}
	n, err := wer.NormalizerByName(normalizer)
	if err != nil {
		return err
	}
	opts := []wer.Option{wer.WithNormalizer(n)}
	if hirschberg {
		opts = append(opts, wer.WithHirschberg())
	}

	score, diff := wer.Evaluate(string(ref), string(hyp), opts...)
	if !withAlignment {
		score.Alignment = nil
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report{Score: score, Diff: diff})
}
