package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"layoutfixd/internal/detector"
	"layoutfixd/internal/dictionary"
)

var (
	keepCase   bool
	fixReverse bool
	scoreWords string
	scoreJSON  bool
)

var fixCmd = &cobra.Command{
	Use:   "fix [text...]",
	Short: "Print text remapped from the source to the target layout",
	Long: `Remaps text the way the bot does before replying: lowercased, then each
source-layout character replaced by its target-layout twin. Without
arguments, each line of standard input is remapped. With --reverse the
mapping runs the other way.

Examples:
  layoutfixd fix ghbdtn vbh            # привет мир
  layoutfixd fix --reverse привет мир  # ghbdtn vbh`,
	RunE: runFix,
}

var scoreCmd = &cobra.Command{
	Use:   "score <text...>",
	Short: "Score text against the dictionary",
	Long: `Shows how the bot would classify a message: exempt when it contains a
native-alphabet letter, otherwise the share of tokens that are dictionary
words after remapping, and whether that share is above the threshold.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runScore,
}

func init() {
	fixCmd.Flags().BoolVar(&keepCase, "keep-case", false, "Do not lowercase before remapping")
	fixCmd.Flags().BoolVarP(&fixReverse, "reverse", "r", false, "Remap from the target layout back to the source")
	scoreCmd.Flags().StringVarP(&scoreWords, "words", "w", "", "Dictionary file (default: dictionary.words_file)")
	scoreCmd.Flags().BoolVar(&scoreJSON, "json", false, "Print the analysis as JSON")
}

func runFix(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	remap, err := newLayout(cfg)
	if err != nil {
		return err
	}
	if fixReverse {
		remap = remap.Inverse()
	}

	fix := func(s string) string {
		if !keepCase {
			s = dictionary.Lower(s)
		}
		return remap.Remap(s)
	}

	out := cmd.OutOrStdout()
	if len(args) > 0 {
		fmt.Fprintln(out, fix(strings.Join(args, " ")))
		return nil
	}
	return fixLines(cmd.InOrStdin(), out, fix)
}

func fixLines(in io.Reader, out io.Writer, fix func(string) string) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if _, err := fmt.Fprintln(out, fix(scanner.Text())); err != nil {
			return err
		}
	}
	return scanner.Err()
}

type scoreReport struct {
	Text      string        `json:"text"`
	Exempt    bool          `json:"exempt"`
	Ratio     float64       `json:"ratio"`
	Threshold float64       `json:"threshold"`
	Reply     string        `json:"reply,omitempty"`
	Tokens    []tokenReport `json:"tokens,omitempty"`
}

type tokenReport struct {
	Raw        string `json:"raw"`
	Normalized string `json:"normalized"`
	Matched    bool   `json:"matched"`
}

func runScore(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if scoreWords != "" {
		cfg.Dictionary.WordsFile = scoreWords
	}

	det, _, _, err := newDetector(cfg)
	if err != nil {
		return err
	}

	text := dictionary.Lower(strings.Join(args, " "))
	analysis := det.Analyze(text)
	report := newScoreReport(text, analysis, cfg.Layout.Threshold)
	if analysis.Score.Exceeds(cfg.Layout.Threshold) {
		report.Reply = det.Correct(text)
	}

	out := cmd.OutOrStdout()
	if scoreJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Fprintf(out, "score:     %s\n", analysis.Score)
	fmt.Fprintf(out, "threshold: %g\n", report.Threshold)
	for _, tok := range report.Tokens {
		mark := " "
		if tok.Matched {
			mark = "+"
		}
		fmt.Fprintf(out, "  %s %-20s %s\n", mark, tok.Raw, tok.Normalized)
	}
	switch {
	case report.Exempt:
		fmt.Fprintln(out, "verdict:   exempt (native letters present)")
	case report.Reply != "":
		fmt.Fprintf(out, "verdict:   reply %q\n", report.Reply)
	default:
		fmt.Fprintln(out, "verdict:   no reply")
	}
	return nil
}

func newScoreReport(text string, a detector.Analysis, threshold float64) scoreReport {
	r := scoreReport{
		Text:      text,
		Exempt:    a.Score.IsExempt(),
		Threshold: threshold,
	}
	if v, ok := a.Score.Value(); ok {
		r.Ratio = v
	}
	for _, tok := range a.Tokens {
		r.Tokens = append(r.Tokens, tokenReport{Raw: tok.Raw, Normalized: tok.Normalized, Matched: tok.Matched})
	}
	return r
}
