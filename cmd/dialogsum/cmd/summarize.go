package cmd

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zqkzzz/dialogue-summarization/IO"
	"github.com/zqkzzz/dialogue-summarization/summarization"
)

var (
	tokenizerPath string
	dialogue      string
	maxLen        int
)

var summarizeCmd = &cobra.Command{
	Use:   "summarize",
	Short: "Greedily decode summaries",
	Long: `Summarize the --dialogue argument, or every row of predict_data_path
when no dialogue is given. CSV predictions go to
<data_dir>/<predict_output>.csv.`,
	RunE: runSummarize,
}

func init() {
	rootCmd.AddCommand(summarizeCmd)

	summarizeCmd.Flags().StringVar(&tokenizerPath, "tokenizer", "tokenizer.json", "tokenizer.json of the pretrained encoder")
	summarizeCmd.Flags().StringVar(&dialogue, "dialogue", "", `dialogue in AutoMaster form, e.g. "车主说：...|技师说：..."`)
	summarizeCmd.Flags().IntVar(&maxLen, "max-len", 0, "summary length cap (0 means max_decode_output_length)")
}

func runSummarize(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	tok, err := IO.LoadTokenizer(tokenizerPath)
	if err != nil {
		return err
	}
	builder, err := IO.NewBuilder(tok, cfg)
	if err != nil {
		return err
	}
	model, err := buildModel(cfg, logger)
	if err != nil {
		return err
	}
	model.Eval()
	if maxLen <= 0 {
		maxLen = cfg.MaxDecodeOutputLength
	}

	summarize := func(examples []IO.Example) ([]string, error) {
		for i := range examples {
			examples[i].Summary = ""
		}
		batch, _, err := builder.Build(examples)
		if err != nil {
			return nil, err
		}
		ids, err := model.Generate(batch, builder.Bos, builder.Eos, maxLen)
		if err != nil {
			return nil, err
		}
		out := make([]string, len(ids))
		for i, s := range ids {
			out[i] = tok.Decode(s)
		}
		return out, nil
	}

	if dialogue != "" {
		utts := IO.ParseDialogue(dialogue)
		if len(utts) == 0 {
			return fmt.Errorf("%w: dialogue has no utterances", summarization.ErrShapeMismatch)
		}
		got, err := summarize([]IO.Example{{Utterances: utts}})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), got[0])
		return nil
	}

	examples, err := IO.ReadExamplesFile(cfg.PredictDataPath)
	if err != nil {
		return err
	}
	path := filepath.Join(cfg.DataDir, cfg.PredictOutput+".csv")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write([]string{"QID", "Prediction"}); err != nil {
		return err
	}
	for start := 0; start < len(examples); start += cfg.BatchSize {
		chunk := examples[start:min(start+cfg.BatchSize, len(examples))]
		got, err := summarize(chunk)
		if err != nil {
			return err
		}
		for i, s := range got {
			if err := w.Write([]string{chunk[i].ID, s}); err != nil {
				return err
			}
		}
		logger.Debug("Summarized batch", zap.Int("start", start), zap.Int("size", len(chunk)))
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	logger.Info("Wrote predictions", zap.String("path", path), zap.Int("examples", len(examples)))
	return f.Close()
}
