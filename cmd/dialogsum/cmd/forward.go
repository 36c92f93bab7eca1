package cmd

import (
	"math/rand"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zqkzzz/dialogue-summarization/autograd"
	"github.com/zqkzzz/dialogue-summarization/optimizations"
	"github.com/zqkzzz/dialogue-summarization/summarization"
	"github.com/zqkzzz/dialogue-summarization/transformer"
)

var (
	fwdExamples   int
	fwdUtterances int
	fwdTokens     int
	fwdTarget     int
	fwdSteps      int
	fwdSave       string
)

var forwardCmd = &cobra.Command{
	Use:   "forward",
	Short: "Run the model on a seeded random batch",
	Long: `Build the model, run one forward pass on a random batch and log the
output shape and loss. With --steps the batch is also overfit for that
many optimizer updates, which is a quick check that gradients flow.`,
	RunE: runForward,
}

func init() {
	rootCmd.AddCommand(forwardCmd)

	forwardCmd.Flags().IntVar(&fwdExamples, "examples", 2, "examples in the batch")
	forwardCmd.Flags().IntVar(&fwdUtterances, "utterances", 3, "utterances per dialogue")
	forwardCmd.Flags().IntVar(&fwdTokens, "tokens", 10, "tokens per utterance")
	forwardCmd.Flags().IntVar(&fwdTarget, "target", 5, "summary length")
	forwardCmd.Flags().IntVar(&fwdSteps, "steps", 0, "optimizer steps on the batch")
	forwardCmd.Flags().StringVar(&fwdSave, "save", "", "write the parameters to this gob file afterwards")
}

func runForward(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	model, err := buildModel(cfg, logger)
	if err != nil {
		return err
	}
	batch, labels := summarization.RandomBatch(rand.New(rand.NewSource(cfg.Seed)), cfg, fwdExamples, fwdUtterances, fwdTokens, fwdTarget)

	loss := func() (*summarization.Losses, error) {
		out, err := model.Forward(batch)
		if err != nil {
			return nil, err
		}
		b, t, w := out.Shape()
		logger.Debug("Forward pass", zap.Int("examples", b), zap.Int("steps", t), zap.Int("width", w))
		return summarization.Loss(out, labels, batch.TargetMask, cfg)
	}

	model.Eval()
	l, err := loss()
	if err != nil {
		return err
	}
	logger.Info("Forward pass done",
		zap.Int("examples", fwdExamples),
		zap.Int("width", model.DecoderModel().Width(min(fwdUtterances, cfg.MaxUtterNumLength)*fwdTokens)),
		zap.Float64("loss", l.Total.At(0, 0)),
		zap.Float64("nll", l.NLL.At(0, 0)))

	if fwdSteps > 0 {
		opt, err := optimizations.NewAdam(model.Parameters(), cfg, logger)
		if err != nil {
			return err
		}
		model.Train()
		for step := 0; step < fwdSteps; step++ {
			l, err := loss()
			if err != nil {
				return err
			}
			if err := autograd.Backward(l.Total); err != nil {
				return err
			}
			opt.Step()
			logger.Info("Step", zap.Int("step", step+1), zap.Float64("loss", l.Total.At(0, 0)))
		}
	}

	if fwdSave != "" {
		if err := transformer.SaveParams(fwdSave, model.Parameters()); err != nil {
			return err
		}
		logger.Info("Saved parameters", zap.String("path", fwdSave))
	}
	return nil
}
