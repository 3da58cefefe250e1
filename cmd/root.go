// cmd/root.go
package cmd

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/batchserve/engine/internal/admission"
	"github.com/batchserve/engine/internal/block"
	"github.com/batchserve/engine/internal/config"
	"github.com/batchserve/engine/internal/engine"
	"github.com/batchserve/engine/internal/executor"
	"github.com/batchserve/engine/internal/modelconfig"
	"github.com/batchserve/engine/internal/profiling"
	"github.com/batchserve/engine/internal/sampler"
	"github.com/batchserve/engine/internal/scheduler"
	"github.com/batchserve/engine/internal/tokenizer"
)

var (
	configPath      string
	modelConfigPath string
	hfRepo          string
	promptsPath     string
	logLevel        string
	totalKVBlocks   int
	deviceBytes     int64
	reservedBytes   int64
)

var rootCmd = &cobra.Command{
	Use:   "batchserve",
	Short: "Continuous-batching inference engine",
}

// stdoutSink streams decoded deltas straight to stdout as they arrive.
type stdoutSink struct{}

func (stdoutSink) Send(text string) bool {
	_, err := os.Stdout.WriteString(text)
	return err == nil
}

func (stdoutSink) Close() { _, _ = os.Stdout.WriteString("\n") }

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Load prompts and drive the engine's step loop to completion",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		cfg := config.Default()
		if configPath != "" {
			loaded, err := config.Load(configPath)
			if err != nil {
				logrus.Fatalf("config: %v", err)
			}
			cfg = *loaded
		}

		blockSize := cfg.KVCacheBlockSize
		if totalKVBlocks <= 0 {
			totalKVBlocks = resolveTotalBlocks(cfg, blockSize)
		}
		blocks := block.NewManager(totalKVBlocks, blockSize)

		limits := scheduler.Limits{MaxNumBatchedTokens: cfg.MaxNumBatchedTokens, MaxNumSeqs: cfg.MaxNumSeqs}
		sched := scheduler.New(limits, blocks, orderer(cfg.QueueOrderPolicy))

		if modelConfigPath == "" && hfRepo != "" {
			dir, err := FetchModelConfig(hfRepo, ".")
			if err != nil {
				logrus.Fatalf("hf-repo: %v", err)
			}
			modelConfigPath = dir + "/config.json"
		}
		modelCfg := loadOrDefaultModelConfig(modelConfigPath)
		tok := tokenizer.NewWordTokenizerWithEOS(modelCfg.EOSTokenID)
		exec := buildExecutor(modelCfg, blockSize)
		if freer, ok := exec.(scheduler.KVFreer); ok {
			sched.SetKVFreer(freer)
		}
		samp := sampler.New(cfg.Sampling.Seed)
		admit := admission.New(cfg.AdmissionPolicy, float64(cfg.MaxNumBatchedTokens), 1000)

		eng := engine.New(
			engine.Config{MaxNumBatchedTokens: cfg.MaxNumBatchedTokens, MaxNumSeqs: cfg.MaxNumSeqs, MaxModelLen: cfg.MaxModelLen},
			tok, blocks, sched, exec, samp, admit,
			sampler.Params{Temperature: cfg.Sampling.Temperature, TopP: cfg.Sampling.TopP, TopK: cfg.Sampling.TopK},
		)

		prompts := loadPrompts(promptsPath)
		now := time.Now().UnixMicro()
		admitted := 0
		for i, p := range prompts {
			if _, err := eng.AddRequest(p, stdoutSink{}, now+int64(i)); err != nil {
				logrus.Warnf("prompt %d rejected: %v", i, err)
				continue
			}
			admitted++
		}

		stepModel := profiling.NewStepTimeModel([]float64{0.01}, []float64{500})
		smoother := profiling.NewLatencySmoother(0.01, 100.0)
		advisor := profiling.NewCapacityAdvisor(stepModel)

		maxSteps := cfg.MaxModelLen*len(prompts) + 1
		for step := 0; step < maxSteps && admitted > 0; step++ {
			t0 := time.Now()
			if err := eng.Step(); err != nil {
				logrus.Fatalf("engine: %v", err)
			}
			elapsedMicros := float64(time.Since(t0).Microseconds())
			smoothed := smoother.Smooth(elapsedMicros)
			stepModel.Observe(cfg.MaxNumBatchedTokens, smoothed)
		}

		recommended := advisor.RecommendBatchBudget(cfg.ExpectedArrivalRate, cfg.StepSLOMicros, cfg.MaxNumBatchedTokens)
		logrus.Infof("capacity advisor: recommends max_num_batched_tokens<=%d to hold step latency under %.0fus at %.1f req/s (configured: %d)",
			recommended, cfg.StepSLOMicros, cfg.ExpectedArrivalRate, cfg.MaxNumBatchedTokens)

		eng.Close()
		logrus.Info("run complete")
	},
}

func orderer(name string) scheduler.QueueOrderer {
	switch name {
	case "sjf":
		return scheduler.ShortestJobFirst{}
	default:
		return scheduler.FCFS{}
	}
}

// loadOrDefaultModelConfig loads path when given; otherwise returns a
// small built-in architecture so `run` always has a model to build
// (weight acquisition is an external collaborator).
func loadOrDefaultModelConfig(path string) *modelconfig.ModelConfig {
	if path == "" {
		return &modelconfig.ModelConfig{
			HiddenSize: 64, NumHiddenLayers: 2, NumAttentionHeads: 4, NumKeyValueHeads: 4,
			VocabSize: 256, IntermediateSize: 128, RMSNormEps: 1e-6, RopeTheta: 10000, MaxPositionEmbed: 2048, HeadDim: 16,
			EOSTokenID: tokenizer.DefaultEOSTokenID,
		}
	}
	cfg, err := modelconfig.Load(path)
	if err != nil {
		logrus.Fatalf("model config: %v", err)
	}
	return cfg
}

// buildExecutor constructs a random-weight transformer executor for cfg
// (real checkpoint loading is out of scope for this core).
func buildExecutor(cfg *modelconfig.ModelConfig, blockSize int) executor.Executor {
	weights := executor.RandomWeights(0, cfg.NumHiddenLayers, cfg.HiddenSize, cfg.NumAttentionHeads, cfg.NumKeyValueHeads, cfg.HeadDim, cfg.IntermediateSize, cfg.VocabSize)
	return executor.NewTransformerExecutor(cfg, weights, blockSize)
}

// resolveTotalBlocks uses internal/profiling's KV-cache sizer when no
// explicit --kv-blocks override is given, deriving a block budget from
// gpu_memory_utilization.
func resolveTotalBlocks(cfg config.Config, blockSize int) int {
	sizer := profiling.NewKVCacheSizer(32, 8, 128, blockSize, 2)
	blocks := sizer.TotalBlocks(deviceBytes, cfg.GPUMemoryUtilization, reservedBytes)
	if blocks <= 0 {
		return 256
	}
	return blocks
}

func loadPrompts(path string) []string {
	if path == "" {
		return []string{"hello there", "what is the weather"}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logrus.Fatalf("prompts file: %v", err)
	}
	return splitLines(string(data))
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			if line := s[start:i]; line != "" {
				lines = append(lines, line)
			}
			start = i + 1
		}
	}
	if start < len(s) {
		if line := s[start:]; line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	runCmd.Flags().StringVar(&configPath, "config", "", "path to engine config YAML")
	runCmd.Flags().StringVar(&modelConfigPath, "model-config", "", "path to model config.json (small random-weight model if empty)")
	runCmd.Flags().StringVar(&hfRepo, "hf-repo", "", "HuggingFace org/model to fetch config.json from when --model-config is empty")
	runCmd.Flags().StringVar(&promptsPath, "prompts", "", "newline-delimited prompts file")
	runCmd.Flags().StringVar(&logLevel, "log", "info", "log level (debug, info, warn, error)")
	runCmd.Flags().IntVar(&totalKVBlocks, "kv-blocks", 0, "total KV blocks (0 = derive from gpu-memory-utilization)")
	runCmd.Flags().Int64Var(&deviceBytes, "device-bytes", 16<<30, "simulated device memory budget in bytes")
	runCmd.Flags().Int64Var(&reservedBytes, "reserved-bytes", 2<<30, "bytes reserved for weights/activations")

	rootCmd.AddCommand(runCmd)
}
