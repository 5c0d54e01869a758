package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bananabatch/internal/discover"
	"bananabatch/internal/output"
	"bananabatch/pkg/api"
	"bananabatch/pkg/batch"
	"bananabatch/pkg/credential"
	"bananabatch/pkg/executor"
	"bananabatch/pkg/grsai"
	"bananabatch/pkg/models"
	"bananabatch/pkg/retry"
	"bananabatch/pkg/shutdown"
	"bananabatch/pkg/upload"
)

var (
	runImageDir       string
	runPromptsFile    string
	runPrompt         string
	runOutputDir      string
	runModel          string
	runAspectRatio    string
	runWorkers        int
	runMaxAttempts    int
	runJobTimeout     time.Duration
	runAcquireTimeout time.Duration
	runCacheSize      int
	runRPS            float64
	runListenAddr     string
)

// runCmd executes one batch
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a generation batch",
	Long: `Run a batch of image generation jobs. Each discovered input image is
combined with each prompt; without input images, one prompt-only job is
created per prompt. Reference images are uploaded once per unique
content, retries rotate across the configured API keys.`,
	RunE: runBatch,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runImageDir, "images", "input/image", "directory of reference images")
	runCmd.Flags().StringVar(&runPromptsFile, "prompts", "input/text/text.txt", "file with one prompt per line")
	runCmd.Flags().StringVar(&runPrompt, "prompt", "", "single prompt (overrides --prompts)")
	runCmd.Flags().StringVar(&runOutputDir, "out", "batch_outputs", "output directory for generated images")
	runCmd.Flags().StringVar(&runModel, "model", "nano-banana-fast", "model name (nano-banana, nano-banana-fast)")
	runCmd.Flags().StringVar(&runAspectRatio, "aspect-ratio", "auto", "aspect ratio (auto, 1:1, 16:9, ...)")
	runCmd.Flags().IntVar(&runWorkers, "workers", 10, "concurrent workers")
	runCmd.Flags().IntVar(&runMaxAttempts, "max-attempts", 3, "attempts per job before it fails")
	runCmd.Flags().DurationVar(&runJobTimeout, "job-timeout", 10*time.Minute, "per-job timeout including retries")
	runCmd.Flags().DurationVar(&runAcquireTimeout, "acquire-timeout", 2*time.Minute, "deadline for acquiring a credential")
	runCmd.Flags().IntVar(&runCacheSize, "cache-size", 0, "upload cache capacity, 0 = unbounded")
	runCmd.Flags().Float64Var(&runRPS, "rps", 2, "requests per second per credential, 0 = unlimited")
	runCmd.Flags().StringVar(&runListenAddr, "listen", "", "serve /status and /metrics on this address while running")
}

func runBatch(cmd *cobra.Command, args []string) error {
	log := newLogger()

	keys := apiKeys()
	if len(keys) == 0 {
		return fmt.Errorf("no API key configured: set BANANA_API_KEY or api_key in the config file")
	}

	prompts, err := loadPrompts()
	if err != nil {
		return err
	}
	if len(prompts) == 0 {
		return fmt.Errorf("no prompts found")
	}

	inputs, err := discover.Images(runImageDir)
	if err != nil {
		return err
	}

	sink, err := output.NewSink(runOutputDir)
	if err != nil {
		return err
	}

	params := models.GenerateParams{
		Model:       runModel,
		AspectRatio: runAspectRatio,
	}
	jobs := batch.BuildJobs(inputs, prompts, params)

	fmt.Printf("Batch: %d images x %d prompts = %d jobs, %d workers, %d keys\n",
		len(inputs), len(prompts), len(jobs), runWorkers, len(keys))

	poolCfg := credential.DefaultConfig()
	poolCfg.RPS = runRPS
	pool, err := credential.NewPool(keys, poolCfg, log)
	if err != nil {
		return err
	}

	client := grsai.NewClient(grsai.Config{BaseURL: viper.GetString("base_url")}, log)
	cache := upload.NewCache(client, pool, runCacheSize, log)

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = runMaxAttempts
	retryCfg.AcquireTimeout = runAcquireTimeout
	controller := retry.NewController(pool, retryCfg, log)

	execCfg := executor.Config{Workers: runWorkers, JobTimeout: runJobTimeout}
	exec := executor.New(execCfg, cache, controller, client, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sd := shutdown.New(10 * time.Second)
	defer sd.Shutdown()

	tracker := api.NewTracker(len(jobs))
	if runListenAddr != "" {
		server := api.NewServer(runListenAddr, tracker, pool, log)
		server.Start()
		sd.Register(shutdown.StopHTTPServer(server, "status"))
	}

	done := 0
	progress := func(res models.Result) {
		tracker.Record(res)
		done++
		switch res.Status {
		case models.JobStatusSucceeded:
			paths, err := sink.Save(res)
			if err != nil {
				log.Error("saving output failed", map[string]interface{}{
					"job":   res.JobID,
					"error": err.Error(),
				})
			}
			fmt.Printf("[%d/%d] %s succeeded in %s (%d attempts, %d files)\n",
				done, len(jobs), res.Name, res.Elapsed.Round(time.Millisecond), res.Attempts, len(paths))
		case models.JobStatusCanceled:
			fmt.Printf("[%d/%d] %s canceled\n", done, len(jobs), res.Name)
		default:
			fmt.Printf("[%d/%d] %s failed: %s\n", done, len(jobs), res.Name, res.Error)
		}
	}

	coord := batch.NewCoordinator(exec, progress, log)
	report := coord.Run(ctx, jobs)

	if err := renderReport(report, sink.Dir()); err != nil {
		return err
	}
	if report.Succeeded == 0 && report.Failed > 0 {
		return fmt.Errorf("all %d jobs failed", report.Failed)
	}
	return nil
}

func loadPrompts() ([]string, error) {
	if runPrompt != "" {
		return []string{runPrompt}, nil
	}
	return discover.Prompts(runPromptsFile)
}

func renderReport(report *models.BatchReport, outDir string) error {
	if IsJSONOutput() {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal report: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Total", fmt.Sprintf("%d", report.Total))
	table.Append("Succeeded", fmt.Sprintf("%d", report.Succeeded))
	table.Append("Failed", fmt.Sprintf("%d", report.Failed))
	table.Append("Canceled", fmt.Sprintf("%d", report.Canceled))
	table.Append("Elapsed", report.Elapsed.Round(time.Millisecond).String())
	table.Append("Output", outDir)
	table.Render()

	if len(report.Failures) > 0 {
		fmt.Println("\nFailed jobs:")
		failures := tablewriter.NewWriter(os.Stdout)
		failures.Header("Job", "Error")
		for _, f := range report.Failures {
			failures.Append(f.Name, f.Error)
		}
		failures.Render()
	}
	return nil
}
