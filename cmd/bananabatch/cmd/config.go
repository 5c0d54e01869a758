package cmd

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configOutput string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configRecommendCmd = &cobra.Command{
	Use:   "recommend",
	Short: "Recommend batch settings for this host",
	Long: `Inspects the host (CPU count, memory) and prints recommended worker
and retry settings. The worker count is bounded by the remote API's
tolerance rather than raw core count, since jobs are network bound.`,
	RunE: runConfigRecommend,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configRecommendCmd)

	configRecommendCmd.Flags().StringVarP(&configOutput, "output", "o", "text",
		"Output format: text, json, yaml")
}

type hostInfo struct {
	CPUCores  int    `json:"cpu_cores" yaml:"cpu_cores"`
	MemoryGB  uint64 `json:"memory_gb" yaml:"memory_gb"`
	GoRuntime string `json:"go_runtime" yaml:"go_runtime"`
}

type recommendation struct {
	Host           hostInfo `json:"host" yaml:"host"`
	Workers        int      `json:"workers" yaml:"workers"`
	MaxAttempts    int      `json:"max_attempts" yaml:"max_attempts"`
	RPSPerKey      float64  `json:"rps_per_key" yaml:"rps_per_key"`
	JobTimeout     string   `json:"job_timeout" yaml:"job_timeout"`
	AcquireTimeout string   `json:"acquire_timeout" yaml:"acquire_timeout"`
}

func runConfigRecommend(cmd *cobra.Command, args []string) error {
	cores, err := cpu.Counts(true)
	if err != nil || cores <= 0 {
		cores = runtime.NumCPU()
	}

	var memGB uint64
	if vm, err := mem.VirtualMemory(); err == nil {
		memGB = vm.Total / (1024 * 1024 * 1024)
	}

	// jobs are network bound, so scale past core count but stay under
	// what a rate-limited remote tolerates
	workers := cores * 2
	if workers > 16 {
		workers = 16
	}
	if workers < 4 {
		workers = 4
	}

	rec := recommendation{
		Host: hostInfo{
			CPUCores:  cores,
			MemoryGB:  memGB,
			GoRuntime: runtime.Version(),
		},
		Workers:        workers,
		MaxAttempts:    3,
		RPSPerKey:      2,
		JobTimeout:     "10m",
		AcquireTimeout: "2m",
	}

	switch configOutput {
	case "json":
		data, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal recommendation: %w", err)
		}
		fmt.Println(string(data))
	case "yaml":
		data, err := yaml.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal recommendation: %w", err)
		}
		fmt.Print(string(data))
	default:
		fmt.Printf("Host: %d cores, %d GB RAM (%s)\n", rec.Host.CPUCores, rec.Host.MemoryGB, rec.Host.GoRuntime)
		fmt.Printf("Recommended settings:\n")
		fmt.Printf("  --workers %d\n", rec.Workers)
		fmt.Printf("  --max-attempts %d\n", rec.MaxAttempts)
		fmt.Printf("  --rps %.0f\n", rec.RPSPerKey)
		fmt.Printf("  --job-timeout %s\n", rec.JobTimeout)
		fmt.Printf("  --acquire-timeout %s\n", rec.AcquireTimeout)
	}
	return nil
}
