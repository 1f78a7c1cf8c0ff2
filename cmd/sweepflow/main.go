package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/eminmutu/sweepflow"
	"github.com/eminmutu/sweepflow/internal/app/sweep"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = runCommand(os.Args[2:])
	case "validate":
		err = validateCommand(os.Args[2:])
	case "plan":
		err = planCommand(os.Args[2:])
	case "stats":
		err = statsCommand(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		log.Fatalf("sweepflow %s: %v", cmd, err)
	}
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "./data/config.yaml", "Path to sweep configuration file")
	simulate := fs.Bool("simulate", false, "Run against a simulated instrument instead of the configured channel")
	if err := fs.Parse(args); err != nil {
		return err
	}

	flow, err := sweepflow.Conf(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if *simulate {
		sim := sweepflow.NewSimulator(sweepflow.SimulatorConfig{
			WaitCommand:  flow.Config().Trigger.Wait.Command,
			TriggerDelay: 2 * time.Second,
		})
		flow.Instrument(sweepflow.InstrumentChannel(sim))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return flow.Run(ctx, sweepflow.ResultsCallback("stdout", func(runs []sweepflow.RunSnapshot) error {
		for _, run := range runs {
			status := "complete"
			if run.Partial {
				status = "partial"
			}
			fmt.Printf("run %d: %d points, %s, adjusted=%t\n",
				run.RunIndex, run.PointCount, status, run.Adjusted)
		}
		return nil
	}))
}

func validateCommand(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	cfgPath := fs.String("config", "./data/config.yaml", "Path to configuration file to validate")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := sweepflow.LoadConfig(*cfgPath); err != nil {
		return err
	}
	fmt.Printf("config %s looks good\n", *cfgPath)
	return nil
}

func planCommand(args []string) error {
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	cfgPath := fs.String("config", "./data/config.yaml", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := sweepflow.LoadConfig(*cfgPath)
	if err != nil {
		return err
	}

	p := cfg.Sweep.Parameters()
	segments, path, err := sweep.Plan(p, cfg.Tuning)
	if err != nil {
		return err
	}

	fmt.Printf("sweep %g -> %g step %g (%d run(s)):\n",
		p.StartLevel, p.StopLevel, p.StepMagnitude, p.TotalRuns)
	for i, seg := range segments {
		fmt.Printf("  segment %d: %g -> %g step %g\n", i+1, seg.Start, seg.Stop, seg.Step)
	}
	fmt.Printf("  %d commanded points per run\n", len(path))
	return nil
}

func statsCommand(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	url := fs.String("url", "http://localhost:9100/metrics", "Prometheus metrics endpoint")
	interval := fs.Duration("interval", 2*time.Second, "Refresh interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	fmt.Printf("Streaming metrics from %s (Ctrl+C to stop)\n", *url)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := printMetricsSnapshot(*url); err != nil {
				fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
			}
		}
	}
}

func printMetricsSnapshot(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	targets := map[string]float64{
		"sweepflow_triggers_fired_total":     0,
		"sweepflow_segments_completed_total": 0,
		"sweepflow_points_measured_total":    0,
		"sweepflow_sweeps_failed_total":      0,
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		for key := range targets {
			if strings.HasPrefix(line, key+" ") {
				var value float64
				if _, err := fmt.Sscanf(line, key+" %f", &value); err == nil {
					targets[key] = value
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	fmt.Printf("[%s] triggers=%.0f segments=%.0f points=%.0f failed=%.0f\n",
		time.Now().Format(time.RFC3339),
		targets["sweepflow_triggers_fired_total"],
		targets["sweepflow_segments_completed_total"],
		targets["sweepflow_points_measured_total"],
		targets["sweepflow_sweeps_failed_total"],
	)
	return nil
}

func printUsage() {
	fmt.Printf(`SweepFlow CLI

Usage:
  sweepflow <command> [flags]

Commands:
  run        Start the triggered sweep runtime using the provided config
  validate   Load and validate a config file without touching the instrument
  plan       Print the segments and point count the config's sweep produces
  stats      Poll the Prometheus metrics endpoint and print live counters

Examples:
  sweepflow run -config ./data/config.yaml
  sweepflow run -config ./data/config.yaml -simulate
  sweepflow plan -config ./data/config.yaml
  sweepflow stats -url http://localhost:9100/metrics -interval 1s
`)
}
