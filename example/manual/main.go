package main

import (
	"context"
	"log"
	"os"

	"github.com/eminmutu/sweepflow/pkg/sweepflow"
)

// Runs one bidirectional sweep against the simulated instrument and writes
// the results as CSV to stdout. No hardware or config file required.
func main() {
	sim := sweepflow.NewSimulator(sweepflow.SimulatorConfig{})

	runs, err := sweepflow.RunManualSweep(context.Background(), sim, sweepflow.SweepParameters{
		StartLevel:      -2,
		StopLevel:       2,
		StepMagnitude:   0.1,
		ComplianceLimit: 0.01,
		TotalRuns:       3,
	}, nil)
	if err != nil {
		log.Fatalf("manual sweep: %v", err)
	}

	if err := sweepflow.WriteRunsCSV(os.Stdout, runs); err != nil {
		log.Fatalf("write csv: %v", err)
	}
}
