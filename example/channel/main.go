package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/eminmutu/sweepflow"
)

// Streams every finished sweep's runs through a channel sink while the
// runtime re-arms the trigger, using the simulated instrument so the example
// runs without hardware.
func main() {
	flow, err := sweepflow.Conf("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	sim := sweepflow.NewSimulator(sweepflow.SimulatorConfig{
		WaitCommand:  flow.Config().Trigger.Wait.Command,
		TriggerDelay: 5 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink, batches, closeBatches := sweepflow.NewChannelSink("fanout", 8)
	defer closeBatches()

	go fanoutWorker("archive", batches)

	err = flow.
		Instrument(sweepflow.InstrumentChannel(sim)).
		Run(ctx, sweepflow.ResultsSink(sink))
	if err != nil && err != context.Canceled {
		log.Fatalf("runtime error: %v", err)
	}
}

func fanoutWorker(name string, batches <-chan []sweepflow.RunSnapshot) {
	for runs := range batches {
		for _, run := range runs {
			fmt.Printf("[%s] run %d: %d points adjusted=%t at %s\n",
				name, run.RunIndex, run.PointCount, run.Adjusted,
				time.Now().Format(time.RFC3339))
		}
	}
}
