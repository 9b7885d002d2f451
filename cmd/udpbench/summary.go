package main

import (
	"fmt"

	"github.com/kstaniek/udpbench/internal/client"
	"github.com/kstaniek/udpbench/internal/config"
	"github.com/kstaniek/udpbench/internal/latency"
)

// printClientSummary prints the stdout report spec section 4.7/8 describes:
// latency (or burst, or stream-mode throughput), the histogram, and the
// spike list, then warns if cycle pacing was configured but never observed
// to wait (spec section 9's open question on cycle duration).
func printClientSummary(cfg *config.Config, s client.Summary, pipe *latency.Pipeline) {
	if s.Stream {
		printStreamSummary(s)
	} else {
		printLatencySummary(cfg, s)
		if pipe.Samples() > 0 {
			fmt.Printf("Per-sample mean latency is %.3f usec (%d samples)\n", pipe.MeanUsec(), pipe.Samples())
		}
		printHistogram(pipe)
		if cfg.SpikesK > 0 {
			printSpikes(pipe)
		}
	}
	if cfg.DataIntegrity {
		printIntegrityResult(s)
	}
	if cfg.CycleDuration > 0 && s.CycleWaitLoops == 0 {
		fmt.Println("Warning: --cycle_duration is configured but no busy-wait loop was ever observed; the duration is too short to measure.")
	}
}

// printLatencySummary reports the summary-level average latency the
// original computes from wall-clock throughput rather than the mean of
// per-sample RTTs: (total_runtime_usec / (packet_counter * 2)) * burst_size.
// The per-sample arithmetic mean (pipe.MeanUsec) is printed as a secondary
// line right after it; the two numbers diverge under cycle pacing or when
// replies queue up, since the throughput figure folds in that wait time
// and the per-sample figure doesn't.
func printLatencySummary(cfg *config.Config, s client.Summary) {
	if s.PacketCounter == 0 {
		fmt.Printf("Latency is 0.000 usec (no packets sent)\n")
		return
	}
	runtimeUsec := float64(s.Elapsed.Microseconds())
	avg := (runtimeUsec / (float64(s.PacketCounter) * 2)) * float64(s.BurstSize)
	if cfg.BurstSize <= 1 {
		fmt.Printf("Latency is %.3f usec\n", avg)
		return
	}
	fmt.Printf("Latency of burst of %d packets is %.3f usec\n", cfg.BurstSize, avg)
}

func printStreamSummary(s client.Summary) {
	secs := s.Elapsed.Seconds()
	if secs <= 0 {
		secs = 1
	}
	messageRate := float64(s.StreamPackets) / secs
	mbps := float64(s.StreamBytes) / secs / (1024 * 1024)
	fmt.Printf("Message rate is %.2f packets/sec, %.2f MBps\n", messageRate, mbps)
}

func printHistogram(pipe *latency.Pipeline) {
	fmt.Println("Latency histogram (usec):")
	for _, b := range pipe.Histogram.Buckets() {
		if b.LowerBoundUsec < 0 {
			// Add places only 0 usec samples in the implicit +inf bucket.
			fmt.Printf("  = 0      : %d\n", b.Count)
			continue
		}
		fmt.Printf("  > %-7d: %d\n", b.LowerBoundUsec, b.Count)
	}
}

func printSpikes(pipe *latency.Pipeline) {
	fmt.Println("Top spikes (usec @ packet):")
	for _, s := range pipe.Spikes.Entries() {
		fmt.Printf("  %d usec @ packet %d\n", s.LatencyUsec, s.PacketCounter)
	}
}

func printIntegrityResult(s client.Summary) {
	if s.IntegrityFailures == 0 {
		fmt.Println("Data integrity test succeeded")
		return
	}
	fmt.Printf("Data integrity test FAILED (%d mismatches)\n", s.IntegrityFailures)
}
