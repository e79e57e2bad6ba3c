package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/phiral/gbcemu/internal/emu"
)

// romrunner drives a test ROM headlessly and watches its serial output
// for a pass/fail verdict. Exit codes: 0 pass, 1 fail, 2 timeout.
func main() {
	romPath := flag.String("rom", "", "path to ROM (.gb/.gbc)")
	frames := flag.Int("frames", 20000, "max frames to run")
	until := flag.String("until", "Passed", "stop when serial output contains this substring (case-insensitive)")
	auto := flag.Bool("auto", false, "detect 'Passed' or 'Failed N tests' and set the exit code")
	timeout := flag.Duration("timeout", 0, "optional wall-clock timeout; 0 disables")
	flag.Parse()

	if *romPath == "" {
		log.Fatal("-rom is required")
	}

	var m *emu.Machine
	drainL := make([]byte, emu.AudioRingSize())
	drainR := make([]byte, emu.AudioRingSize())
	host := emu.Host{
		InputSnapshot:         func() byte { return 0 },
		WaitForDataCollection: func() { m.GetAudioData(drainL, drainR) },
		MonotonicMillis:       func() uint32 { return uint32(time.Now().UnixMilli()) },
		GetSpeed:              func() int { return 10 },
	}
	m = emu.New(emu.Config{}, host)
	if err := m.LoadCartridge(*romPath); err != nil {
		log.Fatalf("load cart: %v", err)
	}

	var ser bytes.Buffer
	m.SetSerialWriter(io.MultiWriter(os.Stdout, &ser))

	failRe := regexp.MustCompile(`(?i)failed\s+(\d+)\s+tests?`)

	start := time.Now()
	var deadline time.Time
	if *timeout > 0 {
		deadline = start.Add(*timeout)
	}

	for i := 0; i < *frames; i++ {
		m.StepFrame()
		s := strings.ToLower(ser.String())
		if *auto {
			if strings.Contains(s, "passed") {
				fmt.Printf("\nDetected PASS after %d frames (%s).\n", i+1, time.Since(start).Truncate(time.Millisecond))
				os.Exit(0)
			}
			if mm := failRe.FindString(s); mm != "" {
				fmt.Printf("\nDetected %q after %d frames.\n", mm, i+1)
				os.Exit(1)
			}
		} else if *until != "" && strings.Contains(s, strings.ToLower(*until)) {
			fmt.Printf("\nDetected %q after %d frames (%s).\n", *until, i+1, time.Since(start).Truncate(time.Millisecond))
			return
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			fmt.Printf("\nTimeout after %s.\n", time.Since(start).Truncate(time.Millisecond))
			os.Exit(2)
		}
	}
	fmt.Printf("\nDone: frames=%d elapsed=%s\n", *frames, time.Since(start).Truncate(time.Millisecond))
}
