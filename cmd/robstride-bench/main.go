// Command robstride-bench drives a Robstride actuator bus from a config
// file: it brings every configured motor up under a Supervisor, runs a
// scripted setpoint sequence (hold or sine-sweep), optionally serves a
// telemetry websocket, and logs the measured control loop rate until
// interrupted. It has no notion of what the motors are attached to.
package main

import (
	"context"
	"flag"
	"log"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robstride-dev/robstride-go/internal/canframe"
	"github.com/robstride-dev/robstride-go/internal/motorbus"
	"github.com/robstride-dev/robstride-go/internal/telemetry"
	"github.com/robstride-dev/robstride-go/internal/transport"
)

func main() {
	configPath := flag.String("config", "/etc/robstride/config.yaml", "Path to config file")
	listenAddr := flag.String("listen", "", "Override telemetry listen address (e.g. :8090)")
	verbose := flag.Bool("verbose", false, "Set the config's verbose flag (passed to the motor session, which logs no frames)")
	setpointMode := flag.String("mode", "hold", "Setpoint driver: hold (stay at zero) or sine (sweep every motor)")
	amplitude := flag.Float64("amplitude", 1.0, "Sine mode: position amplitude in radians")
	frequency := flag.Float64("frequency", 0.2, "Sine mode: sweep frequency in Hz")
	kp := flag.Float64("kp", 10, "PD proportional gain applied to every motor")
	kd := flag.Float64("kd", 1, "PD derivative gain applied to every motor")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] robstride-bench starting")

	cfg := motorbus.LoadConfig(*configPath)
	if *listenAddr != "" {
		cfg.Telemetry.ListenAddr = *listenAddr
		cfg.Telemetry.Enabled = true
	}
	if *verbose {
		cfg.Verbose = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	link, err := connectWithRetry(ctx, cfg, 10)
	if err != nil {
		log.Fatalf("[main] could not open %s: %v", cfg.PortPath, err)
	}
	defer link.Close()

	motorInfos := make(map[uint8]canframe.MotorType, len(cfg.Motors))
	for _, entry := range cfg.Motors {
		motorInfos[entry.ID] = entry.Type
	}

	supervisor := motorbus.NewSupervisor(link, motorInfos, cfg.Retries, cfg.Verbose, cfg.MinUpdateRateHz, cfg.TargetUpdateRateHz)
	defer supervisor.Stop()

	ids := make([]uint8, 0, len(cfg.Motors))
	for _, entry := range cfg.Motors {
		ids = append(ids, entry.ID)
		if err := supervisor.SetKp(entry.ID, float32(*kp)); err != nil {
			log.Printf("[main] SetKp(%d): %v", entry.ID, err)
		}
		if err := supervisor.SetKd(entry.ID, float32(*kd)); err != nil {
			log.Printf("[main] SetKd(%d): %v", entry.ID, err)
		}
	}

	switch *setpointMode {
	case "hold":
		// targetParams already default to zero; nothing to drive.
	case "sine":
		go driveSineSweep(ctx, supervisor, ids, *amplitude, *frequency)
	default:
		log.Fatalf("[main] unknown -mode %q, want hold or sine", *setpointMode)
	}

	if cfg.Telemetry.Enabled {
		srv := telemetry.New(supervisor, 100*time.Millisecond, cfg.ToJSON, cfg.UpdateFromJSON)
		go func() {
			if err := srv.Run(ctx, cfg.Telemetry.ListenAddr); err != nil {
				log.Printf("[main] telemetry server exited: %v", err)
			}
		}()
	}

	logLoop(ctx, supervisor)
	log.Println("[main] robstride-bench stopped")
}

// logLoop periodically reports the supervisor's measured control rate
// until ctx is cancelled.
func logLoop(ctx context.Context, s *motorbus.Supervisor) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Printf("[main] actual update rate: %.1f Hz", s.GetActualUpdateRate())
		}
	}
}

// driveSineSweep writes a shared sine-wave position setpoint to every id
// in ids at roughly 100Hz, until ctx is cancelled. It does not assume
// anything about what the motors are attached to: amplitude and
// frequency are the same for every id.
func driveSineSweep(ctx context.Context, s *motorbus.Supervisor, ids []uint8, amplitude, frequencyHz float64) {
	start := time.Now()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t := now.Sub(start).Seconds()
			pos := float32(amplitude * math.Sin(2*math.Pi*frequencyHz*t))
			for _, id := range ids {
				if err := s.SetPosition(id, pos); err != nil {
					log.Printf("[main] SetPosition(%d): %v", id, err)
				}
			}
		}
	}
}

// connectWithRetry opens the serial link with exponential backoff,
// starting at 1s and doubling up to 30s, giving up when ctx is cancelled
// or after maxAttempts failed attempts.
func connectWithRetry(ctx context.Context, cfg *motorbus.Config, maxAttempts int) (*transport.Link, error) {
	delay := 1 * time.Second
	maxDelay := 30 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		link, err := transport.Open(transport.Config{PortPath: cfg.PortPath, BaudRate: cfg.BaudRate})
		if err == nil {
			log.Printf("[main] connected to %s (attempt %d)", cfg.PortPath, attempt+1)
			return link, nil
		}

		attempt++
		log.Printf("[main] connect attempt %d to %s failed: %v (retry in %v)", attempt, cfg.PortPath, err, delay)
		if attempt >= maxAttempts {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
