package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"stemdrift/internal/merlin"
	"stemdrift/internal/sim"
	"stemdrift/pkg/calibrate"
	"stemdrift/pkg/config"
	"stemdrift/pkg/instrument"
	"stemdrift/pkg/mosaic"
	"stemdrift/pkg/tilegrid"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "stemdrift.yaml", "Path to YAML configuration file")
	mode := flag.String("mode", "calibrate", "Operation to run: calibrate, tile or detector-setup")
	writeConfig := flag.Bool("write-config", false, "Write the default configuration to -config and exit")
	mosaicPath := flag.String("mosaic", "mosaic.png", "Output path for the stitched grid image (tile mode)")
	trueAngle := flag.Float64("sim-angle", 10.0, "Simulated instrument rotation misalignment in degrees")
	seed := flag.Int64("sim-seed", 1, "Simulated specimen seed")
	flag.Parse()

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	fmt.Println("================================")
	fmt.Println("STEM IMAGE REGISTRATION AND COORDINATE CALIBRATION")
	fmt.Println("================================")

	// The demo binary drives the loops against a simulated instrument. A
	// hardware session implements the same Microscope interface.
	scope := sim.New(sim.Options{
		CanvasSide:   4 * cfg.Acquisition.ImageSize,
		BlockSize:    3,
		Seed:         *seed,
		PixelSize:    1e-9,
		TrueAngleDeg: *trueAngle,
		CoarseGain:   1,
		PiezoGain:    1,
	})

	switch *mode {
	case "calibrate":
		runCalibrate(cfg, scope)
	case "tile":
		runTile(cfg, scope, *mosaicPath)
	case "detector-setup":
		runDetectorSetup(cfg)
	default:
		log.Fatalf("Unknown mode %q (want calibrate, tile or detector-setup)", *mode)
	}
}

// runDetectorSetup configures a real detector for scan-synchronised
// acquisition. This is the one mode that talks to hardware; the others run
// against the simulator.
func runDetectorSetup(cfg *config.Config) {
	client, err := merlin.Dial(cfg.Detector.Address)
	if err != nil {
		log.Fatalf("Failed to connect to detector: %v", err)
	}
	defer client.Close()

	version, err := client.SoftwareVersion()
	if err != nil {
		log.Fatalf("Failed to query detector: %v", err)
	}
	fmt.Printf("Connected to Merlin %s at %s\n", version, cfg.Detector.Address)

	err = client.Setup(merlin.SetupParams{
		Threshold0:    cfg.Detector.Threshold0,
		CounterDepth:  cfg.Detector.CounterDepth,
		DwellTime:     time.Duration(cfg.Acquisition.DwellTimeNs) * time.Nanosecond,
		ImageSize:     cfg.Acquisition.ImageSize,
		FileDirectory: cfg.Detector.FileDirectory,
		FileName:      cfg.Detector.FileName,
	})
	if err != nil {
		log.Fatalf("Detector setup failed: %v", err)
	}
	fmt.Println("Detector configured for scan-synchronised acquisition")
}

func runCalibrate(cfg *config.Config, scope instrument.Microscope) {
	session := calibrate.NewSession(scope, calibrate.Params{
		ImageSize:       cfg.Acquisition.ImageSize,
		DwellTime:       time.Duration(cfg.Acquisition.DwellTimeNs) * time.Nanosecond,
		OverlapFraction: cfg.Registration.OverlapFraction,
		BinFactor:       cfg.Registration.BinFactor,
		GaussianSigma:   cfg.Registration.GaussianSigma,
		StartAngleDeg:   cfg.Calibration.StartAngleDeg,
		ToleranceDeg:    cfg.Calibration.ToleranceDeg,
		MaxRounds:       cfg.Calibration.MaxRounds,
		SettlePoll:      time.Millisecond,
		SettleTimeout:   10 * time.Second,
		Verbose:         cfg.Acquisition.Verbose,
	})

	fmt.Println("Starting rotation angle calibration...")
	startTime := time.Now()
	result, err := session.Run()
	if err != nil {
		log.Fatalf("Calibration failed: %v", err)
	}

	fmt.Printf("\nCalibration finished in %.2f seconds (%s)\n",
		time.Since(startTime).Seconds(), session.State())
	fmt.Printf("Rotation angle estimate: %.3f degrees\n", result.AngleDeg)
	fmt.Printf("Probe rounds: %d\n", len(result.Rounds))
	fmt.Printf("Mean magnitude ratio: %.3f\n", result.MeanMagnitudeRatio())
	if !result.Converged {
		fmt.Println("WARNING: estimate did not converge within the round budget")
	}
}

func runTile(cfg *config.Config, scope instrument.Microscope, mosaicPath string) {
	loop := tilegrid.NewLoop(scope, tilegrid.Params{
		ImageSize:             cfg.Acquisition.ImageSize,
		DwellTime:             time.Duration(cfg.Acquisition.DwellTimeNs) * time.Nanosecond,
		OverlapFraction:       cfg.Registration.OverlapFraction,
		BinFactor:             cfg.Registration.BinFactor,
		GaussianSigma:         cfg.Registration.GaussianSigma,
		Rows:                  cfg.Tiling.Rows,
		Cols:                  cfg.Tiling.Cols,
		ShiftTolerancePx:      cfg.Tiling.ShiftTolerancePx,
		MaxCorrectionAttempts: cfg.Tiling.MaxCorrectionAttempts,
		SettlePoll:            time.Millisecond,
		SettleTimeout:         10 * time.Second,
		Verbose:               cfg.Acquisition.Verbose,
	})

	fmt.Printf("Starting %dx%d tile acquisition...\n", cfg.Tiling.Rows, cfg.Tiling.Cols)
	startTime := time.Now()
	grid, err := loop.Run()
	if err != nil {
		log.Fatalf("Tile acquisition failed: %v", err)
	}

	accepted := 0
	corrections := 0
	for _, tile := range grid.Tiles {
		if tile.SeamAccepted {
			accepted++
		}
		corrections += tile.Corrections
	}
	fmt.Printf("\nGrid acquired in %.2f seconds\n", time.Since(startTime).Seconds())
	fmt.Printf("Seams accepted: %d, total corrections: %d\n", accepted, corrections)

	img, err := mosaic.Stitch(grid, cfg.Registration.OverlapFraction)
	if err != nil {
		log.Fatalf("Stitching failed: %v", err)
	}
	if err := mosaic.Save(img, mosaicPath); err != nil {
		log.Fatalf("Saving mosaic failed: %v", err)
	}
	fmt.Printf("Stitched image saved to: %s\n", mosaicPath)
}
