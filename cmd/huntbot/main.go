// huntbot captures a screen region, fuses template and OCR detections into
// a combat state machine, and recalibrates its detector regions as they
// drift. Run with -live to dispatch real clicks; the default is dry-run.
package main

import (
	"context"
	"flag"
	"image"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/huntbot/huntbot/internal/config"
	"github.com/huntbot/huntbot/internal/log"
	"github.com/huntbot/huntbot/pkg/calibration"
	"github.com/huntbot/huntbot/pkg/capture"
	"github.com/huntbot/huntbot/pkg/combat"
	"github.com/huntbot/huntbot/pkg/input"
	"github.com/huntbot/huntbot/pkg/runtime"
	"github.com/huntbot/huntbot/pkg/tile"
	"github.com/huntbot/huntbot/pkg/vision"
	"github.com/huntbot/huntbot/pkg/web"
)

func main() {
	configDir := flag.String("config", "config", "configuration directory")
	live := flag.Bool("live", false, "dispatch real clicks (overrides profile click_mode)")
	monsterID := flag.String("monster", "", "monster profile id (overrides profile)")
	flag.Parse()

	loader := config.NewLoader(*configDir)
	profile, err := loader.LoadProfile()
	if err != nil {
		log.Init("info", "")
		log.Error("load profile", "err", err)
		os.Exit(1)
	}
	log.Init(profile.LogLevel, profile.LogFile)
	if *live {
		profile.ClickMode = "live"
	}
	if *monsterID != "" {
		profile.MonsterID = *monsterID
	}

	monster, err := loader.LoadMonster(profile.MonsterID)
	if err != nil {
		log.Error("load monster profile", "id", profile.MonsterID, "err", err)
		os.Exit(1)
	}
	iface, err := loader.LoadInterface(profile.InterfaceID)
	if err != nil {
		log.Error("load interface profile", "id", profile.InterfaceID, "err", err)
		os.Exit(1)
	}

	region := image.Rect(
		profile.Region[0], profile.Region[1],
		profile.Region[0]+profile.Region[2], profile.Region[1]+profile.Region[3],
	)
	source, err := capture.NewScreenSource(profile.Display, region)
	if err != nil {
		log.Error("open capture source", "err", err)
		os.Exit(1)
	}

	var loop *runtime.Loop
	server := web.NewServer(profile.WebPort, func() any {
		if loop == nil {
			return nil
		}
		return loop.LastResult()
	})

	manager := calibration.NewManager(calibration.Config{
		BaseDir:         profile.Calibration.BaseDir,
		OverridesPath:   profile.Calibration.OverridesPath,
		CaptureCooldown: time.Duration(profile.Calibration.CaptureCooldownS * float64(time.Second)),
	}, server)
	defer manager.Close()

	text := vision.NewTextDetector()
	defer text.Close()

	// The tile lattice feeds the context-menu stages of the attack chain;
	// a zero tile size in the interface profile turns tracking off.
	var grid *tile.Grid
	var tracker *tile.Tracker
	if iface.Tiles.SizePx > 0 {
		grid, err = tile.NewGrid(iface.Tiles.SizePx, region.Min, iface.Tiles.OriginX, iface.Tiles.OriginY)
		if err != nil {
			log.Error("build tile grid", "err", err)
			os.Exit(1)
		}
		tracker = tile.NewTracker(0)
	}

	controller, err := combat.NewController(combat.Config{
		Monster:   monster,
		Interface: iface,
	}, combat.Deps{
		Matcher:    vision.NewTemplateDetector(),
		Text:       text,
		Calibrator: manager,
		Sink:       server,
		Grid:       grid,
		Tracker:    tracker,
	})
	if err != nil {
		log.Error("build controller", "err", err)
		os.Exit(1)
	}
	defer controller.Close()

	var actuator input.Actuator = input.NewDryRunActuator()
	if profile.Live() {
		actuator = input.NewRobotActuator()
		log.Warn("live click mode enabled")
	}

	loop = runtime.New(runtime.Config{
		Period: time.Duration(profile.LoopPeriodMS) * time.Millisecond,
	}, source, controller, actuator, server)

	server.StartAsync()
	defer server.Shutdown()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("huntbot starting",
		"monster", profile.MonsterID,
		"interface", profile.InterfaceID,
		"mode", profile.ClickMode,
		"period_ms", profile.LoopPeriodMS)
	if err := loop.Run(ctx); err != nil && err != context.Canceled {
		log.Error("frame loop error", "err", err)
		os.Exit(1)
	}
}
