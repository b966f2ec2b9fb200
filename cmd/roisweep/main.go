// roisweep grid-searches a saved frame for the best-matching region of a
// template, printing the normalized ROI and score. Useful for tuning
// detector regions offline from captured calibration artifacts.
package main

import (
	"flag"
	"fmt"
	"os"

	"gocv.io/x/gocv"

	"github.com/huntbot/huntbot/internal/log"
	"github.com/huntbot/huntbot/pkg/calibration"
	"github.com/huntbot/huntbot/pkg/vision"
)

func main() {
	framePath := flag.String("frame", "", "frame image to search (required)")
	tplPath := flag.String("template", "", "template image (required)")
	key := flag.String("key", "nameplate", "detector key: nameplate or attack")
	acceptance := flag.Float64("acceptance", 0.0, "score floor; 0 prints the best region regardless")
	flag.Parse()
	log.Init("info", "")

	if *framePath == "" || *tplPath == "" {
		flag.Usage()
		os.Exit(2)
	}
	k := calibration.Key(*key)

	frame := gocv.IMRead(*framePath, gocv.IMReadColor)
	if frame.Empty() {
		log.Error("unreadable frame", "path", *framePath)
		os.Exit(1)
	}
	defer frame.Close()

	tpl, err := vision.LoadTemplate(*tplPath)
	if err != nil {
		log.Error("unreadable template", "err", err)
		os.Exit(1)
	}
	defer tpl.Close()

	result, found := calibration.SweepFrame(vision.NewTemplateDetector(), k, frame, tpl, nil, *acceptance)
	if !found {
		fmt.Printf("no region scored >= %.3f\n", *acceptance)
		os.Exit(1)
	}
	fmt.Printf("best roi x=%.4f y=%.4f w=%.4f h=%.4f score=%.4f\n",
		result.ROI.X, result.ROI.Y, result.ROI.W, result.ROI.H, result.Score)
}
