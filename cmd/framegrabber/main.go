// Command framegrabber captures frames and recordings from live sources through ffmpeg.
//
//	capture   stream still frames from a source to files and/or the preview server
//	record    segmented recording with staging → output rotation
//	timed     record a fixed duration into one file
//	convert   transcode or remux a file
//	merge     concatenate files
//	run       run every job in a JSON job file
//	serve     run a job file with the preview server on
//	killall   terminate engines journaled by earlier runs, by kind
//	reap      terminate every journaled engine left by a crashed run
//	segments  list promoted segments from the ledger
//	transcript print the engine stderr transcript of an operation
package main

import (
	"log"
	"os"
)

func main() {
	log.SetFlags(log.LstdFlags)
	log.SetPrefix("[framegrabber] ")
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
