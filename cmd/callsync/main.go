package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	callsync "github.com/typolo/callsync/pkg"
	"github.com/typolo/callsync/pkg/config"

	log "github.com/sirupsen/logrus"
)

// command line flag placeholder variables
var configFilePath string
var userID string
var displayName string
var dialUserID string
var video bool
var autoAccept bool

// Parse the command line parameters passed to program in the shell eg "-a" in "ls -a"
func parseProgramCmdlineFlags() {
	flag.StringVar(&configFilePath, "config-file", "callsync-config.json", "Path to the config file. Default is callsync-config.json")
	flag.StringVar(&userID, "user", "", "User id to run the engine as (required)")
	flag.StringVar(&displayName, "name", "", "Display name shown on the other side's incoming call screen")
	flag.StringVar(&dialUserID, "dial", "", "User id to place a call to on startup; leave empty to just wait for incoming calls")
	flag.BoolVar(&video, "video", false, "Place a video call instead of audio only (used with -dial)")
	flag.BoolVar(&autoAccept, "auto-accept", false, "Accept every incoming call automatically")
	flag.Parse()
}

func main() {

	parseProgramCmdlineFlags()
	if userID == "" {
		log.Fatal("The -user flag is required.")
	}
	println("------------ Starting CallSync ----------------|")

	// read the provided config file and set it to the config struct variable
	config, err := config.ReadConfigFile(configFilePath)
	if err != nil {
		log.Warn("Failed to read config file, using defaults: ", err)
	}

	// start the engine
	engine := callsync.NewCallSync(config, callsync.Identity{
		UserID:      userID,
		DisplayName: displayName,
	})
	if err := engine.Start(context.Background()); err != nil {
		log.Fatal("Failed to start call engine: ", err)
	}
	defer engine.Stop()

	events := engine.GetEventStream()
	go func() {
		for evt := range events {
			switch e := evt.(type) {
			case callsync.IncomingCallEvent:
				log.Infof("Incoming %s call %s from %s (%s)", e.Session.MediaKind, e.Session.ID, e.Session.CallerID, e.Session.CallerName)
				if autoAccept {
					ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					if err := engine.AcceptCall(ctx, e.Session.ID); err != nil {
						log.Warn("Failed to accept call: ", err)
					}
					cancel()
				}
			case callsync.StatusChangedEvent:
				log.Infof("Call %s is now %s", e.CallID, e.Status)
			case callsync.RemoteMediaEvent:
				log.Infof("Call %s receiving remote %s", e.CallID, e.Media.Kind)
			case callsync.ConnectionUnstableEvent:
				log.Warnf("Session record unreachable (%d consecutive poll failures)", e.ConsecutiveFailures)
			}
		}
	}()

	if dialUserID != "" {
		kind := callsync.MediaAudio
		if video {
			kind = callsync.MediaVideo
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		callID, err := engine.StartCall(ctx, dialUserID, kind)
		cancel()
		if err != nil {
			log.Fatal("Failed to place call: ", err)
		}
		log.Info("Placed call ", callID)
	}

	// Wait for a signal to stop the program
	systemExitCalled := make(chan os.Signal, 1)                                                     // Create a channel to listen for an interrupt signal from the OS.
	signal.Notify(systemExitCalled, os.Interrupt, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGHUP) // tell the OS to send us a signal on the systemExitCalled go channel when it wants us to exit
	defer time.Sleep(time.Second)                                                                   // sleep a Second at very end to allow everything to finish and clean up.

	<-systemExitCalled
	log.Println("ctrl+c or other system interrupt received, exiting.")
}
