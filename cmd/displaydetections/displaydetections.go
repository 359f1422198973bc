package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/displaydetections/pkg/bus"
	"github.com/cyclopcam/displaydetections/pkg/bus/membus"
	"github.com/cyclopcam/displaydetections/pkg/bus/redisbus"
	"github.com/cyclopcam/displaydetections/server/launch"
	"github.com/cyclopcam/displaydetections/server/node"
	"github.com/cyclopcam/displaydetections/server/viewer"
	"github.com/cyclopcam/logs"
)

// Images and detections come from other processes, so by default we meet them on a local redis server
const DefaultBusURL = "redis://localhost:6379/0"

func main() {
	parser := argparse.NewParser("displaydetections", "Draw object detections onto camera images")
	launchFile := parser.String("l", "launch", &argparse.Options{Help: "Launch file (YAML) with node name and topic remappings", Default: ""})
	remaps := parser.StringList("r", "remap", &argparse.Options{Help: "Topic remapping, eg '~/image:=/left/image_rect'. May be repeated"})
	busURL := parser.String("b", "bus", &argparse.Options{Help: "Message bus: a redis URL, or 'memory' (in-process only, for testing)", Default: DefaultBusURL})
	httpAddr := parser.String("", "http", &argparse.Options{Help: "Serve the annotated images over HTTP on this address (eg ':8090')", Default: ""})
	queueSize := parser.Int("", "queue-size", &argparse.Options{Help: "Synchronizer queue size per topic", Default: 0})
	slopStr := parser.String("", "slop", &argparse.Options{Help: "Maximum timestamp difference between an image and its detections", Default: "10ms"})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	slop, err := time.ParseDuration(*slopStr)
	if err != nil || slop <= 0 {
		logger.Errorf("Invalid slop '%v'", *slopStr)
		os.Exit(1)
	}

	desc := launch.Default()
	if *launchFile != "" {
		if desc, err = launch.Load(*launchFile); err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
	}
	if err := desc.ApplyRemaps(*remaps); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}

	ctx := context.Background()
	transport, err := openTransport(ctx, logger, *busURL)
	if err != nil {
		logger.Errorf("Failed to open message bus: %v", err)
		os.Exit(1)
	}
	defer transport.Close()

	n := node.NewNode(logger, transport, node.Config{
		Launch:    desc,
		QueueSize: *queueSize,
		Slop:      slop,
	})
	n.ListenForKillSignals()

	var view *viewer.Viewer
	if *httpAddr != "" {
		view = viewer.NewViewer(logger, transport, n)
		if err := view.Start(ctx); err != nil {
			logger.Errorf("Failed to start viewer: %v", err)
			os.Exit(1)
		}
		go func() {
			if err := view.ListenHTTP(*httpAddr); err != nil {
				logger.Errorf("Viewer HTTP: %v", err)
			}
		}()
	}

	if err := n.Start(ctx); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	daemon.SdNotify(false, daemon.SdNotifyReady)

	// Wait for SIGINT or SIGTERM
	<-n.Done()
	if view != nil {
		view.Shutdown()
	}
	logger.Infof("Exiting")
}

func openTransport(ctx context.Context, logger logs.Log, url string) (bus.Transport, error) {
	switch {
	case url == "memory":
		logger.Warnf("Using the in-process memory bus. No other process can publish images or detections to this node")
		return membus.New(), nil
	case strings.HasPrefix(url, "redis://") || strings.HasPrefix(url, "rediss://"):
		return redisbus.Dial(ctx, logger, url)
	}
	return nil, fmt.Errorf("Unknown bus '%v'. Expected 'memory' or a redis:// URL", url)
}
