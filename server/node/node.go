package node

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cyclopcam/displaydetections/pkg/annotate"
	"github.com/cyclopcam/displaydetections/pkg/bus"
	"github.com/cyclopcam/displaydetections/pkg/msgsync"
	"github.com/cyclopcam/displaydetections/pkg/perfstats"
	"github.com/cyclopcam/displaydetections/pkg/rosmsg"
	"github.com/cyclopcam/displaydetections/server/launch"
	"github.com/cyclopcam/logs"
)

// Package node runs the detection overlay: it pairs up images with detections,
// draws the detections, and publishes the result.

// QoS of the annotated image topic. Late subscribers receive the most recent frame.
var OutputQoS = bus.LatchedQoS

type Config struct {
	Launch    *launch.Description // nil = launch.Default()
	QueueSize int                 // Synchronizer queue depth per topic (0 = msgsync.DefaultQueueSize)
	Slop      time.Duration       // Maximum timestamp difference of a pair (0 = msgsync.DefaultSlop)
}

type Node struct {
	Log   logs.Log
	Stats *perfstats.FrameStats

	ImageTopic      string
	DetectionsTopic string
	OutputTopic     string

	transport bus.Transport
	matcher   *msgsync.ApproximateTime[*rosmsg.Image, *rosmsg.Detection2DArray]
	publisher *bus.Publisher[rosmsg.Image]

	ctx          context.Context
	cancel       context.CancelFunc
	subsLock     sync.Mutex
	subs         []bus.Subscription
	signalIn     chan os.Signal
	shutdownOnce sync.Once
	stopped      chan struct{} // Closed by Shutdown
}

func NewNode(logger logs.Log, transport bus.Transport, cfg Config) *Node {
	desc := cfg.Launch
	if desc == nil {
		desc = launch.Default()
	}
	n := &Node{
		Log:             logger,
		Stats:           perfstats.NewFrameStats(),
		ImageTopic:      desc.Resolve(launch.TopicImage),
		DetectionsTopic: desc.Resolve(launch.TopicDetections),
		OutputTopic:     desc.Resolve(launch.TopicDetectionImage),
		transport:       transport,
		stopped:         make(chan struct{}),
	}
	n.matcher = msgsync.NewApproximateTime(cfg.QueueSize, cfg.Slop, n.onDetections)
	n.publisher = bus.NewPublisher[rosmsg.Image](transport, n.OutputTopic, OutputQoS)
	return n
}

// Start subscribes to the input topics. Messages are processed until ctx is cancelled or Shutdown is called.
func (n *Node) Start(ctx context.Context) error {
	n.subsLock.Lock()
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.subsLock.Unlock()

	onError := func(err error) {
		n.Stats.Failed.Add(1)
		n.Log.Warnf("%v", err)
	}

	imageSub, err := bus.Subscribe(n.ctx, n.transport, n.ImageTopic, bus.DefaultQoS, n.matcher.AddA, onError)
	if err != nil {
		return err
	}
	n.addSubscription(imageSub)

	detSub, err := bus.Subscribe(n.ctx, n.transport, n.DetectionsTopic, bus.DefaultQoS, n.matcher.AddB, onError)
	if err != nil {
		n.unsubscribeAll()
		return err
	}
	n.addSubscription(detSub)

	n.Log.Infof("Listening for images on %v and detections on %v. Publishing to %v", n.ImageTopic, n.DetectionsTopic, n.OutputTopic)
	return nil
}

// Run starts the node and blocks until ctx is cancelled or Shutdown is called
func (n *Node) Run(ctx context.Context) error {
	if err := n.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-n.stopped:
	}
	n.Shutdown()
	return nil
}

// Done is closed when the node has shut down
func (n *Node) Done() <-chan struct{} {
	return n.stopped
}

// SyncStats returns the state of the image/detection synchronizer
func (n *Node) SyncStats() msgsync.Stats {
	return n.matcher.Stats()
}

// onDetections is called by the synchronizer for every matched pair.
// A detection without a hypothesis causes the whole frame to be dropped.
func (n *Node) onDetections(img *rosmsg.Image, detections *rosmsg.Detection2DArray) {
	n.Stats.Matched.Add(1)

	start := time.Now()
	out, err := annotate.Annotate(img, detections)
	if err != nil {
		var missing *annotate.MissingHypothesisError
		if errors.As(err, &missing) {
			n.Stats.Rejected.Add(1)
		} else {
			n.Stats.Failed.Add(1)
		}
		n.Log.Errorf("Dropping frame %v: %v", img.Header.Stamp, err)
		return
	}
	n.Stats.AddAnnotateTime(time.Since(start))

	if err := n.publisher.Publish(n.ctx, out); err != nil {
		n.Stats.Failed.Add(1)
		n.Log.Errorf("Failed to publish frame %v: %v", img.Header.Stamp, err)
		return
	}
	n.Stats.AddPublished(time.Now())
}

func (n *Node) addSubscription(s bus.Subscription) {
	n.subsLock.Lock()
	defer n.subsLock.Unlock()
	n.subs = append(n.subs, s)
}

func (n *Node) unsubscribeAll() {
	n.subsLock.Lock()
	subs := n.subs
	n.subs = nil
	n.subsLock.Unlock()
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			n.Log.Warnf("Unsubscribe failed: %v", err)
		}
	}
}

// ListenForKillSignals shuts the node down when we receive SIGINT or SIGTERM.
// Call this before Run.
func (n *Node) ListenForKillSignals() {
	n.signalIn = make(chan os.Signal, 1)
	signal.Notify(n.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-n.signalIn
		if ok {
			n.Log.Infof("Received OS signal '%v'. Shutting down", sig.String())
			n.Shutdown()
		}
	}()
}

// Shutdown stops all subscriptions, and causes Run to return.
// The transport is left open, because we don't own it.
// It is safe to call Shutdown more than once.
func (n *Node) Shutdown() {
	n.shutdownOnce.Do(func() {
		n.Log.Infof("Shutdown")
		if n.signalIn != nil {
			signal.Stop(n.signalIn)
			close(n.signalIn)
		}
		n.unsubscribeAll()
		n.subsLock.Lock()
		if n.cancel != nil {
			n.cancel()
		}
		n.subsLock.Unlock()
		close(n.stopped)
		st := n.Stats.Snapshot()
		n.Log.Infof("Published %v frames, rejected %v, failed %v", st.Published, st.Rejected, st.Failed)
	})
}
