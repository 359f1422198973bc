package viewer

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/displaydetections/pkg/bus"
	"github.com/cyclopcam/displaydetections/pkg/imgbridge"
	"github.com/cyclopcam/displaydetections/pkg/msgsync"
	"github.com/cyclopcam/displaydetections/pkg/perfstats"
	"github.com/cyclopcam/displaydetections/pkg/rosmsg"
	"github.com/cyclopcam/displaydetections/server/node"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/www"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// Package viewer serves the annotated images over HTTP, so that you can check what
// the node is doing without a ROS toolchain.

// Number of JPEG frames that we will buffer for a websocket client before dropping frames
const WebSocketSendBufferSize = 5

// JPEG quality of the snapshots and the live stream
const JPEGQuality = 85

type Viewer struct {
	Log logs.Log

	node       *node.Node
	transport  bus.Transport
	httpServer *http.Server
	httpRouter *httprouter.Router
	wsUpgrader websocket.Upgrader
	sub        bus.Subscription

	framesReceived atomic.Int64
	framesDropped  atomic.Int64

	lock       sync.Mutex
	latest     *rosmsg.Image
	latestJPEG []byte // Lazily encoded from latest
	clients    map[int64]chan []byte
	nextClient int64
}

func NewViewer(logger logs.Log, transport bus.Transport, n *node.Node) *Viewer {
	v := &Viewer{
		Log:       logger,
		node:      n,
		transport: transport,
		clients:   map[int64]chan []byte{},
	}
	v.setupHttpRoutes()
	return v
}

// Start subscribes to the node's output topic
func (v *Viewer) Start(ctx context.Context) error {
	onError := func(err error) {
		v.Log.Warnf("Viewer: %v", err)
	}
	sub, err := bus.Subscribe(ctx, v.transport, v.node.OutputTopic, node.OutputQoS, v.onFrame, onError)
	if err != nil {
		return err
	}
	v.sub = sub
	return nil
}

func (v *Viewer) setupHttpRoutes() {
	router := httprouter.New()
	www.Handle(v.Log, router, "GET", "/api/ping", v.httpPing)
	www.Handle(v.Log, router, "GET", "/api/stats", v.httpStats)
	www.Handle(v.Log, router, "GET", "/api/latest.jpg", v.httpLatestImage)
	www.Handle(v.Log, router, "GET", "/api/stream", v.httpStream)
	v.httpRouter = router
}

// Handler returns the HTTP handler of the viewer, for embedding or testing
func (v *Viewer) Handler() http.Handler {
	return v.httpRouter
}

// addr example: ":8090"
func (v *Viewer) ListenHTTP(addr string) error {
	v.Log.Infof("Viewer listening on %v", addr)
	v.lock.Lock()
	v.httpServer = &http.Server{
		Addr:    addr,
		Handler: v.httpRouter,
	}
	srv := v.httpServer
	v.lock.Unlock()
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (v *Viewer) Shutdown() {
	if v.sub != nil {
		v.sub.Unsubscribe()
	}

	v.lock.Lock()
	srv := v.httpServer
	for id, c := range v.clients {
		close(c)
		delete(v.clients, id)
	}
	v.lock.Unlock()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			v.Log.Warnf("Viewer HTTP shutdown: %v", err)
		}
	}
}

func (v *Viewer) onFrame(img *rosmsg.Image) {
	v.framesReceived.Add(1)

	v.lock.Lock()
	v.latest = img
	v.latestJPEG = nil
	nClients := len(v.clients)
	v.lock.Unlock()

	if nClients == 0 {
		return
	}
	jpg, err := v.latestJPG()
	if err != nil {
		v.Log.Warnf("Failed to encode frame %v: %v", img.Header.Stamp, err)
		return
	}

	v.lock.Lock()
	defer v.lock.Unlock()
	for _, c := range v.clients {
		// Never block the subscription on a slow client
		if len(c) >= WebSocketSendBufferSize {
			v.framesDropped.Add(1)
		} else {
			c <- jpg
		}
	}
}

// Returns the most recent frame as a JPEG, or nil if we haven't received a frame yet
func (v *Viewer) latestJPG() ([]byte, error) {
	v.lock.Lock()
	img := v.latest
	jpg := v.latestJPEG
	v.lock.Unlock()
	if img == nil || jpg != nil {
		return jpg, nil
	}

	jpg, err := encodeJPEG(img)
	if err != nil {
		return nil, err
	}

	v.lock.Lock()
	if v.latest == img {
		v.latestJPEG = jpg
	}
	v.lock.Unlock()
	return jpg, nil
}

func encodeJPEG(img *rosmsg.Image) ([]byte, error) {
	rgb := img
	if img.Encoding != rosmsg.EncodingRGB8 || int(img.Step) != int(img.Width)*3 {
		rgba, err := imgbridge.ToRGBA(img)
		if err != nil {
			return nil, err
		}
		if rgb, err = imgbridge.FromRGBA(rgba, rosmsg.EncodingRGB8, img.Header); err != nil {
			return nil, err
		}
	}
	wrapped := cimg.WrapImage(int(rgb.Width), int(rgb.Height), cimg.PixelFormatRGB, rgb.Data)
	return cimg.Compress(wrapped, cimg.MakeCompressParams(cimg.Sampling420, JPEGQuality, 0))
}

func (v *Viewer) addClient() (int64, chan []byte) {
	v.lock.Lock()
	defer v.lock.Unlock()
	v.nextClient++
	c := make(chan []byte, WebSocketSendBufferSize)
	v.clients[v.nextClient] = c
	return v.nextClient, c
}

func (v *Viewer) removeClient(id int64) {
	v.lock.Lock()
	defer v.lock.Unlock()
	if c, ok := v.clients[id]; ok {
		close(c)
		delete(v.clients, id)
	}
}

func (v *Viewer) numClients() int {
	v.lock.Lock()
	defer v.lock.Unlock()
	return len(v.clients)
}

func (v *Viewer) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendOK(w)
}

type viewerStatsJSON struct {
	FramesReceived int64 `json:"framesReceived"`
	FramesDropped  int64 `json:"framesDropped"` // Dropped because a websocket client was too slow
	Clients        int   `json:"clients"`
}

type statsJSON struct {
	Hostname string             `json:"hostname"`
	Topics   map[string]string  `json:"topics"`
	Frames   perfstats.Snapshot `json:"frames"`
	Sync     msgsync.Stats      `json:"sync"`
	Viewer   viewerStatsJSON    `json:"viewer"`
}

func (v *Viewer) httpStats(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	hostname, _ := os.Hostname()
	www.SendJSON(w, &statsJSON{
		Hostname: hostname,
		Topics: map[string]string{
			"image":      v.node.ImageTopic,
			"detections": v.node.DetectionsTopic,
			"output":     v.node.OutputTopic,
		},
		Frames: v.node.Stats.Snapshot(),
		Sync:   v.node.SyncStats(),
		Viewer: viewerStatsJSON{
			FramesReceived: v.framesReceived.Load(),
			FramesDropped:  v.framesDropped.Load(),
			Clients:        v.numClients(),
		},
	})
}

// Fetch a JPG of the most recent annotated frame.
// Example: curl -o img.jpg localhost:8090/api/latest.jpg
func (v *Viewer) httpLatestImage(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	jpg, err := v.latestJPG()
	www.Check(err)
	if jpg == nil {
		www.PanicBadRequestf("No image available yet")
	}
	w.Header().Set("Cache-Control", "no-store, must-revalidate")
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(jpg)
}

// Stream annotated frames over a websocket, as binary JPEG messages
func (v *Viewer) httpStream(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	conn, err := v.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		v.Log.Errorf("httpStream websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	id, frames := v.addClient()
	defer v.removeClient(id)
	v.Log.Infof("Websocket client %v connected", id)

	// Read from the websocket so that we notice when the client goes away
	closed := make(chan bool)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				close(closed)
				return
			}
		}
	}()

	// Start the client off with the latest frame, if we have one
	if jpg, err := v.latestJPG(); err == nil && jpg != nil {
		if err := conn.WriteMessage(websocket.BinaryMessage, jpg); err != nil {
			return
		}
	}

	for {
		select {
		case jpg, ok := <-frames:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, jpg); err != nil {
				v.Log.Infof("Websocket client %v write failed: %v", id, err)
				return
			}
		case <-closed:
			v.Log.Infof("Websocket client %v disconnected", id)
			return
		}
	}
}
