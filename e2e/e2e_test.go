package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"gocv.io/x/gocv"

	"github.com/ayusman/tagcast/internal/app"
	"github.com/ayusman/tagcast/internal/broker"
	"github.com/ayusman/tagcast/internal/capture"
	"github.com/ayusman/tagcast/internal/detector"
	"github.com/ayusman/tagcast/internal/message"
	"github.com/ayusman/tagcast/internal/metrics"
	"github.com/ayusman/tagcast/internal/server"
	"github.com/ayusman/tagcast/internal/store"
)

func TestE2E_CompleteRun(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test")
	}

	s, err := store.New(filepath.Join(t.TempDir(), "data.db"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	defer s.Close()

	cal := &store.Calibration{
		Name: "field", Width: 640, Height: 480,
		Intrinsics: capture.Intrinsics{Fx: 600, Fy: 600, Ppx: 320, Ppy: 240},
		Distortion: [5]float64{0.05, -0.01, 0, 0, 0},
	}
	if err := s.Calibrations().Put(cal); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	frames := make([]*gocv.Mat, 5)
	for i := range frames {
		m := gocv.NewMatWithSize(480, 640, gocv.MatTypeCV8UC3)
		defer m.Close()
		frames[i] = &m
	}

	tagB := detector.Detection{ID: 7, Translation: [9]float64{0.5, -0.25, 2}}
	binder := detector.NewMockBinder()
	binder.Detector.SetBatches(
		[]detector.Detection{detector.TagA()},
		nil,
		[]detector.Detection{detector.TagA(), tagB},
	)

	corrector := capture.NewCorrector(cal.Intrinsics, cal.Distortion[:])
	defer corrector.Close()

	publisher := broker.NewMockPublisher()
	collector := metrics.NewCollector()
	hub := server.NewHub(nil)

	// Hold the first frame until a subscriber is connected.
	gate := make(chan struct{})
	binder.OnBind = func(detector.BindParams) { <-gate }

	pipeline := app.New(app.Config{
		Publisher:  publisher,
		Camera:     capture.NewMockCamera(frames, false),
		Corrector:  corrector,
		Binder:     binder,
		Intrinsics: cal.Intrinsics,
		Metrics:    collector,
		OnPublish:  hub.Broadcast,
	})

	srv := server.New(server.Config{Pipeline: pipeline, Hub: hub, RunID: "e2e"})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	run := &store.Run{ID: "e2e", Calibration: cal.Name}
	if err := s.Runs().Start(run); err != nil {
		t.Fatalf("Runs().Start() error = %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/detections", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	for deadline := time.Now().Add(2 * time.Second); hub.Clients() == 0; {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	done := make(chan error, 1)
	go func() { done <- pipeline.Run(context.Background()) }()
	close(gate)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline did not finish")
	}

	t.Run("Published", func(t *testing.T) {
		msgs := publisher.Messages()
		if len(msgs) != 2 {
			t.Fatalf("published %d messages, want 2", len(msgs))
		}
		records, err := message.Decode(msgs[1].Payload)
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if len(records) != 2 || records[1].ID != 7 || float64(records[1].Pos.Z) != 2 {
			t.Errorf("records = %+v", records)
		}
	})

	t.Run("Subscriber", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, data, err := conn.ReadMessage()
			if err != nil {
				t.Fatalf("read %d: %v", i, err)
			}
			if _, err := message.Decode(data); err != nil {
				t.Errorf("subscriber payload %d is not a tag batch: %v", i, err)
			}
		}
	})

	t.Run("Status", func(t *testing.T) {
		resp, err := ts.Client().Get(ts.URL + "/api/status")
		if err != nil {
			t.Fatalf("get status: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}

		var status server.StatusResponse
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if status.State != app.StateTerminated.String() {
			t.Errorf("state = %q", status.State)
		}
		if status.Metrics.Frames != 4 || status.Metrics.Published != 2 || status.Metrics.Detections != 3 {
			t.Errorf("metrics = %+v", status.Metrics)
		}
	})

	t.Run("RunSummary", func(t *testing.T) {
		snap := collector.Snapshot()
		run.Frames = snap.Frames
		run.Published = snap.Published
		run.Outcome = store.OutcomeStreamClosed
		if err := s.Runs().Finish(run); err != nil {
			t.Fatalf("Finish() error = %v", err)
		}

		got, err := s.Runs().Get("e2e")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.Outcome != store.OutcomeStreamClosed || got.Published != 2 || got.Calibration != "field" {
			t.Errorf("run = %+v", got)
		}
	})
}
