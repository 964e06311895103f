package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"pilapse/internal/align"
	"pilapse/internal/pipeline"
	"pilapse/internal/storage"
)

type fakeJobs struct {
	mu        sync.Mutex
	submitted []pipeline.Job
	err       error
	results   chan pipeline.Result
}

func (f *fakeJobs) Submit(job pipeline.Job) (pipeline.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return job, f.err
	}
	job.ID = "job-1"
	f.submitted = append(f.submitted, job)
	return job, nil
}

func (f *fakeJobs) Subscribe() (<-chan pipeline.Result, func()) {
	return f.results, func() {}
}

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.New(filepath.Join(t.TempDir(), "pilapse.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestHealth(t *testing.T) {
	s := New(":0", nil, nil, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}
}

func TestListEndpoints(t *testing.T) {
	st := newStore(t)
	st.RecordJobQueued(storage.JobRecord{ID: "align-1", JobType: "align", Status: "queued", OptionsJSON: "{}"})
	st.RecordShot(storage.ShotRecord{Path: "/photos/a.png", TakenAt: time.Now(), Width: 8, Height: 8})
	st.RecordCheck(storage.CheckRecord{Source: "live", CheckedAt: time.Now(), Horizontal: true})

	s := New(":0", st, nil, nil)
	for _, path := range []string{"/jobs", "/shots", "/checks"} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", path+"?limit=5", nil))
			if rec.Code != http.StatusOK {
				t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
			}
			var items []map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(items) != 1 {
				t.Fatalf("expected one item, got %d", len(items))
			}
		})
	}
}

func TestListWithoutStore(t *testing.T) {
	s := New(":0", nil, nil, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/checks", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestSubmitJob(t *testing.T) {
	jobs := &fakeJobs{}
	s := New(":0", nil, jobs, nil)

	body := `{"input":"/photos","options":{"fps":30}}`
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/jobs/combine", strings.NewReader(body)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if len(jobs.submitted) != 1 || jobs.submitted[0].Type != pipeline.JobCombine {
		t.Fatalf("unexpected submissions %+v", jobs.submitted)
	}
	if jobs.submitted[0].Options["fps"] != float64(30) {
		t.Fatalf("options not passed: %v", jobs.submitted[0].Options)
	}
}

func TestSubmitJobErrors(t *testing.T) {
	cases := []struct {
		name string
		path string
		body string
		err  error
		code int
	}{
		{"unknown type", "/jobs/stack", `{"input":"x"}`, nil, http.StatusNotFound},
		{"bad body", "/jobs/align", `{`, nil, http.StatusBadRequest},
		{"missing input", "/jobs/align", `{}`, nil, http.StatusBadRequest},
		{"queue full", "/jobs/align", `{"input":"x"}`, pipeline.ErrQueueFull, http.StatusTooManyRequests},
		{"stopped", "/jobs/align", `{"input":"x"}`, errors.New("pipeline stopped"), http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := New(":0", nil, &fakeJobs{err: tc.err}, nil)
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", tc.path, strings.NewReader(tc.body)))
			if rec.Code != tc.code {
				t.Fatalf("expected %d, got %d", tc.code, rec.Code)
			}
		})
	}
}

func TestSubmitJobOutputConfined(t *testing.T) {
	cases := []struct {
		name string
		path string
		body string
		code int
		want string
	}{
		{"align relative", "/jobs/align", `{"input":"/photos/a.png","output":"a_check.png"}`, http.StatusAccepted, filepath.Join("/photos", pipeline.AnnotatedDir, "a_check.png")},
		{"combine relative", "/jobs/combine", `{"input":"/photos","output":"out/tl.avi"}`, http.StatusAccepted, filepath.Join("/photos", "out", "tl.avi")},
		{"no output", "/jobs/align", `{"input":"/photos/a.png"}`, http.StatusAccepted, ""},
		{"absolute", "/jobs/align", `{"input":"/photos/a.png","output":"/etc/cron.d/x.png"}`, http.StatusBadRequest, ""},
		{"parent escape", "/jobs/combine", `{"input":"/photos","output":"../../home/pi/x.avi"}`, http.StatusBadRequest, ""},
		{"hidden escape", "/jobs/align", `{"input":"/photos/a.png","output":"sub/../../x.png"}`, http.StatusBadRequest, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			jobs := &fakeJobs{}
			s := New(":0", nil, jobs, nil)
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", tc.path, strings.NewReader(tc.body)))
			if rec.Code != tc.code {
				t.Fatalf("expected %d, got %d: %s", tc.code, rec.Code, rec.Body.String())
			}
			if tc.code != http.StatusAccepted {
				if len(jobs.submitted) != 0 {
					t.Fatalf("rejected job was submitted: %+v", jobs.submitted)
				}
				return
			}
			if got := jobs.submitted[0].Output; got != tc.want {
				t.Fatalf("expected output %q, got %q", tc.want, got)
			}
		})
	}
}

func TestLiveRejectsCrossOrigin(t *testing.T) {
	s := New(":0", nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.RunHub(ctx)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	header := http.Header{"Origin": []string{"http://attacker.example"}}
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/live", header)
	if err == nil {
		t.Fatal("expected cross-origin handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", resp)
	}
}

func TestJobStream(t *testing.T) {
	jobs := &fakeJobs{results: make(chan pipeline.Result, 1)}
	s := New(":0", nil, jobs, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/stream")
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	jobs.results <- pipeline.Result{Job: pipeline.Job{ID: "align-9", Type: pipeline.JobAlign}, Meta: map[string]any{"ok": true}}

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	if !strings.HasPrefix(line, "data: ") || !strings.Contains(line, `"id":"align-9"`) {
		t.Fatalf("unexpected event %q", line)
	}
}

func TestPreviewAndLive(t *testing.T) {
	s := New(":0", nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.RunHub(ctx)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/preview.png", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any check, got %d", rec.Code)
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/live", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.hub.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	res := align.Result{
		Verdict:     align.Verdict{Horizontal: false, LeftVertical: true, RightVertical: true},
		Expected:    align.Geometry{Y: 42, LeftX: 74, RightX: 126},
		Measurement: align.Measurement{DetectedY: 60},
		Deviations:  []align.Deviation{{Check: "horizontal", Calculated: 60, Expected: 42, Tolerance: 5}},
		Annotated:   image.NewRGBA(image.Rect(0, 0, 6, 4)),
	}
	s.PublishCheck("live", res, nil)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg LiveMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.OK || msg.Verdict["horizontal"] || msg.Measurement.DetectedY != 60 || len(msg.Deviations) != 1 {
		t.Fatalf("unexpected live message %+v", msg)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/preview.png", nil))
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("unexpected preview response %d", rec.Code)
	}
	img, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("decode preview: %v", err)
	}
	if img.Bounds() != image.Rect(0, 0, 6, 4) {
		t.Fatalf("unexpected preview bounds %v", img.Bounds())
	}
}

type frameSource struct {
	configured, closed bool
	frames             int
}

func (f *frameSource) Configure(context.Context) error { f.configured = true; return nil }
func (f *frameSource) Capture(context.Context) (image.Image, error) {
	f.frames++
	return image.NewGray(image.Rect(0, 0, 10, 10)), nil
}
func (f *frameSource) Close() error { f.closed = true; return nil }

type fixedChecker struct {
	res align.Result
	err error
}

func (c fixedChecker) Evaluate(context.Context, image.Image) (align.Result, error) {
	return c.res, c.err
}

func TestLiveLoopOnceRecordsCheck(t *testing.T) {
	st := newStore(t)
	s := New(":0", nil, nil, nil)
	loop := &LiveLoop{
		Source:  &frameSource{},
		Checker: fixedChecker{res: align.Result{Verdict: align.Verdict{Horizontal: true, LeftVertical: true, RightVertical: true}, Annotated: image.NewRGBA(image.Rect(0, 0, 2, 2))}},
		Store:   st,
		Server:  s,
	}
	if err := loop.Once(context.Background()); err != nil {
		t.Fatalf("Once: %v", err)
	}
	checks, err := st.RecentChecks(5)
	if err != nil {
		t.Fatal(err)
	}
	if len(checks) != 1 || checks[0].Source != "live" || !checks[0].Horizontal {
		t.Fatalf("unexpected checks %+v", checks)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.preview == nil {
		t.Fatal("expected preview to be set")
	}
}

func TestLiveLoopRunStopsOnCancel(t *testing.T) {
	src := &frameSource{}
	loop := &LiveLoop{
		Source:   src,
		Checker:  fixedChecker{err: align.ErrMarkerNotFound},
		Interval: 10 * time.Millisecond,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	if err := loop.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !src.configured || !src.closed || src.frames < 2 {
		t.Fatalf("unexpected source state %+v", src)
	}
}
