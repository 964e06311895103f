package logging

import (
	"bytes"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pilapse/internal/align"
	"pilapse/internal/config"
)

func TestTraditionalHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewTraditionalHandler(&buf, slog.LevelInfo))

	log.Debug("hidden")
	log.With("job", "align-1").WithGroup("check").Warn("image is not aligned", "expected", 42)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record should be filtered: %s", out)
	}
	if !strings.Contains(out, "[WARN] image is not aligned [job=align-1 check.expected=42]") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetupWritesRotatingFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	dir := t.TempDir()
	cfg := &config.Config{Logging: config.Logging{
		Level:      "info",
		Format:     "text",
		FileOutput: true,
		LogDir:     dir,
		MaxSize:    1,
		MaxBackups: 1,
	}}
	log, closer, err := Setup(cfg)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	log.Info("photo saved", "path", "x.png")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "[INFO] photo saved [path=x.png]") {
		t.Fatalf("log file missing record: %s", data)
	}
}

func TestLogAlignmentLevel(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewTraditionalHandler(&buf, slog.LevelInfo))

	res := align.Result{
		Verdict:     align.Verdict{Horizontal: false, LeftVertical: true, RightVertical: true},
		Measurement: align.Measurement{LeftCenter: image.Pt(370, 216), RightCenter: image.Pt(630, 216), DetectedY: 216},
	}
	LogAlignment(log, "shot.png", res)
	if !strings.Contains(buf.String(), "[WARN] alignment checked") || !strings.Contains(buf.String(), "detected_y=216") {
		t.Fatalf("unexpected output: %s", buf.String())
	}
}
