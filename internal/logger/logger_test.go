package logger

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewWriterEmitsComponentField(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, logrus.DebugLevel)

	log.WithOrderID("watcher", "P1_ENTRY").Info("order updated")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not json: %v (%s)", err, buf.String())
	}
	if line["component"] != "watcher" {
		t.Errorf("component = %v, want watcher", line["component"])
	}
	if line["client_order_id"] != "P1_ENTRY" {
		t.Errorf("client_order_id = %v", line["client_order_id"])
	}
}

func TestNewFallsBackToInfoOnUnknownLevel(t *testing.T) {
	log := New(Config{Level: "loud", Output: filepath.Join(t.TempDir(), "exec.log")})
	if log.log.GetLevel() != logrus.InfoLevel {
		t.Fatalf("level = %s, want info", log.log.GetLevel())
	}
}

func TestWithGroupIDOmitsEmptyID(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, logrus.InfoLevel)

	log.WithGroupID("oco", "").Info("sweep")
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not json: %v", err)
	}
	if _, ok := line["group_id"]; ok {
		t.Fatalf("empty group id logged: %v", line)
	}

	buf.Reset()
	log.WithGroupID("oco", "P1").Info("group active")
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not json: %v", err)
	}
	if line["group_id"] != "P1" || line["component"] != "oco" {
		t.Fatalf("fields = %v", line)
	}
}

func TestDiscardDropsOutput(t *testing.T) {
	log := Discard()
	log.WithComponent("test").Error("nobody hears this")
}
