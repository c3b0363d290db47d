package mqtt

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/hearth/internal/config"
)

type fakeStats struct{}

func (fakeStats) Uptime() time.Duration { return 90*time.Minute + 1500*time.Millisecond }
func (fakeStats) Version() string       { return "1.2.3" }
func (fakeStats) Sessions() int         { return 4 }
func (fakeStats) PendingReminders() int { return 7 }
func (fakeStats) GreetingTasks() int    { return 3 }

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker:             "mqtt://localhost:1883",
		DeviceName:         "den-hearth",
		DiscoveryPrefix:    "homeassistant",
		PublishIntervalSec: 60,
	}
}

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if parts := strings.Split(first, "-"); len(parts) != 5 {
		t.Errorf("id %q does not look like a UUID", first)
	}

	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != first {
		t.Errorf("file content = %q, want %q", got, first)
	}

	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q", second, first)
	}
}

func TestLoadOrCreateInstanceID_UnwritableDir(t *testing.T) {
	if _, err := LoadOrCreateInstanceID(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error when the data dir does not exist")
	}
}

func TestNewDeviceInfo(t *testing.T) {
	info := NewDeviceInfo("test-instance-id", "test-device")
	if info.Name != "test-device" || info.Manufacturer != "Hearth" {
		t.Errorf("info = %+v", info)
	}
	if len(info.Identifiers) != 1 || info.Identifiers[0] != "test-instance-id" {
		t.Errorf("Identifiers = %v, want [test-instance-id]", info.Identifiers)
	}
}

func TestPublisher_TopicPaths(t *testing.T) {
	p := New(testConfig(), "test-id", nil, fakeStats{}, nil)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"baseTopic", p.baseTopic(), "hearth/den-hearth"},
		{"availabilityTopic", p.availabilityTopic(), "hearth/den-hearth/availability"},
		{"stateTopic", p.stateTopic("sessions"), "hearth/den-hearth/sessions/state"},
		{"discoveryTopic", p.discoveryTopic("sensor", "uptime"), "homeassistant/sensor/den-hearth/uptime/config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestPublisher_SensorDefinitions(t *testing.T) {
	cfg := testConfig()
	p := New(cfg, "instance-123", nil, fakeStats{}, nil)

	want := []string{
		"uptime", "version", "sessions", "pending_reminders",
		"greeting_tasks", "tokens_today", "last_request",
	}
	defs := p.sensorDefinitions()
	if len(defs) != len(want) {
		t.Fatalf("got %d sensor definitions, want %d", len(defs), len(want))
	}

	for i, d := range defs {
		if d.entitySuffix != want[i] {
			t.Errorf("defs[%d] = %q, want %q", i, d.entitySuffix, want[i])
		}
		// A name containing the device name gives HA double-prefixed
		// entity IDs.
		if strings.Contains(d.config.Name, cfg.DeviceName) {
			t.Errorf("sensor %s: Name %q contains device name", d.entitySuffix, d.config.Name)
		}
		if !d.config.HasEntityName || d.config.ObjectID != d.entitySuffix {
			t.Errorf("sensor %s: HasEntityName=%v ObjectID=%q", d.entitySuffix, d.config.HasEntityName, d.config.ObjectID)
		}
		if d.config.UniqueID != "instance-123_"+d.entitySuffix {
			t.Errorf("sensor %s: UniqueID = %q", d.entitySuffix, d.config.UniqueID)
		}
		if d.config.AvailabilityTopic != "hearth/den-hearth/availability" {
			t.Errorf("sensor %s: AvailabilityTopic = %q", d.entitySuffix, d.config.AvailabilityTopic)
		}
		if d.config.StateTopic != p.stateTopic(d.entitySuffix) {
			t.Errorf("sensor %s: StateTopic = %q", d.entitySuffix, d.config.StateTopic)
		}
	}
}

func TestPublisher_States(t *testing.T) {
	tokens := NewDailyTokens(time.UTC)
	p := New(testConfig(), "id", tokens, fakeStats{}, nil)

	got := p.states()
	want := map[string]string{
		"uptime":            "1h30m1s",
		"version":           "1.2.3",
		"sessions":          "4",
		"pending_reminders": "7",
		"greeting_tasks":    "3",
		"tokens_today":      "0",
		"last_request":      "unknown",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("states[%s] = %q, want %q", k, got[k], v)
		}
	}

	tokens.OnTokens(100, 20)
	got = p.states()
	if got["tokens_today"] != "120" {
		t.Errorf("tokens_today = %q, want 120", got["tokens_today"])
	}
	if _, err := time.Parse(time.RFC3339, got["last_request"]); err != nil {
		t.Errorf("last_request = %q: %v", got["last_request"], err)
	}

	// Every state has a matching discovery definition.
	for _, d := range p.sensorDefinitions() {
		if _, ok := got[d.entitySuffix]; !ok {
			t.Errorf("no state for sensor %s", d.entitySuffix)
		}
	}
}

func TestSensorConfig_JSON(t *testing.T) {
	p := New(testConfig(), "id", nil, fakeStats{}, nil)
	data, err := json.Marshal(p.sensorDefinitions()[6].config)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	s := string(data)
	for _, want := range []string{`"device_class":"timestamp"`, `"has_entity_name":true`, `"object_id":"last_request"`} {
		if !strings.Contains(s, want) {
			t.Errorf("payload missing %s:\n%s", want, s)
		}
	}
	if strings.Contains(s, "unit_of_measurement") {
		t.Errorf("empty unit should be omitted:\n%s", s)
	}
}

func TestMQTTConfig_Configured(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.MQTTConfig
		want bool
	}{
		{"broker set", config.MQTTConfig{Broker: "mqtt://localhost"}, true},
		{"missing broker", config.MQTTConfig{DeviceName: "hearth"}, false},
		{"empty", config.MQTTConfig{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Configured(); got != tt.want {
				t.Errorf("Configured() = %v, want %v", got, tt.want)
			}
		})
	}
}
