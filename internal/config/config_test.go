package config

import (
	"os"
	"testing"
)

func TestLoad(t *testing.T) {
	os.Setenv("MEETING_BAAS_API_KEY", "test-baas-key")
	defer os.Unsetenv("MEETING_BAAS_API_KEY")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.MeetingBaasAPIKey != "test-baas-key" {
		t.Errorf("Expected MeetingBaasAPIKey 'test-baas-key', got '%s'", cfg.MeetingBaasAPIKey)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	os.Unsetenv("MEETING_BAAS_API_KEY")

	_, err := Load()
	if err == nil {
		t.Error("Expected error when required keys are missing")
	}
}

func TestLoad_Defaults(t *testing.T) {
	os.Setenv("MEETING_BAAS_API_KEY", "test-baas-key")
	defer os.Unsetenv("MEETING_BAAS_API_KEY")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	// Check defaults
	if cfg.Port != "8766" {
		t.Errorf("Expected default Port '8766', got '%s'", cfg.Port)
	}

	if cfg.MeetingBaasAPIURL != "https://api.meetingbaas.com" {
		t.Errorf("Expected default MeetingBaasAPIURL 'https://api.meetingbaas.com', got '%s'", cfg.MeetingBaasAPIURL)
	}

	if cfg.NgrokAPIURL != "http://127.0.0.1:4040" {
		t.Errorf("Expected default NgrokAPIURL 'http://127.0.0.1:4040', got '%s'", cfg.NgrokAPIURL)
	}

	if cfg.BotPortBase != 8765 {
		t.Errorf("Expected default BotPortBase 8765, got %d", cfg.BotPortBase)
	}

	if cfg.PortWindow != 100 {
		t.Errorf("Expected default PortWindow 100, got %d", cfg.PortWindow)
	}

	if cfg.SampleRate != 24000 {
		t.Errorf("Expected default SampleRate 24000, got %d", cfg.SampleRate)
	}

	if cfg.NumChannels != 1 {
		t.Errorf("Expected default NumChannels 1, got %d", cfg.NumChannels)
	}

	if cfg.RegistrationWaitSeconds != 15 {
		t.Errorf("Expected default RegistrationWaitSeconds 15, got %d", cfg.RegistrationWaitSeconds)
	}

	if cfg.TerminateGraceSeconds != 5 {
		t.Errorf("Expected default TerminateGraceSeconds 5, got %d", cfg.TerminateGraceSeconds)
	}

	if cfg.MonitorIntervalMillis != 1000 {
		t.Errorf("Expected default MonitorIntervalMillis 1000, got %d", cfg.MonitorIntervalMillis)
	}
}

func TestLoad_InvalidPortWindow(t *testing.T) {
	os.Setenv("MEETING_BAAS_API_KEY", "test-baas-key")
	os.Setenv("PORT_WINDOW", "0")
	defer os.Unsetenv("MEETING_BAAS_API_KEY")
	defer os.Unsetenv("PORT_WINDOW")

	_, err := Load()
	if err == nil {
		t.Error("Expected error for PORT_WINDOW=0")
	}
}

func TestLoad_EmptyCommands(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"empty bot command", "BOT_COMMAND"},
		{"empty proxy command", "PROXY_COMMAND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Setenv("MEETING_BAAS_API_KEY", "test-baas-key")
			os.Setenv(tt.key, "   ")
			defer os.Unsetenv("MEETING_BAAS_API_KEY")
			defer os.Unsetenv(tt.key)

			if _, err := Load(); err == nil {
				t.Errorf("Expected error for blank %s", tt.key)
			}
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("MEETING_BAAS_API_KEY", "test-baas-key")
	os.Setenv("SAMPLE_RATE", "16000")
	defer os.Unsetenv("MEETING_BAAS_API_KEY")
	defer os.Unsetenv("SAMPLE_RATE")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.SampleRate != 16000 {
		t.Errorf("Expected SampleRate 16000, got %d", cfg.SampleRate)
	}
}

func TestGetEnv(t *testing.T) {
	os.Setenv("TEST_KEY", "test-value")
	defer os.Unsetenv("TEST_KEY")

	value := GetEnv("TEST_KEY", "default")
	if value != "test-value" {
		t.Errorf("Expected 'test-value', got '%s'", value)
	}

	value = GetEnv("NON_EXISTENT_KEY", "default")
	if value != "default" {
		t.Errorf("Expected 'default', got '%s'", value)
	}
}

func TestLoad_ObservabilityDefaults(t *testing.T) {
	os.Setenv("MEETING_BAAS_API_KEY", "test-baas-key")
	os.Unsetenv("LOG_LEVEL")
	defer os.Unsetenv("MEETING_BAAS_API_KEY")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("Expected default LogLevel 'info', got '%s'", cfg.LogLevel)
	}

	if cfg.LogPretty {
		t.Error("Expected default LogPretty false, got true")
	}

	if !cfg.MetricsEnabled {
		t.Error("Expected default MetricsEnabled true, got false")
	}
}
