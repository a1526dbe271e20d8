package config

import (
	"os"
	"testing"
)

func setRequiredEnv() {
	os.Setenv("DEEPGRAM_API_KEY", "test-deepgram-key")
	os.Setenv("CARTESIA_API_KEY", "test-cartesia-key")
	os.Setenv("OPENAI_API_KEY", "test-openai-key")
}

func unsetRequiredEnv() {
	os.Unsetenv("DEEPGRAM_API_KEY")
	os.Unsetenv("CARTESIA_API_KEY")
	os.Unsetenv("OPENAI_API_KEY")
}

func TestLoad(t *testing.T) {
	setRequiredEnv()
	defer unsetRequiredEnv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.DeepgramAPIKey != "test-deepgram-key" {
		t.Errorf("Expected DeepgramAPIKey 'test-deepgram-key', got '%s'", cfg.DeepgramAPIKey)
	}

	if cfg.CartesiaAPIKey != "test-cartesia-key" {
		t.Errorf("Expected CartesiaAPIKey 'test-cartesia-key', got '%s'", cfg.CartesiaAPIKey)
	}

	if cfg.OpenAIAPIKey != "test-openai-key" {
		t.Errorf("Expected OpenAIAPIKey 'test-openai-key', got '%s'", cfg.OpenAIAPIKey)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	unsetRequiredEnv()

	_, err := Load()
	if err == nil {
		t.Error("Expected error when required keys are missing")
	}
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv()
	defer unsetRequiredEnv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected default Port '8080', got '%s'", cfg.Port)
	}

	if cfg.DeepgramModel != "nova-2" {
		t.Errorf("Expected default DeepgramModel 'nova-2', got '%s'", cfg.DeepgramModel)
	}

	if cfg.DeepgramLanguage != "en" {
		t.Errorf("Expected default DeepgramLanguage 'en', got '%s'", cfg.DeepgramLanguage)
	}

	if cfg.CartesiaVoiceID != "sonic-english" {
		t.Errorf("Expected default CartesiaVoiceID 'sonic-english', got '%s'", cfg.CartesiaVoiceID)
	}

	if cfg.CartesiaModelID != "sonic" {
		t.Errorf("Expected default CartesiaModelID 'sonic', got '%s'", cfg.CartesiaModelID)
	}

	if cfg.LLMModel != "gpt-4o" {
		t.Errorf("Expected default LLMModel 'gpt-4o', got '%s'", cfg.LLMModel)
	}

	if cfg.LLMSegmentDelimiter != "•" {
		t.Errorf("Expected default LLMSegmentDelimiter '•', got '%s'", cfg.LLMSegmentDelimiter)
	}

	if cfg.DBPath != "./data/companion.db" {
		t.Errorf("Expected default DBPath './data/companion.db', got '%s'", cfg.DBPath)
	}

	if cfg.STTBufferCapacity != 50 {
		t.Errorf("Expected default STTBufferCapacity 50, got %d", cfg.STTBufferCapacity)
	}
}

func TestLoadFromEnv(t *testing.T) {
	setRequiredEnv()
	defer unsetRequiredEnv()

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.DeepgramAPIKey != "test-deepgram-key" {
		t.Errorf("Expected DeepgramAPIKey 'test-deepgram-key', got '%s'", cfg.DeepgramAPIKey)
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

func TestConfig_ResilienceDefaults(t *testing.T) {
	setRequiredEnv()
	defer unsetRequiredEnv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.CircuitBreakerMaxFailures != 5 {
		t.Errorf("Expected default CircuitBreakerMaxFailures 5, got %d", cfg.CircuitBreakerMaxFailures)
	}

	if cfg.CircuitBreakerResetTimeout != 30 {
		t.Errorf("Expected default CircuitBreakerResetTimeout 30, got %d", cfg.CircuitBreakerResetTimeout)
	}

	if cfg.RetryMaxAttempts != 3 {
		t.Errorf("Expected default RetryMaxAttempts 3, got %d", cfg.RetryMaxAttempts)
	}

	if cfg.RetryInitialBackoff != 100 {
		t.Errorf("Expected default RetryInitialBackoff 100, got %d", cfg.RetryInitialBackoff)
	}

	if cfg.ReconnectMaxAttempts != 5 {
		t.Errorf("Expected default ReconnectMaxAttempts 5, got %d", cfg.ReconnectMaxAttempts)
	}

	if cfg.ReconnectBackoff != 1000 {
		t.Errorf("Expected default ReconnectBackoff 1000, got %d", cfg.ReconnectBackoff)
	}
}

func TestConfig_ObservabilityDefaults(t *testing.T) {
	setRequiredEnv()
	os.Unsetenv("LOG_LEVEL")
	defer unsetRequiredEnv()

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

func TestConfig_TTSDefaults(t *testing.T) {
	setRequiredEnv()
	defer unsetRequiredEnv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.TTSMaxRequestsPerSecond != 5.0 {
		t.Errorf("Expected default TTSMaxRequestsPerSecond 5.0, got %f", cfg.TTSMaxRequestsPerSecond)
	}

	if cfg.TTSCircuitBreakerMaxFail != 5 {
		t.Errorf("Expected default TTSCircuitBreakerMaxFail 5, got %d", cfg.TTSCircuitBreakerMaxFail)
	}
}
