package env

import (
	"os"
	"testing"
	"time"
)

func TestGetEnvString(t *testing.T) {
	tests := []struct {
		name         string
		envValue     string
		setEnv       bool
		defaultValue string
		expected     string
	}{
		{"existing variable", "cassandra:9042", true, "default", "cassandra:9042"},
		{"empty value counts as set", "", true, "default", ""},
		{"missing variable", "", false, "default", "default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "TEST_ENV_STRING"
			if tt.setEnv {
				t.Setenv(key, tt.envValue)
			} else {
				if err := os.Unsetenv(key); err != nil {
					t.Fatalf("failed to unset environment variable: %v", err)
				}
			}

			result := GetEnvString(key, tt.defaultValue)
			if result != tt.expected {
				t.Errorf("GetEnvString(%s, %s) = %s, want %s", key, tt.defaultValue, result, tt.expected)
			}
		})
	}
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		name         string
		envValue     string
		setEnv       bool
		defaultValue bool
		expected     bool
	}{
		{"true value", "true", true, false, true},
		{"false value", "false", true, true, false},
		{"numeric true", "1", true, false, true},
		{"invalid value falls back", "not-a-bool", true, true, true},
		{"missing variable", "", false, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "TEST_ENV_BOOL"
			if tt.setEnv {
				t.Setenv(key, tt.envValue)
			} else {
				if err := os.Unsetenv(key); err != nil {
					t.Fatalf("failed to unset environment variable: %v", err)
				}
			}

			result := GetEnvBool(key, tt.defaultValue)
			if result != tt.expected {
				t.Errorf("GetEnvBool(%s, %t) = %t, want %t", key, tt.defaultValue, result, tt.expected)
			}
		})
	}
}

func TestGetEnvInt(t *testing.T) {
	tests := []struct {
		name         string
		envValue     string
		setEnv       bool
		defaultValue int
		expected     int
	}{
		{"positive integer", "9002", true, 8080, 9002},
		{"negative integer", "-5", true, 0, -5},
		{"invalid value falls back", "12.5", true, 3, 3},
		{"missing variable", "", false, 3, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "TEST_ENV_INT"
			if tt.setEnv {
				t.Setenv(key, tt.envValue)
			} else {
				if err := os.Unsetenv(key); err != nil {
					t.Fatalf("failed to unset environment variable: %v", err)
				}
			}

			result := GetEnvInt(key, tt.defaultValue)
			if result != tt.expected {
				t.Errorf("GetEnvInt(%s, %d) = %d, want %d", key, tt.defaultValue, result, tt.expected)
			}
		})
	}
}

func TestGetEnvFloat(t *testing.T) {
	tests := []struct {
		name         string
		envValue     string
		setEnv       bool
		defaultValue float64
		expected     float64
	}{
		{"threshold value", "0.67", true, 0.5, 0.67},
		{"integer value", "70", true, 0, 70},
		{"invalid value falls back", "two thirds", true, 0.67, 0.67},
		{"missing variable", "", false, 0.01, 0.01},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "TEST_ENV_FLOAT"
			if tt.setEnv {
				t.Setenv(key, tt.envValue)
			} else {
				if err := os.Unsetenv(key); err != nil {
					t.Fatalf("failed to unset environment variable: %v", err)
				}
			}

			result := GetEnvFloat(key, tt.defaultValue)
			if result != tt.expected {
				t.Errorf("GetEnvFloat(%s, %g) = %g, want %g", key, tt.defaultValue, result, tt.expected)
			}
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		name         string
		envValue     string
		setEnv       bool
		defaultValue time.Duration
		expected     time.Duration
	}{
		{"hours", "1h", true, time.Minute, time.Hour},
		{"composite", "1h30m", true, 0, 90 * time.Minute},
		{"invalid value falls back", "soon", true, 5 * time.Second, 5 * time.Second},
		{"missing variable", "", false, 10 * time.Second, 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "TEST_ENV_DURATION"
			if tt.setEnv {
				t.Setenv(key, tt.envValue)
			} else {
				if err := os.Unsetenv(key); err != nil {
					t.Fatalf("failed to unset environment variable: %v", err)
				}
			}

			result := GetEnvDuration(key, tt.defaultValue)
			if result != tt.expected {
				t.Errorf("GetEnvDuration(%s, %v) = %v, want %v", key, tt.defaultValue, result, tt.expected)
			}
		})
	}
}
