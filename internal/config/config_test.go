package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	tests := []struct {
		name   string
		check  func(*Config) bool
		expect string
	}{
		{
			name:   "default mode is api",
			check:  func(c *Config) bool { return c.Mode == "api" },
			expect: "api",
		},
		{
			name:   "default host is 0.0.0.0",
			check:  func(c *Config) bool { return c.Host == "0.0.0.0" },
			expect: "0.0.0.0",
		},
		{
			name:   "default port is 8080",
			check:  func(c *Config) bool { return c.Port == 8080 },
			expect: "8080",
		},
		{
			name:   "default log level is info",
			check:  func(c *Config) bool { return c.LogLevel == "info" },
			expect: "info",
		},
		{
			name:   "default log format is json",
			check:  func(c *Config) bool { return c.LogFormat == "json" },
			expect: "json",
		},
		{
			name:   "default OTP length is 6",
			check:  func(c *Config) bool { return c.OTPLength == 6 },
			expect: "6",
		},
		{
			name:   "default OTP TTL is 300 seconds",
			check:  func(c *Config) bool { return c.OTPTTLSeconds == 300 },
			expect: "300",
		},
		{
			name:   "default max verify attempts is 5",
			check:  func(c *Config) bool { return c.MaxVerifyAttempts == 5 },
			expect: "5",
		},
		{
			name:   "default hour limit is 10",
			check:  func(c *Config) bool { return c.HourLimit == 10 },
			expect: "10",
		},
		{
			name:   "default day limit is 20",
			check:  func(c *Config) bool { return c.DayLimit == 20 },
			expect: "20",
		},
		{
			name:   "default bloom error rate",
			check:  func(c *Config) bool { return c.BloomErrorRate == 0.001 },
			expect: "0.001",
		},
		{
			name:   "default worker concurrency",
			check:  func(c *Config) bool { return c.WorkerConcurrency == 10 },
			expect: "10",
		},
		{
			name:   "listen addr format",
			check:  func(c *Config) bool { return c.ListenAddr() == "0.0.0.0:8080" },
			expect: "0.0.0.0:8080",
		},
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("expected %s", tt.expect)
			}
		})
	}
}
