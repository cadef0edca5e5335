package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/deployer/pkg/ids"
	"github.com/openfroyo/deployer/pkg/model"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("example.com", "testuser")

	if config.Host != "example.com" || config.User != "testuser" {
		t.Errorf("unexpected target %s@%s", config.User, config.Host)
	}
	if config.Port != 22 {
		t.Errorf("expected port 22, got %d", config.Port)
	}
	if config.AuthMethod != AuthMethodKey {
		t.Errorf("expected auth method 'key', got '%s'", config.AuthMethod)
	}
	if config.ConnectionTimeout != 30*time.Second {
		t.Errorf("expected connection timeout 30s, got %v", config.ConnectionTimeout)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name       string
		modifyFunc func(*Config)
		errorMsg   string
	}{
		{
			name: "valid config",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
			},
		},
		{
			name:       "missing host",
			modifyFunc: func(c *Config) { c.Host = "" },
			errorMsg:   "host is required",
		},
		{
			name:       "invalid port",
			modifyFunc: func(c *Config) { c.Port = 0 },
			errorMsg:   "invalid port",
		},
		{
			name:       "missing user",
			modifyFunc: func(c *Config) { c.User = "" },
			errorMsg:   "user is required",
		},
		{
			name: "password auth without password",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = ""
			},
			errorMsg: "password is required",
		},
		{
			name: "key auth with missing key",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodKey
				c.PrivateKeyPath = "/nonexistent/key"
			},
			errorMsg: "private key file not found",
		},
		{
			name: "invalid connection timeout",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
				c.ConnectionTimeout = 0
			},
			errorMsg: "connection timeout must be positive",
		},
		{
			name: "proxy with missing user",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
				c.ProxyHost = "proxy.example.com"
				c.ProxyUser = ""
			},
			errorMsg: "proxy user is required",
		},
		{
			name:       "unknown auth method",
			modifyFunc: func(c *Config) { c.AuthMethod = "kerberos" },
			errorMsg:   "unsupported auth method",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig("example.com", "testuser")
			tt.modifyFunc(config)

			err := config.Validate()
			if tt.errorMsg == "" {
				if err != nil {
					t.Errorf("expected no error, got: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("expected error containing '%s', got: %v", tt.errorMsg, err)
			}
		})
	}
}

func TestFromHost(t *testing.T) {
	base := DefaultConfig("", "deploy")
	base.AuthMethod = AuthMethodAgent

	cfg := FromHost(&model.Host{
		ID:      ids.MustParse[ids.Host]("db-1"),
		Address: "10.0.0.5",
		Port:    2222,
		KeyPath: "/keys/db",
	}, base)

	if cfg.Address() != "10.0.0.5:2222" {
		t.Errorf("unexpected address %s", cfg.Address())
	}
	if cfg.User != "deploy" {
		t.Errorf("expected base user to be kept, got %s", cfg.User)
	}
	if cfg.AuthMethod != AuthMethodKey || cfg.PrivateKeyPath != "/keys/db" {
		t.Errorf("expected host key to select key auth, got %s %s", cfg.AuthMethod, cfg.PrivateKeyPath)
	}
	if base.Host != "" || base.AuthMethod != AuthMethodAgent {
		t.Error("expected base config to be left untouched")
	}
}

func TestConfigAddresses(t *testing.T) {
	config := DefaultConfig("example.com", "testuser")
	config.Port = 2222
	if got := config.Address(); got != "example.com:2222" {
		t.Errorf("unexpected address '%s'", got)
	}

	v6 := DefaultConfig("::1", "testuser")
	if got := v6.Address(); got != "[::1]:22" {
		t.Errorf("unexpected IPv6 address '%s'", got)
	}

	if config.IsProxyEnabled() || config.ProxyAddress() != "" {
		t.Error("expected proxy to be disabled")
	}
	config.ProxyHost = "proxy.example.com"
	config.ProxyPort = 2200
	if !config.IsProxyEnabled() || config.ProxyAddress() != "proxy.example.com:2200" {
		t.Errorf("unexpected proxy address '%s'", config.ProxyAddress())
	}
}

func TestBuildSSHClientConfig(t *testing.T) {
	t.Run("password authentication", func(t *testing.T) {
		config := DefaultConfig("example.com", "testuser")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"
		config.StrictHostKeyChecking = false

		clientConfig, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if clientConfig.User != "testuser" {
			t.Errorf("expected user 'testuser', got '%s'", clientConfig.User)
		}
		if len(clientConfig.Auth) != 2 {
			t.Errorf("expected password and keyboard-interactive, got %d methods", len(clientConfig.Auth))
		}
		if clientConfig.Timeout != 30*time.Second {
			t.Errorf("expected timeout 30s, got %v", clientConfig.Timeout)
		}
	})

	t.Run("key authentication with valid key", func(t *testing.T) {
		keyPath := writeTestKey(t)

		config := DefaultConfig("example.com", "testuser")
		config.PrivateKeyPath = keyPath
		config.StrictHostKeyChecking = false

		clientConfig, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(clientConfig.Auth) != 1 {
			t.Errorf("expected 1 auth method, got %d", len(clientConfig.Auth))
		}
	})

	t.Run("agent authentication without agent", func(t *testing.T) {
		t.Setenv("SSH_AUTH_SOCK", filepath.Join(t.TempDir(), "missing.sock"))
		config := DefaultConfig("example.com", "testuser")
		config.AuthMethod = AuthMethodAgent

		if _, err := config.BuildSSHClientConfig(); err == nil {
			t.Error("expected error when the agent socket is missing")
		}
	})

	t.Run("strict checking with missing known_hosts", func(t *testing.T) {
		config := DefaultConfig("example.com", "testuser")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"
		config.KnownHostsPath = filepath.Join(t.TempDir(), "known_hosts")

		if _, err := config.BuildSSHClientConfig(); err == nil {
			t.Error("expected error for a missing known_hosts file")
		}
	})
}

// writeTestKey writes a fresh ED25519 private key in OpenSSH PEM format.
func writeTestKey(t *testing.T) string {
	t.Helper()
	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}
	pemBlock, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	keyPath := filepath.Join(t.TempDir(), "test_key")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(pemBlock), 0o600); err != nil {
		t.Fatalf("failed to write test key: %v", err)
	}
	return keyPath
}
