package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
)

func TestDaemonClientDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	newRootCmd()
	initConfig()

	c := daemon()
	if c.base != "http://127.0.0.1:7171" {
		t.Errorf("addr = %q, want loopback default", c.base)
	}
	if c.token != "" {
		t.Errorf("token = %q, want empty by default", c.token)
	}
}

func TestConfigFileSuppliesAddrAndToken(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	newRootCmd()

	path := filepath.Join(t.TempDir(), "tunectl.yaml")
	if err := os.WriteFile(path, []byte("addr: http://10.0.0.5:7171\ntoken: from-file\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfgFile = path
	t.Cleanup(func() { cfgFile = "" })
	initConfig()

	c := daemon()
	if c.base != "http://10.0.0.5:7171" {
		t.Errorf("addr = %q, want value from config file", c.base)
	}
	if c.token != "from-file" {
		t.Errorf("token = %q, want value from config file", c.token)
	}
}

func TestEnvironmentOverridesConfigFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	newRootCmd()

	path := filepath.Join(t.TempDir(), "tunectl.yaml")
	if err := os.WriteFile(path, []byte("addr: http://10.0.0.5:7171\ntoken: from-file\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfgFile = path
	t.Cleanup(func() { cfgFile = "" })
	t.Setenv("TUNEPLANE_ADDR", "http://127.0.0.1:9999")
	t.Setenv("TUNEPLANE_API_TOKEN", "from-env")
	initConfig()

	c := daemon()
	if c.base != "http://127.0.0.1:9999" {
		t.Errorf("addr = %q, want environment to win over file", c.base)
	}
	if c.token != "from-env" {
		t.Errorf("token = %q, want environment to win over file", c.token)
	}
}
