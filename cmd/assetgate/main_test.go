package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/assetgate/internal/governance"
	"github.com/polisai/assetgate/pkg/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "assetgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("ASSETGATE_CONFIG", "")

	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

// fileStoreConfig writes a config whose allowlist lives in a temporary database file.
func fileStoreConfig(t *testing.T) string {
	t.Helper()
	db := filepath.Join(t.TempDir(), "domains.db")
	return writeConfig(t, "storage:\n  driver: sqlite\n  path: "+db+"\n")
}

func TestDomainsAddReportsEveryEntry(t *testing.T) {
	path := fileStoreConfig(t)

	out, err := execute(t, "--config", path, "domains", "add",
		"Example.com", "https://Shop.Example.org/cart", "com", "bad host!")
	require.Error(t, err)

	assert.Contains(t, out, "added    example.com (from Example.com)")
	assert.Contains(t, out, "added    shop.example.org (from https://Shop.Example.org/cart)")
	assert.Contains(t, out, "invalid  com: ")
	assert.Contains(t, out, "invalid  bad host!: ")
	assert.Contains(t, out, "2 succeeded, 2 failed, 2 changed")
	assert.Contains(t, err.Error(), "2 of 4 entries failed")
}

func TestDomainsDeleteAndList(t *testing.T) {
	path := fileStoreConfig(t)

	out, err := execute(t, "--config", path, "domains", "delete", "example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "absent   example.com")

	out, err = execute(t, "--config", path, "domains", "list")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestDomainsPersistAcrossRuns(t *testing.T) {
	path := fileStoreConfig(t)

	_, err := execute(t, "--config", path, "domains", "add", "a.com", "b.com")
	require.NoError(t, err)

	out, err := execute(t, "--config", path, "domains", "list")
	require.NoError(t, err)
	assert.Equal(t, "a.com\nb.com\n", out)

	_, err = execute(t, "--config", path, "domains", "delete", "a.com")
	require.NoError(t, err)

	out, err = execute(t, "--config", path, "domains", "list")
	require.NoError(t, err)
	assert.Equal(t, "b.com\n", out)
}

func TestDomainsDefaultStoreIsAFile(t *testing.T) {
	dir := t.TempDir()
	wd, wdErr := os.Getwd()
	require.NoError(t, wdErr)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	_, err := execute(t, "domains", "add", "a.com")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "domains.db"))

	out, err := execute(t, "domains", "list")
	require.NoError(t, err)
	assert.Equal(t, "a.com\n", out)
}

func TestDomainsRefuseMemoryStore(t *testing.T) {
	path := writeConfig(t, "storage:\n  driver: memory\n")

	out, err := execute(t, "--config", path, "domains", "add", "a.com")
	require.ErrorIs(t, err, errVolatileStore)
	assert.Empty(t, out, "nothing is reported as added")

	_, err = execute(t, "--config", path, "domains", "delete", "a.com")
	assert.ErrorIs(t, err, errVolatileStore)

	_, err = execute(t, "--config", path, "domains", "list")
	assert.NoError(t, err)
}

func TestDomainsRequireArguments(t *testing.T) {
	_, err := execute(t, "domains", "add")
	assert.Error(t, err)

	_, err = execute(t, "domains", "list", "extra")
	assert.Error(t, err)
}

func TestInvalidLogLevelFlag(t *testing.T) {
	_, err := execute(t, "--log-level", "verbose", "domains", "list")
	assert.Error(t, err)
}

func TestMigrateNeedsSQLStore(t *testing.T) {
	_, err := execute(t, "--config", writeConfig(t, "storage:\n  driver: memory\n"), "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres or sqlite")

	_, err = execute(t, "--config", fileStoreConfig(t), "migrate")
	assert.NoError(t, err)
}

func TestServeRefusesMemoryStoreWithoutDomainAPI(t *testing.T) {
	t.Setenv("PLUGIN_CLIENT_KEY", "client-key")
	t.Setenv("ASSETGATE_ADMIN_KEY", "")

	_, err := execute(t, "--config", writeConfig(t, "storage:\n  driver: memory\n"), "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "admin_key")
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	t.Setenv("PLUGIN_CLIENT_KEY", "")
	t.Setenv("ASSETGATE_CLIENT_KEY", "")

	_, err := execute(t, "serve")
	assert.Error(t, err, "the default policy needs a client key")
}

func TestConfigPathFallsBackToEnvironment(t *testing.T) {
	t.Setenv("ASSETGATE_CONFIG", "/etc/assetgate.yaml")

	assert.Equal(t, "/etc/assetgate.yaml", (&globalFlags{}).config())
	assert.Equal(t, "local.yaml", (&globalFlags{configPath: "local.yaml"}).config())
}

func TestRunServeServesUntilCancelled(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.ClientKey = "client-key"
	cfg.Storage.Path = filepath.Join(t.TempDir(), "domains.db")
	cfg.Server.DataAddress = freeAddr(t)
	cfg.Server.AdminAddress = freeAddr(t)
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, cfg, "", discardLogger()) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Server.DataAddress + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get("http://" + cfg.Server.AdminAddress + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Contains(t, string(body), "assetgate_")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("runServe did not return after cancellation")
	}
}

func TestStartServerFailsOnBusyPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	_, err = startServer("data", ln.Addr().String(), http.NotFoundHandler(), nil, config.Default().Server, discardLogger(), make(chan error, 1))
	assert.Error(t, err)
}

func TestApplyReloadsConfiguresAdmission(t *testing.T) {
	admission, err := governance.NewAdmissionController(governance.DefaultAdmissionPolicy(), governance.NewMemoryWindowCounter(), discardLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := make(chan *config.Config, 1)
	go applyReloads(ctx, updates, admission, discardLogger())

	next := config.Default()
	next.Admission.DelayAfter = 5
	next.Admission.Limit = 10
	updates <- next

	require.Eventually(t, func() bool {
		return admission.Policy().Limit == 10
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 5, admission.Policy().DelayAfter)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCertGenerateAndInspect(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, "cert", "generate", "--cn", "gateway.test", "--dns", "gateway.test, www.gateway.test",
		"--ips", "127.0.0.1", "--output-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(dir, "tls.crt"))
	assert.FileExists(t, filepath.Join(dir, "tls.key"))

	out, err = execute(t, "cert", "inspect", filepath.Join(dir, "tls.crt"))
	require.NoError(t, err)
	assert.Contains(t, out, "CN=gateway.test")
	assert.Contains(t, out, "gateway.test, www.gateway.test")
	assert.Contains(t, out, "127.0.0.1")

	_, err = execute(t, "cert", "generate", "--ips", "not-an-ip", "--output-dir", dir)
	assert.Error(t, err)
}

func TestRunServeWithTLS(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "cert", "generate", "--output-dir", dir)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Auth.ClientKey = "client-key"
	cfg.Storage.Path = filepath.Join(t.TempDir(), "domains.db")
	cfg.Server.DataAddress = freeAddr(t)
	cfg.Server.AdminAddress = freeAddr(t)
	cfg.Server.TLS = config.TLSConfig{
		CertFile: filepath.Join(dir, "tls.crt"),
		KeyFile:  filepath.Join(dir, "tls.key"),
	}
	require.NoError(t, cfg.Validate())

	certPEM, err := os.ReadFile(cfg.Server.TLS.CertFile)
	require.NoError(t, err)
	roots := x509.NewCertPool()
	require.True(t, roots.AppendCertsFromPEM(certPEM))
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: roots, MinVersion: tls.VersionTLS12}}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, cfg, "", discardLogger()) }()

	require.Eventually(t, func() bool {
		resp, err := client.Get("https://" + cfg.Server.DataAddress + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get("http://" + cfg.Server.AdminAddress + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Contains(t, string(body), `assetgate_certificate_expiry_timestamp_seconds{listener="data"}`)

	cancel()
	require.NoError(t, <-done)
}
