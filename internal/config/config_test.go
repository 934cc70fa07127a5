package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const sampleYAML = `
server:
  name: layout
  version: "1.2"
broker:
  port: 9000
  devices_dir: /etc/dcclite/devices
  signals_file: /etc/dcclite/signals.json
jwt:
  secret: s3cret
admins:
  - email: ops@example.com
    password_hash: "$2a$10$abcdefghijklmnopqrstuv"
log:
  level: debug
`

// Load reads environment overrides, so these tests do not run in parallel.
func TestLoadAppliesDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "layout", cfg.Server.Name)
	assert.Equal(t, "layout", cfg.Broker.Name)
	assert.Equal(t, 9000, cfg.Broker.Port)
	assert.Equal(t, DefaultTickInterval, cfg.Broker.TickInterval)
	assert.Equal(t, DefaultInboxSize, cfg.Broker.InboxSize)
	assert.Equal(t, DefaultAPIPort, cfg.API.Port)
	assert.Equal(t, "dcclite", cfg.NATS.SubjectPrefix)
	assert.Equal(t, 15*time.Minute, cfg.JWT.AccessTokenTTL)
	assert.Equal(t, zerolog.DebugLevel, cfg.LogLevel())
	assert.Equal(t, "layout", cfg.NATS.ClientID)
	assert.Equal(t, LogFormatConsole, cfg.Log.Format)
	require.Len(t, cfg.Admins, 1)
}

func TestConfigureLoggerJSON(t *testing.T) {
	prevLogger, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})

	cfg := &Config{Log: LogConfig{Level: "warn", Format: LogFormatJSON}}
	var buf bytes.Buffer
	cfg.ConfigureLogger(&buf)

	log.Info().Msg("hidden")
	log.Warn().Str("device", "yard").Msg("shown")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "yard", line["device"])
	assert.Equal(t, "shown", line["message"])
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DCCLITE_PORT", "7777")
	t.Setenv("NATS_URL", "nats://bus:4222")
	t.Setenv("DATABASE_URL", "postgres://db/dcclite")
	t.Setenv("LOG_LEVEL", "nonsense")

	cfg, err := Load(writeFile(t, t.TempDir(), "config.yaml", sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Broker.Port)
	assert.Equal(t, "nats://bus:4222", cfg.NATS.URL)
	assert.Equal(t, "postgres://db/dcclite", cfg.Database.DSN)
	assert.Equal(t, zerolog.InfoLevel, cfg.LogLevel())
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, dir, "port.yaml", "broker:\n  port: 70000\n"))
	assert.True(t, errors.Is(err, ErrInvalidPort), "err=%v", err)

	_, err = Load(writeFile(t, dir, "jwt.yaml", "admins:\n  - email: a@b.c\n    password_hash: x\n"))
	assert.True(t, errors.Is(err, ErrNoJWTSecret), "err=%v", err)

	_, err = Load(writeFile(t, dir, "admin.yaml", "jwt:\n  secret: k\nadmins:\n  - email: nope\n    password_hash: x\n"))
	assert.ErrorContains(t, err, "admins[0]")

	_, err = Load(writeFile(t, dir, "format.yaml", "log:\n  format: xml\n"))
	assert.ErrorContains(t, err, "format")

	_, err = Load(writeFile(t, dir, "broken.yaml", "broker: [\n"))
	assert.Error(t, err)
}

func TestLoadDevices(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	writeFile(t, dir, "b.json", `{"name":"shed","decoders":[{"class":"Output","name":"lamp","address":3,"pin":4}]}`)
	writeFile(t, dir, "a.json", `{"name":"yard","decoders":[]}`)
	writeFile(t, dir, "notes.txt", `ignored`)

	devices, err := LoadDevices(dir)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "yard", devices[0].Name)
	assert.Equal(t, "shed", devices[1].Name)
	require.Len(t, devices[1].Decoders, 1)
	assert.Equal(t, "lamp", devices[1].Decoders[0]["name"])
	assert.Equal(t, filepath.Join(dir, "b.json"), devices[1].Path)
}

func TestLoadDevicesErrors(t *testing.T) {
	t.Parallel()

	t.Run("duplicate-name", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "a.json", `{"name":"yard"}`)
		writeFile(t, dir, "b.json", `{"name":"yard"}`)
		_, err := LoadDevices(dir)
		assert.True(t, errors.Is(err, ErrDuplicateDevice), "err=%v", err)
	})

	t.Run("missing-name", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "a.json", `{"decoders":[]}`)
		_, err := LoadDevices(dir)
		assert.ErrorContains(t, err, "a.json")
	})

	t.Run("bad-json", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "a.json", `{"name":`)
		_, err := LoadDevices(dir)
		assert.ErrorContains(t, err, "a.json")
	})

	t.Run("empty-dir", func(t *testing.T) {
		devices, err := LoadDevices(t.TempDir())
		require.NoError(t, err)
		assert.Empty(t, devices)
	})
}

func TestLoadSignals(t *testing.T) {
	t.Parallel()

	records, err := LoadSignals("")
	require.NoError(t, err)
	assert.Nil(t, records)

	path := writeFile(t, t.TempDir(), "signals.json", `[{"class":"Signal","name":"s1","address":100}]`)
	records, err = LoadSignals(path)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "s1", records[0]["name"])

	_, err = LoadSignals(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}
