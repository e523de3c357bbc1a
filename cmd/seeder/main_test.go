package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/smsforward/internal/cache"
	"github.com/unclebandit/smsforward/internal/config"
	"github.com/unclebandit/smsforward/internal/db"
	"github.com/unclebandit/smsforward/internal/model"
	"github.com/unclebandit/smsforward/internal/repository"
)

func seedConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Database.DSN = "sqlite://" + filepath.Join(t.TempDir(), "seed.db")
	cfg.Queue.DSN = "memory://"
	cfg.Cache.Dir = t.TempDir()
	return cfg
}

func writeBundle(t *testing.T, dir string, targets []model.TransportTarget) string {
	t.Helper()
	data, err := json.Marshal(cache.Bundle{Version: cache.ExportVersion, Timestamp: 1, Configs: targets})
	require.NoError(t, err)
	path := filepath.Join(dir, "targets.txt")
	require.NoError(t, os.WriteFile(path, []byte(base64.StdEncoding.EncodeToString(data)+"\n"), 0o600))
	return path
}

func TestSeedImportsBundleAndRunsSQL(t *testing.T) {
	cfg := seedConfig(t)
	dir := t.TempDir()
	bundle := writeBundle(t, dir, []model.TransportTarget{
		{ID: "t1", DisplayName: "Home", Address: "me@example.com", Host: "smtp.example.com", Port: 465, Enabled: true, UseSSL: true},
	})
	sqlFile := filepath.Join(dir, "history.sql")
	require.NoError(t, os.WriteFile(sqlFile, []byte(
		`INSERT INTO event_records (id, origin_address, content, received_at, channel_slot, channel_type, state, targets_notified, last_error)
		 VALUES ('e1', '+15550001', 'hi', 1772353800000, 0, 'physical', 'forwarded', '["me@example.com"]', '')`), 0o600))

	var out bytes.Buffer
	require.NoError(t, seed(context.Background(), cfg, []string{bundle, sqlFile}, &out))
	assert.Contains(t, out.String(), "Imported 1 target(s)")
	assert.Contains(t, out.String(), "Seeded: "+sqlFile)

	conn, err := db.Open(cfg.Database.DSN)
	require.NoError(t, err)
	defer conn.Close()

	targets, err := (&repository.TargetRepository{DB: conn}).List(context.Background())
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "me@example.com", targets[0].Address)

	ev, err := (&repository.EventRepository{DB: conn}).GetByID(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, []string{"me@example.com"}, ev.TargetsNotified)

	channels, err := (&repository.ChannelRepository{DB: conn}).List(context.Background())
	require.NoError(t, err)
	assert.Len(t, channels, 2)
}

func TestSeedMissingFile(t *testing.T) {
	err := seed(context.Background(), seedConfig(t), []string{"does-not-exist.txt"}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read")
}

func TestSeedRejectsBadBundle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.txt")
	require.NoError(t, os.WriteFile(path, []byte("not base64!"), 0o600))

	err := seed(context.Background(), seedConfig(t), []string{path}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to import")
}

func TestSeedSQLKeepsLiteralQuestionMarks(t *testing.T) {
	cfg := seedConfig(t)
	sqlFile := filepath.Join(t.TempDir(), "history.sql")
	require.NoError(t, os.WriteFile(sqlFile, []byte(
		`INSERT INTO event_records (id, origin_address, content, received_at, channel_slot, channel_type, state, targets_notified, last_error)
		 VALUES ('e2', '+15550002', 'are you there? call me?', 1772353800000, 1, 'physical', 'failed', '[]', 'why?')`), 0o600))

	require.NoError(t, seed(context.Background(), cfg, []string{sqlFile}, &bytes.Buffer{}))

	conn, err := db.Open(cfg.Database.DSN)
	require.NoError(t, err)
	defer conn.Close()

	ev, err := (&repository.EventRepository{DB: conn}).GetByID(context.Background(), "e2")
	require.NoError(t, err)
	assert.Equal(t, "are you there? call me?", ev.Content)
	assert.Equal(t, "why?", ev.LastError)
}
