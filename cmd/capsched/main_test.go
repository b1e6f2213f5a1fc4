package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleICS = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//test//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:lecture-1\r\n" +
	"DTSTAMP:20240101T000000Z\r\n" +
	"DTSTART:20240301T100000Z\r\n" +
	"DTEND:20240301T110000Z\r\n" +
	"SUMMARY:Biology 101\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	db := filepath.Join(dir, "events.db")
	require.NoError(t, os.WriteFile(path, []byte("listen: \"\"\nstore:\n  driver: sqlite\n  dsn: "+db+"\n"), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestImportThenCalendar(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)
	icsPath := filepath.Join(dir, "in.ics")
	require.NoError(t, os.WriteFile(icsPath, []byte(sampleICS), 0o600))

	out, err := execute(t, "--config", cfgPath, "--env-file", "", "import", icsPath, "--device", "room1")
	require.NoError(t, err)
	assert.Contains(t, out, "imported 1 events")

	out, err = execute(t, "--config", cfgPath, "--env-file", "", "calendar", "room1")
	require.NoError(t, err)
	assert.Contains(t, out, "UID:lecture-1")
	assert.Contains(t, out, "SUMMARY:Biology 101")
}

func TestImportDryRun(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)
	icsPath := filepath.Join(dir, "in.ics")
	require.NoError(t, os.WriteFile(icsPath, []byte(sampleICS), 0o600))

	out, err := execute(t, "--config", cfgPath, "--env-file", "", "import", icsPath, "--device", "room1", "--dry-run")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "would import 1 events"))
}

func TestCalendarRequiresAgent(t *testing.T) {
	_, err := execute(t, "calendar")
	assert.Error(t, err)
}

func TestEventsFilter(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)
	icsPath := filepath.Join(dir, "in.ics")
	require.NoError(t, os.WriteFile(icsPath, []byte(sampleICS), 0o600))

	_, err := execute(t, "--config", cfgPath, "--env-file", "", "import", icsPath, "--device", "room1")
	require.NoError(t, err)

	out, err := execute(t, "--config", cfgPath, "--env-file", "", "events", "--filter", `{"device":"room1","title":"Biology"}`)
	require.NoError(t, err)
	assert.Contains(t, out, `"id": "lecture-1"`)

	out, err = execute(t, "--config", cfgPath, "--env-file", "", "events", "--filter", `{"device":"room2"}`)
	require.NoError(t, err)
	assert.Equal(t, "[]\n", out)

	_, err = execute(t, "--config", cfgPath, "--env-file", "", "events", "--filter", `{"room":"room1"}`)
	assert.Error(t, err)
}

func TestReimportNotesAndSkipsExisting(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)
	icsPath := filepath.Join(dir, "in.ics")
	require.NoError(t, os.WriteFile(icsPath, []byte(sampleICS), 0o600))

	_, err := execute(t, "--config", cfgPath, "--env-file", "", "import", icsPath, "--device", "room1")
	require.NoError(t, err)

	out, err := execute(t, "--config", cfgPath, "--env-file", "", "import", icsPath, "--device", "room1", "--skip-existing")
	require.NoError(t, err)
	assert.Contains(t, out, "imported 0 events (0 skipped, 1 already stored")

	out, err = execute(t, "--config", cfgPath, "--env-file", "", "import", icsPath, "--device", "room1")
	require.NoError(t, err)
	assert.Contains(t, out, "note: UID lecture-1 already stored, imported as ")
	assert.Contains(t, out, "imported 1 events")
}

func TestImportFeedSkipsUnchanged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"rev1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"rev1"`)
		_, _ = w.Write([]byte(sampleICS))
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)
	feedDir := filepath.Join(dir, "feeds")
	args := []string{"--config", cfgPath, "--env-file", "", "import", srv.URL + "/room1.ics", "--device", "room1", "--cache-dir", feedDir}

	out, err := execute(t, args...)
	require.NoError(t, err)
	assert.Contains(t, out, "imported 1 events")

	out, err = execute(t, args...)
	require.NoError(t, err)
	assert.Equal(t, "feed not modified since last import\n", out)

	out, err = execute(t, append(args, "--force", "--skip-existing")...)
	require.NoError(t, err)
	assert.Contains(t, out, "1 already stored")
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "config.yaml")

	out, err := execute(t, "--config", path, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "wrote "+path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	_, err = execute(t, "--config", path, "config", "init")
	assert.Error(t, err)

	_, err = execute(t, "--config", path, "config", "init", "--force")
	assert.NoError(t, err)
}
