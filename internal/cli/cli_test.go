package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func calendarAround(start time.Time, summary string) string {
	const layout = "20060102T150405Z"
	return strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//caltrigger//test//EN",
		"BEGIN:VEVENT",
		"UID:cli@example.com",
		"DTSTAMP:20240101T000000Z",
		"DTSTART:" + start.UTC().Format(layout),
		"DTEND:" + start.Add(30*time.Minute).UTC().Format(layout),
		"SUMMARY:" + summary,
		"END:VEVENT",
		"END:VCALENDAR",
		"",
	}, "\r\n")
}

// execute runs rootCmd with args and restores global flag state afterwards.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		configPath, logLevel = "/etc/caltrigger/config.yaml", ""
		checkFile, checkAt, checkTimezone = "", "", "UTC"
		noWatch = false
	})
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestVersionCmd(t *testing.T) {
	original := version
	version = "test-1.2.3"
	defer func() { version = original }()

	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "caltrigger version test-1.2.3")
}

func TestCheckCmd(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "team.ics")
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, os.WriteFile(path, []byte(calendarAround(start, "Lunch")), 0o600))

	out, err := execute(t, "check", "--file", path, "--at", "2024-01-01T11:40:00Z")
	require.NoError(t, err)
	assert.Contains(t, out, "Transitions at 2024-01-01T11:40:00Z")
	assert.Contains(t, out, "Start")
	assert.Contains(t, out, "Lunch")

	out, err = execute(t, "check", "--file", path, "--at", "2024-01-01T13:20:00Z")
	require.NoError(t, err)
	assert.Contains(t, out, "No transitions.")
}

func TestCheckCmd_BadAt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.ics")
	require.NoError(t, os.WriteFile(path, []byte(calendarAround(time.Now(), "X")), 0o600))

	_, err := execute(t, "check", "--file", path, "--at", "yesterday")
	assert.Error(t, err)
}

func TestRunCmd_PublishesOnce(t *testing.T) {
	dir := t.TempDir()
	icsPath := filepath.Join(dir, "team.ics")
	require.NoError(t, os.WriteFile(icsPath, []byte(calendarAround(time.Now().Add(10*time.Minute), "Planning")), 0o600))

	cfgPath := filepath.Join(dir, "config.yaml")
	yml := "calendar:\n" +
		"  url: " + icsPath + "\n" +
		"  cache_dir: " + filepath.Join(dir, "cache") + "\n" +
		"store:\n" +
		"  driver: sqlite\n" +
		"  path: " + filepath.Join(dir, "data") + "\n" +
		"publisher:\n" +
		"  kind: log\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(yml), 0o600))

	out, err := execute(t, "--config", cfgPath, "run")
	require.NoError(t, err)
	assert.Contains(t, out, "started 1, stopped 0, duplicates 0, failed 0")

	out, err = execute(t, "--config", cfgPath, "run")
	require.NoError(t, err)
	assert.Contains(t, out, "started 0, stopped 0, duplicates 1, failed 0")
}

func TestRunCmd_InvalidConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("store:\n  driver: dynamodb\n"), 0o600))

	_, err := execute(t, "--config", cfgPath, "run")
	assert.Error(t, err)
}

func TestPrintTable_AlignsWideRunes(t *testing.T) {
	var buf bytes.Buffer
	printTable(&buf, [][]string{
		{"DIRECTION", "SUMMARY", "LOCATION"},
		{"Start", "会议", "東京"},
		{"Stop", "Lunch", "Cafe"},
	})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)

	// The third column starts at the same display offset on every line.
	col := func(line, cell string) int {
		return runewidth.StringWidth(line[:strings.Index(line, cell)])
	}
	assert.Equal(t, col(lines[0], "LOCATION"), col(lines[1], "東京"))
	assert.Equal(t, col(lines[0], "LOCATION"), col(lines[2], "Cafe"))
}
