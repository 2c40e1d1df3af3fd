package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"
)

func TestNew_FileOutputRotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "airdrop.log")

	l, err := New(Options{Level: "debug", Format: "json", Output: path, MaxSize: 1, MaxBackups: 2, MaxAge: 7})
	require.NoError(t, err)

	rot, ok := l.Out.(*lumberjack.Logger)
	require.True(t, ok, "file output goes through the rotator")
	t.Cleanup(func() { rot.Close() })
	assert.Equal(t, 1, rot.MaxSize)
	assert.Equal(t, 2, rot.MaxBackups)
	assert.Equal(t, 7, rot.MaxAge)

	l.WithField("profile", "p1").Debug("hello")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "p1", entry["profile"])
	assert.Equal(t, "debug", entry["level"])
}

func TestNew_Defaults(t *testing.T) {
	l, err := New(Options{Level: "loud", Format: "text", Output: "stderr"})
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, l.Formatter)
	assert.Equal(t, os.Stderr, l.Out)

	l, err = New(Options{})
	require.NoError(t, err)
	assert.IsType(t, &logrus.JSONFormatter{}, l.Formatter)
	assert.Equal(t, os.Stdout, l.Out)
}

func TestGetLogger(t *testing.T) {
	Logger = nil
	t.Cleanup(func() { Logger = nil })

	assert.NotNil(t, GetLogger())
	require.NoError(t, InitLogger("warn", "text", "stdout", 0, 0, 0))
	assert.Equal(t, logrus.WarnLevel, GetLogger().GetLevel())
}
