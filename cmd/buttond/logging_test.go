package main

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoggingCmd(t *testing.T, args ...string) *cobra.Command {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("log-level", "", "")
	cmd.Flags().Bool("verbose", false, "")
	require.NoError(t, cmd.Flags().Parse(args))
	return cmd
}

func TestConfigureLogger_Levels(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		fallback logrus.Level
		want     logrus.Level
	}{
		{name: "client default is silent", fallback: logrusSilent, want: logrus.PanicLevel},
		{name: "server default", fallback: logrus.InfoLevel, want: logrus.InfoLevel},
		{name: "verbose", args: []string{"--verbose"}, fallback: logrusSilent, want: logrus.DebugLevel},
		{name: "explicit level wins over verbose", args: []string{"--verbose", "--log-level", "warn"}, fallback: logrusSilent, want: logrus.WarnLevel},
		{name: "error", args: []string{"--log-level", "error"}, fallback: logrus.InfoLevel, want: logrus.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := configureLogger(newLoggingCmd(t, tt.args...), tt.fallback)
			require.NoError(t, err)
			assert.Equal(t, tt.want, logger.GetLevel())
		})
	}
}

func TestConfigureLogger_RejectsUnknownLevel(t *testing.T) {
	_, err := configureLogger(newLoggingCmd(t, "--log-level", "trace"), logrus.InfoLevel)
	assert.EqualError(t, err, "invalid log level: trace (must be debug, info, warn, or error)")
}

func TestConfigureLogger_WritesToCommandStderr(t *testing.T) {
	cmd := newLoggingCmd(t, "--log-level", "info")
	var buf bytes.Buffer
	cmd.SetErr(&buf)

	logger, err := configureLogger(cmd, logrusSilent)
	require.NoError(t, err)
	logger.Info("hello")

	assert.Contains(t, buf.String(), "msg=hello")
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.3", formatVersion("1.2.3"))
	assert.Equal(t, "dev", formatVersion("dev"))
	assert.Equal(t, "", formatVersion(""))
}
