package logging_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/aviationwx/awx-archiver/internal/logging"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("Production", func(t *testing.T) {
		logger, err := logging.New(false, "info")
		require.NoError(t, err)
		assert.NotNil(t, logger)
	})

	t.Run("Development", func(t *testing.T) {
		logger, err := logging.New(true, "")
		require.NoError(t, err)
		assert.NotNil(t, logger)
	})

	t.Run("DebugLevel", func(t *testing.T) {
		logger, err := logging.New(false, "debug")
		require.NoError(t, err)
		assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
	})

	t.Run("BadLevel", func(t *testing.T) {
		_, err := logging.New(false, "shouty")
		assert.Error(t, err)
	})
}
