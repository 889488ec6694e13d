package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLoggerLocalIsText(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, EnvLocal)

	log.Debug("relay tick", Err(errors.New("boom")))

	require.True(t, strings.Contains(buf.String(), "error=boom"))
}

func TestNewLoggerProdIsJSONAndSkipsDebug(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, EnvProd)

	log.Debug("hidden")
	require.Zero(t, buf.Len())

	log.Info("order created", Err(errors.New("none")))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	require.Equal(t, "order created", record["msg"])
	require.Equal(t, "none", record["error"])
}

func TestErrNil(t *testing.T) {
	require.Equal(t, "", Err(nil).Value.String())
}
