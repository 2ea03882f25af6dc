package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	o, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:18990", o.Addr)
	assert.Equal(t, 40960, o.MaxConnection)
	assert.Equal(t, o.MaxConnection, o.MaxSession)
	assert.Equal(t, BackendMemory, o.SessionBackend)
}

func TestParseMaxSessionOverride(t *testing.T) {
	o, err := Parse([]string{"--max-session", "10"})
	require.NoError(t, err)
	assert.Equal(t, 10, o.MaxSession)
}

func TestValidateRejectsEmptyAddr(t *testing.T) {
	o := &Opt{Addr: "", MaxConnection: 1, SessionBackend: BackendMemory, KeepAliveGrace: 1}
	assert.Error(t, o.Validate())
}

func TestValidateRejectsZeroMaxConnection(t *testing.T) {
	o := &Opt{Addr: "x", MaxConnection: 0, SessionBackend: BackendMemory, KeepAliveGrace: 1}
	assert.Error(t, o.Validate())
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	o := &Opt{Addr: "x", MaxConnection: 1, SessionBackend: "bogus", KeepAliveGrace: 1}
	assert.Error(t, o.Validate())
}

func TestParseRejectsUnknownBackend(t *testing.T) {
	_, err := Parse([]string{"--session-backend", "bogus"})
	assert.Error(t, err)
}
