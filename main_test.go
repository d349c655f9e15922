package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"chat-sync/config"
	"chat-sync/store"
)

func TestVersionCommand(t *testing.T) {
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "chatsync version "+Version+"\n", out.String())
}

func TestOpenStore(t *testing.T) {
	st, err := openStore(context.Background(), config.StoreConfig{Driver: config.DriverMemory}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.IsType(t, &store.MemoryStore{}, st)
	require.NoError(t, st.Close())

	_, err = openStore(context.Background(), config.StoreConfig{Driver: "redis"}, zaptest.NewLogger(t))
	assert.Error(t, err)
}
