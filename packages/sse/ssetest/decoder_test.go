package ssetest

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecoderSkipsComments(t *testing.T) {
	dec := NewDecoder(strings.NewReader(":\n\nevent: a\ndata: one\ndata: two\n\n"))
	ev, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, Event{Name: "a", Data: "one\ntwo"}, ev)

	_, err = dec.Next()
	assert.Equal(t, io.EOF, err)
}
