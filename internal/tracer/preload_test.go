package tracer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cgdae/walk/internal/walkfile"
)

const samplePreloadLog = "o\t0\tr\t/src/a.c\n" +
	"o\t0\tw\t/src/a.o\n" +
	"o\t0\trw\t/src/shared db\n" +
	"o\t-1\tr\t/src/maybe.h\n" +
	"o\t0\tw\t/src/tmp1\n" +
	"r\t/src/tmp1\t/src/final1\n" +
	"o\t0\tw\t/src/scratch\n" +
	"d\t/src/scratch\n" +
	"garbage line without tabs\n"

func TestParsePreloadLog(t *testing.T) {
	b := NewBuilder(root, nil)
	require.NoError(t, ParsePreloadLog(strings.NewReader(samplePreloadLog), b))
	log := b.Log()

	assert.Equal(t, walkfile.Read, log["/src/a.c"])
	assert.Equal(t, walkfile.Write, log["/src/a.o"])
	assert.Equal(t, walkfile.ReadWrite, log["/src/shared db"])
	assert.Equal(t, walkfile.FailedRead, log["/src/maybe.h"])

	assert.NotContains(t, log, "/src/tmp1")
	assert.Equal(t, walkfile.Write, log["/src/final1"])

	assert.NotContains(t, log, "/src/scratch")
	assert.Len(t, log, 5)
}

func TestSelect(t *testing.T) {
	b, err := Select(MethodTrace)
	require.NoError(t, err)
	assert.Equal(t, MethodTrace, b.Name())

	b, err = Select(MethodPreload)
	require.NoError(t, err)
	assert.Equal(t, MethodPreload, b.Name())

	b, err = Select("")
	require.NoError(t, err)
	assert.NotNil(t, b)

	_, err = Select("ptrace")
	assert.Error(t, err)
}
