package tracer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cgdae/walk/internal/walkfile"
)

const sampleStrace = `123   execve("/bin/sh", ["sh", "-c", "cc -c a.c"], 0x7ffd environ) = 0
123   openat(AT_FDCWD, "a.c", O_RDONLY|O_CLOEXEC) = 3
123   openat(AT_FDCWD, "out.o", O_WRONLY|O_CREAT|O_TRUNC, 0666) = 4
123   openat(AT_FDCWD, "missing.h", O_RDONLY) = -1 ENOENT (No such file or directory)
123   openat(AT_FDCWD, "locked", O_RDONLY) = -1 EACCES (Permission denied)
123   open("legacy.txt", O_RDWR) = 5
123   creat("made.txt", 0644) = 6
123   openat(AT_FDCWD, "tmp2", O_WRONLY|O_CREAT, 0666) = 7
123   rename("tmp2", "final2") = 0
123   rename("ghost", "elsewhere") = -1 ENOENT (No such file or directory)
123   renameat2(AT_FDCWD, "tmp3", AT_FDCWD, "final3", RENAME_NOREPLACE) = 0
123   openat(AT_FDCWD, "scratch", O_WRONLY|O_CREAT, 0666) = 8
123   unlink("scratch") = 0
123   unlinkat(AT_FDCWD, "scratch2", 0) = 0
124   chdir("/elsewhere") = 0
124   openat(AT_FDCWD, "rel.txt", O_RDONLY) = 3
125   fchdir(5</other>) = 0
125   openat(AT_FDCWD, "deep.txt", O_RDONLY) = 3
123   openat(9</dirfd>, "in-dir.txt", O_RDONLY) = 10
123   openat(AT_FDCWD, "later", O_RDONLY <unfinished ...>
123   openat(AT_FDCWD, "dev", O_RDONLY|O_DIRECTORY) = 11
--- SIGCHLD {si_signo=SIGCHLD} ---
+++ exited with 0 +++
`

func parseSample(t *testing.T) AccessLog {
	t.Helper()
	b := NewBuilder(root, nil)
	require.NoError(t, ParseStrace(strings.NewReader(sampleStrace), b))
	return b.Log()
}

func TestParseStrace_Opens(t *testing.T) {
	log := parseSample(t)

	assert.Equal(t, walkfile.Read, log[root+"/a.c"])
	assert.Equal(t, walkfile.Write, log[root+"/out.o"])
	assert.Equal(t, walkfile.FailedRead, log[root+"/missing.h"])
	assert.Equal(t, walkfile.ReadWrite, log[root+"/legacy.txt"])
	assert.Equal(t, walkfile.Write, log[root+"/made.txt"])
}

func TestParseStrace_NonMissingFailureSkipped(t *testing.T) {
	log := parseSample(t)
	assert.NotContains(t, log, root+"/locked")
}

func TestParseStrace_Rename(t *testing.T) {
	log := parseSample(t)

	assert.NotContains(t, log, root+"/tmp2")
	assert.Equal(t, walkfile.Write, log[root+"/final2"])
	assert.NotContains(t, log, root+"/ghost")
	assert.NotContains(t, log, root+"/elsewhere")
	// renameat2 of a path this run never wrote drops both sides.
	assert.NotContains(t, log, root+"/tmp3")
	assert.NotContains(t, log, root+"/final3")
}

func TestParseStrace_Unlink(t *testing.T) {
	log := parseSample(t)
	assert.NotContains(t, log, root+"/scratch")
	assert.NotContains(t, log, root+"/scratch2")
}

func TestParseStrace_ChdirPerProcess(t *testing.T) {
	log := parseSample(t)
	assert.Contains(t, log, "/elsewhere/rel.txt")
	assert.Contains(t, log, "/other/deep.txt")
}

func TestParseStrace_DirfdAnnotation(t *testing.T) {
	log := parseSample(t)
	assert.Contains(t, log, "/dirfd/in-dir.txt")
}

func TestParseStrace_SkipsNoise(t *testing.T) {
	log := parseSample(t)
	assert.NotContains(t, log, root+"/later")
	assert.NotContains(t, log, root+"/dev")
}

func TestParseStrace_EscapedPath(t *testing.T) {
	b := NewBuilder(root, nil)
	line := `123   openat(AT_FDCWD, "with \"quote\".txt", O_RDONLY) = 3` + "\n"
	require.NoError(t, ParseStrace(strings.NewReader(line), b))
	assert.Contains(t, b.Log(), root+`/with "quote".txt`)
}
