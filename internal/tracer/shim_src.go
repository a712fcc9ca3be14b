package tracer

// shimSource is the C source of the preload interposer, held in the engine
// binary and compiled on demand by Shim.Ensure.
//
// Records are tab separated because paths routinely contain spaces. Writes
// are serialized through one mutex and appended with O_APPEND, so records
// from concurrent threads and from descendant processes interleave without
// tearing. Relative paths are resolved against the calling process's working
// directory here, while it is still knowable.
const shimSource = `
#include <stdio.h>
#include <stdarg.h>
#include <stdlib.h>
#include <errno.h>
#include <string.h>
#include <pthread.h>

/* fcntl.h declares open() variadic, which gets in the way of defining our
wrapper; hide the declarations while including the system headers. */
#define open open_walk_hidden
#define open64 open64_walk_hidden
#define openat openat_walk_hidden
#define creat creat_walk_hidden
#define fopen fopen_walk_hidden
#define fopen64 fopen64_walk_hidden
#define freopen freopen_walk_hidden
#define rename rename_walk_hidden
#define renameat renameat_walk_hidden
#define renameat2 renameat2_walk_hidden
#define unlink unlink_walk_hidden
#define unlinkat unlinkat_walk_hidden
#define remove remove_walk_hidden

#define __USE_GNU
#include <dlfcn.h>
#include <unistd.h>
#include <sys/param.h>
#include <fcntl.h>

#undef open
#undef open64
#undef openat
#undef creat
#undef fopen
#undef fopen64
#undef freopen
#undef rename
#undef renameat
#undef renameat2
#undef unlink
#undef unlinkat
#undef remove

static int raw_open(const char *path, int flags, mode_t mode)
{
    static int (*real_open)(const char *, int, mode_t) = NULL;
    if (!real_open)
        real_open = dlsym(RTLD_NEXT, "open");
    return real_open(path, flags, mode);
}

static void log_line(const char *format, ...)
{
    static pthread_mutex_t lock = PTHREAD_MUTEX_INITIALIZER;
    const char *log_path;
    int saved_errno = errno;

    log_path = getenv("WALK_PRELOAD_LOG");
    if (!log_path)
        return;

    pthread_mutex_lock(&lock);

    int fd = raw_open(log_path, O_WRONLY | O_APPEND | O_CREAT, 0666);
    if (fd >= 0) {
        char buf[2 * PATH_MAX + 64];
        va_list ap;
        va_start(ap, format);
        int n = vsnprintf(buf, sizeof(buf), format, ap);
        va_end(ap);
        if (n > 0) {
            if (n > (int)sizeof(buf))
                n = sizeof(buf);
            write(fd, buf, n);
        }
        close(fd);
    }

    pthread_mutex_unlock(&lock);
    errno = saved_errno;
}

/* getcwd can recurse into open on some libcs; a nesting guard keeps the
interposer from logging its own calls. */
static __thread int nesting = 0;

static void abspath(const char *path, char *out, size_t out_size)
{
    if (path[0] == '/') {
        snprintf(out, out_size, "%s", path);
    } else {
        char cwd[PATH_MAX];
        if (!getcwd(cwd, sizeof(cwd)))
            cwd[0] = 0;
        snprintf(out, out_size, "%s/%s", cwd, path);
    }
}

static void register_open(const char *path, int read, int write, int ok)
{
    int saved_errno = errno;

    if (++nesting > 1)
        goto end;

    if (!ok && !(saved_errno == ENOENT || saved_errno == ENOTDIR))
        goto end;
    if (!ok && !(read && !write))
        goto end;

    {
        char full[PATH_MAX + 1];
        const char *mode = read ? (write ? "rw" : "r") : "w";
        abspath(path, full, sizeof(full));
        log_line("o\t%d\t%s\t%s\n", ok ? 0 : -1, mode, full);
    }

end:
    --nesting;
    errno = saved_errno;
}

static void register_rename(const char *from, const char *to)
{
    int saved_errno = errno;

    if (++nesting > 1)
        goto end;

    {
        char full_from[PATH_MAX + 1];
        char full_to[PATH_MAX + 1];
        abspath(from, full_from, sizeof(full_from));
        abspath(to, full_to, sizeof(full_to));
        log_line("r\t%s\t%s\n", full_from, full_to);
    }

end:
    --nesting;
    errno = saved_errno;
}

static void register_unlink(const char *path)
{
    int saved_errno = errno;

    if (++nesting > 1)
        goto end;

    {
        char full[PATH_MAX + 1];
        abspath(path, full, sizeof(full));
        log_line("d\t%s\n", full);
    }

end:
    --nesting;
    errno = saved_errno;
}

int open(const char *path, int flags, mode_t mode)
{
    int accmode = flags & O_ACCMODE;
    int read = (accmode == O_RDONLY || accmode == O_RDWR);
    int write = (accmode == O_WRONLY || accmode == O_RDWR);

    int ret = raw_open(path, flags, mode);
    register_open(path, read, write, ret >= 0);
    return ret;
}

int open64(const char *path, int flags, mode_t mode)
{
    static int (*real_open64)(const char *, int, mode_t) = NULL;
    if (!real_open64)
        real_open64 = dlsym(RTLD_NEXT, "open64");

    int accmode = flags & O_ACCMODE;
    int read = (accmode == O_RDONLY || accmode == O_RDWR);
    int write = (accmode == O_WRONLY || accmode == O_RDWR);

    int ret = real_open64(path, flags, mode);
    register_open(path, read, write, ret >= 0);
    return ret;
}

int openat(int dirfd, const char *path, int flags, mode_t mode)
{
    static int (*real_openat)(int, const char *, int, mode_t) = NULL;
    if (!real_openat)
        real_openat = dlsym(RTLD_NEXT, "openat");

    if (dirfd != AT_FDCWD && path[0] != '/')
        return real_openat(dirfd, path, flags, mode);

    int accmode = flags & O_ACCMODE;
    int read = (accmode == O_RDONLY || accmode == O_RDWR);
    int write = (accmode == O_WRONLY || accmode == O_RDWR);

    int ret = real_openat(dirfd, path, flags, mode);
    register_open(path, read, write, ret >= 0);
    return ret;
}

int creat(const char *path, mode_t mode)
{
    return open(path, O_CREAT | O_WRONLY | O_TRUNC, mode);
}

static void fopen_modes(const char *mode, int *read, int *write)
{
    *read = strchr(mode, 'r') != NULL || strchr(mode, '+') != NULL;
    *write = strchr(mode, 'w') != NULL || strchr(mode, 'a') != NULL ||
             strchr(mode, '+') != NULL;
}

FILE *fopen(const char *path, const char *mode)
{
    static FILE *(*real_fopen)(const char *, const char *) = NULL;
    if (!real_fopen)
        real_fopen = dlsym(RTLD_NEXT, "fopen");

    int read, write;
    fopen_modes(mode, &read, &write);

    FILE *ret = real_fopen(path, mode);
    register_open(path, read, write, ret != NULL);
    return ret;
}

FILE *fopen64(const char *path, const char *mode)
{
    static FILE *(*real_fopen64)(const char *, const char *) = NULL;
    if (!real_fopen64)
        real_fopen64 = dlsym(RTLD_NEXT, "fopen64");

    int read, write;
    fopen_modes(mode, &read, &write);

    FILE *ret = real_fopen64(path, mode);
    register_open(path, read, write, ret != NULL);
    return ret;
}

FILE *freopen(const char *path, const char *mode, FILE *stream)
{
    static FILE *(*real_freopen)(const char *, const char *, FILE *) = NULL;
    if (!real_freopen)
        real_freopen = dlsym(RTLD_NEXT, "freopen");

    FILE *ret = real_freopen(path, mode, stream);
    if (path) {
        int read, write;
        fopen_modes(mode, &read, &write);
        register_open(path, read, write, ret != NULL);
    }
    return ret;
}

int rename(const char *from, const char *to)
{
    static int (*real_rename)(const char *, const char *) = NULL;
    if (!real_rename)
        real_rename = dlsym(RTLD_NEXT, "rename");

    int ret = real_rename(from, to);
    if (ret == 0)
        register_rename(from, to);
    return ret;
}

int renameat2(int fromfd, const char *from, int tofd, const char *to,
              unsigned flags)
{
    static int (*real_renameat2)(int, const char *, int, const char *,
                                 unsigned) = NULL;
    if (!real_renameat2)
        real_renameat2 = dlsym(RTLD_NEXT, "renameat2");

    int ret = real_renameat2(fromfd, from, tofd, to, flags);
    if (ret == 0 && fromfd == AT_FDCWD && tofd == AT_FDCWD)
        register_rename(from, to);
    return ret;
}

int renameat(int fromfd, const char *from, int tofd, const char *to)
{
    return renameat2(fromfd, from, tofd, to, 0);
}

int unlinkat(int dirfd, const char *path, int flags)
{
    static int (*real_unlinkat)(int, const char *, int) = NULL;
    if (!real_unlinkat)
        real_unlinkat = dlsym(RTLD_NEXT, "unlinkat");

    int ret = real_unlinkat(dirfd, path, flags);
    if (ret == 0 && (dirfd == AT_FDCWD || path[0] == '/'))
        register_unlink(path);
    return ret;
}

int unlink(const char *path)
{
    return unlinkat(AT_FDCWD, path, 0);
}

int remove(const char *path)
{
    return unlinkat(AT_FDCWD, path, 0);
}
`
