package syscallcompat

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"golang.org/x/sys/unix"
)

func openDir(t *testing.T, dir string) int {
	fd, err := Open(dir, syscall.O_RDONLY|syscall.O_DIRECTORY, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { syscall.Close(fd) })
	return fd
}

func TestReadlinkat(t *testing.T) {
	dir := t.TempDir()
	dirfd := openDir(t, dir)
	for _, n := range []int{10, 256, 4000} {
		target := strings.Repeat("x", n)
		if err := os.Symlink(target, filepath.Join(dir, "l")); err != nil {
			t.Fatal(err)
		}
		got, err := Readlinkat(dirfd, "l")
		if err != nil {
			t.Fatal(err)
		}
		if got != target {
			t.Errorf("len %d: got %d bytes", n, len(got))
		}
		os.Remove(filepath.Join(dir, "l"))
	}
}

func TestFstatat2(t *testing.T) {
	dir := t.TempDir()
	dirfd := openDir(t, dir)
	if err := os.WriteFile(filepath.Join(dir, "f"), []byte("12345"), 0600); err != nil {
		t.Fatal(err)
	}
	st, err := Fstatat2(dirfd, "f", 0)
	if err != nil {
		t.Fatal(err)
	}
	if st.Size != 5 {
		t.Errorf("size %d", st.Size)
	}
	if _, err := Fstatat2(dirfd, "missing", 0); err != syscall.ENOENT {
		t.Errorf("want ENOENT, have %v", err)
	}
}

func TestFlush(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "f"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	fd := int(f.Fd())
	if err := Flush(fd); err != nil {
		t.Error(err)
	}
	if err := Fdatasync(fd); err != nil {
		t.Error(err)
	}
	if _, err := f.Write([]byte("y")); err != nil {
		t.Errorf("fd unusable after Flush: %v", err)
	}
	if !IsENOSPC(&os.PathError{Op: "write", Err: syscall.ENOSPC}) {
		t.Error("wrapped ENOSPC not detected")
	}
}

func TestOpenNofollow(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "a/b"), 0700); err != nil {
		t.Fatal(err)
	}
	fd, err := OpenNofollow(dir, "a/b/f", syscall.O_RDWR|syscall.O_CREAT|syscall.O_EXCL, 0600)
	if err != nil {
		t.Fatal(err)
	}
	syscall.Close(fd)

	os.Rename(filepath.Join(dir, "a"), filepath.Join(dir, "a2"))
	os.Symlink(filepath.Join(dir, "a2"), filepath.Join(dir, "a"))
	_, err = OpenNofollow(dir, "a/b/f", syscall.O_RDONLY, 0)
	if err != syscall.ELOOP && err != syscall.ENOTDIR {
		t.Errorf("want ELOOP or ENOTDIR, got %v", err)
	}
	if _, err = OpenNofollow(dir, "../x", syscall.O_RDONLY, 0); err != syscall.EINVAL {
		t.Errorf("want EINVAL, got %v", err)
	}
	fd, err = OpenNofollow(dir, "", syscall.O_RDONLY, 0)
	if err != nil {
		t.Errorf("base dir: %v", err)
	} else {
		syscall.Close(fd)
	}
}

func TestFchmodatNofollow(t *testing.T) {
	dir := t.TempDir()
	dirfd := openDir(t, dir)
	os.WriteFile(filepath.Join(dir, "f"), nil, 0600)
	os.Symlink("f", filepath.Join(dir, "l"))
	if err := FchmodatNofollow(dirfd, "f", 0640); err != nil {
		t.Fatal(err)
	}
	fi, _ := os.Stat(filepath.Join(dir, "f"))
	if fi.Mode().Perm() != 0640 {
		t.Errorf("mode %v", fi.Mode())
	}
	if err := FchmodatNofollow(dirfd, "l", 0600); err != syscall.ELOOP {
		t.Errorf("want ELOOP, got %v", err)
	}
}

func TestRenameNoreplace(t *testing.T) {
	dir := t.TempDir()
	f1 := filepath.Join(dir, "1")
	f2 := filepath.Join(dir, "2")
	os.WriteFile(f1, []byte("one"), 0600)
	os.WriteFile(f2, []byte("two"), 0600)
	err := Renameat2(unix.AT_FDCWD, f1, unix.AT_FDCWD, f2, RENAME_NOREPLACE)
	if err == syscall.EINVAL {
		t.Skip("RENAME_NOREPLACE not supported by the filesystem")
	}
	if err != syscall.EEXIST {
		t.Errorf("want EEXIST, have %v", err)
	}
	f3 := filepath.Join(dir, "3")
	if err := Renameat2(unix.AT_FDCWD, f1, unix.AT_FDCWD, f3, RENAME_NOREPLACE); err != nil {
		t.Fatal(err)
	}
	if c, _ := os.ReadFile(f3); string(c) != "one" {
		t.Errorf("content %q", c)
	}
}
