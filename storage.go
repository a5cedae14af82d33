package lethe

import (
	"errors"
	"io"
	"os"
	"path"

	"github.com/absfs/absfs"
	grailerrors "github.com/grailbio/base/errors"
	"github.com/google/uuid"
)

// writeFileAtomic replaces name with data by writing a uniquely named
// temporary file and renaming it over name.
func writeFileAtomic(fs absfs.FileSystem, name string, data []byte) (err error) {
	if err := fs.MkdirAll(path.Dir(name), 0700); err != nil {
		return NewIOError("mkdir", path.Dir(name), err)
	}
	tmp := name + "." + uuid.NewString() + ".tmp"
	f, err := fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return NewIOError("open", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		fs.Remove(tmp)
		return NewIOError("write", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		fs.Remove(tmp)
		return NewIOError("sync", tmp, err)
	}
	if err := f.Close(); err != nil {
		fs.Remove(tmp)
		return NewIOError("close", tmp, err)
	}
	if err := fs.Rename(tmp, name); err != nil {
		// Some filesystems refuse to rename over an existing file.
		if rmErr := fs.Remove(name); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			fs.Remove(tmp)
			return NewIOError("rename", name, err)
		}
		if err := fs.Rename(tmp, name); err != nil {
			fs.Remove(tmp)
			return NewIOError("rename", name, err)
		}
	}
	return nil
}

// readFile reads all of name. A missing file yields an error matching os.ErrNotExist.
func readFile(fs absfs.FileSystem, name string) (data []byte, err error) {
	f, err := fs.OpenFile(name, os.O_RDONLY, 0)
	if err != nil {
		return nil, NewIOError("open", name, err)
	}
	defer grailerrors.CleanUp(f.Close, &err)
	data, err = io.ReadAll(f)
	if err != nil {
		return nil, NewIOError("read", name, err)
	}
	return data, nil
}

func fileExists(fs absfs.FileSystem, name string) (bool, error) {
	_, err := fs.Stat(name)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, NewIOError("stat", name, err)
	}
}

func removeFile(fs absfs.FileSystem, name string) error {
	if err := fs.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return NewIOError("remove", name, err)
	}
	return nil
}
