package runner

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const execName = "exec"

var zipMagic = []byte("PK\x03\x04")

// install writes the action code under dir and returns the path of the
// executable to spawn. Binary code is base64, either a zip archive holding
// an exec entry or the executable itself; source code must be a script
// with a shebang line.
func install(dir, code string, binary bool) (string, error) {
	if !binary {
		if !strings.HasPrefix(code, "#!") {
			return "", errors.New("action code must start with a shebang line")
		}
		return writeExec(dir, []byte(code))
	}

	data, err := base64.StdEncoding.DecodeString(code)
	if err != nil {
		return "", fmt.Errorf("decoding binary code: %w", err)
	}

	if !bytes.HasPrefix(data, zipMagic) {
		return writeExec(dir, data)
	}

	dest := filepath.Join(dir, "action")
	if err := unzip(data, dest); err != nil {
		return "", err
	}

	path := filepath.Join(dest, execName)
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("archive has no %s entry", execName)
	}
	if info.IsDir() {
		return "", fmt.Errorf("archive entry %s is a directory", execName)
	}
	if err := os.Chmod(path, 0o755); err != nil {
		return "", fmt.Errorf("making %s executable: %w", execName, err)
	}

	return path, nil
}

func writeExec(dir string, data []byte) (string, error) {
	path := filepath.Join(dir, execName)
	if err := os.WriteFile(path, data, 0o755); err != nil {
		return "", fmt.Errorf("writing %s: %w", execName, err)
	}
	return path, nil
}

func unzip(data []byte, dest string) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("reading archive: %w", err)
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}

	for _, f := range zr.File {
		path := filepath.Join(dest, f.Name)
		if !strings.HasPrefix(path, dest+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %q escapes the action directory", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(path, 0o755); err != nil {
				return fmt.Errorf("creating %s: %w", path, err)
			}
			continue
		}

		if err := extractFile(f, path); err != nil {
			return err
		}
	}

	return nil
}

func extractFile(f *zip.File, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}

	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("opening archive entry %q: %w", f.Name, err)
	}
	defer src.Close()

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}

	dst, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("extracting %q: %w", f.Name, err)
	}

	return dst.Close()
}
