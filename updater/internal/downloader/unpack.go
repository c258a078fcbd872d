package downloader

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"
)

var errUnsafePath = errors.New("archive entry escapes destination")

// unpack extracts the archive at src into dst. The format is detected from content.
func unpack(ctx context.Context, src, dst string) error {
	mtype, err := mimetype.DetectFile(src)
	if err != nil {
		return fmt.Errorf("detect archive type: %w", err)
	}

	log.Debugf("unpacking %s archive into %s", mtype.String(), dst)

	switch {
	case mtype.Is("application/zip"):
		return unzip(ctx, src, dst)
	case mtype.Is("application/gzip"):
		return untarCompressed(ctx, src, dst, func(r io.Reader) (io.Reader, func(), error) {
			gz, err := gzip.NewReader(r)
			if err != nil {
				return nil, nil, err
			}
			return gz, func() { _ = gz.Close() }, nil
		})
	case mtype.Is("application/zstd"):
		return untarCompressed(ctx, src, dst, func(r io.Reader) (io.Reader, func(), error) {
			zr, err := zstd.NewReader(r)
			if err != nil {
				return nil, nil, err
			}
			return zr, zr.Close, nil
		})
	case mtype.Is("application/x-tar"):
		return untarCompressed(ctx, src, dst, func(r io.Reader) (io.Reader, func(), error) {
			return r, func() {}, nil
		})
	default:
		return fmt.Errorf("unsupported archive type %s", mtype.String())
	}
}

func unzip(ctx context.Context, src, dst string) error {
	archive, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer archive.Close()

	for _, f := range archive.File {
		if err := ctx.Err(); err != nil {
			return err
		}

		target, err := safeJoin(dst, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if !f.Mode().IsRegular() {
			log.Debugf("skipping non regular zip entry %s", f.Name)
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("open zip entry %s: %w", f.Name, err)
		}
		err = writeFile(target, rc)
		_ = rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func untarCompressed(ctx context.Context, src, dst string, decompress func(io.Reader) (io.Reader, func(), error)) error {
	file, err := os.Open(src)
	if err != nil {
		return err
	}
	defer file.Close()

	r, closeFn, err := decompress(file)
	if err != nil {
		return fmt.Errorf("open compressed stream: %w", err)
	}
	defer closeFn()

	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		target, err := safeJoin(dst, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr); err != nil {
				return err
			}
		default:
			log.Debugf("skipping tar entry %s of type %c", header.Name, header.Typeflag)
		}
	}
}

func writeFile(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()
		return fmt.Errorf("write %s: %w", target, err)
	}
	return out.Close()
}

func safeJoin(root, name string) (string, error) {
	root = filepath.Clean(root)
	target := filepath.Join(root, name)
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", errUnsafePath, name)
	}
	return target, nil
}

// contentRoot returns the directory holding the bundle content. Archives that wrap
// everything in a single top level directory are unwrapped.
func contentRoot(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}

	var visible []os.DirEntry
	for _, e := range entries {
		if e.Name() == "__MACOSX" || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		visible = append(visible, e)
	}
	if len(visible) == 1 && visible[0].IsDir() {
		return filepath.Join(dir, visible[0].Name()), nil
	}
	return dir, nil
}
