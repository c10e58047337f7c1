package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	ArchiveExt = ".zst"

	archiveDecoderMaxMemory = 1 << 30
)

// Encoders and decoders are pooled across cycles.
var (
	encoderPool sync.Pool
	decoderPool sync.Pool

	pooledEncoderConcurrency = runtime.GOMAXPROCS(0)
)

func getEncoder() (*zstd.Encoder, error) {
	if enc, ok := encoderPool.Get().(*zstd.Encoder); ok && enc != nil {
		return enc, nil
	}
	return zstd.NewWriter(nil, zstd.WithEncoderConcurrency(pooledEncoderConcurrency))
}

func putEncoder(enc *zstd.Encoder) {
	if enc == nil {
		return
	}
	enc.Reset(nil)
	encoderPool.Put(enc)
}

func getDecoder() (*zstd.Decoder, error) {
	if dec, ok := decoderPool.Get().(*zstd.Decoder); ok && dec != nil {
		return dec, nil
	}
	return zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderLowmem(true),
		zstd.WithDecoderMaxMemory(archiveDecoderMaxMemory),
	)
}

func putDecoder(dec *zstd.Decoder) {
	if dec == nil {
		return
	}
	if err := dec.Reset(nil); err != nil {
		return
	}
	decoderPool.Put(dec)
}

// Archiver keeps zstd-compressed copies of artifacts in a local directory.
type Archiver struct {
	store Store
	dir   string
}

func NewArchiver(store Store, dir string) *Archiver {
	return &Archiver{store: store, dir: dir}
}

// Archive copies location into <dir>/<group>/<name>.zst and returns the path written.
func (a *Archiver) Archive(ctx context.Context, group string, location string) (string, error) {
	src, err := a.store.Open(ctx, location)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dir := filepath.Join(a.dir, group)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(dir, path.Base(location)+ArchiveExt)

	f, err := os.Create(dst)
	if err != nil {
		return "", err
	}

	enc, err := getEncoder()
	if err != nil {
		return "", errors.Join(err, f.Close())
	}
	defer putEncoder(enc)
	enc.Reset(f)

	if _, err := io.Copy(enc, src); err != nil {
		_ = enc.Close()
		return "", errors.Join(fmt.Errorf("stage: archive %s: %w", location, err), f.Close(), os.Remove(dst))
	}
	if err := enc.Close(); err != nil {
		return "", errors.Join(err, f.Close(), os.Remove(dst))
	}
	return dst, f.Close()
}

type archiveReader struct {
	dec *zstd.Decoder
	f   *os.File
}

func (r *archiveReader) Read(p []byte) (int, error) {
	return r.dec.Read(p)
}

func (r *archiveReader) Close() error {
	putDecoder(r.dec)
	return r.f.Close()
}

// OpenArchive returns a reader over the decompressed content of an archived artifact.
func OpenArchive(p string) (io.ReadCloser, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	dec, err := getDecoder()
	if err != nil {
		return nil, errors.Join(err, f.Close())
	}
	if err := dec.Reset(f); err != nil {
		putDecoder(dec)
		return nil, errors.Join(err, f.Close())
	}
	return &archiveReader{dec: dec, f: f}, nil
}
