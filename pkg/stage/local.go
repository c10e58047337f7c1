package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
)

// LocalStore serves file:// locations and bare paths.
type LocalStore struct{}

func localPath(location string) string {
	return strings.TrimPrefix(location, "file://")
}

func (LocalStore) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	f, err := os.Open(localPath(location))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, location)
		}
		return nil, err
	}
	return f, nil
}

func (LocalStore) Remove(ctx context.Context, location string) error {
	err := os.Remove(localPath(location))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
