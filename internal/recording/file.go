package recording

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// FileStore writes artifacts as WAV files into a directory.
type FileStore struct {
	dir string
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("recording: directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("recording: create %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Kind returns "file".
func (s *FileStore) Kind() string { return "file" }

// Dir returns the target directory.
func (s *FileStore) Dir() string { return s.dir }

// Save encodes a as a 16-bit PCM WAV file. It never replaces an existing
// file. A partially written file is removed on failure.
func (s *FileStore) Save(ctx context.Context, a Artifact) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := filepath.Join(s.dir, a.Name())
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("recording: create file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("recording: close file: %w", cerr)
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	enc := wav.NewEncoder(f, a.SampleRate, 16, a.Channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: a.Channels, SampleRate: a.SampleRate},
		Data:           samples(a.Audio),
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("recording: encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("recording: finish wav: %w", err)
	}
	return nil
}
