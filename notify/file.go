package notify

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/vinayprograms/pixelmarket/logging"
)

// FileNotifier appends events to a JSON-lines file.
type FileNotifier struct {
	*Async
	file *os.File
}

// NewFileNotifier opens path for appending.
func NewFileNotifier(path string, buffer int, logger *logging.Logger) (*FileNotifier, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	f := &FileNotifier{file: file}
	f.Async = NewAsync(f.write, buffer, logger)
	return f, nil
}

func (f *FileNotifier) write(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = f.file.Write(append(data, '\n'))
	return err
}

// Close drains queued events, syncs and closes the file.
func (f *FileNotifier) Close() error {
	f.Async.Close()
	if err := f.file.Sync(); err != nil {
		f.file.Close()
		return err
	}
	return f.file.Close()
}
