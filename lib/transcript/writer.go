// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transcript

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/bureau-foundation/tether/lib/agentdriver"
	"github.com/bureau-foundation/tether/lib/binhash"
	"github.com/bureau-foundation/tether/lib/codec"
)

// Options configures where and how transcripts are written.
type Options struct {
	// Directory receives transcript files. Created if missing.
	Directory string

	Compression Compression

	// Recipients, when non-empty, encrypt the body to every one of
	// them.
	Recipients []age.Recipient
}

// Summary describes a finished transcript.
type Summary struct {
	Path   string
	Size   int64
	Digest binhash.Digest
	Events int
}

// Writer appends one run's records. Safe for concurrent use; records
// are written in call order.
type Writer struct {
	mutex     sync.Mutex
	path      string
	temporary string
	file      *os.File
	buffered  *bufio.Writer
	layers    []io.Closer
	encoder   *codec.Encoder
	events    int
	err       error
	done      bool
}

// FileName returns the transcript file name for a task: the UTC start
// time, then a keyed hash of the task id.
func FileName(taskID string, startedAt time.Time) string {
	digest := binhash.Sum(binhash.TranscriptDomain, []byte(taskID))
	return startedAt.UTC().Format("20060102T150405Z") + "-" + digest.Short(16) + Extension
}

// Create starts a transcript and writes its header.
func Create(options Options, header Header) (*Writer, error) {
	if options.Directory == "" {
		return nil, fmt.Errorf("transcript: no directory configured")
	}
	if err := os.MkdirAll(options.Directory, 0o700); err != nil {
		return nil, fmt.Errorf("transcript: creating %s: %w", options.Directory, err)
	}

	path := filepath.Join(options.Directory, FileName(header.TaskID, header.StartedAt))
	file, err := os.CreateTemp(options.Directory, ".writing-*"+Extension)
	if err != nil {
		return nil, fmt.Errorf("transcript: creating temporary file: %w", err)
	}
	writer := &Writer{path: path, temporary: file.Name(), file: file}

	if err := writer.open(options); err != nil {
		writer.Abort()
		return nil, err
	}
	if err := writer.write(Record{Header: &header}); err != nil {
		writer.Abort()
		return nil, err
	}
	return writer, nil
}

// open writes the preamble and stacks the body layers: CBOR encoder,
// compressor, encryptor, buffered file.
func (w *Writer) open(options Options) error {
	w.buffered = bufio.NewWriter(w.file)

	var flags byte
	if len(options.Recipients) > 0 {
		flags |= flagEncrypted
	}
	preamble := append([]byte(magic), formatVersion, byte(options.Compression), flags)
	if _, err := w.buffered.Write(preamble); err != nil {
		return fmt.Errorf("transcript: writing preamble: %w", err)
	}

	var body io.Writer = w.buffered
	if len(options.Recipients) > 0 {
		encryptor, err := age.Encrypt(body, options.Recipients...)
		if err != nil {
			return fmt.Errorf("transcript: starting encryption: %w", err)
		}
		w.layers = append(w.layers, encryptor)
		body = encryptor
	}

	switch options.Compression {
	case CompressionNone:
	case CompressionZstd:
		compressor, err := zstd.NewWriter(body, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("transcript: starting zstd: %w", err)
		}
		w.layers = append(w.layers, compressor)
		body = compressor
	case CompressionLZ4:
		compressor := lz4.NewWriter(body)
		w.layers = append(w.layers, compressor)
		body = compressor
	default:
		return fmt.Errorf("transcript: unsupported compression %s", options.Compression)
	}

	w.encoder = codec.NewEncoder(body)
	return nil
}

// Event appends a progress event.
func (w *Writer) Event(event agentdriver.Event) error {
	return w.write(Record{Event: &event})
}

func (w *Writer) write(record Record) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.done {
		return errors.New("transcript: write after finish")
	}
	if w.err != nil {
		return w.err
	}
	if err := w.encoder.Encode(record); err != nil {
		w.err = fmt.Errorf("transcript: encoding record: %w", err)
		return w.err
	}
	if record.Event != nil {
		w.events++
	}
	return nil
}

// Finish appends the result, flushes every layer, and moves the file
// to its final name.
func (w *Writer) Finish(result Result) (Summary, error) {
	if err := w.write(Record{Result: &result}); err != nil {
		w.Abort()
		return Summary{}, err
	}

	w.mutex.Lock()
	w.done = true
	events := w.events
	w.mutex.Unlock()

	// Innermost first: the compressor flushes into the encryptor,
	// which flushes into the buffer.
	for len(w.layers) > 0 {
		last := w.layers[len(w.layers)-1]
		w.layers = w.layers[:len(w.layers)-1]
		if err := last.Close(); err != nil {
			w.Abort()
			return Summary{}, fmt.Errorf("transcript: closing body: %w", err)
		}
	}
	if err := w.buffered.Flush(); err != nil {
		w.Abort()
		return Summary{}, fmt.Errorf("transcript: flushing: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		w.Abort()
		return Summary{}, fmt.Errorf("transcript: syncing: %w", err)
	}
	if err := w.file.Close(); err != nil {
		w.Abort()
		return Summary{}, fmt.Errorf("transcript: closing: %w", err)
	}
	w.file = nil
	if err := os.Rename(w.temporary, w.path); err != nil {
		os.Remove(w.temporary)
		return Summary{}, fmt.Errorf("transcript: renaming into place: %w", err)
	}

	summary := Summary{Path: w.path, Events: events}
	if info, err := os.Stat(w.path); err == nil {
		summary.Size = info.Size()
	}
	digest, err := binhash.HashFile(w.path)
	if err != nil {
		return summary, fmt.Errorf("transcript: %w", err)
	}
	summary.Digest = digest
	return summary, nil
}

// Abort discards an unfinished transcript. Safe after Finish.
func (w *Writer) Abort() {
	w.mutex.Lock()
	w.done = true
	w.mutex.Unlock()
	// Stops the zstd encoder's goroutines; the output is discarded.
	for index := len(w.layers) - 1; index >= 0; index-- {
		w.layers[index].Close()
	}
	w.layers = nil
	if w.file != nil {
		w.file.Close()
		w.file = nil
		os.Remove(w.temporary)
	}
}

// Path returns the name the transcript will have once finished.
func (w *Writer) Path() string { return w.path }
