// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transcript

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/bureau-foundation/tether/lib/codec"
)

// Reader reads a transcript's records in order.
type Reader struct {
	Compression Compression
	Encrypted   bool

	file    *os.File
	body    io.Reader
	zstd    *zstd.Decoder
	decoder *codec.Decoder
}

// Open opens a transcript. identities are needed only for encrypted
// transcripts; without a matching one Open returns an error wrapping
// ErrEncrypted.
func Open(path string, identities ...age.Identity) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("transcript: %w", err)
	}
	reader := &Reader{file: file}
	if err := reader.open(identities); err != nil {
		file.Close()
		return nil, fmt.Errorf("transcript %s: %w", path, err)
	}
	return reader, nil
}

func (r *Reader) open(identities []age.Identity) error {
	buffered := bufio.NewReader(r.file)

	preamble := make([]byte, preambleSize)
	if _, err := io.ReadFull(buffered, preamble); err != nil {
		return ErrNotTranscript
	}
	if string(preamble[:len(magic)]) != magic {
		return ErrNotTranscript
	}
	if version := preamble[len(magic)]; version != formatVersion {
		return fmt.Errorf("unsupported transcript version %d", version)
	}
	r.Compression = Compression(preamble[len(magic)+1])
	r.Encrypted = preamble[len(magic)+2]&flagEncrypted != 0

	var body io.Reader = buffered
	if r.Encrypted {
		if len(identities) == 0 {
			return ErrEncrypted
		}
		decrypted, err := age.Decrypt(body, identities...)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrEncrypted, err)
		}
		body = decrypted
	}

	switch r.Compression {
	case CompressionNone:
	case CompressionZstd:
		decompressor, err := zstd.NewReader(body)
		if err != nil {
			return fmt.Errorf("starting zstd: %w", err)
		}
		r.zstd = decompressor
		body = decompressor
	case CompressionLZ4:
		body = lz4.NewReader(body)
	default:
		return fmt.Errorf("unsupported compression %s", r.Compression)
	}

	r.body = body
	r.decoder = codec.NewDecoder(body)
	return nil
}

// Next returns the next record, or io.EOF after the last one.
func (r *Reader) Next() (Record, error) {
	var record Record
	if err := r.decoder.Decode(&record); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("transcript: decoding record: %w", err)
	}
	return record, nil
}

// Body returns the remaining decrypted, decompressed CBOR sequence.
// Use it instead of Next, not after it.
func (r *Reader) Body() ([]byte, error) {
	data, err := io.ReadAll(r.body)
	if err != nil {
		return nil, fmt.Errorf("transcript: reading body: %w", err)
	}
	return data, nil
}

// Close releases the file.
func (r *Reader) Close() error {
	if r.zstd != nil {
		r.zstd.Close()
	}
	return r.file.Close()
}

// Read reads a whole transcript. A transcript without a result record
// (the run never finished) is returned with a nil Result and no error.
func Read(path string, identities ...age.Identity) (Transcript, error) {
	reader, err := Open(path, identities...)
	if err != nil {
		return Transcript{}, err
	}
	defer reader.Close()

	transcript := Transcript{
		Path:        path,
		Compression: reader.Compression,
		Encrypted:   reader.Encrypted,
	}
	sawHeader := false
	for {
		record, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return transcript, err
		}
		switch {
		case record.Header != nil:
			transcript.Header = *record.Header
			sawHeader = true
		case record.Event != nil:
			transcript.Events = append(transcript.Events, *record.Event)
		case record.Result != nil:
			transcript.Result = record.Result
		}
	}
	if !sawHeader {
		return transcript, fmt.Errorf("transcript %s: missing header record", path)
	}
	return transcript, nil
}

// ReadIdentities parses an age identity file (one AGE-SECRET-KEY-1...
// per line, # comments allowed).
func ReadIdentities(path string) ([]age.Identity, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening identity file: %w", err)
	}
	defer file.Close()
	identities, err := age.ParseIdentities(file)
	if err != nil {
		return nil, fmt.Errorf("parsing identity file %s: %w", path, err)
	}
	return identities, nil
}
