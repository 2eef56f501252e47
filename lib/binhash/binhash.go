// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package binhash

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Digest is a 32-byte BLAKE3 digest.
type Digest [32]byte

// Domain is a 32-byte BLAKE3 key. Hashing the same bytes under
// different domains gives unrelated digests, so a lock file name can
// never be mistaken for a transcript name.
type Domain [32]byte

// NewDomain builds a domain key from a short ASCII name, zero padded.
// Panics if name is longer than 32 bytes; domains are constants.
func NewDomain(name string) Domain {
	if len(name) > len(Domain{}) {
		panic("binhash: domain name longer than 32 bytes: " + name)
	}
	var domain Domain
	copy(domain[:], name)
	return domain
}

// Domains used by tether. Changing one renames every file derived
// from it.
var (
	LockDomain       = NewDomain("tether.instancelock")
	TranscriptDomain = NewDomain("tether.transcript")
	ContentDomain    = NewDomain("tether.content")
)

// Sum returns the keyed BLAKE3 digest of data in domain.
func Sum(domain Domain, data []byte) Digest {
	hasher := newHasher(domain)
	hasher.Write(data)
	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest
}

// HashReader streams r through the keyed hash with constant memory.
func HashReader(domain Domain, r io.Reader) (Digest, error) {
	hasher := newHasher(domain)
	if _, err := io.Copy(hasher, r); err != nil {
		return Digest{}, err
	}
	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest, nil
}

// HashFile computes the ContentDomain digest of the file at path.
func HashFile(path string) (Digest, error) {
	file, err := os.Open(path)
	if err != nil {
		return Digest{}, fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer file.Close()

	digest, err := HashReader(ContentDomain, file)
	if err != nil {
		return Digest{}, fmt.Errorf("hashing %s: %w", path, err)
	}
	return digest, nil
}

// String returns the lowercase hex encoding.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short returns the first n hex characters, for file names.
func (d Digest) Short(n int) string {
	full := d.String()
	if n <= 0 || n > len(full) {
		return full
	}
	return full[:n]
}

// ParseDigest parses the 64-character hex form back into a Digest.
func ParseDigest(hexString string) (Digest, error) {
	var digest Digest
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return digest, fmt.Errorf("parsing digest: %w", err)
	}
	if len(decoded) != len(digest) {
		return digest, fmt.Errorf("digest is %d bytes, want %d", len(decoded), len(digest))
	}
	copy(digest[:], decoded)
	return digest, nil
}

func newHasher(domain Domain) *blake3.Hasher {
	hasher, err := blake3.NewKeyed(domain[:])
	if err != nil {
		// Only fails for keys that are not 32 bytes.
		panic("binhash: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return hasher
}
