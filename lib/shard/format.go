// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package shard

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/klauspost/compress/zstd"

	"github.com/bureau-foundation/swarmcas/lib/hashing"
)

const (
	// Magic identifies a serialized shard.
	Magic = "SHAR"

	// Version is the only format version this package reads and
	// writes.
	Version = 1

	// HeaderSize is the fixed header length.
	HeaderSize = 24

	// FooterSize is the HMAC-SHA256 footer length.
	FooterSize = sha256.Size

	// MaxPathLength bounds a file path in bytes.
	MaxPathLength = 4096

	// MaxBodySize bounds the decompressed body.
	MaxBodySize = 256 << 20

	flagHMAC   = 1 << 0
	flagZstd   = 1 << 1
	flagRanges = 1 << 2
	knownFlags = flagHMAC | flagZstd | flagRanges

	// Smallest possible file-info entry: path length, empty path,
	// hash, size, ref count.
	minFileInfoSize = 4 + hashing.Size + 8 + 4
	rangeEntrySize  = 8
)

var (
	// ErrFormat is returned (wrapped) for structurally malformed
	// shards.
	ErrFormat = errors.New("malformed shard")

	// ErrIntegrity is returned (wrapped) when the HMAC footer does
	// not match, or when a key is supplied for an unsigned shard.
	ErrIntegrity = errors.New("shard integrity check failed")
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("shard: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxBodySize))
	if err != nil {
		panic("shard: zstd decoder initialization failed: " + err.Error())
	}
}

// Options control serialization.
type Options struct {
	// Key, when non-empty, adds an HMAC-SHA256 footer.
	Key []byte

	// Compress zstd-compresses the body.
	Compress bool
}

// Serialize encodes the shard.
func (s *Shard) Serialize(options Options) ([]byte, error) {
	var flags uint8
	if s.HasRanges {
		flags |= flagRanges
	}

	body, err := s.encodeBody()
	if err != nil {
		return nil, err
	}
	if options.Compress {
		body = zstdEncoder.EncodeAll(body, nil)
		flags |= flagZstd
	}
	if len(options.Key) > 0 {
		flags |= flagHMAC
	}

	buffer := make([]byte, 0, HeaderSize+len(body)+FooterSize)
	buffer = append(buffer, Magic...)
	buffer = append(buffer, Version, flags, 0, 0)
	buffer = binary.LittleEndian.AppendUint32(buffer, uint32(len(s.Files)))
	buffer = binary.LittleEndian.AppendUint32(buffer, uint32(len(s.XorbHashes)))
	buffer = binary.LittleEndian.AppendUint32(buffer, uint32(len(s.ChunkHashes)))
	buffer = append(buffer, 0, 0, 0, 0)
	buffer = append(buffer, body...)

	if len(options.Key) > 0 {
		buffer = append(buffer, computeMAC(options.Key, buffer)...)
	}
	return buffer, nil
}

func (s *Shard) encodeBody() ([]byte, error) {
	var body []byte
	for i, file := range s.Files {
		if len(file.Path) > MaxPathLength {
			return nil, fmt.Errorf("file %d path is %d bytes, limit %d", i, len(file.Path), MaxPathLength)
		}
		if !utf8.ValidString(file.Path) {
			return nil, fmt.Errorf("file %d path is not valid UTF-8", i)
		}
		body = binary.LittleEndian.AppendUint32(body, uint32(len(file.Path)))
		body = append(body, file.Path...)
		body = append(body, file.Hash[:]...)
		body = binary.LittleEndian.AppendUint64(body, file.Size)
		body = binary.LittleEndian.AppendUint32(body, uint32(len(file.XorbRefs)))
		for _, ref := range file.XorbRefs {
			body = append(body, ref[:]...)
		}
	}
	for _, hash := range s.XorbHashes {
		body = append(body, hash[:]...)
	}
	for _, hash := range s.ChunkHashes {
		body = append(body, hash[:]...)
	}
	if s.HasRanges {
		for _, file := range s.Files {
			body = binary.LittleEndian.AppendUint32(body, file.Chunks.Start)
			body = binary.LittleEndian.AppendUint32(body, file.Chunks.Count)
		}
	}
	return body, nil
}

func computeMAC(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// Deserialize validates and decodes a shard. With a key, the footer
// must be present and must match before anything else is examined.
// Without a key, a footer is skipped and the result has Verified
// false.
func Deserialize(data []byte, key []byte) (*Shard, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the %d-byte header", ErrFormat, len(data), HeaderSize)
	}
	if !bytes.Equal(data[0:4], []byte(Magic)) {
		return nil, fmt.Errorf("%w: bad magic %q", ErrFormat, data[0:4])
	}
	if version := data[4]; version != Version {
		return nil, fmt.Errorf("%w: version %d is not supported (this code supports version %d)", ErrFormat, version, Version)
	}
	flags := data[5]
	if flags&^knownFlags != 0 {
		return nil, fmt.Errorf("%w: unknown flags %#02x", ErrFormat, flags)
	}

	result := &Shard{HasRanges: flags&flagRanges != 0, Signed: flags&flagHMAC != 0}

	end := len(data)
	if result.Signed {
		if len(data) < HeaderSize+FooterSize {
			return nil, fmt.Errorf("%w: signed shard too short for footer", ErrFormat)
		}
		end -= FooterSize
		if len(key) > 0 {
			expected := computeMAC(key, data[:end])
			if !hmac.Equal(expected, data[end:]) {
				return nil, fmt.Errorf("%w: HMAC mismatch", ErrIntegrity)
			}
			result.Verified = true
		}
	} else if len(key) > 0 {
		return nil, fmt.Errorf("%w: key supplied but shard has no HMAC footer", ErrIntegrity)
	}

	if data[6] != 0 || data[7] != 0 || !bytes.Equal(data[20:24], []byte{0, 0, 0, 0}) {
		return nil, fmt.Errorf("%w: non-zero reserved bytes", ErrFormat)
	}
	fileCount := binary.LittleEndian.Uint32(data[8:12])
	xorbCount := binary.LittleEndian.Uint32(data[12:16])
	chunkCount := binary.LittleEndian.Uint32(data[16:20])

	body := data[HeaderSize:end]
	if flags&flagZstd != 0 {
		decoded, err := zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: decompressing body: %v", ErrFormat, err)
		}
		body = decoded
	}

	minimum := uint64(fileCount)*minFileInfoSize + (uint64(xorbCount)+uint64(chunkCount))*hashing.Size
	if result.HasRanges {
		minimum += uint64(fileCount) * rangeEntrySize
	}
	if minimum > uint64(len(body)) {
		return nil, fmt.Errorf("%w: counts (%d files, %d xorbs, %d chunks) need at least %d bytes, body has %d",
			ErrFormat, fileCount, xorbCount, chunkCount, minimum, len(body))
	}

	reader := bodyReader{data: body}
	result.Files = make([]FileInfo, 0, fileCount)
	for i := range int(fileCount) {
		file, err := reader.fileInfo()
		if err != nil {
			return nil, fmt.Errorf("%w: file %d: %v", ErrFormat, i, err)
		}
		result.Files = append(result.Files, file)
	}
	var err error
	if result.XorbHashes, err = reader.hashes(int(xorbCount)); err != nil {
		return nil, fmt.Errorf("%w: xorb hashes: %v", ErrFormat, err)
	}
	if result.ChunkHashes, err = reader.hashes(int(chunkCount)); err != nil {
		return nil, fmt.Errorf("%w: chunk hashes: %v", ErrFormat, err)
	}
	if result.HasRanges {
		for i := range result.Files {
			start, err := reader.uint32()
			if err != nil {
				return nil, fmt.Errorf("%w: file %d range: %v", ErrFormat, i, err)
			}
			count, err := reader.uint32()
			if err != nil {
				return nil, fmt.Errorf("%w: file %d range: %v", ErrFormat, i, err)
			}
			if uint64(start)+uint64(count) > uint64(chunkCount) {
				return nil, fmt.Errorf("%w: file %d range [%d, +%d) exceeds %d chunk hashes",
					ErrFormat, i, start, count, chunkCount)
			}
			result.Files[i].Chunks = Range{Start: start, Count: count}
		}
	}
	if reader.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing body bytes", ErrFormat, reader.remaining())
	}
	return result, nil
}

// bodyReader walks the body with bounds checks on every read.
type bodyReader struct {
	data     []byte
	position int
}

var errTruncated = errors.New("truncated")

func (r *bodyReader) remaining() int {
	return len(r.data) - r.position
}

func (r *bodyReader) take(n int) ([]byte, error) {
	if n < 0 || n > r.remaining() {
		return nil, errTruncated
	}
	chunk := r.data[r.position : r.position+n]
	r.position += n
	return chunk, nil
}

func (r *bodyReader) uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *bodyReader) uint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *bodyReader) hash() (hashing.Hash, error) {
	var hash hashing.Hash
	b, err := r.take(hashing.Size)
	if err != nil {
		return hash, err
	}
	copy(hash[:], b)
	return hash, nil
}

func (r *bodyReader) hashes(count int) ([]hashing.Hash, error) {
	if count > r.remaining()/hashing.Size {
		return nil, errTruncated
	}
	hashes := make([]hashing.Hash, count)
	for i := range hashes {
		hashes[i], _ = r.hash()
	}
	return hashes, nil
}

func (r *bodyReader) fileInfo() (FileInfo, error) {
	var file FileInfo
	pathLength, err := r.uint32()
	if err != nil {
		return file, err
	}
	if pathLength > MaxPathLength {
		return file, fmt.Errorf("path length %d exceeds %d", pathLength, MaxPathLength)
	}
	path, err := r.take(int(pathLength))
	if err != nil {
		return file, err
	}
	if !utf8.Valid(path) {
		return file, fmt.Errorf("path is not valid UTF-8")
	}
	file.Path = string(path)
	if file.Hash, err = r.hash(); err != nil {
		return file, err
	}
	if file.Size, err = r.uint64(); err != nil {
		return file, err
	}
	refCount, err := r.uint32()
	if err != nil {
		return file, err
	}
	if file.XorbRefs, err = r.hashes(int(refCount)); err != nil {
		return file, err
	}
	return file, nil
}
