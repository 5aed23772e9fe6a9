// Copyright 2023 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package utils contains basic utilities for reading configuration and serializing stored data.
package utils

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/ugorji/go/codec"
	"lukechampine.com/uint128"
)

// ParseGCSPath gets the bucket and object names from the input filename.
func ParseGCSPath(filename string) (bucket, object string, err error) {
	parsed, err := url.Parse(filename)
	if err != nil {
		return
	}
	if parsed.Scheme != "gs" {
		err = fmt.Errorf("object %q must have 'gs' scheme", filename)
		return
	}
	if parsed.Host == "" {
		err = fmt.Errorf("object %q must have bucket", filename)
		return
	}

	bucket = parsed.Host
	if parsed.Path != "" {
		object = parsed.Path[1:]
	}
	return
}

func writeGCSObject(ctx context.Context, data []byte, filename string) error {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	bucket, object, err := ParseGCSPath(filename)
	if err != nil {
		return err
	}
	writer := client.Bucket(bucket).Object(object).NewWriter(ctx)
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return err
	}
	return writer.Close()
}

func readGCSObject(ctx context.Context, filename string) ([]byte, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	bucket, object, err := ParseGCSPath(filename)
	if err != nil {
		return nil, err
	}
	reader, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

// WriteBytes writes bytes into a local or GCS file. Missing local directories are created.
func WriteBytes(ctx context.Context, data []byte, filename string) error {
	if strings.HasPrefix(filename, "gs://") {
		return writeGCSObject(ctx, data, filename)
	}
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(filename, data, 0644)
}

// ReadBytes reads bytes from a file stored locally or in GCS.
func ReadBytes(ctx context.Context, filename string) ([]byte, error) {
	if strings.HasPrefix(filename, "gs://") {
		return readGCSObject(ctx, filename)
	}
	return os.ReadFile(filename)
}

// ReadLines reads the non-empty lines of a file stored locally or in GCS.
func ReadLines(ctx context.Context, filename string) ([]string, error) {
	b, err := ReadBytes(ctx, filename)
	if err != nil {
		return nil, err
	}
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(b))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

// MarshalCBOR serializes the input data in CBOR format.
func MarshalCBOR(v interface{}) ([]byte, error) {
	encBuf := new(bytes.Buffer)
	enc := codec.NewEncoder(encBuf, &codec.CborHandle{})
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return encBuf.Bytes(), nil
}

// UnmarshalCBOR parses the bytes in CBOR format.
func UnmarshalCBOR(b []byte, v interface{}) error {
	decBuf := bytes.NewBuffer(b)
	dec := codec.NewDecoder(decBuf, &codec.CborHandle{})
	return dec.Decode(v)
}

// JoinPath joins elem onto dir, which is a local directory or a gs:// bucket prefix.
func JoinPath(dir string, elem ...string) string {
	if bucket, object, err := ParseGCSPath(dir); err == nil {
		return "gs://" + path.Join(append([]string{bucket, object}, elem...)...)
	}
	return path.Join(append([]string{dir}, elem...)...)
}

// StringToUint128 parses a decimal string into a 128-bit integer.
func StringToUint128(str string) (uint128.Uint128, error) {
	n, ok := (&big.Int{}).SetString(str, 10)
	if !ok {
		return uint128.Uint128{}, fmt.Errorf("function SetString(%s) failed", str)
	}
	if n.Sign() < 0 || n.BitLen() > 128 {
		return uint128.Uint128{}, fmt.Errorf("%s does not fit in an unsigned 128-bit integer", str)
	}
	return uint128.FromBig(n), nil
}

// BigEndianBytesToUint128 converts a big-endian byte string to a 128-bit integer.
func BigEndianBytesToUint128(b []byte) (uint128.Uint128, error) {
	if want, got := 16, len(b); want != got {
		return uint128.Uint128{}, fmt.Errorf("expect %d bytes, got %d", want, got)
	}
	return uint128.New(binary.BigEndian.Uint64(b[8:16]), binary.BigEndian.Uint64(b[0:8])), nil
}

// Uint128ToBigEndianBytes encodes a 128-bit integer to a big-endian byte string.
func Uint128ToBigEndianBytes(i uint128.Uint128) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[0:8], i.Hi)
	binary.BigEndian.PutUint64(b[8:16], i.Lo)
	return b
}
