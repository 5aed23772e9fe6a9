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

package utils

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"lukechampine.com/uint128"
)

func TestWriteReadBytes(t *testing.T) {
	fileDir := t.TempDir()

	want := []byte("source_data")
	resultFile := filepath.Join(fileDir, "nested", "result.bin")
	ctx := context.Background()
	if err := WriteBytes(ctx, want, resultFile); err != nil {
		t.Fatal(err)
	}

	got, err := ReadBytes(ctx, resultFile)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("bytes mismatch (-want +got):\n%s", diff)
	}
}

func TestReadLines(t *testing.T) {
	ctx := context.Background()
	file := filepath.Join(t.TempDir(), "lines.txt")
	if err := WriteBytes(ctx, []byte("foo\n\n  bar \nbaz"), file); err != nil {
		t.Fatal(err)
	}
	got, err := ReadLines(ctx, file)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"foo", "bar", "baz"}, got); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
}

func TestStringToUint128(t *testing.T) {
	want := uint128.New(5, 1) // 2^64 + 5
	got, err := StringToUint128("18446744073709551621")
	if err != nil {
		t.Fatal(err)
	}
	if !want.Equals(got) {
		t.Errorf("StringToUint128() = %s, want %s", got, want)
	}

	for _, input := range []string{
		"xyz",
		"340282366920938463463374607431768211456", // 2^128
		"-1",
	} {
		if _, err := StringToUint128(input); err == nil {
			t.Errorf("StringToUint128(%q) succeeded, want error", input)
		}
	}
}

func TestCborMarshalUnmarshal(t *testing.T) {
	type testStruct struct {
		FieldStr   string `json:"field_str"`
		FieldInt   int64  `json:"field_int"`
		FieldBytes []byte `json:"field_bytes"`
	}

	want := &testStruct{FieldStr: "https://report.test", FieldInt: 42, FieldBytes: []byte("payload")}
	b, err := MarshalCBOR(want)
	if err != nil {
		t.Fatal(err)
	}
	got := &testStruct{}
	if err := UnmarshalCBOR(b, got); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("CBOR round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestParseGCSPath(t *testing.T) {
	for _, tc := range []struct {
		input, bucket, object string
		wantErr               bool
	}{
		{input: "gs://bucket/dir/config.yaml", bucket: "bucket", object: "dir/config.yaml"},
		{input: "gs://bucket", bucket: "bucket"},
		{input: "s3://bucket/key", wantErr: true},
		{input: "gs:///key", wantErr: true},
	} {
		bucket, object, err := ParseGCSPath(tc.input)
		if (err != nil) != tc.wantErr {
			t.Fatalf("ParseGCSPath(%q) error = %v, wantErr %v", tc.input, err, tc.wantErr)
		}
		if tc.wantErr {
			continue
		}
		if bucket != tc.bucket || object != tc.object {
			t.Errorf("ParseGCSPath(%q) = (%q, %q), want (%q, %q)", tc.input, bucket, object, tc.bucket, tc.object)
		}
	}
}

func TestJoinPath(t *testing.T) {
	for _, tc := range []struct {
		dir  string
		elem []string
		want string
	}{
		{"gs://foo", []string{"bar"}, "gs://foo/bar"},
		{"gs://foo/", []string{"bar"}, "gs://foo/bar"},
		{"gs://foo/out", []string{"navigation", "fake_reports.csv"}, "gs://foo/out/navigation/fake_reports.csv"},
		{"/tmp/foo", []string{"bar"}, "/tmp/foo/bar"},
		{"out", []string{"a", "b.csv"}, "out/a/b.csv"},
	} {
		if got := JoinPath(tc.dir, tc.elem...); got != tc.want {
			t.Errorf("JoinPath(%q, %q) = %q, want %q", tc.dir, tc.elem, got, tc.want)
		}
	}
}

func TestIntegerToByteString(t *testing.T) {
	want128 := uint128.New(123, 456)
	b128 := Uint128ToBigEndianBytes(want128)
	got128, err := BigEndianBytesToUint128(b128)
	if err != nil {
		t.Fatal(err)
	}
	if !want128.Equals(got128) {
		t.Errorf("uint128 conversion failed: want %s, got %s", want128.String(), got128.String())
	}
	if _, err := BigEndianBytesToUint128([]byte{1, 2}); err == nil {
		t.Error("expected error for short input")
	}
}
