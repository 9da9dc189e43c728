// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package issuer

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/hashicorp/vc-issuer/issuer/structs"
)

// Bitstring encoding for status list credentials. BitstringStatusList uses
// multibase base64url ("u" prefix) over a gzip-compressed bitmap; the
// legacy StatusList2021 and RevocationList2020 forms use plain padded
// base64.

const multibaseBase64url = "u"

func gzipCompress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("compressing bitstring: %v", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compressing bitstring: %v", err)
	}
	return buf.Bytes(), nil
}

func gzipDecompress(raw []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decompressing bitstring: %v", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompressing bitstring: %v", err)
	}
	return out, nil
}

// EncodeBitstring compresses and encodes a status bitmap for the given
// status list type.
func EncodeBitstring(listType string, bm structs.Bitmap) (string, error) {
	compressed, err := gzipCompress(bm)
	if err != nil {
		return "", err
	}
	switch listType {
	case structs.StatusListTypeBitstring, structs.StatusListTypeTerseBitstring:
		return multibaseBase64url + base64.RawURLEncoding.EncodeToString(compressed), nil
	case structs.StatusListTypeStatusList2021, structs.StatusListTypeRevocationList2020:
		return base64.StdEncoding.EncodeToString(compressed), nil
	default:
		return "", fmt.Errorf("unsupported status list type %q", listType)
	}
}

// DecodeBitstring reverses EncodeBitstring.
func DecodeBitstring(listType, encoded string) (structs.Bitmap, error) {
	var compressed []byte
	var err error
	switch listType {
	case structs.StatusListTypeBitstring, structs.StatusListTypeTerseBitstring:
		if !strings.HasPrefix(encoded, multibaseBase64url) {
			return nil, fmt.Errorf("encoded list is not multibase base64url")
		}
		compressed, err = base64.RawURLEncoding.DecodeString(encoded[1:])
	case structs.StatusListTypeStatusList2021, structs.StatusListTypeRevocationList2020:
		compressed, err = base64.StdEncoding.DecodeString(encoded)
	default:
		return nil, fmt.Errorf("unsupported status list type %q", listType)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding bitstring: %v", err)
	}
	raw, err := gzipDecompress(compressed)
	if err != nil {
		return nil, err
	}
	return structs.Bitmap(raw), nil
}
