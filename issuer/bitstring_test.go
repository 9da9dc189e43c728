// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package issuer

import (
	"strings"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/vc-issuer/ci"
	"github.com/hashicorp/vc-issuer/issuer/structs"
)

func TestEncodeBitstring_Multibase(t *testing.T) {
	ci.Parallel(t)

	bm, err := structs.NewBitmap(131072)
	must.NoError(t, err)
	bm.Set(0)
	bm.Set(42)
	bm.Set(131071)

	encoded, err := EncodeBitstring(structs.StatusListTypeBitstring, bm)
	must.NoError(t, err)
	must.True(t, strings.HasPrefix(encoded, "u"))
	must.False(t, strings.ContainsAny(encoded[1:], "+/="))

	decoded, err := DecodeBitstring(structs.StatusListTypeBitstring, encoded)
	must.NoError(t, err)
	must.True(t, decoded.Check(0))
	must.True(t, decoded.Check(42))
	must.True(t, decoded.Check(131071))
	must.False(t, decoded.Check(1))
	must.Eq(t, 3, int(decoded.Count()))
}

func TestEncodeBitstring_LegacyBase64(t *testing.T) {
	ci.Parallel(t)

	bm, err := structs.NewBitmap(1024)
	must.NoError(t, err)
	bm.Set(512)

	for _, listType := range []string{
		structs.StatusListTypeStatusList2021,
		structs.StatusListTypeRevocationList2020,
	} {
		encoded, err := EncodeBitstring(listType, bm)
		must.NoError(t, err)
		must.False(t, strings.HasPrefix(encoded, "u"))

		decoded, err := DecodeBitstring(listType, encoded)
		must.NoError(t, err)
		must.True(t, decoded.Check(512))
		must.Eq(t, 1, int(decoded.Count()))
	}
}

func TestEncodeBitstring_UnknownType(t *testing.T) {
	ci.Parallel(t)

	bm, err := structs.NewBitmap(8)
	must.NoError(t, err)
	_, err = EncodeBitstring("ShinyNewList", bm)
	must.Error(t, err)
	_, err = DecodeBitstring("ShinyNewList", "u")
	must.Error(t, err)
}
