// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package uuid provides helper functions for generating UUIDs.
package uuid

import (
	"fmt"

	gouuid "github.com/hashicorp/go-uuid"
)

// Generate is used to generate a random UUID.
func Generate() string {
	id, err := gouuid.GenerateUUID()
	if err != nil {
		panic(fmt.Errorf("failed to read random bytes: %v", err))
	}
	return id
}

// Short is used to generate the first eight characters of a UUID.
func Short() string {
	return Generate()[0:8]
}

// URN generates a urn:uuid form identifier, used when minting ids for
// credentials issued without one.
func URN() string {
	return "urn:uuid:" + Generate()
}
