// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package helper provides small generic helpers shared across packages.
package helper

import (
	"math/rand"
	"time"
)

// RandomStagger returns an interval between 0 and the duration
func RandomStagger(intv time.Duration) time.Duration {
	if intv <= 0 {
		return 0
	}
	return time.Duration(uint64(rand.Int63()) % uint64(intv))
}
