// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	testing "github.com/mitchellh/go-testing-interface"

	"github.com/hashicorp/vc-issuer/helper/testlog"
)

func TestStateStore(t testing.T) *StateStore {
	config := &StateStoreConfig{
		Logger: testlog.HCLogger(t),
	}
	store, err := NewStateStore(config)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if store == nil {
		t.Fatalf("missing state store")
	}
	return store
}
