// Copyright 2025 fuzzuf project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadData(t *testing.T) {
	type cfg struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	var c cfg
	err := LoadData([]byte(`
# a comment
{
	"name": "x",
	"count": 3
}
`), &c)
	require.NoError(t, err)
	assert.Equal(t, cfg{Name: "x", Count: 3}, c)

	// Unknown fields are rejected.
	err = LoadData([]byte(`{"name": "x", "bogus": 1}`), &c)
	assert.Error(t, err)
}
