// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/hashicorp/hcl"
)

// LoadConfig loads configuration from a file or every .hcl/.json file of a
// directory in lexical order.
func LoadConfig(path string) (*Config, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		return loadConfigDir(path)
	}
	return ParseConfigFile(path)
}

func loadConfigDir(dir string) (*Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".hcl") || strings.HasSuffix(name, ".json") {
			files = append(files, filepath.Join(dir, name))
		}
	}
	sort.Strings(files)

	var result *Config
	for _, f := range files {
		config, err := ParseConfigFile(f)
		if err != nil {
			return nil, fmt.Errorf("error loading %s: %v", f, err)
		}
		if result == nil {
			result = config
		} else {
			result = result.Merge(config)
		}
	}
	if result == nil {
		result = &Config{}
	}
	return result, nil
}

// ParseConfigFile parses a single HCL or JSON configuration file.
func ParseConfigFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	config, err := parseConfig(string(raw))
	if err != nil {
		return nil, fmt.Errorf("error parsing %s: %v", path, err)
	}
	return config, nil
}

func parseConfig(raw string) (*Config, error) {
	var m map[string]any
	if err := hcl.Decode(&m, raw); err != nil {
		return nil, err
	}

	var config Config
	if err := weakDecode(m, &config); err != nil {
		return nil, err
	}
	return &config, nil
}

// ParseIssuerFile parses one tenant configuration file from the issuers
// directory.
func ParseIssuerFile(path string) (*IssuerConfigFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var m map[string]any
	if err := hcl.Decode(&m, string(raw)); err != nil {
		return nil, fmt.Errorf("error parsing %s: %v", path, err)
	}

	var file IssuerConfigFile
	if err := weakDecode(m, &file); err != nil {
		return nil, fmt.Errorf("error decoding %s: %v", path, err)
	}
	return &file, nil
}

// weakDecode decodes loosely typed configuration maps, squashing the
// single-element slices HCL produces for blocks.
func weakDecode(in, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.DecodeHookFuncValue(unwrapHCLBlock),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}

// unwrapHCLBlock folds the single-element slice the HCL decoder emits for a
// block into the element itself when the target is not itself a slice.
func unwrapHCLBlock(from, to reflect.Value) (any, error) {
	if from.Kind() == reflect.Slice && from.Len() == 1 &&
		to.Kind() != reflect.Slice && to.Kind() != reflect.Array {
		return from.Index(0).Interface(), nil
	}
	return from.Interface(), nil
}
