package wlconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyToFillsOnlyUnsetFields(t *testing.T) {
	d := Defaults{FilenamePattern: "{mid}", MaxWorkers: 8}
	opts := CommandOptions{DirnamePattern: "./mine/", MaxWorkers: 2}

	d.ApplyTo(&opts)

	assert.Equal(t, "./mine/", opts.DirnamePattern, "flag-set value must not be overwritten")
	assert.Equal(t, "{mid}", opts.FilenamePattern, "unset value should take the default")
	assert.Equal(t, 2, opts.MaxWorkers, "flag-set value must not be overwritten")
}

func TestLoadWithoutConfigFileReturnsZeroValue(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	d := Load()
	assert.Equal(t, Defaults{}, d)
}
