// Copyright 2023, DASH-Industry Forum. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigRequiresManifestURL(t *testing.T) {
	_, err := LoadConfig([]string{"/path/omafplayer"})
	assert.Error(t, err)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig([]string{"/path/omafplayer", "--manifesturl", "https://example.com/stream.mpd"})
	require.NoError(t, err)
	c := defaultConfig
	c.ManifestURL = "https://example.com/stream.mpd"
	assert.Equal(t, c, *cfg)
}

func TestLoadConfigCommandLineOverrides(t *testing.T) {
	cfg, err := LoadConfig([]string{"/path/omafplayer",
		"--manifesturl", "https://example.com/stream.mpd",
		"--loglevel", "DEBUG",
		"--bufferingtimems", "8000",
		"--initialqualityrank", "2",
	})
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, 8000, cfg.BufferingTimeMS)
	assert.Equal(t, 2, cfg.InitialQualityRank)
}

func TestLoadConfigEnvOverridesCommandLine(t *testing.T) {
	t.Setenv("OMAF_LOGLEVEL", "WARN")
	cfg, err := LoadConfig([]string{"/path/omafplayer",
		"--manifesturl", "https://example.com/stream.mpd",
		"--loglevel", "DEBUG",
	})
	require.NoError(t, err)
	assert.Equal(t, "WARN", cfg.LogLevel)
}
