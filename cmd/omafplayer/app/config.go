// Copyright 2023, DASH-Industry Forum. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/providers/structs"
	"github.com/spf13/pflag"

	"github.com/nokiatech/omaf-sub001/pkg/logging"
)

const (
	defaultBufferingTimeMS   = 4000
	defaultPreBufferTargetMS = 2000
	defaultInitialQuality    = 0
	defaultDebugAddr         = ":8899"
)

// PlayerConfig is cmd/omafplayer's configuration surface: the handful
// of knobs the CLI shell needs to drive the core pipeline, the way
// cmd/livesim2/app.ServerConfig is the server shell's. Everything the
// core itself decides (ABR thresholds, retry policy) is
// not configurable here, matching spec §1's "policy lives in the core,
// not the shell" framing.
type PlayerConfig struct {
	LogFormat          string `json:"logformat"`
	LogLevel           string `json:"loglevel"`
	DebugAddr          string `json:"debugaddr"`
	ManifestURL        string `json:"manifesturl"`
	BufferingTimeMS    int    `json:"bufferingtimems"`
	PreBufferTargetMS  int    `json:"prebuffertargetms"`
	InitialQualityRank int    `json:"initialqualityrank"`
}

var defaultConfig = PlayerConfig{
	LogFormat:          logging.LogText,
	LogLevel:           "INFO",
	DebugAddr:          defaultDebugAddr,
	BufferingTimeMS:    defaultBufferingTimeMS,
	PreBufferTargetMS:  defaultPreBufferTargetMS,
	InitialQualityRank: defaultInitialQuality,
}

// LoadConfig layers defaults, an optional JSON config file, command
// line flags and OMAF_-prefixed environment variables, in that order
// of increasing precedence, the way cmd/livesim2/app.LoadConfig layers
// koanf providers.
func LoadConfig(args []string) (*PlayerConfig, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaultConfig, "json"), nil); err != nil {
		return nil, err
	}

	f := pflag.NewFlagSet("omafplayer", pflag.ContinueOnError)
	f.Usage = func() {
		name := "omafplayer"
		if len(args) > 0 {
			parts := strings.Split(args[0], "/")
			name = parts[len(parts)-1]
		}
		fmt.Fprintf(os.Stderr, "Run as %s [options]:\n", name)
		f.PrintDefaults()
	}
	cfgFile := f.String("cfg", "", "path to a JSON config file")
	f.String("manifesturl", k.String("manifesturl"), "URL of the MPD to play")
	lf := strings.Join(logging.LogFormats, ", ")
	f.String("logformat", k.String("logformat"), fmt.Sprintf("log format [%s]", lf))
	ll := strings.Join(logging.LogLevels, ", ")
	f.String("loglevel", k.String("loglevel"), fmt.Sprintf("log level [%s]", ll))
	f.String("debugaddr", k.String("debugaddr"), "listen address for /healthz, /metrics and /api/status")
	f.Int("bufferingtimems", k.Int("bufferingtimems"), "target buffering time (milliseconds), drives the segment cache bound")
	f.Int("prebuffertargetms", k.Int("prebuffertargetms"), "presentation time to pre-buffer before starting playout (milliseconds)")
	f.Int("initialqualityrank", k.Int("initialqualityrank"), "initial quality rank requested from every adaptation set")
	if err := f.Parse(args[1:]); err != nil {
		return nil, fmt.Errorf("command line parse: %w", err)
	}

	if *cfgFile != "" {
		if err := k.Load(file.Provider(*cfgFile), json.Parser()); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := k.Load(posflag.Provider(f, ".", k), nil); err != nil {
		return nil, fmt.Errorf("parsing cli: %w", err)
	}

	if err := k.Load(env.Provider("OMAF_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "OMAF_")), "_", ".")
	}), nil); err != nil {
		return nil, err
	}

	var cfg PlayerConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.ManifestURL == "" {
		return nil, fmt.Errorf("manifesturl is required")
	}
	return &cfg, nil
}
