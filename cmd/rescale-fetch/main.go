// rescale-fetch downloads remote objects with parallel ranged requests,
// decrypting framed containers on the fly.
package main

import (
	"os"
	"slices"

	"github.com/rescale/rescale-fetch/internal/cli"
	"github.com/rescale/rescale-fetch/internal/cloud"
	"github.com/rescale/rescale-fetch/internal/version"
)

// Version information - overridden by -ldflags at release builds.
var (
	Version   = "v0.3.0-dev"
	BuildTime = "unknown"
)

func main() {
	version.Version = Version
	version.BuildTime = BuildTime

	// --timing is not a cobra flag; strip it before parsing.
	if i := slices.Index(os.Args, "--timing"); i > 0 {
		os.Setenv(cloud.TimingEnvVar, "1")
		os.Args = slices.Delete(os.Args, i, i+1)
	}

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
