package main

import (
	. "github.com/streamingfast/cli"
	"github.com/streamingfast/logging"
	"go.uber.org/zap"
)

var zlog, _ = logging.PackageLogger("nuwa-sub003", "github.com/nuwa-protocol/nuwa-sub003/cmd/nuwa-sub003")
var version = "dev"

func init() {
	logging.InstantiateLoggers(logging.WithDefaultLevel(zap.InfoLevel))
}

func main() {
	Run(
		"nuwa-sub003",
		"Payment-channel HTTP protocol engine demo CLI",
		ConfigureVersion(version),
		OnCommandErrorLogAndExit(zlog),

		serveCmd,
		requestCmd,
	)
}
