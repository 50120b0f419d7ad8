package main

import (
	"context"
	"log/slog"

	"ptengine/cmd/ptengine-cli/commands"
	"ptengine/lib/osutil"
	"ptengine/lib/telemetry"
)

func main() {
	telemetry.InitSlog(true)

	ctx := osutil.SignalContext()
	if err := telemetry.SetupFromEnv(ctx, "ptengine-cli"); err != nil {
		slog.Warn("failed to initialize telemetry", "err", err)
	}
	defer telemetry.Shutdown(context.Background())

	commands.ExecuteContext(ctx)
}
