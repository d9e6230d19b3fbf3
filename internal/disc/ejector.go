// Package disc handles optical drive tray control.
package disc

import (
	"context"
	"log/slog"
	"os/exec"
	"time"

	"spool/internal/logging"
	"spool/internal/services"
)

const ejectTimeout = 15 * time.Second

// Ejector opens the drive tray via the eject binary.
type Ejector struct {
	logger *slog.Logger
}

func NewEjector(logger *slog.Logger) *Ejector {
	return &Ejector{logger: logging.Component(logger, "disc")}
}

// Eject releases the disc in the given drive. Failures are reported but are
// never fatal to the pipeline; the operator can always press the button.
func (e *Ejector) Eject(ctx context.Context, drive string) error {
	ejectCtx, cancel := context.WithTimeout(ctx, ejectTimeout)
	defer cancel()

	out, err := exec.CommandContext(ejectCtx, "eject", drive).CombinedOutput()
	if err != nil {
		e.logger.Warn("eject failed",
			logging.String(logging.FieldDrive, drive),
			logging.String("output", string(out)),
			logging.Error(err))
		return services.Wrap(services.ErrExternalTool, "disc", "eject", "eject command failed", err)
	}
	e.logger.Info("disc ejected", logging.String(logging.FieldDrive, drive))
	return nil
}
