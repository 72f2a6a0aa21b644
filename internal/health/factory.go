package health

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/miradorstack/mirador-recovery/internal/config"
	"github.com/miradorstack/mirador-recovery/internal/utils"
)

// NewProber builds the prober declared for a target.
func NewProber(target config.TargetConfig, monitor config.MonitorConfig, now utils.Clock, logger *slog.Logger) (Prober, error) {
	switch strings.ToLower(target.Health.Transport) {
	case "", "http":
		return NewHTTPProber(target.Endpoint, target.Health.Path, monitor.ProbeTimeout), nil
	case "grpc":
		return NewGRPCProber(target.Health.Address, target.Health.Service)
	case "heartbeat":
		return NewHeartbeatProber(target.Health.HeartbeatFile, monitor.PollInterval(target), now, logger), nil
	default:
		return nil, fmt.Errorf("target %s: unsupported health transport %q", target.ID, target.Health.Transport)
	}
}
