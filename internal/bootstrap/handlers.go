package bootstrap

import (
	"log/slog"
	"os"

	"github.com/eleven-am/call-orchestrator/internal/agent"
	"github.com/eleven-am/call-orchestrator/internal/orchestrator"
	"github.com/eleven-am/call-orchestrator/internal/room"
	"github.com/eleven-am/call-orchestrator/internal/session"
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"
)

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func ProvideLogger(cfg *Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
}

func ProvideAPIHandler(
	orch *orchestrator.Orchestrator,
	agents *agent.Store,
	archive *session.ArchiveStore,
	rooms *room.LiveKitProvider,
	logger *slog.Logger,
) *orchestrator.Handler {
	return orchestrator.NewHandler(orch, agents, archive, rooms, logger.With("handler", "orchestrator"))
}

func RegisterRoutes(e *echo.Echo, h *orchestrator.Handler) {
	h.RegisterRoutes(e.Group("/v1"))
}

var HandlersModule = fx.Options(
	fx.Provide(
		ProvideLogger,
		ProvideAPIHandler,
	),
	fx.Invoke(RegisterRoutes),
)
