package bootstrap

import (
	"github.com/eleven-am/call-orchestrator/internal/agent"
	"github.com/eleven-am/call-orchestrator/internal/session"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func ProvideAgentStore(db *gorm.DB) *agent.Store {
	return agent.NewStore(db)
}

func ProvideArchiveStore(db *gorm.DB) *session.ArchiveStore {
	return session.NewArchiveStore(db)
}

func RunMigrations(agentStore *agent.Store, archiveStore *session.ArchiveStore) error {
	if err := agentStore.Migrate(); err != nil {
		return err
	}
	return archiveStore.Migrate()
}

var StoresModule = fx.Options(
	fx.Provide(
		ProvideAgentStore,
		ProvideArchiveStore,
	),
	fx.Invoke(RunMigrations),
)
