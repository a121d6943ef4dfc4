package server

import (
	"reflect"

	"github.com/KilimcininKorOglu/dirmgr/internal/config"
)

// ApplyConfig applies the hot-reloadable settings of newCfg and records it
// as the active configuration. Only inline ACL rules take effect at once;
// changes to other sections are logged and wait for a restart. It has the
// signature of the config watcher callback.
func (s *Server) ApplyConfig(oldCfg, newCfg *config.Config) {
	sysLogger := s.logger.WithSource("system")
	sysLogger.Info("config changed, applying hot-reloadable settings")

	if !reflect.DeepEqual(oldCfg.ACL, newCfg.ACL) {
		switch {
		case newCfg.ACL.File != oldCfg.ACL.File:
			sysLogger.Warn("ACL file changed, restart required", "file", newCfg.ACL.File)
		case newCfg.ACL.File != "":
			if err := s.acl.Reload(); err != nil {
				sysLogger.Error("ACL reload failed", "error", err)
			}
		default:
			aclConfig, err := convertACLConfig(&newCfg.ACL)
			if err == nil {
				err = s.acl.Replace(aclConfig)
			}
			if err != nil {
				sysLogger.Error("ACL rules rejected", "error", err)
			} else {
				sysLogger.Info("ACL rules replaced", "rules", len(newCfg.ACL.Rules))
			}
		}
	}

	restart := map[string]bool{
		"server":    !reflect.DeepEqual(oldCfg.Server, newCfg.Server),
		"storage":   !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage),
		"schema":    oldCfg.Schema != newCfg.Schema,
		"scheduler": oldCfg.Scheduler != newCfg.Scheduler,
		"sessions":  oldCfg.Sessions != newCfg.Sessions,
		"logging":   oldCfg.Logging != newCfg.Logging,
		"password":  oldCfg.Password != newCfg.Password,
		"builders":  !reflect.DeepEqual(oldCfg.Builders, newCfg.Builders),
	}
	for _, section := range []string{"server", "storage", "schema", "scheduler", "sessions", "logging", "password", "builders"} {
		if restart[section] {
			sysLogger.Warn("config section changed, restart required", "section", section)
		}
	}

	s.mu.Lock()
	s.cfg = newCfg
	s.mu.Unlock()
	sysLogger.Info("config reload completed")
}
