package mmr

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/sirgallo/nyada/store"
	"github.com/sirgallo/nyada/storeerr"
	"github.com/sirgallo/nyada/storeopts"
)

//============================================= Manager


// Manager tracks which services exist and holds one Environment per open
// service (spec §3.7, §5: "the MMR uses one environment per service").
// Existence and metadata live in a process-wide __services KeyValueMap
// bound to a separate root environment, independent of any one service's
// data.
type Manager struct {
	rootDir  string
	log      *zap.SugaredLogger
	envFuncs []storeopts.EnvironmentOptionFunc

	servicesEnv *store.Environment
	services    *store.KeyValueMap

	mu   sync.Mutex
	open map[string]*openService
}

type openService struct {
	env *store.Environment
	mmr *MMR
}

// OpenManager opens (creating if absent) the services registry under
// rootDir/_services.db. Any EnvironmentOptionFunc is applied to the
// services environment now and to every per-service environment opened
// later via Open, the same functional-options shape used throughout
// storeopts.
func OpenManager(rootDir string, log *zap.SugaredLogger, fns ...storeopts.EnvironmentOptionFunc) (*Manager, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, err
	}

	servicesOpts := storeopts.NewEnvironmentOptions(filepath.Join(rootDir, "_services.db"), fns...)
	servicesEnv, err := store.OpenEnvironment(servicesOpts, log)
	if err != nil {
		return nil, err
	}

	services, err := store.OpenKeyValueMap(servicesEnv, []byte("__services"), storeopts.DefaultBatchingConfig, false)
	if err != nil {
		servicesEnv.Close()
		return nil, err
	}

	log.Infow("service manager opened", "rootDir", rootDir)

	return &Manager{
		rootDir:     rootDir,
		log:         log,
		envFuncs:    fns,
		servicesEnv: servicesEnv,
		services:    services,
		open:        make(map[string]*openService),
	}, nil
}

// Close releases the services environment and every open service environment.
func (mgr *Manager) Close() error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	mgr.log.Infow("closing service manager", "openServices", len(mgr.open))
	for _, svc := range mgr.open {
		svc.env.Close()
	}
	mgr.open = make(map[string]*openService)
	return mgr.servicesEnv.Close()
}

// Exists reports whether name has ever been registered (spec §6.2 `exists`).
func (mgr *Manager) Exists(name string) (bool, error) {
	return mgr.services.Contains([]byte(name))
}

// GetMeta returns a service's metadata sub-map, stored via the codec's
// submap encoding (spec §3.7 "serialized metadata sub-map").
func (mgr *Manager) GetMeta(name string) (map[string][]byte, error) {
	raw, err := mgr.services.Get([]byte(name))
	if err != nil {
		return nil, err
	}
	return store.DeserializeSubmap(raw)
}

// SetMeta registers name (if new) with the given metadata and flushes the
// services map immediately, since existence must be durable before a
// service's own environment is opened.
func (mgr *Manager) SetMeta(name string, meta map[string][]byte) error {
	if err := mgr.services.Set([]byte(name), store.SerializeSubmap(meta)); err != nil {
		return err
	}
	return mgr.services.Flush(false)
}

// Open returns the MMR for an already-registered service, opening its
// sub-environment on first use and caching it for the Manager's lifetime.
func (mgr *Manager) Open(name string) (*MMR, error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if svc, ok := mgr.open[name]; ok {
		return svc.mmr, nil
	}

	exists, err := mgr.services.Contains([]byte(name))
	if err != nil {
		return nil, err
	}
	if !exists {
		mgr.log.Warnw("open requested for unregistered service", "service", name)
		return nil, fmt.Errorf("mmr: service %q: %w", name, storeerr.ErrUnknownName)
	}

	svcOpts := storeopts.NewEnvironmentOptions(mgr.servicePath(name), mgr.envFuncs...)
	env, err := store.OpenEnvironment(svcOpts, mgr.log)
	if err != nil {
		mgr.log.Errorw("failed to open service environment", "service", name, "error", err)
		return nil, err
	}

	svcMMR, err := Open(env, name)
	if err != nil {
		env.Close()
		return nil, err
	}

	mgr.log.Infow("service opened", "service", name)
	mgr.open[name] = &openService{env: env, mmr: svcMMR}
	return svcMMR, nil
}

// DeleteService tears down a service's sub-environment and every
// descendant container, then removes it from the registry (spec §3.7).
func (mgr *Manager) DeleteService(name string) error {
	mgr.mu.Lock()
	if svc, ok := mgr.open[name]; ok {
		svc.env.Close()
		delete(mgr.open, name)
	}
	mgr.mu.Unlock()

	if err := os.Remove(mgr.servicePath(name)); err != nil && !os.IsNotExist(err) {
		mgr.log.Errorw("failed to remove service file", "service", name, "error", err)
		return err
	}

	if err := mgr.services.Delete([]byte(name)); err != nil {
		return err
	}
	if err := mgr.services.Flush(false); err != nil {
		return err
	}

	mgr.log.Infow("service deleted", "service", name)
	return nil
}

func (mgr *Manager) servicePath(name string) string {
	return filepath.Join(mgr.rootDir, name+".db")
}
