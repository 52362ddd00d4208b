package config

import (
	"github.com/orlangure/gnomock"
	"github.com/orlangure/gnomock/preset/redis"
)

type PresetConfigForTest struct {
	*Config
	containers []*gnomock.Container
}

// CreatePresetForTest starts a throwaway redis container and returns a
// validated config pointing at it.
func CreatePresetForTest(env string, queues ...string) (*PresetConfigForTest, error) {
	cfg := Default()
	cfg.Env = env
	cfg.AdminPort = 7791
	cfg.LogLevel = "debug"
	if len(queues) > 0 {
		cfg.Queues = queues
	}

	p := redis.Preset()
	container, err := gnomock.Start(p)
	if err != nil {
		return nil, err
	}
	cfg.Redis.Addr = container.DefaultAddress()
	if err := cfg.Validate(); err != nil {
		gnomock.Stop(container)
		return nil, err
	}
	return &PresetConfigForTest{
		Config:     cfg,
		containers: []*gnomock.Container{container},
	}, nil
}

func (presetConfig *PresetConfigForTest) Destroy() {
	gnomock.Stop(presetConfig.containers...)
	presetConfig.Config = nil
}
