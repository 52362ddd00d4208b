package app

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/JMMolenaar/Fab-CIC-manager/registry"
)

// RegisterBuiltins adds the jobs every deployment has, used to check a
// schedule or a queue end to end.
func RegisterBuiltins(reg *registry.Registry, logger *logrus.Logger) error {
	if err := reg.Register("noop", func(context.Context, json.RawMessage) error {
		return nil
	}, registry.WithMaxAttempts(1)); err != nil {
		return err
	}
	return reg.Register("log", func(_ context.Context, args json.RawMessage) error {
		logger.WithField("args", string(args)).Info("Log job")
		return nil
	}, registry.WithMaxAttempts(1))
}
