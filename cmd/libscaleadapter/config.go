package main

import (
	"github.com/saworbit/scaleadapter/pkg/config"
)

// buildConfig merges the C caller's parameters over the environment.
func buildConfig(checkIntervalMs uint64, syscalls []int32) (*config.AdapterConfig, error) {
	cfg := config.LoadFromEnv()
	d, err := config.IntervalFromMillis(checkIntervalMs)
	if err != nil {
		return nil, err
	}
	cfg.CheckInterval = d
	cfg.Syscalls = syscalls
	return cfg, nil
}
