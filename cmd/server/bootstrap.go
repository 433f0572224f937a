package main

import (
	"github.com/suPer8Hu/widget-chat/internal/config"
	"github.com/suPer8Hu/widget-chat/internal/db"
	"github.com/suPer8Hu/widget-chat/internal/logging"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// bootstrap loads config and opens the logger and database every command needs.
func bootstrap() (config.Config, *zap.Logger, *gorm.DB, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return cfg, nil, nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return cfg, nil, nil, err
	}
	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		_ = logger.Sync()
		return cfg, nil, nil, err
	}
	return cfg, logger, gdb, nil
}
