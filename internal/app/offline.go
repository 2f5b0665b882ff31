package app

import (
	"context"
	"fmt"

	"castbot/internal/config"
	"castbot/internal/recipients"
	logx "castbot/pkg/logx"
)

// OpenDirectory opens the configured recipient directory without starting
// the bot. The caller closes it.
func OpenDirectory(ctx context.Context, cfgPath string, log logx.Logger) (recipients.Directory, error) {
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return nil, err
	}
	dir, err := recipients.Open(ctx, mapRecipientsConfig(cfg), log)
	if err != nil {
		return nil, fmt.Errorf("open recipients: %w", err)
	}
	return dir, nil
}
