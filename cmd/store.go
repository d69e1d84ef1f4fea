package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dhcgn/folder-unzip/config"
	"github.com/dhcgn/folder-unzip/folder"
	"github.com/dhcgn/folder-unzip/imap"
	"github.com/dhcgn/folder-unzip/mbox"
	"github.com/dhcgn/folder-unzip/runner"
)

// Store is a mail store session that has to be closed after the run.
type Store interface {
	runner.Store
	Close() error
}

// OpenStore connects to the mail store selected by cfg. For IMAP without a
// host the endpoint is discovered from the user's mail domain.
func OpenStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (Store, error) {
	switch cfg.Store {
	case config.StoreMbox:
		return mbox.Open(mbox.Options{
			PublicRoot:  cfg.MboxPublicRoot,
			PrivateRoot: cfg.MboxPrivateRoot,
		}, logger)
	case config.StoreIMAP:
		host, port := cfg.IMAPHost, cfg.IMAPPort
		if host == "" {
			var err error
			host, port, err = imap.Discover(ctx, cfg.IMAPUser, cfg.UseTLS)
			if err != nil {
				return nil, err
			}
			logger.Info("imap endpoint discovered", "host", host, "port", port)
		}
		return imap.Dial(ctx, imap.Options{
			Host:               host,
			Port:               port,
			Username:           cfg.IMAPUser,
			Password:           cfg.IMAPPass,
			Auth:               cfg.IMAPAuth,
			UseTLS:             cfg.UseTLS,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			PublicRoot:         cfg.PublicRoot,
		}, logger)
	}
	return nil, fmt.Errorf("%w: unknown store %q", config.ErrInvalidArguments, cfg.Store)
}

// RootOf maps the --private switch to the folder root.
func RootOf(cfg config.Config) folder.Root {
	if cfg.Private {
		return folder.PrivateRoot
	}
	return folder.PublicRoot
}

// RunContext bounds ctx by the configured timeout, if any.
func RunContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}
