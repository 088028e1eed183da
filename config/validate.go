package config

import (
	"github.com/percona/migrate-mongo/errors"
	"github.com/percona/migrate-mongo/validate"
)

// Validate checks field constraints and the rules between options.
func Validate(cfg *Config) error {
	err := validate.Struct(cfg)
	if err != nil {
		return err //nolint:wrapcheck
	}

	switch {
	case len(cfg.BlackList) != 0 && len(cfg.WhiteList) != 0:
		return errors.New("blackListFilter and whiteListFilter are mutually exclusive")
	case len(cfg.WhiteList) != 0 && !cfg.OplogOnly:
		return errors.New("whiteListFilter requires oplogOnly")
	case cfg.DropTarget && cfg.OplogOnly:
		return errors.New("dropTarget is incompatible with oplogOnly")
	case cfg.Source == cfg.Target && len(cfg.Renames) == 0:
		return errors.New("source URI and target URI are identical")
	}

	return nil
}
