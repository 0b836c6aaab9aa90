package cli

import (
	"github.com/roach88/tdlink/internal/store"
)

// JournalFlags selects a journal directly instead of through the
// configuration file.
type JournalFlags struct {
	DB     string
	Driver string
}

// openJournal opens the journal named by the flags, or the one configured
// under store when --db is empty.
func openJournal(opts *RootOptions, f *OutputFormatter, jf JournalFlags) (store.Journal, error) {
	driver, dsn := jf.Driver, jf.DB
	if dsn == "" {
		cfg, err := loadConfig(f, opts.Config)
		if err != nil {
			return nil, err
		}
		if cfg.Store.DSN == "" {
			return nil, f.Fail(ExitCommandError, ErrCodeConfig, "no journal configured: set store.dsn or pass --db", nil)
		}
		driver, dsn = cfg.Store.Driver, cfg.Store.DSN
	}

	j, err := store.OpenJournal(driver, dsn)
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeStore, "failed to open journal", err)
	}
	f.VerboseLog("Opened %s journal", driver)
	return j, nil
}
