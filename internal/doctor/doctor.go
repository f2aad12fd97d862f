// Package doctor inspects the environment a relay needs: state directory,
// file modes, store integrity, audit chain, and policy file. Checks only
// observe; repairs run when the caller asks for them and are limited to
// directory creation and permission tightening.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/atlasbridge/atlasbridge/internal/audit"
	"github.com/atlasbridge/atlasbridge/internal/config"
	"github.com/atlasbridge/atlasbridge/internal/db"
	"github.com/atlasbridge/atlasbridge/internal/policy"
)

// Category maps a failed check onto the CLI exit code family.
type Category int

const (
	CategoryNone Category = iota
	CategoryEnvironment
	CategoryPermission
	CategoryCorruption
)

// ExitCode returns the process exit code for the category.
func (c Category) ExitCode() int {
	switch c {
	case CategoryEnvironment:
		return 3
	case CategoryPermission:
		return 5
	case CategoryCorruption:
		return 8
	}
	return 0
}

// Result is one check row.
type Result struct {
	Label    string
	OK       bool
	Detail   string
	Fix      string
	Category Category
}

// Run executes every check against the given configuration. With applyFix
// set, repairable findings are fixed in place and re-reported as ok. The
// returned exit code is 0 when everything passed, otherwise the code of the
// most severe failed category.
func Run(ctx context.Context, cfg config.Config, applyFix bool) ([]Result, int) {
	var checks []Result

	checks = append(checks, checkDir("state directory", cfg.StateDir, config.DirMode, applyFix))
	checks = append(checks, checkDir("socket directory", filepath.Dir(cfg.SocketPath), config.DirMode, applyFix))
	checks = append(checks, checkMode("config.toml", configPath(cfg), applyFix))
	checks = append(checks, checkMode("daemon.pid", cfg.PIDPath, applyFix))
	checks = append(checks, checkStore(ctx, cfg.DBPath))
	checks = append(checks, checkAudit(cfg.AuditPath))
	checks = append(checks, checkPolicy(cfg.PolicyPath))

	worst := CategoryNone
	for _, c := range checks {
		if !c.OK && c.Category > worst {
			worst = c.Category
		}
	}
	return checks, worst.ExitCode()
}

func configPath(cfg config.Config) string {
	return filepath.Join(cfg.StateDir, "config.toml")
}

func checkDir(label, dir string, mode os.FileMode, applyFix bool) Result {
	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if applyFix {
			if mkErr := os.MkdirAll(dir, mode); mkErr == nil {
				return Result{Label: label, OK: true, Detail: dir + " (created)"}
			}
		}
		return Result{Label: label, Detail: "missing", Fix: "atlasbridge doctor --fix", Category: CategoryEnvironment}
	case err != nil:
		return Result{Label: label, Detail: err.Error(), Category: CategoryEnvironment}
	case !info.IsDir():
		return Result{Label: label, Detail: dir + " is not a directory", Category: CategoryEnvironment}
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		if applyFix {
			if chErr := os.Chmod(dir, mode); chErr == nil {
				return Result{Label: label, OK: true, Detail: fmt.Sprintf("%s (mode tightened to %04o)", dir, mode)}
			}
		}
		return Result{
			Label:    label,
			Detail:   fmt.Sprintf("mode %04o is group or world accessible", perm),
			Fix:      fmt.Sprintf("chmod %04o %s", mode, dir),
			Category: CategoryPermission,
		}
	}
	return Result{Label: label, OK: true, Detail: dir}
}

// checkMode verifies an 0600 file. A missing file passes; it simply has not
// been created yet.
func checkMode(label, path string, applyFix bool) Result {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Result{Label: label, OK: true, Detail: "not present yet"}
	}
	if err != nil {
		return Result{Label: label, Detail: err.Error(), Category: CategoryEnvironment}
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		if applyFix {
			if chErr := os.Chmod(path, config.FileMode); chErr == nil {
				return Result{Label: label, OK: true, Detail: "mode tightened to 0600"}
			}
		}
		return Result{
			Label:    label,
			Detail:   fmt.Sprintf("mode %04o exposes the file beyond its owner", perm),
			Fix:      "chmod 0600 " + path,
			Category: CategoryPermission,
		}
	}
	return Result{Label: label, OK: true, Detail: fmt.Sprintf("mode %04o", info.Mode().Perm())}
}

func checkStore(ctx context.Context, path string) Result {
	const label = "prompt store"
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return Result{Label: label, OK: true, Detail: "not present yet"}
	}
	store, err := db.Open(ctx, path)
	if err != nil {
		return Result{Label: label, Detail: err.Error(), Category: CategoryCorruption}
	}
	defer store.Close() //nolint:errcheck

	var verdict string
	if err := store.DB().QueryRowContext(ctx, "PRAGMA quick_check").Scan(&verdict); err != nil {
		return Result{Label: label, Detail: err.Error(), Category: CategoryCorruption}
	}
	if verdict != "ok" {
		return Result{
			Label:    label,
			Detail:   "integrity check reported: " + verdict,
			Fix:      "move " + path + " aside and restart the daemon",
			Category: CategoryCorruption,
		}
	}
	return Result{Label: label, OK: true, Detail: "integrity ok"}
}

func checkAudit(path string) Result {
	const label = "audit chain"
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return Result{Label: label, OK: true, Detail: "not present yet"}
	}
	entries, err := audit.Verify(path, 0, 0)
	if err != nil {
		return Result{
			Label:    label,
			Detail:   err.Error(),
			Fix:      "move " + path + " aside; the daemon starts a fresh chain",
			Category: CategoryCorruption,
		}
	}
	return Result{Label: label, OK: true, Detail: fmt.Sprintf("%d entries verified", len(entries))}
}

func checkPolicy(path string) Result {
	const label = "policy.yaml"
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return Result{Label: label, OK: true, Detail: "not present, defaults apply"}
	}
	if _, err := policy.Load(path); err != nil {
		return Result{
			Label:    label,
			Detail:   err.Error(),
			Fix:      "atlasbridge policy validate " + path,
			Category: CategoryEnvironment,
		}
	}
	return Result{Label: label, OK: true, Detail: "parsed and validated"}
}
