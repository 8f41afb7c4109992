package syncer

import (
	"github.com/brandon/mailmirror/internal/config"
	"github.com/brandon/mailmirror/pkg/types"
)

// planFolders filters and orders discovered folders for one sync pass.
// Unselectable pseudo-folders and excluded names are dropped; when
// SyncAllFolders is off only the priority subset survives. Folders on the
// priority list come first in list order, everything else keeps arrival
// order after them.
func planFolders(cfg config.SyncConfig, discovered []types.FolderInfo) []string {
	excluded := make(map[string]bool, len(cfg.ExcludedFolders))
	for _, name := range cfg.ExcludedFolders {
		excluded[name] = true
	}

	priority := make(map[string]int, len(cfg.PriorityFolders))
	for i, name := range cfg.PriorityFolders {
		priority[name] = i
	}

	var eligible []string
	for _, f := range discovered {
		if !f.Selectable() || excluded[f.Name] {
			continue
		}
		if !cfg.SyncAllFolders {
			if _, ok := priority[f.Name]; !ok {
				continue
			}
		}
		eligible = append(eligible, f.Name)
	}

	ordered := make([]string, 0, len(eligible))
	for _, want := range cfg.PriorityFolders {
		for _, name := range eligible {
			if name == want {
				ordered = append(ordered, name)
				break
			}
		}
	}
	for _, name := range eligible {
		if _, ok := priority[name]; !ok {
			ordered = append(ordered, name)
		}
	}

	return ordered
}
