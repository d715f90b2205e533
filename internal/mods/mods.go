// Package mods is the static registry of installable server mods with
// recursive dependency resolution.
package mods

import "sort"

// Template describes one installable mod. Requires lists ids of mods that
// must be installed first; Category "core" marks frameworks other mods
// depend on.
type Template struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	GameType    string   `json:"gameType"`
	Category    string   `json:"category"`
	Version     string   `json:"version"`
	DownloadURL string   `json:"downloadUrl"`
	InstallPath string   `json:"installPath"`
	Requires    []string `json:"requires,omitempty"`
}

var registry = []Template{
	{
		ID:          "rust-oxide",
		Name:        "Oxide (uMod)",
		Description: "The core modding framework for Rust. Required for all plugins.",
		GameType:    "rust",
		Category:    "core",
		Version:     "latest",
		DownloadURL: "https://umod.org/games/rust/download",
		InstallPath: "/",
	},
	{
		ID:          "rust-gather-manager",
		Name:        "Gather Manager",
		Description: "Control resource gathering rates.",
		GameType:    "rust",
		Category:    "plugin",
		Version:     "latest",
		DownloadURL: "https://umod.org/plugins/GatherManager.cs",
		InstallPath: "/oxide/plugins",
		Requires:    []string{"rust-oxide"},
	},
	{
		ID:          "rust-no-decay",
		Name:        "No Decay",
		Description: "Disables building upkeep and decay.",
		GameType:    "rust",
		Category:    "plugin",
		Version:     "latest",
		DownloadURL: "https://umod.org/plugins/NoDecay.cs",
		InstallPath: "/oxide/plugins",
		Requires:    []string{"rust-oxide"},
	},
	{
		ID:          "mc-essentialsx",
		Name:        "EssentialsX",
		Description: "Essential commands for Paper and Spigot servers.",
		GameType:    "minecraft-java",
		Category:    "plugin",
		Version:     "latest",
		DownloadURL: "https://github.com/EssentialsX/Essentials/releases/latest/download/EssentialsX-2.20.1.jar",
		InstallPath: "/plugins",
	},
	{
		ID:          "mc-worldedit",
		Name:        "WorldEdit",
		Description: "In-game map editor and building tool.",
		GameType:    "minecraft-java",
		Category:    "plugin",
		Version:     "latest",
		DownloadURL: "https://dev.bukkit.org/projects/worldedit/files/latest",
		InstallPath: "/plugins",
	},
}

// List returns all mods, optionally filtered by game type.
func List(gameType string) []Template {
	out := []Template{}
	for _, m := range registry {
		if gameType == "" || m.GameType == gameType {
			out = append(out, m)
		}
	}
	return out
}

// Get resolves a mod id. The second return is false for unknown ids.
func Get(id string) (Template, bool) {
	for _, m := range registry {
		if m.ID == id {
			return m, true
		}
	}
	return Template{}, false
}

// ResolveDependencies expands the requested mod ids to the full install
// set, walking Requires transitively. Unknown ids are skipped. Core mods
// sort first so frameworks land before the plugins that need them.
func ResolveDependencies(ids []string) []Template {
	seen := map[string]bool{}
	queue := append([]string{}, ids...)
	result := []Template{}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == "" || seen[id] {
			continue
		}
		mod, ok := Get(id)
		if !ok {
			continue
		}
		seen[id] = true
		result = append(result, mod)
		queue = append(queue, mod.Requires...)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Category == "core" && result[j].Category != "core"
	})
	return result
}
