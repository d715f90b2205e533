// Package catalog is the static registry of deployable game templates.
// Templates are compiled in; the orchestrator resolves a requested game
// type against this set.
package catalog

import "errors"

var ErrUnknownGameType = errors.New("unknown game type")

// Template describes one deployable image: what to run, where it listens
// by default, and the environment a fresh server starts with. RequiredOS
// constrains node placement ("linux" or "windows").
type Template struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Image       string   `json:"image"`
	DefaultPort int      `json:"defaultPort"`
	DefaultEnv  []string `json:"defaultEnv"`
	ConfigFile  string   `json:"configFile,omitempty"`
	RequiredOS  string   `json:"requiredOs"`
	Description string   `json:"description,omitempty"`
}

var templates = []Template{
	{
		ID:          "minecraft-java",
		Name:        "Minecraft (Java)",
		Image:       "voyagehost/game-minecraft:latest",
		DefaultPort: 25565,
		DefaultEnv:  []string{"MEMORY=2048", "MOTD=A Voyage World", "DIFFICULTY=1", "MAX_PLAYERS=20", "EULA=TRUE"},
		ConfigFile:  "server.properties",
		RequiredOS:  "linux",
		Description: "PaperMC high-performance server.",
	},
	{
		ID:          "minecraft-bedrock",
		Name:        "Minecraft (Bedrock)",
		Image:       "itzg/minecraft-bedrock-server:latest",
		DefaultPort: 19132,
		DefaultEnv:  []string{"EULA=TRUE"},
		ConfigFile:  "server.properties",
		RequiredOS:  "linux",
		Description: "Cross-platform Bedrock edition.",
	},
	{
		ID:          "valheim",
		Name:        "Valheim",
		Image:       "voyagehost/game-valheim:latest",
		DefaultPort: 2456,
		DefaultEnv:  []string{"WORLD_NAME=Dedicated", "SERVER_NAME=Voyage Valheim", "PASSWORD=voyagehost", "PUBLIC=1"},
		ConfigFile:  "adminlist.txt",
		RequiredOS:  "linux",
		Description: "Viking survival.",
	},
	{
		ID:          "rust",
		Name:        "Rust",
		Image:       "gameservermanagers/gameserver:rust",
		DefaultPort: 28015,
		ConfigFile:  "server/rustserver/cfg/server.cfg",
		RequiredOS:  "linux",
		Description: "Hardcore survival.",
	},
	{
		ID:          "cs2",
		Name:        "Counter-Strike 2",
		Image:       "gameservermanagers/gameserver:cs2",
		DefaultPort: 27015,
		ConfigFile:  "serverfiles/game/csgo/cfg/server.cfg",
		RequiredOS:  "linux",
		Description: "Tactical shooter.",
	},
	{
		ID:          "terraria",
		Name:        "Terraria",
		Image:       "voyagehost/game-terraria:latest",
		DefaultPort: 7777,
		DefaultEnv:  []string{"MAX_PLAYERS=16", "WORLD_NAME=Voyage"},
		ConfigFile:  "serverconfig.txt",
		RequiredOS:  "linux",
		Description: "Native Terraria core.",
	},
	{
		ID:          "ark-ascended-win",
		Name:        "ARK: Ascended (Windows Native)",
		Image:       "voyagehost/game-ark-ascended-win:latest",
		DefaultPort: 7777,
		DefaultEnv:  []string{"SERVER_NAME=ARK-ASA-WIN", "MAX_PLAYERS=70"},
		ConfigFile:  "ShooterGame/Saved/Config/WindowsServer/GameUserSettings.ini",
		RequiredOS:  "windows",
		Description: "Headless Windows Server Core build.",
	},
	{
		ID:          "teamspeak",
		Name:        "Teamspeak 3",
		Image:       "teamspeak:latest",
		DefaultPort: 9987,
		DefaultEnv:  []string{"TS3SERVER_LICENSE=accept"},
		ConfigFile:  "ts3server.ini",
		RequiredOS:  "linux",
		Description: "Voice chat.",
	},
}

// List returns every known template.
func List() []Template {
	out := make([]Template, len(templates))
	copy(out, templates)
	return out
}

// Get resolves a game type id to its template.
func Get(id string) (Template, error) {
	for _, t := range templates {
		if t.ID == id {
			return t, nil
		}
	}
	return Template{}, ErrUnknownGameType
}
