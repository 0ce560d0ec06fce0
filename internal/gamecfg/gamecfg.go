// Package gamecfg renders the dedicated-server configuration files read by
// the game binary at launch: the server settings INI and the engine INI.
package gamecfg

import (
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

// PlayerProperty is one persisted access-control line in the settings file.
type PlayerProperty struct {
	Guid           string
	Category       string
	FirstJoinName  string
	RecentJoinName string
}

// Settings is everything the templates need for one server.
type Settings struct {
	ServerName         string
	PublicIP           string
	GamePort           int
	ConsolePort        int
	ConsolePassword    string
	OwnerName          string
	MaxPlayers         int
	DenyUnlisted       bool
	AutoSaveInterval   int // seconds
	BackupSaveInterval int // seconds
	ActiveSave         string
	ChatWebhookURL     string
	Players            []PlayerProperty
}

const serverSettingsTmpl = `[/Script/GameServer.ServerSettings]
bLoadAutoSave=True
MaxServerFramerate=60
MaxServerIdleFramerate=3
bWaitForPlayersBeforeShutdown=False
PublicIP={{.PublicIP}}
ServerName={{.ServerName}}
ServerAdvertisedName={{.ServerName}}
MaximumPlayerCount={{.MaxPlayers}}
OwnerName={{.OwnerName}}
PlayerActivityTimeout=0
bDisableServerTravel=False
DenyUnlistedPlayers={{if .DenyUnlisted}}True{{else}}False{{end}}
VerbosePlayerProperties=True
AutoSaveGameInterval={{.AutoSaveInterval}}
BackupSaveGamesInterval={{.BackupSaveInterval}}
ActiveSaveFileDescriptiveName={{.ActiveSave}}
ConsolePort={{.ConsolePort}}
ConsolePassword={{.ConsolePassword}}
HeartbeatInterval=55
{{- range .Players}}
PlayerProperties=(PlayerFirstJoinName="{{.FirstJoinName}}",PlayerCategory={{.Category}},PlayerGuid="{{.Guid}}",PlayerRecentJoinName="{{.RecentJoinName}}")
{{- end}}
`

const engineTmpl = `[URL]
Port={{.GamePort}}

[/Script/OnlineSubsystemUtils.IpNetDriver]
MaxClientRate=1000000
MaxInternetClientRate=1000000
{{- if .ChatWebhookURL}}

[/Game/ChatMod/ChatManager.ChatManager_C]
WebhookUrl="{{.ChatWebhookURL}}"
{{- end}}
`

var (
	serverTemplate = template.Must(template.New("server").Parse(serverSettingsTmpl))
	engineTemplate = template.Must(template.New("engine").Parse(engineTmpl))
)

// Write renders both INI files into dir, creating it as needed.
func Write(dir string, s Settings) error {
	if s.ActiveSave == "" {
		s.ActiveSave = "SAVE_1"
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	if err := render(filepath.Join(dir, "ServerSettings.ini"), serverTemplate, s); err != nil {
		return err
	}
	return render(filepath.Join(dir, "Engine.ini"), engineTemplate, s)
}

func render(path string, t *template.Template, s Settings) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := t.Execute(f, s); err != nil {
		_ = f.Close()
		return fmt.Errorf("gamecfg: render %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}
