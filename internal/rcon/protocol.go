package rcon

// Wire protocol: the console port speaks newline-terminated text. Commands
// are free-form strings; the three data-gathering commands below return one
// JSON object per line, recognized by a distinguishing leading field.

const (
	cmdStatistics = "DSServerStatistics"
	cmdListGames  = "DSListGames"
	cmdListAll    = "DSListPlayers"

	prefixStats    = `{"build"`
	prefixSessions = `{"playerInfo"`
	prefixSaves    = `{"activeSaveName"`
)

// Stats is the server statistics record returned by DSServerStatistics.
type Stats struct {
	Build                string  `json:"build"`
	OwnerName            string  `json:"ownerName"`
	MaxInGamePlayers     int     `json:"maxInGamePlayers"`
	PlayersInGame        int     `json:"playersInGame"`
	PlayersKnownToGame   int     `json:"playersKnownToGame"`
	SaveGameName         string  `json:"saveGameName"`
	SecondsInGame        int     `json:"secondsInGame"`
	ServerName           string  `json:"serverName"`
	ServerURL            string  `json:"serverURL"`
	AverageFPS           float64 `json:"averageFPS"`
	HasServerPassword    bool    `json:"hasServerPassword"`
	IsEnforcingWhitelist bool    `json:"isEnforcingWhitelist"`
	CreativeMode         bool    `json:"creativeMode"`
}

// Session is one entry of the DSListPlayers session list. LocalID is the
// session GUID issued by the game server itself; it is stable per
// machine-login, not per matchmaking account.
type Session struct {
	LocalID  string `json:"playerGuid"`
	Category string `json:"playerCategory"`
	Name     string `json:"playerName"`
	InGame   bool   `json:"inGame"`
	Index    int    `json:"index"`
}

// Save describes one save file as returned by DSListGames.
type Save struct {
	Name     string `json:"name"`
	Date     string `json:"date"`
	Creative bool   `json:"bHasBeenFlaggedAsCreativeModeSave"`
}

type sessionListResponse struct {
	PlayerInfo []Session `json:"playerInfo"`
}

type saveListResponse struct {
	ActiveSaveName string `json:"activeSaveName"`
	GameList       []Save `json:"gameList"`
}
