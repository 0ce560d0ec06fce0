package config

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/starkeeper/starkeeper/internal/logger"
)

// Host modes: local servers are launched and fully managed here, remote
// servers are console-managed only, registry servers are tracked purely
// through the matchmaking registry.
const (
	HostLocal    = "local"
	HostRemote   = "remote"
	HostRegistry = "registry"
)

// Placeholder values resolved at load time.
const (
	AutoIP         = "_public"
	AutoPort       = "_auto"
	RandomPassword = "_random"
)

const publicIPEndpoint = "https://ip4.seeip.org/"

// Config is the top-level starter.json structure.
type Config struct {
	HTTPListen     string        `json:"httpListen" mapstructure:"httpListen"`
	Owner          string        `json:"owner" mapstructure:"owner"`
	LogLevel       string        `json:"logLevel" mapstructure:"logLevel"`
	DataDir        string        `json:"dataDir" mapstructure:"dataDir"`
	DownloadDir    string        `json:"downloadDir" mapstructure:"downloadDir"`
	LatestVersion  string        `json:"latestVersion" mapstructure:"latestVersion"`
	RegistryURL    string        `json:"registryUrl" mapstructure:"registryUrl"`
	EventsDSN      string        `json:"eventsDsn" mapstructure:"eventsDsn"`
	NotifyWebhook  string        `json:"notifyWebhook" mapstructure:"notifyWebhook"`
	Log            logger.Config `json:"log" mapstructure:"log"`
	Servers        []Server      `json:"servers" mapstructure:"servers"`
	RegistryWindow time.Duration `json:"registryWindow" mapstructure:"registryWindow"`
}

// Server is one managed game server entry.
type Server struct {
	ID              string   `json:"id" mapstructure:"id"`
	HostMode        string   `json:"hostMode" mapstructure:"hostMode"`
	Name            string   `json:"name" mapstructure:"name"`
	IP              string   `json:"ip" mapstructure:"ip"`
	Port            int      `json:"port" mapstructure:"port"`
	ConsolePort     string   `json:"consolePort" mapstructure:"consolePort"`
	ConsolePassword string   `json:"consolePassword" mapstructure:"consolePassword"`
	ServerPassword  string   `json:"serverPassword" mapstructure:"serverPassword"`
	Whitelist       bool     `json:"whitelist" mapstructure:"whitelist"`
	MaxPlayers      int      `json:"maxPlayers" mapstructure:"maxPlayers"`
	SaveInterval    int      `json:"saveInterval" mapstructure:"saveInterval"`
	BackupInterval  int      `json:"backupInterval" mapstructure:"backupInterval"`
	ChatWebhook     string   `json:"chatWebhook" mapstructure:"chatWebhook"`
	CustomHeartbeat bool     `json:"customHeartbeat" mapstructure:"customHeartbeat"`
	RestartAt       string   `json:"restartAt" mapstructure:"restartAt"`
	BackupSaveAt    string   `json:"backupSaveAt" mapstructure:"backupSaveAt"`
	RestoreSave     string   `json:"restoreSave" mapstructure:"restoreSave"`
	NoShutdown      bool     `json:"noShutdown" mapstructure:"noShutdown"`
	ServerDir       string   `json:"serverDir" mapstructure:"serverDir"`
	Command         string   `json:"command" mapstructure:"command"`
	Args            []string `json:"args" mapstructure:"args"`

	// resolved at load time
	GameAddr    string `json:"-" mapstructure:"-"`
	ConsoleAddr string `json:"-" mapstructure:"-"`
}

// Load reads, defaults, resolves and validates a starter.json file.
// Validation failures here are fatal to startup.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	c.applyDefaults()
	if err := c.resolve(); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.HTTPListen == "" {
		c.HTTPListen = ":5000"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.RegistryWindow <= 0 {
		c.RegistryWindow = time.Hour
	}
	for i := range c.Servers {
		s := &c.Servers[i]
		if s.ID == "" {
			s.ID = fmt.Sprintf("server%d", i+1)
		}
		if s.HostMode == "" {
			s.HostMode = HostLocal
		}
		if s.Name == "" {
			s.Name = fmt.Sprintf("Server %d", i+1)
		}
		if s.IP == "" {
			s.IP = AutoIP
		}
		if s.Port == 0 {
			s.Port = 8777
		}
		if s.ConsolePort == "" {
			s.ConsolePort = AutoPort
		}
		if s.ConsolePassword == "" {
			s.ConsolePassword = RandomPassword
		}
		if s.MaxPlayers == 0 {
			s.MaxPlayers = 8
		}
		if s.SaveInterval == 0 {
			s.SaveInterval = 900
		}
		if s.BackupInterval == 0 {
			s.BackupInterval = 3600
		}
	}
}

// resolve fills placeholder addresses. The public IP is fetched once and
// shared by every server that asked for it.
func (c *Config) resolve() error {
	publicIP := ""
	for i := range c.Servers {
		s := &c.Servers[i]
		ip := s.IP
		if ip == AutoIP {
			if publicIP == "" {
				var err error
				publicIP, err = FetchPublicIP(context.Background())
				if err != nil {
					return fmt.Errorf("config: resolving public ip: %w", err)
				}
			}
			ip = publicIP
		}
		consolePort := s.ConsolePort
		if consolePort == AutoPort {
			consolePort = strconv.Itoa(s.Port + 1)
		}
		if _, err := strconv.Atoi(consolePort); err != nil {
			return fmt.Errorf("config: server %s: bad console port %q", s.ID, s.ConsolePort)
		}
		if s.ConsolePassword == RandomPassword {
			s.ConsolePassword = randomHex(16)
		}
		s.GameAddr = ip + ":" + strconv.Itoa(s.Port)
		s.ConsoleAddr = ip + ":" + consolePort
	}
	return nil
}

func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Servers))
	for _, s := range c.Servers {
		if seen[s.ID] {
			return fmt.Errorf("config: duplicate server id %q", s.ID)
		}
		seen[s.ID] = true
		switch s.HostMode {
		case HostLocal, HostRemote, HostRegistry:
		default:
			return fmt.Errorf("config: server %s: hostMode must be %q, %q or %q",
				s.ID, HostLocal, HostRemote, HostRegistry)
		}
		if s.HostMode == HostLocal && s.Command == "" {
			return fmt.Errorf("config: server %s: local servers need a command", s.ID)
		}
	}
	return nil
}

// FetchPublicIP asks an external echo service for this host's public
// address.
func FetchPublicIP(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, publicIPEndpoint, nil)
	if err != nil {
		return "", err
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return "", err
	}
	ip := strings.TrimSpace(string(b))
	if ip == "" {
		return "", fmt.Errorf("empty public ip response")
	}
	return ip, nil
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
