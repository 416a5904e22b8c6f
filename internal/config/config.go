// Package config loads the ini configuration file shared by the REST server
// and the outbound server, and supports in-place reload on SIGHUP.
package config

import (
	"fmt"
	"strings"
	"sync"

	"gopkg.in/ini.v1"
)

// Config is a snapshot of the configuration file. Load returns a fully
// populated value; Reload re-reads the same path and swaps the snapshot.
type Config struct {
	mu   sync.RWMutex
	path string

	Common   Common
	Rest     RestServer
	Outbound OutboundServer
	Cache    Cache
	Logging  Logging
}

type Common struct {
	// Inbound Event Socket connection to FreeSWITCH.
	FSHost         string
	FSPort         int
	FSPassword     string
	ConnectTimeout int // seconds

	// Address the media server dials back for outbound sessions, as written
	// into originate/transfer dial strings ("host:port").
	OutboundAddress string

	AuthID     string
	AuthToken  string
	AllowedIPs []string

	DefaultAnswerURL  string
	DefaultHangupURL  string
	DefaultHTTPMethod string
	ExtraFSVars       []string
}

type RestServer struct {
	Address string // HTTP listen address
}

type OutboundServer struct {
	Address string // TCP listen address for media-server callbacks
}

type Cache struct {
	Enabled   bool
	RedisAddr string
	RedisDB   int
	Path      string // local directory for cached media files
}

type Logging struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Console    bool
}

// Load reads the ini file at path.
func Load(path string) (*Config, error) {
	c := &Config{path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the configuration file. On parse error the previous
// snapshot is kept and the error returned.
func (c *Config) Reload() error {
	f, err := ini.Load(c.path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", c.path, err)
	}

	common := f.Section("common")
	snap := Config{path: c.path}
	snap.Common = Common{
		FSHost:            common.Key("FS_HOST").MustString("127.0.0.1"),
		FSPort:            common.Key("FS_PORT").MustInt(8021),
		FSPassword:        common.Key("FS_PASSWORD").MustString("ClueCon"),
		ConnectTimeout:    common.Key("CONNECT_TIMEOUT").MustInt(10),
		OutboundAddress:   common.Key("OUTBOUND_ADDRESS").MustString("127.0.0.1:8084"),
		AuthID:            common.Key("AUTH_ID").String(),
		AuthToken:         common.Key("AUTH_TOKEN").String(),
		AllowedIPs:        splitList(common.Key("ALLOWED_IPS").String()),
		DefaultAnswerURL:  common.Key("DEFAULT_ANSWER_URL").String(),
		DefaultHangupURL:  common.Key("DEFAULT_HANGUP_URL").String(),
		DefaultHTTPMethod: common.Key("DEFAULT_HTTP_METHOD").MustString("POST"),
		ExtraFSVars:       splitList(common.Key("EXTRA_FS_VARS").String()),
	}

	rest := f.Section("rest_server")
	snap.Rest = RestServer{
		Address: rest.Key("ADDRESS").MustString("127.0.0.1:8088"),
	}

	out := f.Section("outbound_server")
	snap.Outbound = OutboundServer{
		Address: out.Key("ADDRESS").MustString("127.0.0.1:8084"),
	}

	cache := f.Section("cache")
	snap.Cache = Cache{
		Enabled:   cache.Key("ENABLED").MustBool(false),
		RedisAddr: cache.Key("REDIS_ADDR").MustString("127.0.0.1:6379"),
		RedisDB:   cache.Key("REDIS_DB").MustInt(0),
		Path:      cache.Key("PATH").MustString("/var/cache/fs-bridge"),
	}

	logging := f.Section("logging")
	snap.Logging = Logging{
		Level:      logging.Key("LEVEL").MustString("info"),
		Format:     logging.Key("FORMAT").MustString("text"),
		File:       logging.Key("FILE").String(),
		MaxSizeMB:  logging.Key("MAX_SIZE_MB").MustInt(100),
		MaxBackups: logging.Key("MAX_BACKUPS").MustInt(5),
		MaxAgeDays: logging.Key("MAX_AGE_DAYS").MustInt(30),
		Console:    logging.Key("CONSOLE").MustBool(true),
	}

	c.mu.Lock()
	c.Common = snap.Common
	c.Rest = snap.Rest
	c.Outbound = snap.Outbound
	c.Cache = snap.Cache
	c.Logging = snap.Logging
	c.mu.Unlock()
	return nil
}

// Snapshot returns a copy safe to read without holding locks.
func (c *Config) Snapshot() (Common, RestServer, OutboundServer, Cache, Logging) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Common, c.Rest, c.Outbound, c.Cache, c.Logging
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
