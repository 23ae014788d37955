package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/clevinson/scuttle-chat/discovery"
	"github.com/clevinson/scuttle-chat/internal/version"
	"github.com/clevinson/scuttle-chat/session"
	"github.com/vaughan0/go-ini"
	strduration "github.com/xhit/go-str2duration/v2"
)

const (
	identityFilename = "scuttlechat.id"
	chatLogDirname   = "chatlogs"
)

// Settings is the collection of all scuttlechat settings. This is separated
// out in order to be able to reuse in various tests.
type Settings struct {
	// default section
	Root    string // root directory for scuttlechat
	ChatLog string // chat history directory
	Nick    string // local nickname
	Listen  string // handshake listener address

	// network section
	NetworkKey       session.NetworkKey
	DiscoveryPort    int
	AnnounceInterval time.Duration
	StaleTimeout     time.Duration
	HandshakeTimeout time.Duration
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	MaxSessions      int

	// log section
	LogFile     string // log filename
	DebugLevel  string // debug level config string
	MaxLogFiles int
}

var errIniNotFound = errors.New("not found")

// defaultSettings returns a default settings structure.
func defaultSettings() *Settings {
	return &Settings{
		// default
		Root:    "~/.scuttlechat",
		ChatLog: "~/.scuttlechat/" + chatLogDirname,
		Nick:    "",
		Listen:  ":0",

		// network
		NetworkKey:       session.MainNetworkKey,
		DiscoveryPort:    discovery.DefaultPort,
		AnnounceInterval: 2 * time.Second,
		StaleTimeout:     10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		BackoffBase:      time.Second,
		BackoffCap:       time.Minute,
		MaxSessions:      64,

		// log
		LogFile:     "~/.scuttlechat/scuttlechat.log",
		DebugLevel:  "info",
		MaxLogFiles: 5,
	}
}

// Load retrieves settings from an ini file. Additionally it expands all ~ to
// the current user home directory.
func (s *Settings) Load(filename string) error {
	// parse file
	cfg, err := ini.LoadFile(filename)
	if err != nil {
		return err
	}

	// obtain current user for directory expansion
	usr, err := user.Current()
	if err != nil {
		return err
	}

	// root directory
	root, ok := cfg.Get("", "root")
	if ok {
		s.Root = root
	}
	s.Root = strings.Replace(s.Root, "~", usr.HomeDir, 1)

	// chat history directory
	chatLog, ok := cfg.Get("", "chatlog")
	if ok {
		s.ChatLog = chatLog
	}
	s.ChatLog = strings.Replace(s.ChatLog, "~", usr.HomeDir, 1)

	nick, ok := cfg.Get("", "nick")
	if ok {
		s.Nick = nick
	}

	listen, ok := cfg.Get("", "listen")
	if ok {
		s.Listen = strings.TrimSpace(listen)
	}

	// network
	networkKey, ok := cfg.Get("network", "networkkey")
	if ok {
		if err := s.NetworkKey.FromString(networkKey); err != nil {
			return fmt.Errorf("invalid networkkey: %w", err)
		}
	}

	err = iniInt(cfg, &s.DiscoveryPort, "network", "discoveryport")
	if err != nil && !errors.Is(err, errIniNotFound) {
		return err
	}

	err = iniDuration(cfg, &s.AnnounceInterval, "network", "announceinterval")
	if err != nil && !errors.Is(err, errIniNotFound) {
		return err
	}

	err = iniDuration(cfg, &s.StaleTimeout, "network", "staletimeout")
	if err != nil && !errors.Is(err, errIniNotFound) {
		return err
	}
	if s.StaleTimeout <= s.AnnounceInterval {
		return fmt.Errorf("staletimeout must be larger than announceinterval")
	}

	err = iniDuration(cfg, &s.HandshakeTimeout, "network", "handshaketimeout")
	if err != nil && !errors.Is(err, errIniNotFound) {
		return err
	}

	err = iniDuration(cfg, &s.BackoffBase, "network", "backoffbase")
	if err != nil && !errors.Is(err, errIniNotFound) {
		return err
	}

	err = iniDuration(cfg, &s.BackoffCap, "network", "backoffcap")
	if err != nil && !errors.Is(err, errIniNotFound) {
		return err
	}

	err = iniInt(cfg, &s.MaxSessions, "network", "maxsessions")
	if err != nil && !errors.Is(err, errIniNotFound) {
		return err
	}

	// logging and debug
	logFile, ok := cfg.Get("log", "logfile")
	if ok {
		s.LogFile = logFile
	}
	s.LogFile = strings.Replace(s.LogFile, "~", usr.HomeDir, 1)

	debugLevel, ok := cfg.Get("log", "debuglevel")
	if ok {
		s.DebugLevel = debugLevel
	}

	err = iniInt(cfg, &s.MaxLogFiles, "log", "maxlogfiles")
	if err != nil && !errors.Is(err, errIniNotFound) {
		return err
	}

	return nil
}

func iniInt(cfg ini.File, p *int, section, key string) error {
	v, ok := cfg.Get(section, key)
	if !ok {
		return errIniNotFound
	}

	i64, err := strconv.ParseInt(v, 10, 64)
	if err == nil {
		*p = int(i64)
	}
	return err
}

func iniDuration(cfg ini.File, p *time.Duration, section, key string) error {
	v, ok := cfg.Get(section, key)
	if !ok {
		return errIniNotFound
	}

	dur, err := strduration.ParseDuration(v)
	if err == nil {
		*p = dur
	}
	return err
}

// ObtainSettings returns the application settings: defaults, overlaid by the
// config file, overlaid by flags.
func ObtainSettings() (*Settings, error) {
	// defaults
	s := defaultSettings()

	// setup default paths
	usr, err := user.Current()
	if err != nil {
		return nil, err
	}

	// config file
	filename := flag.String("cfg", filepath.Join(usr.HomeDir, ".scuttlechat",
		"scuttlechat.conf"), "config file")
	nick := flag.String("nick", "", "nickname announced to peers")
	listen := flag.String("listen", "", "handshake listener address")
	versionFlag := flag.Bool("version", false, "show version")
	flag.Parse()

	if *versionFlag {
		fmt.Fprintf(os.Stderr, "scuttlechat %s (%s)\n", version.String(),
			runtime.Version())
		os.Exit(0)
	}

	// load file; a missing config file just means defaults
	err = s.Load(*filename)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if os.IsNotExist(err) {
		s.Root = strings.Replace(s.Root, "~", usr.HomeDir, 1)
		s.ChatLog = strings.Replace(s.ChatLog, "~", usr.HomeDir, 1)
		s.LogFile = strings.Replace(s.LogFile, "~", usr.HomeDir, 1)
	}

	if *nick != "" {
		s.Nick = *nick
	}
	if s.Nick == "" {
		s.Nick = usr.Username
	}
	if *listen != "" {
		s.Listen = *listen
	}

	return s, nil
}
