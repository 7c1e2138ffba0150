package main

import (
	"encoding/json"
	"os"
	"sync"
)

type Config struct {
	Host           string `json:"host"`
	Port           string `json:"port"`
	DataFile       string `json:"data_file"`
	WelcomeMessage string `json:"welcome_message"`
	HistoryLimit   int    `json:"history_limit"`

	mu         sync.RWMutex
	configFile string
}

func NewConfig(filename string) *Config {
	if filename == "" {
		filename = "server_config.json"
	}
	return &Config{
		configFile: filename,
		// Defaults
		Host:           "localhost",
		Port:           "8999",
		DataFile:       "chatdata.json",
		WelcomeMessage: "Welcome to the support chat.",
		HistoryLimit:   500,
	}
}

func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := os.Stat(c.configFile); os.IsNotExist(err) {
		// Create default config if not exists
		return c.saveInternal()
	}

	data, err := os.ReadFile(c.configFile)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, c); err != nil {
		return err
	}

	// Auto-update config file with any missing fields (defaults)
	return c.saveInternal()
}

func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.saveInternal()
}

func (c *Config) saveInternal() error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.configFile, data, 0644)
}

func (c *Config) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Host + ":" + c.Port
}
