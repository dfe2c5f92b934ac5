// Package config загружает настройки прибора из YAML файла.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/serebryakov7/j1939-obd/internal/broadcast"
	"github.com/serebryakov7/j1939-obd/internal/j1939"
)

// Виды подключения к шине
const (
	TransportSocket   = "socket"   // ядерный сокет CAN_J1939 (Linux)
	TransportSLCAN    = "slcan"    // последовательный адаптер SLCAN
	TransportLoopback = "loopback" // шина в памяти с демонстрационными модулями
)

// Настройки по умолчанию
const (
	defaultTransport = TransportSocket
	defaultInterface = "can0"
	defaultBaud      = 115200
	defaultBitrate   = 250000
	defaultDBPath    = "j1939_obd.db"
	defaultLogFile   = "logs/obd-tester.log"
)

type TimeoutsConfig struct {
	Global    time.Duration `yaml:"global"`
	DS        time.Duration `yaml:"ds"`
	Busy      time.Duration `yaml:"busy"`
	Broadcast time.Duration `yaml:"broadcast"`
}

type MQTTConfig struct {
	Broker       string `yaml:"broker"` // пусто - публикация отключена
	ClientID     string `yaml:"clientId"`
	Topic        string `yaml:"topic"`
	CommandTopic string `yaml:"commandTopic"`
}

type LogConfig struct {
	File       string `yaml:"file"` // пусто - только stdout
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	MaxBackups int    `yaml:"maxBackups"`
	Compress   bool   `yaml:"compress"`
	TraceBus   bool   `yaml:"traceBus"` // журналировать каждое сообщение шины
}

// ModuleConfig - заранее известный модуль: имя и поддерживаемые SPN.
type ModuleConfig struct {
	Address uint8    `yaml:"address"`
	Name    string   `yaml:"name"`
	SPNs    []uint32 `yaml:"spns"`
}

type Config struct {
	Transport string `yaml:"transport"`
	Interface string `yaml:"interface"` // can0 или /dev/ttyUSB0
	Baud      int    `yaml:"baud"`
	Bitrate   int    `yaml:"bitrate"`
	Self      uint8  `yaml:"self"`

	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Steps    []string       `yaml:"steps"` // пусто - все встроенные шаги

	PeriodTable string            `yaml:"periodTable"` // путь к таблице периодов
	Periods     []broadcast.Entry `yaml:"periods"`

	Modules []ModuleConfig `yaml:"modules"`

	DBPath string     `yaml:"dbPath"`
	MQTT   MQTTConfig `yaml:"mqtt"`
	Logs   LogConfig  `yaml:"logs"`
}

// Default возвращает настройки по умолчанию.
func Default() Config {
	return Config{
		Transport: defaultTransport,
		Interface: defaultInterface,
		Baud:      defaultBaud,
		Bitrate:   defaultBitrate,
		Self:      j1939.ToolAddress,
		DBPath:    defaultDBPath,
		Logs: LogConfig{
			File:       defaultLogFile,
			MaxSizeMB:  25,
			MaxAgeDays: 7,
			MaxBackups: 5,
		},
	}
}

// Load читает файл настроек. Относительные пути разрешаются от каталога файла.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("ошибка чтения настроек %s: %w", path, err)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse разбирает настройки и заполняет пропущенные поля значениями по умолчанию.
func Parse(data []byte, baseDir string) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("ошибка разбора настроек: %w", err)
	}
	cfg.fill()

	resolve := func(p string) string {
		p = strings.TrimSpace(p)
		if p == "" || filepath.IsAbs(p) || baseDir == "" {
			return p
		}
		return filepath.Clean(filepath.Join(baseDir, p))
	}
	cfg.PeriodTable = resolve(cfg.PeriodTable)
	cfg.DBPath = resolve(cfg.DBPath)
	cfg.Logs.File = resolve(cfg.Logs.File)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) fill() {
	def := Default()
	if c.Transport == "" {
		c.Transport = def.Transport
	}
	if c.Baud <= 0 {
		c.Baud = def.Baud
	}
	if c.Bitrate <= 0 {
		c.Bitrate = def.Bitrate
	}
	if c.Self == 0 {
		c.Self = def.Self
	}
	if c.Logs.MaxSizeMB <= 0 {
		c.Logs.MaxSizeMB = def.Logs.MaxSizeMB
	}
	if c.Logs.MaxAgeDays <= 0 {
		c.Logs.MaxAgeDays = def.Logs.MaxAgeDays
	}
	if c.Logs.MaxBackups <= 0 {
		c.Logs.MaxBackups = def.Logs.MaxBackups
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "vehicle/obd/outcomes"
	}
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	switch c.Transport {
	case TransportSocket, TransportSLCAN, TransportLoopback:
	default:
		return fmt.Errorf("неизвестный вид подключения %q", c.Transport)
	}
	if c.Transport != TransportLoopback && c.Interface == "" {
		return errors.New("не указан интерфейс шины")
	}
	if c.Self >= j1939.NullAddress {
		return fmt.Errorf("адрес прибора 0x%02X недопустим", c.Self)
	}
	for name, d := range map[string]time.Duration{
		"global": c.Timeouts.Global, "ds": c.Timeouts.DS, "busy": c.Timeouts.Busy, "broadcast": c.Timeouts.Broadcast,
	} {
		if d < 0 {
			return fmt.Errorf("таймаут %s отрицательный: %s", name, d)
		}
	}
	if c.PeriodTable != "" && len(c.Periods) > 0 {
		return errors.New("таблица периодов задана дважды: periodTable и periods")
	}
	if len(c.Periods) > 0 {
		if err := (broadcast.Table{Entries: c.Periods}).Validate(); err != nil {
			return err
		}
	}
	seen := make(map[uint8]bool)
	for _, m := range c.Modules {
		if seen[m.Address] {
			return fmt.Errorf("модуль 0x%02X указан дважды", m.Address)
		}
		seen[m.Address] = true
	}
	return nil
}

// Table возвращает таблицу периодов: из файла, из настроек или по умолчанию.
func (c Config) Table() (broadcast.Table, error) {
	switch {
	case c.PeriodTable != "":
		return broadcast.LoadTable(c.PeriodTable)
	case len(c.Periods) > 0:
		return broadcast.Table{Entries: c.Periods}, nil
	default:
		return broadcast.DefaultTable(), nil
	}
}
