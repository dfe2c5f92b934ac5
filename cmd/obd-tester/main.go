package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/benbjohnson/clock"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/serebryakov7/j1939-obd/common"
	"github.com/serebryakov7/j1939-obd/internal/broadcast"
	"github.com/serebryakov7/j1939-obd/internal/bus"
	"github.com/serebryakov7/j1939-obd/internal/config"
	"github.com/serebryakov7/j1939-obd/internal/modules"
	"github.com/serebryakov7/j1939-obd/internal/packet"
	"github.com/serebryakov7/j1939-obd/internal/request"
	"github.com/serebryakov7/j1939-obd/internal/runner"
	"github.com/serebryakov7/j1939-obd/pkg/mqtt"
	"github.com/serebryakov7/j1939-obd/pkg/storage"
)

var (
	configPath = flag.String("config", "", "Путь к файлу настроек YAML")
	transport  = flag.String("transport", "", "Подключение к шине: socket, slcan или loopback")
	canIface   = flag.String("can-if", "", "CAN интерфейс (can0) или последовательный порт SLCAN (/dev/ttyUSB0)")
	dbPath     = flag.String("dbpath", "", "Путь к файлу bbolt базы")
	mqttBroker = flag.String("broker", "", "MQTT брокер; пусто - без публикации")
	stepsFlag  = flag.String("steps", "", "Шаги через запятую; пусто - все встроенные")
	traceBus   = flag.Bool("trace", false, "Журналировать каждое сообщение шины")
	clearLog   = flag.Bool("clear", false, "Очистить журнал результатов перед прогоном")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Ошибка загрузки настроек: %v", err)
	}
	applyFlags(&cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Ошибка настроек: %v", err)
	}
	if err := setupLogging(cfg.Logs); err != nil {
		log.Fatalf("Ошибка настройки журнала: %v", err)
	}
	log.Printf("Запуск прибора OBD J1939 (%s, %s), адрес 0x%02X", cfg.Transport, cfg.Interface, cfg.Self)

	steps, err := selectSteps(cfg.Steps)
	if err != nil {
		log.Fatalf("%v", err)
	}
	table, err := cfg.Table()
	if err != nil {
		log.Fatalf("%v", err)
	}

	store, err := storage.OpenDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Ошибка открытия/создания bbolt DB по пути %s: %v", cfg.DBPath, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("Ошибка закрытия bbolt DB: %v", err)
		}
	}()
	if *clearLog {
		if err := store.ClearOutcomes(); err != nil {
			log.Printf("Ошибка очистки журнала: %v", err)
		}
	}

	reg := modules.NewRegistry()
	if saved, err := store.LoadModules(); err != nil {
		log.Printf("Сохраненный реестр модулей не прочитан: %v", err)
	} else {
		reg.Load(saved)
	}
	for _, m := range cfg.Modules {
		cur, ok := reg.Get(m.Address)
		if !ok {
			cur = modules.Module{Address: m.Address, Compliance: 0xFF}
		}
		if m.Name != "" {
			cur.Name = m.Name
		}
		reg.Put(cur)
		if len(m.SPNs) > 0 {
			reg.SetSupportedSPNs(m.Address, m.SPNs)
		}
	}

	clk := clock.New()
	b, shutdownBus, err := openBus(cfg, clk)
	if err != nil {
		log.Fatalf("Ошибка инициализации шины J1939: %v", err)
	}
	defer shutdownBus()
	if cfg.Logs.TraceBus {
		b = bus.NewLoggedBus(b, nil, bus.LogAll, nil)
	}
	mux := bus.NewMux(b, clk)
	defer mux.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	decoders := packet.NewRegistry()
	env := &runner.Env{
		Engine: request.NewEngine(mux, decoders, clk, request.Options{
			Self:          cfg.Self,
			GlobalTimeout: cfg.Timeouts.Global,
			DSTimeout:     cfg.Timeouts.DS,
			BusyDelay:     cfg.Timeouts.Busy,
		}),
		Observer: broadcast.NewObserver(mux, decoders, clk),
		Modules:  reg,
		Clock:    clk,
		Table:    table,
		Timeouts: runner.Timeouts{
			Global:    cfg.Timeouts.Global,
			DS:        cfg.Timeouts.DS,
			Broadcast: cfg.Timeouts.Broadcast,
		},
	}
	r := runner.New(env, store)

	var mqttClient *mqtt.MQTTClient
	if cfg.MQTT.Broker != "" {
		clientID := cfg.MQTT.ClientID
		if clientID == "" {
			clientID = fmt.Sprintf("%s-%d", mqtt.DefaultClientID, os.Getpid())
		}
		mqttClient = mqtt.NewClient(mqtt.MQTTConfig{
			Broker:       cfg.MQTT.Broker,
			ClientID:     clientID,
			Topic:        cfg.MQTT.Topic,
			CommandTopic: cfg.MQTT.CommandTopic,
		}, commandHandler(cancel, store))
		if err := mqttClient.Connect(); err != nil {
			log.Printf("Ошибка подключения к MQTT: %v. Результаты будут только в журнале.", err)
			mqttClient = nil
		} else {
			defer mqttClient.Disconnect()
			r.AddReporter(mqttClient)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			log.Printf("Получен сигнал %s. Прерывание прогона...", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	outcomes, runErr := r.Run(ctx, steps)
	if err := store.SaveModules(reg.Snapshot()); err != nil {
		log.Printf("Ошибка сохранения реестра модулей: %v", err)
	}
	if mqttClient != nil {
		if err := mqttClient.PublishSummary(outcomes); err != nil {
			log.Printf("Итог прогона не отправлен в MQTT: %v", err)
		}
	}

	summary := runner.Summary(outcomes)
	log.Printf("Прогон завершен: %s, шагов %d из %d", summary, len(outcomes), len(steps))
	if runErr != nil {
		log.Printf("Прогон прерван: %v", runErr)
	}
	if summary >= runner.Fail {
		// отложенные вызовы не выполнятся после os.Exit
		store.Close()
		os.Exit(1)
	}
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// applyFlags - флаги командной строки имеют приоритет над файлом настроек.
func applyFlags(cfg *config.Config) {
	if *transport != "" {
		cfg.Transport = *transport
	}
	if *canIface != "" {
		cfg.Interface = *canIface
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *mqttBroker != "" {
		cfg.MQTT.Broker = *mqttBroker
	}
	if *stepsFlag != "" {
		cfg.Steps = splitList(*stepsFlag)
	}
	if *traceBus {
		cfg.Logs.TraceBus = true
	}
}

func setupLogging(lc config.LogConfig) error {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if lc.File == "" {
		log.SetOutput(os.Stdout)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(lc.File), 0o755); err != nil {
		return fmt.Errorf("создание каталога журнала: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   lc.File,
		MaxSize:    lc.MaxSizeMB,
		MaxAge:     lc.MaxAgeDays,
		MaxBackups: lc.MaxBackups,
		Compress:   lc.Compress,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rotator))
	return nil
}

// commandHandler обрабатывает команды сервера, полученные по MQTT.
func commandHandler(cancel context.CancelFunc, store *storage.Store) func(common.ServerCommand) error {
	return func(cmd common.ServerCommand) error {
		switch cmd.Type {
		case common.CommandTypeAbort:
			reason := "команда сервера"
			if cmd.Params.Reason != nil {
				reason = *cmd.Params.Reason
			}
			log.Printf("Прерывание прогона: %s", reason)
			cancel()
			return nil
		case common.CommandTypeClearOutcomes:
			return store.ClearOutcomes()
		default:
			return fmt.Errorf("неизвестная команда %q", cmd.Type)
		}
	}
}
