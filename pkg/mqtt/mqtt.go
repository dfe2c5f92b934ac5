package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/serebryakov7/j1939-obd/common"
	"github.com/serebryakov7/j1939-obd/internal/runner"
)

const (
	DefaultBroker   = "tcp://localhost:1883"
	DefaultClientID = "j1939-obd-tester"
	DefaultTopic    = "vehicle/obd/outcomes"
)

var ErrNotConnected = errors.New("mqtt: клиент не подключен")

// MQTTConfig содержит настройки для MQTT клиента
type MQTTConfig struct {
	Broker       string
	ClientID     string
	Topic        string // Топик для результатов шагов
	CommandTopic string // Топик для получения команд
	AckTopic     string // Топик для подтверждений команд; пусто - CommandTopic + "/ack"
}

// MQTTClient публикует результаты шагов и принимает команды сервера.
type MQTTClient struct {
	config MQTTConfig
	client mqtt.Client
	// commandHandler - функция обратного вызова для обработки команд
	commandHandler func(cmd common.ServerCommand) error
}

// NewClient создает новый MQTT клиент
func NewClient(config MQTTConfig, cmdHandler func(cmd common.ServerCommand) error) *MQTTClient {
	if config.Topic == "" {
		config.Topic = DefaultTopic
	}
	if config.AckTopic == "" && config.CommandTopic != "" {
		config.AckTopic = config.CommandTopic + "/ack"
	}
	return &MQTTClient{
		config:         config,
		commandHandler: cmdHandler,
	}
}

// Connect устанавливает соединение с MQTT брокером
func (c *MQTTClient) Connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Println("Подключено к MQTT брокеру")
		// Подписываемся на топик команд после успешного подключения
		c.subscribeToCommands()
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Printf("Соединение с MQTT брокером потеряно: %v", err)
	})

	c.client = mqtt.NewClient(opts)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}

	return nil
}

// Disconnect отключается от MQTT брокера
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
	}
}

// Report публикует результат шага. Реализует runner.Reporter.
func (c *MQTTClient) Report(o runner.Outcome) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("ошибка сериализации результата шага %s: %w", o.StepID, err)
	}
	if err := c.publish(c.config.Topic, 1, data); err != nil {
		return err
	}
	log.Printf("Результат шага %s отправлен в MQTT на топик %s (%d байт)", o.StepID, c.config.Topic, len(data))
	return nil
}

// PublishSummary публикует итог прогона (retained).
func (c *MQTTClient) PublishSummary(outcomes []runner.Outcome) error {
	data, err := json.Marshal(struct {
		Verdict runner.Verdict `json:"verdict"`
		Steps   int            `json:"steps"`
	}{runner.Summary(outcomes), len(outcomes)})
	if err != nil {
		return err
	}
	return c.publishRetained(c.config.Topic+"/summary", data)
}

func (c *MQTTClient) publish(topic string, qos byte, data []byte) error {
	if c.client == nil || !c.client.IsConnected() {
		return ErrNotConnected
	}
	token := c.client.Publish(topic, qos, false, data)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("ошибка отправки в MQTT: %w", token.Error())
	}
	return nil
}

func (c *MQTTClient) publishRetained(topic string, data []byte) error {
	if c.client == nil || !c.client.IsConnected() {
		return ErrNotConnected
	}
	token := c.client.Publish(topic, 1, true, data)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("ошибка отправки в MQTT: %w", token.Error())
	}
	return nil
}

// subscribeToCommands подписывается на топик команд от сервера.
func (c *MQTTClient) subscribeToCommands() {
	commandTopic := c.config.CommandTopic
	if commandTopic == "" {
		log.Println("Топик для команд не указан, подписка не будет выполнена.")
		return
	}

	token := c.client.Subscribe(commandTopic, 1, c.handleIncomingCommand)
	go func() {
		<-token.Done()
		if token.Error() != nil {
			log.Printf("Ошибка подписки на топик команд %s: %v", commandTopic, token.Error())
		} else {
			log.Printf("Успешно подписан на топик команд: %s", commandTopic)
		}
	}()
}

// handleIncomingCommand обрабатывает входящие сообщения из топика команд.
func (c *MQTTClient) handleIncomingCommand(_ mqtt.Client, msg mqtt.Message) {
	ack, ok := c.dispatch(msg.Topic(), msg.Payload())
	if !ok {
		return
	}
	data, err := json.Marshal(ack)
	if err != nil {
		log.Printf("Ошибка сериализации подтверждения команды: %v", err)
		return
	}
	if err := c.publish(c.config.AckTopic, 1, data); err != nil {
		log.Printf("Подтверждение команды %s не отправлено: %v", ack.CommandID, err)
	}
}

// dispatch разбирает команду и передает ее обработчику.
// ok=false, если команда не разобрана и подтверждать нечего.
func (c *MQTTClient) dispatch(topic string, payload []byte) (common.CommandAck, bool) {
	log.Printf("Получена команда из топика %s: %s", topic, string(payload))

	var cmd common.ServerCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		log.Printf("Ошибка десериализации команды: %v. Сообщение: %s", err, string(payload))
		return common.CommandAck{}, false
	}

	ack := common.CommandAck{CommandID: cmd.ID, Success: true}
	switch {
	case c.commandHandler == nil:
		log.Println("Обработчик команд не настроен.")
		ack.Success = false
		ack.Message = "обработчик команд не настроен"
	default:
		if err := c.commandHandler(cmd); err != nil {
			log.Printf("Ошибка обработки команды %s: %v", cmd.Type, err)
			ack.Success = false
			ack.Message = err.Error()
		}
	}
	return ack, true
}
