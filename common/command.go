package common

// CommandType определяет тип команды от сервера.
type CommandType string

const (
	// CommandTypeAbort прерывает текущий прогон шагов.
	CommandTypeAbort CommandType = "abort"
	// CommandTypeClearOutcomes сбрасывает журнал результатов.
	CommandTypeClearOutcomes CommandType = "clear_outcomes"
)

// ServerCommand представляет команду, полученную от сервера через MQTT.
type ServerCommand struct {
	ID     string        `json:"id,omitempty"`
	Type   CommandType   `json:"type"`
	Params CommandParams `json:"params,omitempty"`
}

// CommandParams содержит параметры команд.
// Указатели позволяют опускать незаполненные поля в JSON.
type CommandParams struct {
	// Reason - причина прерывания, попадает в журнал.
	Reason *string `json:"reason,omitempty"`
}

// CommandAck представляет подтверждение выполнения команды.
type CommandAck struct {
	CommandID string `json:"command_id"` // Идентификатор исходной команды, если есть
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
}
