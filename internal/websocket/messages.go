package websocket

import (
	"time"

	"riskguard/internal/risk"
)

// MessageType определяет тип WebSocket сообщения
type MessageType string

// Типы WebSocket сообщений
const (
	// MessageTypeRecord - новая запись журнала действий,
	// отправляется после каждого исполненного плана
	MessageTypeRecord MessageType = "record"

	// MessageTypeStatus - смена состояния контрольного цикла политики
	MessageTypeStatus MessageType = "status"
)

// Типизированные сообщения вместо map[string]interface{}:
// известные типы сериализуются без рефлексии

// RecordMessage - сообщение с записью журнала
type RecordMessage struct {
	Type MessageType       `json:"type"`
	Data risk.LedgerRecord `json:"data"`
}

// StatusMessage - сообщение о состоянии цикла политики
type StatusMessage struct {
	Type      MessageType `json:"type"`
	Policy    string      `json:"policy"`
	State     string      `json:"state"`
	Timestamp time.Time   `json:"timestamp"`
}
