package fixlog

import (
	"context"
	"encoding/json"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/wyfcoding/fixengine/connectivity/fix"
)

// Publisher 是 kafka.Producer 的发送接口.
type Publisher interface {
	Publish(ctx context.Context, key, value []byte, headers ...kafkago.Header) error
}

// Record 是写入 Kafka 的一条审计记录.
type Record struct {
	Time      time.Time `json:"time"`
	Session   string    `json:"session"`
	Direction string    `json:"direction"`
	Raw       string    `json:"raw,omitempty"`
	Text      string    `json:"text,omitempty"`
}

const (
	DirectionIncoming = "in"
	DirectionOutgoing = "out"
	DirectionEvent    = "event"
)

// KafkaLog 以会话为 key 把报文与事件发布到 Kafka，同一会话的记录保持分区内有序.
type KafkaLog struct {
	publisher Publisher
	session   string
	key       []byte
	now       func() time.Time
}

func NewKafkaLog(p Publisher, id fix.SessionID) *KafkaLog {
	key := id.String()
	return &KafkaLog{publisher: p, session: key, key: []byte(key), now: time.Now}
}

func (l *KafkaLog) OnIncoming(raw []byte) {
	l.publish(Record{Direction: DirectionIncoming, Raw: string(raw)})
}

func (l *KafkaLog) OnOutgoing(raw []byte) {
	l.publish(Record{Direction: DirectionOutgoing, Raw: string(raw)})
}

func (l *KafkaLog) OnEvent(text string) {
	l.publish(Record{Direction: DirectionEvent, Text: text})
}

// publish 的失败由 Producer 记录，不影响会话.
func (l *KafkaLog) publish(r Record) {
	r.Time = l.now().UTC()
	r.Session = l.session
	value, err := json.Marshal(r)
	if err != nil {
		return
	}
	_ = l.publisher.Publish(context.Background(), l.key, value,
		kafkago.Header{Key: "direction", Value: []byte(r.Direction)})
}

// KafkaLogFactory 让所有会话共享一个 Publisher.
type KafkaLogFactory struct {
	Publisher Publisher
}

func (f KafkaLogFactory) Create(id fix.SessionID) (fix.Log, error) {
	return NewKafkaLog(f.Publisher, id), nil
}
