package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSender публикует уведомления в топик с номером заказа в качестве ключа, чтобы события одного заказа шли по порядку.
type KafkaSender struct {
	writer messageWriter
}

func NewKafkaSender(brokersCSV, topic string) (*KafkaSender, error) {
	brokers := ParseBrokers(brokersCSV)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("notify: no kafka brokers in %q", brokersCSV)
	}
	return &KafkaSender{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}}, nil
}

func (s *KafkaSender) Send(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: failed to encode event: %w", err)
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.OrderNumber),
		Value: data,
		Time:  time.Now().UTC(),
	})
}

func (s *KafkaSender) Close() error {
	return s.writer.Close()
}

// ParseBrokers разбирает список брокеров через запятую, пустые элементы пропускаются
func ParseBrokers(csv string) []string {
	var brokers []string
	for _, b := range strings.Split(csv, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
