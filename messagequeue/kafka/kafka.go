// Package kafka 封装 kafka-go 生产者，发送时注入 OpenTelemetry 上下文.
package kafka

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/wyfcoding/fixengine/config"
	"github.com/wyfcoding/fixengine/logging"
	"github.com/wyfcoding/fixengine/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Writer 是 kafkago.Writer 的最小接口.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type Producer struct {
	writer   Writer
	topic    string
	logger   *logging.Logger
	produced *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewProducer 根据配置创建生产者. m 可为 nil.
func NewProducer(cfg config.KafkaConfig, logger *logging.Logger, m *metrics.Metrics) *Producer {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	acks := kafkago.RequireAll
	if cfg.RequiredAcks != 0 {
		acks = kafkago.RequiredAcks(cfg.RequiredAcks)
	}

	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafkago.Hash{},
		WriteTimeout: cfg.WriteTimeout,
		BatchTimeout: cfg.BatchTimeout,
		MaxAttempts:  maxAttempts,
		RequiredAcks: acks,
		Async:        cfg.Async,
	}
	return NewProducerWithWriter(w, cfg.Topic, logger, m)
}

// NewProducerWithWriter 使用已有的 Writer 创建生产者.
func NewProducerWithWriter(w Writer, topic string, logger *logging.Logger, m *metrics.Metrics) *Producer {
	p := &Producer{writer: w, topic: topic, logger: logger}
	if m != nil {
		p.produced = m.NewCounterVec(prometheus.CounterOpts{
			Name: "mq_produced_total",
			Help: "消息生产总数",
		}, []string{"topic", "status"})
		p.duration = m.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mq_operation_duration_seconds",
			Help:    "MQ操作耗时",
			Buckets: prometheus.DefBuckets,
		}, []string{"topic", "operation"})
	}
	return p
}

// Publish 发送一条消息，同一 key 的消息进入同一分区.
func (p *Producer) Publish(ctx context.Context, key, value []byte, headers ...kafkago.Header) error {
	start := time.Now()
	tracer := otel.Tracer("kafka-producer")
	ctx, span := tracer.Start(ctx, "Kafka.Publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	for k, v := range carrier {
		headers = append(headers, kafkago.Header{Key: k, Value: []byte(v)})
	}

	msg := kafkago.Message{
		Key:     key,
		Value:   value,
		Headers: headers,
		Time:    start,
	}

	err := p.writer.WriteMessages(ctx, msg)
	if p.duration != nil {
		p.duration.WithLabelValues(p.topic, "publish").Observe(time.Since(start).Seconds())
	}

	status := "success"
	if err != nil {
		status = "failed"
		span.SetStatus(codes.Error, err.Error())
		p.logger.ErrorContext(ctx, "failed to publish message", "topic", p.topic, "error", err)
	}
	if p.produced != nil {
		p.produced.WithLabelValues(p.topic, status).Inc()
	}
	return err
}

func (p *Producer) Close() error {
	if err := p.writer.Close(); err != nil {
		p.logger.Error("failed to close writer", "error", err)
		return err
	}
	return nil
}
