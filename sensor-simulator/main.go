package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"kpiengine/models"
)

// Producer is the part of sarama.SyncProducer the simulator uses.
type Producer interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

// LineSimulator generates shop-floor events for one piece of equipment and
// publishes them to Kafka.
type LineSimulator struct {
	producer    Producer
	topic       string
	frequency   time.Duration
	equipmentID string
	lineID      string
	faultRate   float64
	rng         *rand.Rand
	logger      *zap.Logger

	// Simulated minutes of production per tick.
	plannedMinutes float64
	cycleMinutes   float64

	identified []string
	inProgress []string
	openRCAs   []string
}

// NewLineSimulator creates a new simulator instance
func NewLineSimulator(producer Producer, topic, equipmentID, lineID string, frequency time.Duration, logger *zap.Logger) *LineSimulator {
	return &LineSimulator{
		producer:       producer,
		topic:          topic,
		frequency:      frequency,
		equipmentID:    equipmentID,
		lineID:         lineID,
		faultRate:      0.05,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:         logger,
		plannedMinutes: 60,
		cycleMinutes:   0.15,
	}
}

func newProducer(brokers []string, clientID string) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.ClientID = clientID
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Producer.Retry.Backoff = 100 * time.Millisecond
	config.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}
	return producer, nil
}

// generate produces the events for one tick ending at now.
func (s *LineSimulator) generate(now time.Time) []models.RawEvent {
	var events []models.RawEvent
	add := func(p models.Payload) {
		body, _ := json.Marshal(p)
		events = append(events, models.RawEvent{
			Kind:        p.Kind(),
			EquipmentID: s.equipmentID,
			LineID:      s.lineID,
			OccurredAt:  now,
			Payload:     body,
		})
	}

	runTime := s.plannedMinutes

	// Simulate faults
	if s.rng.Float64() < s.faultRate {
		categories := []models.DowntimeCategory{
			models.DowntimeMechanical, models.DowntimeElectrical,
			models.DowntimeInstrumentation, models.DowntimeSetting,
		}
		category := categories[s.rng.Intn(len(categories))]
		duration := 5 + s.rng.Float64()*25
		runTime -= duration
		add(models.DowntimeEvent{
			Category:         category,
			DurationMinutes:  duration,
			Cause:            strings.ToLower(string(category)) + " fault",
			UnplannedFailure: category != models.DowntimeSetting,
		})
		if category != models.DowntimeSetting && s.rng.Float64() < 0.3 {
			rcaID := "rca-" + uuid.NewString()
			s.openRCAs = append(s.openRCAs, rcaID)
			add(models.RootCauseReport{
				RCAID:       rcaID,
				Action:      models.RCAActionOpen,
				LinkedIDs:   []string{"fault-" + uuid.NewString()},
				FailureCode: strings.ToUpper(string(category)[:4]) + "_001",
			})
		}
	}

	performance := 0.80 + s.rng.Float64()*0.18
	total := int64(runTime / s.cycleMinutes * performance)
	good := int64(float64(total) * (0.95 + s.rng.Float64()*0.045))
	add(models.ProductionRun{
		PlannedTime:    s.plannedMinutes,
		RunTime:        runTime,
		IdealCycleTime: s.cycleMinutes,
		TotalCount:     total,
		GoodCount:      good,
	})

	firstPass := good - int64(s.rng.Intn(3))
	if firstPass < 0 {
		firstPass = 0
	}
	var complaints int64
	if s.rng.Float64() < 0.02 {
		complaints = 1
	}
	add(models.QualityInspection{
		InspectedCount: total,
		FirstPassCount: firstPass,
		DefectCount:    total - good,
		ComplaintCount: complaints,
	})

	add(models.CostEntry{Category: models.CostPower, VariableAmount: runTime * (0.8 + s.rng.Float64()*0.4)})
	add(models.CostEntry{Category: models.CostLabor, FixedAmount: s.plannedMinutes * 0.75})

	s.advanceAbnormalities(add)

	if s.rng.Float64() < 0.02 {
		classes := models.AllKaizenClassifications
		add(models.KaizenReport{
			KaizenID:       "kz-" + uuid.NewString(),
			Action:         models.KaizenActionImplement,
			Classification: classes[s.rng.Intn(len(classes))],
			Site:           s.lineID,
		})
	}

	if s.rng.Float64() < 0.01 {
		add(models.SafetyIncident{Severity: models.SafetyNearMiss, Description: "near miss at " + s.equipmentID})
	}

	if s.rng.Float64() < 0.05 {
		score := func() float64 { return float64(55 + s.rng.Intn(46)) }
		add(models.FiveSAudit{
			Sort: score(), SetInOrder: score(), Shine: score(), Standardize: score(), Sustain: score(),
			Area: s.lineID,
		})
	}

	if len(s.openRCAs) > 0 && s.rng.Float64() < 0.1 {
		add(models.RootCauseReport{RCAID: s.openRCAs[0], Action: models.RCAActionClose, RootCause: "worn component"})
		s.openRCAs = s.openRCAs[1:]
	}

	return events
}

// advanceAbnormalities raises new abnormalities and moves open ones through
// identified, in progress and closed.
func (s *LineSimulator) advanceAbnormalities(add func(models.Payload)) {
	if len(s.inProgress) > 0 && s.rng.Float64() < 0.2 {
		add(models.AbnormalityReport{AbnormalityID: s.inProgress[0], Action: models.AbnormalityActionClose})
		s.inProgress = s.inProgress[1:]
	}
	if len(s.identified) > 0 && s.rng.Float64() < 0.3 {
		id := s.identified[0]
		add(models.AbnormalityReport{AbnormalityID: id, Action: models.AbnormalityActionStart})
		s.identified = s.identified[1:]
		s.inProgress = append(s.inProgress, id)
	}
	if s.rng.Float64() < 0.1 {
		categories := models.AllAbnormalityCategories
		id := "abn-" + uuid.NewString()
		add(models.AbnormalityReport{
			AbnormalityID: id,
			Action:        models.AbnormalityActionIdentify,
			Category:      categories[s.rng.Intn(len(categories))],
			SparesCost:    float64(s.rng.Intn(200)),
		})
		s.identified = append(s.identified, id)
	}
}

// publish sends one event to Kafka keyed by equipment so an equipment's
// events stay ordered within a partition.
func (s *LineSimulator) publish(event models.RawEvent) error {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	partition, offset, err := s.producer.SendMessage(&sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(event.EquipmentID),
		Value: sarama.ByteEncoder(eventJSON),
		Headers: []sarama.RecordHeader{
			{Key: []byte("kind"), Value: []byte(event.Kind)},
			{Key: []byte("equipment_id"), Value: []byte(event.EquipmentID)},
		},
	})
	if err != nil {
		return fmt.Errorf("delivery failed: %w", err)
	}

	s.logger.Debug("event delivered",
		zap.String("topic", s.topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
		zap.String("kind", string(event.Kind)))
	return nil
}

// tick generates and publishes one round of events.
func (s *LineSimulator) tick(now time.Time) int {
	sent := 0
	for _, event := range s.generate(now) {
		if err := s.publish(event); err != nil {
			s.logger.Warn("error publishing event", zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

// Run publishes events on every tick until ctx is cancelled.
func (s *LineSimulator) Run(ctx context.Context) {
	s.logger.Info("starting line simulator",
		zap.String("equipment_id", s.equipmentID),
		zap.String("line_id", s.lineID),
		zap.Duration("frequency", s.frequency))

	ticker := time.NewTicker(s.frequency)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			s.tick(now.UTC())
		case <-ctx.Done():
			s.logger.Info("shutting down line simulator")
			return
		}
	}
}

// Close gracefully shuts down the simulator
func (s *LineSimulator) Close() error {
	return s.producer.Close()
}

// getEnvOrDefault returns environment variable value or default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	brokers := strings.Split(getEnvOrDefault("KAFKA_BROKERS", "localhost:9092"), ",")
	topic := getEnvOrDefault("KAFKA_TOPIC", "plant.events")
	equipmentID := getEnvOrDefault("EQUIPMENT_ID", "press-1")
	lineID := getEnvOrDefault("LINE_ID", "line-a")

	frequency, err := cast.ToDurationE(getEnvOrDefault("SIMULATOR_FREQUENCY", "1s"))
	if err != nil {
		logger.Fatal("invalid simulator frequency", zap.Error(err))
	}

	logger.Info("configuration",
		zap.Strings("brokers", brokers),
		zap.String("topic", topic),
		zap.String("equipment_id", equipmentID),
		zap.Duration("frequency", frequency))

	producer, err := newProducer(brokers, "line-simulator-"+equipmentID)
	if err != nil {
		logger.Fatal("failed to create line simulator", zap.Error(err))
	}

	simulator := NewLineSimulator(producer, topic, equipmentID, lineID, frequency, logger)
	defer simulator.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	simulator.Run(ctx)
}
