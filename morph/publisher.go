package morph

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// AlignmentUpdate is the per-specimen message published after an alignment run
type AlignmentUpdate struct {
	SpecimenID string     `json:"specimenId"`
	RunID      string     `json:"runId"`
	Transform  Transform  `json:"transform"`
	Scale      float64    `json:"scale"`
	RMSE       float64    `json:"rmse"`
	Landmarks  []Landmark `json:"landmarks,omitempty"`
	Timestamp  int64      `json:"timestamp"`
}

// Publisher manages publishing alignment results to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	updates       map[string]*AlignmentUpdate
	mu            sync.RWMutex
}

// NewPublisher creates a new alignment publisher
// If client is nil, publishing is disabled (for testing)
func NewPublisher(client mqtt.Client) *Publisher {
	prefix := os.Getenv("MQTT_PUBLISH_PREFIX")
	if prefix == "" {
		prefix = "morphalign"
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,    // QoS 0 for alignment updates (fire and forget)
		retain:        true, // Retain for latest alignment
		updates:       make(map[string]*AlignmentUpdate),
	}
}

// PublishAlignment publishes a single specimen's alignment to MQTT
// Publishes to both individual topic and combined alignment topic
func (p *Publisher) PublishAlignment(specimenID string, run *AlignmentData, landmarks []Landmark) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	sa, ok := run.Specimens[specimenID]
	if !ok {
		return fmt.Errorf("specimen %q not present in alignment run", specimenID)
	}

	update := &AlignmentUpdate{
		SpecimenID: specimenID,
		RunID:      run.RunID,
		Transform:  sa.Transform,
		Scale:      sa.Scale,
		RMSE:       sa.RMSE,
		Landmarks:  run.TransformLandmarks(specimenID, landmarks),
		Timestamp:  time.Now().Unix(),
	}

	// Store update for combined message
	p.mu.Lock()
	p.updates[specimenID] = update
	p.mu.Unlock()

	// Publish to individual topic: morphalign/{specimenID}
	if err := p.publishIndividual(update); err != nil {
		log.Printf("Error publishing alignment for %s: %v", specimenID, err)
		return err
	}

	// Publish to combined topic: morphalign/alignment
	if err := p.publishCombined(); err != nil {
		log.Printf("Error publishing combined alignment: %v", err)
		return err
	}

	return nil
}

// publishIndividual publishes a single specimen alignment to its individual topic
func (p *Publisher) publishIndividual(update *AlignmentUpdate) error {
	topic := fmt.Sprintf("%s/%s", p.publishPrefix, update.SpecimenID)

	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshaling alignment update: %w", err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	log.Printf("Published alignment for %s: scale=%.4f rmse=%.4f",
		update.SpecimenID, update.Scale, update.RMSE)
	return nil
}

// publishCombined publishes all specimen alignments to the combined topic
func (p *Publisher) publishCombined() error {
	p.mu.RLock()
	updates := make([]*AlignmentUpdate, 0, len(p.updates))
	for _, u := range p.updates {
		updates = append(updates, u)
	}
	p.mu.RUnlock()

	if len(updates) == 0 {
		return nil
	}

	topic := fmt.Sprintf("%s/alignment", p.publishPrefix)

	// Create combined message
	message := map[string]interface{}{
		"specimens": updates,
		"timestamp": time.Now().Unix(),
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshaling combined alignment: %w", err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	return nil
}

// PublishMeanShape publishes the consensus mean shape from an alignment run
func (p *Publisher) PublishMeanShape(run *AlignmentData) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	if len(run.MeanShape) == 0 {
		return nil
	}

	topic := fmt.Sprintf("%s/mean-shape", p.publishPrefix)

	message := map[string]interface{}{
		"runId":      run.RunID,
		"landmarks":  run.MeanShape,
		"iterations": run.Iterations,
		"converged":  run.Converged,
		"timestamp":  time.Now().Unix(),
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshaling mean shape: %w", err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	return nil
}

// GetUpdate returns the last published alignment update for a specimen
func (p *Publisher) GetUpdate(specimenID string) (*AlignmentUpdate, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	u, ok := p.updates[specimenID]
	return u, ok
}

// GetAllUpdates returns all published alignment updates
func (p *Publisher) GetAllUpdates() map[string]*AlignmentUpdate {
	p.mu.RLock()
	defer p.mu.RUnlock()

	// Return a copy to avoid race conditions
	updates := make(map[string]*AlignmentUpdate, len(p.updates))
	for id, u := range p.updates {
		uCopy := *u
		updates[id] = &uCopy
	}
	return updates
}

// ClearUpdate removes a specimen's update (e.g., when removed from config)
func (p *Publisher) ClearUpdate(specimenID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.updates, specimenID)
}

// SetPrefix overrides the publish topic prefix (used when config carries one)
func (p *Publisher) SetPrefix(prefix string) {
	if prefix != "" {
		p.publishPrefix = prefix
	}
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
