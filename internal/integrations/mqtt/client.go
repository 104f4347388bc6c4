package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	"facecluster-go/config"
	"facecluster-go/internal/core/models"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

// Client veröffentlicht Pipeline-Ereignisse an einen MQTT-Broker, damit
// nachgelagerte Systeme (Benachrichtigungen, Automatisierung) auf
// abgeschlossene Jobs reagieren können
type Client struct {
	config      config.MQTTConfig
	client      mqtt.Client
	isConnected bool
}

// JobEvent ist die Nutzlast eines Job-Ereignisses auf dem Event-Topic
type JobEvent struct {
	JobID        uint       `json:"job_id"`
	Type         string     `json:"type"`
	CollectionID uint       `json:"collection_id"`
	Status       string     `json:"status"`
	Error        string     `json:"error,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Result       any        `json:"result,omitempty"`
}

// NewClient erstellt einen neuen MQTT-Client
func NewClient(cfg config.MQTTConfig) *Client {
	return &Client{
		config: cfg,
	}
}

// Start verbindet den Client mit dem Broker. Ist MQTT deaktiviert, ist der
// Aufruf ein No-Op.
func (c *Client) Start() error {
	if !c.config.Enabled {
		log.Info("MQTT client is disabled in configuration")
		return nil
	}

	// MQTT-Client-Optionen konfigurieren
	opts := mqtt.NewClientOptions()

	// Broker-URL erstellen
	brokerURL := fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port)
	opts.AddBroker(brokerURL)

	// Client-ID
	opts.SetClientID(c.config.ClientID)

	// Optionale Authentifizierung
	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	// Connection-Callbacks konfigurieren
	opts.SetOnConnectHandler(c.onConnectHandler)
	opts.SetConnectionLostHandler(c.connectionLostHandler)

	// Automatische Wiederverbindung
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	// Client erstellen
	c.client = mqtt.NewClient(opts)

	// Verbindung herstellen
	log.Infof("Connecting to MQTT broker at %s", brokerURL)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		log.Errorf("Failed to connect to MQTT broker: %v", token.Error())
		return token.Error()
	}

	log.Info("MQTT client connected successfully")
	return nil
}

// Stop beendet den MQTT-Client
func (c *Client) Stop() {
	if c.client != nil && c.client.IsConnected() {
		log.Info("Disconnecting MQTT client...")
		c.client.Disconnect(250) // 250ms Wartezeit
		c.isConnected = false
		log.Info("MQTT client disconnected")
	}
}

// IsConnected prüft, ob der Client verbunden ist
func (c *Client) IsConnected() bool {
	return c.client != nil && c.client.IsConnected()
}

// onConnectHandler wird aufgerufen, wenn die Verbindung hergestellt wurde
func (c *Client) onConnectHandler(client mqtt.Client) {
	log.Infof("Connected to MQTT broker at %s:%d", c.config.Broker, c.config.Port)
	c.isConnected = true
}

// connectionLostHandler wird aufgerufen, wenn die Verbindung verloren geht
func (c *Client) connectionLostHandler(client mqtt.Client, err error) {
	log.Errorf("MQTT connection lost: %v", err)
	c.isConnected = false
}

// NotifyJobUpdate veröffentlicht Statusübergänge eines Jobs auf dem
// Event-Topic. Reine Fortschritts-Ticks werden übersprungen, um den Broker
// nicht zu fluten. Implementiert die Notifier-Schnittstelle der Pipeline.
func (c *Client) NotifyJobUpdate(job *models.Job) {
	if !c.IsConnected() {
		return
	}
	if !job.IsTerminal() && job.Progress > 0 {
		return
	}

	event := JobEvent{
		JobID:        job.ID,
		Type:         job.Type,
		CollectionID: job.CollectionID,
		Status:       job.Status,
		Error:        job.ErrorMessage,
		FinishedAt:   job.FinishedAt,
	}
	if len(job.Result) > 0 {
		var result any
		if err := json.Unmarshal(job.Result, &result); err == nil {
			event.Result = result
		}
	}

	topic := fmt.Sprintf("%s/jobs/%d", c.config.Topic, job.ID)
	if err := c.Publish(topic, event); err != nil {
		log.Errorf("Failed to publish job event for job %d: %v", job.ID, err)
	}
}

// PublishMessage veröffentlicht eine Nachricht an ein MQTT-Topic
func (c *Client) PublishMessage(topic string, payload interface{}, retain bool) error {
	if !c.IsConnected() {
		return fmt.Errorf("MQTT client is not connected")
	}

	var payloadBytes []byte
	var err error

	// Konvertiere die Payload in JSON, wenn es sich um ein Objekt handelt
	switch p := payload.(type) {
	case string:
		payloadBytes = []byte(p)
	case []byte:
		payloadBytes = p
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, bool:
		payloadBytes = []byte(fmt.Sprintf("%v", p))
	default:
		// Versuche, das Objekt in JSON zu konvertieren
		payloadBytes, err = json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal payload to JSON: %w", err)
		}
	}

	token := c.client.Publish(topic, 1, retain, payloadBytes)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish message to topic %s: %w", topic, token.Error())
	}

	log.Debugf("Published message to topic: %s", topic)
	return nil
}

// PublishRetain veröffentlicht eine Nachricht mit dem Retain-Flag
func (c *Client) PublishRetain(topic string, payload interface{}) error {
	return c.PublishMessage(topic, payload, true)
}

// Publish veröffentlicht eine Nachricht ohne Retain-Flag
func (c *Client) Publish(topic string, payload interface{}) error {
	return c.PublishMessage(topic, payload, false)
}
