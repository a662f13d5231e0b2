package config

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/joho/godotenv"
	"google.golang.org/api/option"
)

// NotificationMessage is the payload published to the notification topic
// after a lifecycle transition commits. Delivery is best-effort; the in-app
// notification row is the durable record.
type NotificationMessage struct {
	NotificationId int       `json:"notification_id"`
	UserId         int       `json:"user_id"`
	BatchId        int       `json:"batch_id"`
	Type           string    `json:"type"`
	Message        string    `json:"message"`
	CreatedAt      time.Time `json:"created_at"`
	CorrelationId  string    `json:"correlation_id"`
}

var (
	pubsubClient   *pubsub.Client
	pubsubClientMu sync.Mutex
)

func init() {
	godotenv.Load()
}

func getPubSubProjectID() string {
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		return v
	}
	if v := os.Getenv("GOOGLE_CLOUD_PROJECT"); v != "" {
		return v
	}
	if v := os.Getenv("GCP_PROJECT"); v != "" {
		return v
	}
	return ""
}

func getPubSubClient(ctx context.Context) (*pubsub.Client, error) {
	pubsubClientMu.Lock()
	defer pubsubClientMu.Unlock()
	if pubsubClient != nil {
		return pubsubClient, nil
	}

	projectID := getPubSubProjectID()
	if projectID == "" {
		return nil, errors.New("pubsub project id is not configured")
	}

	var opts []option.ClientOption
	if credsFile := os.Getenv("PUBSUB_CREDENTIALS_FILE"); credsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credsFile))
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, err
	}
	pubsubClient = client
	return pubsubClient, nil
}

// PublishNotification publishes one notification message to the configured
// topic. Callers run this post-commit; errors are logged by the caller and
// never abort the transition that produced the notification.
func PublishNotification(ctx context.Context, msg NotificationMessage) error {
	topicID := os.Getenv("NOTIFICATION_TOPIC")
	if topicID == "" {
		// Not configured: in-app notifications only.
		return nil
	}

	client, err := getPubSubClient(ctx)
	if err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	topic := client.Topic(topicID)
	result := topic.Publish(ctx, &pubsub.Message{Data: data})
	if _, err := result.Get(ctx); err != nil {
		return err
	}
	return nil
}

// ClosePubSub releases the shared client on shutdown.
func ClosePubSub() {
	pubsubClientMu.Lock()
	defer pubsubClientMu.Unlock()
	if pubsubClient != nil {
		if err := pubsubClient.Close(); err != nil {
			log.Printf("failed to close pubsub client: %v", err)
		}
		pubsubClient = nil
	}
}
