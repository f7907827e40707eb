package config

import "time"

const (
	QueueMemory   = "memory"
	QueueAMQP     = "amqp"
	QueuePubSub   = "pubsub"
	QueuePostgres = "postgres"
	QueueMongo    = "mongo"
)

// QueueSettings selects and configures the queue between listener and sender.
type QueueSettings struct {
	Type           string        `mapstructure:"type" validate:"required,oneof=memory amqp pubsub postgres mongo"`
	MaxSize        int           `mapstructure:"max_size" validate:"gte=0,required_if=Type memory"`
	URL            string        `mapstructure:"url" validate:"required_if=Type amqp"`
	Name           string        `mapstructure:"name" validate:"required_unless=Type memory"`
	ProjectID      string        `mapstructure:"project_id" validate:"required_if=Type pubsub"`
	Subscription   string        `mapstructure:"subscription"`
	DSN            string        `mapstructure:"dsn" validate:"required_if=Type postgres"`
	URI            string        `mapstructure:"uri" validate:"required_if=Type mongo"`
	Database       string        `mapstructure:"database" validate:"required_if=Type mongo"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	LockExpiration time.Duration `mapstructure:"lock_expiration"`
}

// Durable reports whether queued messages survive a process restart.
func (q QueueSettings) Durable() bool {
	return q.Type != QueueMemory
}
