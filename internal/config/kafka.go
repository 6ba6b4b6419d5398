package config

import (
	"streamkit/consumer"
)

// LoadKafkaConfig delegates to the consumer package's loader while
// centralizing loader entrypoints under internal/config.
func LoadKafkaConfig(path string) (consumer.Config, error) {
	return consumer.LoadConfig(path)
}
