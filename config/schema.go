package config

import (
	"time"

	"github.com/percona/migrate-mongo/sel"
)

// Config holds the migrator configuration. Keys match the JSON configuration file.
type Config struct {
	Source     string `json:"sourceCluster" mapstructure:"sourceCluster" validate:"required,mongouri"`
	Target     string `json:"targetCluster" mapstructure:"targetCluster" validate:"required,mongouri"`
	OplogStore string `json:"oplogStore"    mapstructure:"oplogStore"    validate:"required,mongouri"`

	DropTarget   bool `json:"dropTarget"   mapstructure:"dropTarget"`
	OplogOnly    bool `json:"oplogOnly"    mapstructure:"oplogOnly"`
	Changestream bool `json:"changestream" mapstructure:"changestream"`

	BlackList []sel.ResourceFilter `json:"blackListFilter" mapstructure:"blackListFilter" validate:"dive"`
	WhiteList []sel.ResourceFilter `json:"whiteListFilter" mapstructure:"whiteListFilter" validate:"dive"`

	// Renames maps source namespaces to target namespaces.
	Renames map[string]string `json:"renameNamespaces" mapstructure:"-" validate:"dive,keys,namespace,endkeys,namespace"` //nolint:lll

	// ReaderName keys the checkpoints. Defaults to the source hosts.
	ReaderName    string `json:"readerName"    mapstructure:"readerName"`
	SaveFrequency int    `json:"saveFrequency" mapstructure:"saveFrequency" validate:"gte=1"`

	// Port of the HTTP status server. 0 disables it.
	Port int `json:"port" mapstructure:"port" validate:"omitempty,gte=1025,lte=65535"`

	Log LogConfig `mapstructure:",squash"`

	MongoDB MongoDBConfig `mapstructure:",squash"`

	Clone CloneConfig `mapstructure:",squash"`

	Oplog OplogConfig `mapstructure:",squash"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level   string `json:"logLevel"   mapstructure:"logLevel"   validate:"omitempty,oneof=trace debug info warn error"` //nolint:lll
	JSON    bool   `json:"logJSON"    mapstructure:"logJSON"`
	NoColor bool   `json:"logNoColor" mapstructure:"logNoColor"`
}

// MongoDBConfig holds MongoDB client configuration.
type MongoDBConfig struct {
	OperationTimeout time.Duration `json:"operationTimeout" mapstructure:"operationTimeout" validate:"gte=0"`
}

// CloneConfig holds initial sync configuration.
type CloneConfig struct {
	// ParallelCollections is the number of collections copied in parallel.
	ParallelCollections int `json:"parallelCollections" mapstructure:"parallelCollections" validate:"gte=1"`
	// IDBatchSize is the cursor batch size of the _id scan.
	IDBatchSize int `json:"idBatchSize" mapstructure:"idBatchSize" validate:"gte=1"`
	// DocumentBatchSize is the number of documents per inserted batch.
	DocumentBatchSize int `json:"documentBatchSize" mapstructure:"documentBatchSize" validate:"gte=1"`
}

// OplogConfig holds log replication configuration.
type OplogConfig struct {
	// BatchSize is the number of entries buffered before the writer is called.
	BatchSize int `json:"batchSize" mapstructure:"batchSize" validate:"gte=1"`
	// FlushInterval flushes a non-empty buffer that did not fill up.
	FlushInterval time.Duration `json:"flushInterval" mapstructure:"flushInterval" validate:"gt=0"`
	// GapInterval is the period of the lag report.
	GapInterval time.Duration `json:"gapInterval" mapstructure:"gapInterval" validate:"gt=0"`
}
