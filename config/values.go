package config

import "time"

const (
	// DefaultSaveFrequency persists a checkpoint after every applied batch.
	DefaultSaveFrequency = 1
	// DefaultBatchSize is the number of oplog entries buffered before a flush.
	DefaultBatchSize = 1000
	// DefaultFlushInterval flushes a partially filled oplog buffer.
	DefaultFlushInterval = 5 * time.Second
	// DefaultGapInterval is the period of the replication lag report.
	DefaultGapInterval = 5 * time.Second

	// DefaultParallelCollections is the number of collections copied at once.
	DefaultParallelCollections = 4
	// DefaultIDBatchSize is the cursor batch size of the _id-only scan.
	DefaultIDBatchSize = 5000
	// DefaultDocumentBatchSize is the number of documents fetched and inserted at once.
	DefaultDocumentBatchSize = 1000

	DefaultLogLevel = "info"

	// DefaultMongoDBOperationTimeout bounds a single client operation.
	DefaultMongoDBOperationTimeout = 5 * time.Minute

	// DisconnectTimeout bounds client disconnects on shutdown.
	DisconnectTimeout = 10 * time.Second
	// ShutdownTimeout bounds the final checkpoint flush and HTTP shutdown.
	ShutdownTimeout = 30 * time.Second

	// MinServerPort is the lowest allowed HTTP port. Port 0 disables the HTTP server.
	MinServerPort = 1025
	MaxServerPort = 65535
)
