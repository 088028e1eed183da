package topo

import (
	"context"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.mongodb.org/mongo-driver/v2/x/mongo/driver/connstring"

	"github.com/percona/migrate-mongo/errors"
)

const (
	schemeMongoDB    = "mongodb://"
	schemeMongoDBSRV = "mongodb+srv://"

	// DefaultConnectTimeout bounds server selection and the initial ping.
	DefaultConnectTimeout = 30 * time.Second
)

// ConnectOptions tunes a client connection.
type ConnectOptions struct {
	AppName          string
	OperationTimeout time.Duration
	ReadPreference   *readpref.ReadPref
}

// NormalizeURI prefixes the connection string with "mongodb://" when it has no scheme.
func NormalizeURI(uri string) string {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return uri
	}

	if strings.HasPrefix(uri, schemeMongoDB) || strings.HasPrefix(uri, schemeMongoDBSRV) {
		return uri
	}

	return schemeMongoDB + uri
}

// Hosts returns the comma separated host list of the connection string.
func Hosts(uri string) string {
	cs, err := connstring.Parse(NormalizeURI(uri))
	if err != nil {
		return ""
	}

	return strings.Join(cs.Hosts, ",")
}

// Connect opens a client to uri and pings the primary.
func Connect(ctx context.Context, uri string, cfg ConnectOptions) (*mongo.Client, error) {
	uri = NormalizeURI(uri)
	if uri == "" {
		return nil, errors.New("empty connection string")
	}

	opts := options.Client().ApplyURI(uri).
		SetServerSelectionTimeout(DefaultConnectTimeout).
		SetConnectTimeout(DefaultConnectTimeout)

	if cfg.AppName != "" {
		opts.SetAppName(cfg.AppName)
	}

	if cfg.OperationTimeout > 0 {
		opts.SetTimeout(cfg.OperationTimeout)
	}

	if cfg.ReadPreference != nil {
		opts.SetReadPreference(cfg.ReadPreference)
	}

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, errors.Wrap(err, "connect")
	}

	err = client.Ping(ctx, readpref.PrimaryPreferred())
	if err != nil {
		_ = client.Disconnect(context.Background())

		return nil, errors.Wrap(err, "ping")
	}

	return client, nil
}

// Version returns the server version string reported by buildInfo.
func Version(ctx context.Context, m *mongo.Client) (string, error) {
	raw, err := m.Database("admin").RunCommand(ctx, bson.D{{"buildInfo", 1}}).Raw()
	if err != nil {
		return "", errors.Wrap(err, "buildInfo")
	}

	v, ok := raw.Lookup("version").StringValueOK()
	if !ok {
		return "", errors.New("buildInfo: missing version")
	}

	return v, nil
}
