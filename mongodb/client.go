// Package mongodb provides the MongoDB-backed device identity storage and
// the shared client bootstrap.
package mongodb

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
)

// DeviceIdentitiesCollection holds one document per deployment profile.
const DeviceIdentitiesCollection = "device_identities"

var (
	clientInstance *mongo.Client
	clientOnce     sync.Once
	dbInstance     *mongo.Database
)

// InitMongoDB initializes the shared client and database instances. Call
// once at startup.
func InitMongoDB(ctx context.Context, uri, dbName string) error {
	var err error
	clientOnce.Do(func() {
		log.Info().Str("db", dbName).Msg("initializing MongoDB client")

		clientOptions := options.Client().
			ApplyURI(uri).
			SetConnectTimeout(10 * time.Second).
			SetMonitor(otelmongo.NewMonitor())

		client, connErr := mongo.Connect(ctx, clientOptions)
		if connErr != nil {
			err = connErr
			return
		}
		if pingErr := client.Ping(ctx, readpref.Primary()); pingErr != nil {
			err = pingErr
			return
		}

		clientInstance = client
		dbInstance = client.Database(dbName)
	})
	if err != nil {
		return err
	}
	if dbInstance == nil {
		return errors.New("mongodb: client not initialized")
	}
	return nil
}

// GetDB returns the initialized database handle.
func GetDB() *mongo.Database {
	return dbInstance
}

// Disconnect closes the shared client.
func Disconnect(ctx context.Context) error {
	if clientInstance == nil {
		return nil
	}
	return clientInstance.Disconnect(ctx)
}
