package database

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

const (
	OrdersCollection        = "binary_orders"
	BalancesCollection      = "balances"
	LedgerEntriesCollection = "ledger_entries"
	SymbolsCollection       = "symbols"
)

type Database struct {
	Client   *mongo.Client
	Database *mongo.Database
	logger   *logrus.Logger
}

type Config struct {
	URI                    string
	Database               string
	MaxPoolSize            uint64
	MinPoolSize            uint64
	MaxConnIdleTime        time.Duration
	ConnectionTimeout      time.Duration
	ServerSelectionTimeout time.Duration
}

func NewConnection(cfg *Config, logger *logrus.Logger) (*Database, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectionTimeout)
	defer cancel()

	clientOptions := options.Client().ApplyURI(cfg.URI)
	clientOptions.SetMaxPoolSize(cfg.MaxPoolSize)
	clientOptions.SetMinPoolSize(cfg.MinPoolSize)
	clientOptions.SetMaxConnIdleTime(cfg.MaxConnIdleTime)
	clientOptions.SetServerSelectionTimeout(cfg.ServerSelectionTimeout)
	clientOptions.SetRegistry(NewRegistry())

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := &Database{
		Client:   client,
		Database: client.Database(cfg.Database),
		logger:   logger,
	}

	if err := db.CreateIndexes(); err != nil {
		logger.Warnf("Failed to create indexes: %v", err)
	}

	logger.Infof("Connected to MongoDB database: %s", cfg.Database)
	return db, nil
}

func (d *Database) CreateIndexes() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	indexes := map[string][]mongo.IndexModel{
		OrdersCollection: {
			{
				Keys:    bson.D{{Key: "status", Value: 1}, {Key: "expires_at", Value: 1}},
				Options: options.Index().SetName("status_expires_idx"),
			},
			{
				Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
				Options: options.Index().SetName("user_created_idx"),
			},
			{
				Keys:    bson.D{{Key: "order_number", Value: 1}},
				Options: options.Index().SetUnique(true).SetName("order_number_unique_idx"),
			},
		},
		LedgerEntriesCollection: {
			{
				Keys:    bson.D{{Key: "order_id", Value: 1}, {Key: "kind", Value: 1}},
				Options: options.Index().SetUnique(true).SetName("order_kind_unique_idx"),
			},
			{
				Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
				Options: options.Index().SetName("user_created_idx"),
			},
		},
		SymbolsCollection: {
			{
				Keys:    bson.D{{Key: "enabled", Value: 1}},
				Options: options.Index().SetName("enabled_idx"),
			},
		},
	}

	for collection, models := range indexes {
		if _, err := d.Database.Collection(collection).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", collection, err)
		}
	}

	d.logger.Info("MongoDB indexes created successfully")
	return nil
}

func (d *Database) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := d.Client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect from MongoDB: %w", err)
	}

	d.logger.Info("Disconnected from MongoDB")
	return nil
}

func (d *Database) Ping(ctx context.Context) error {
	return d.Client.Ping(ctx, readpref.Primary())
}

func (d *Database) GetCollection(name string) *mongo.Collection {
	return d.Database.Collection(name)
}

// ExecuteTransaction runs fn inside a majority-committed transaction. The context
// handed to fn carries the session; every store call made with it joins the transaction.
func (d *Database) ExecuteTransaction(ctx context.Context, fn func(txCtx context.Context) error) error {
	session, err := d.Client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	txOptions := options.Transaction().
		SetWriteConcern(writeconcern.Majority()).
		SetReadPreference(readpref.Primary())

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	}, txOptions)
	if err != nil {
		return fmt.Errorf("transaction failed: %w", err)
	}

	return nil
}
