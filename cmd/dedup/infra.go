package main

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/matvik19/duplicate-contacts/config"
	"github.com/matvik19/duplicate-contacts/internal/database"
	"github.com/matvik19/duplicate-contacts/pkg/broker"
	"github.com/matvik19/duplicate-contacts/pkg/kafka"
	"github.com/matvik19/duplicate-contacts/pkg/redis"
	"github.com/matvik19/duplicate-contacts/pkg/startup"
)

const (
	depPostgres   = "postgres"
	depMigrations = "migrations"
	depRedis      = "redis"
	depRabbitMQ   = "rabbitmq"
	depKafka      = "kafka"
)

func poolConfig(cfg config.Config) database.PoolConfig {
	return database.PoolConfig{
		MaxOpenConns:    cfg.DatabaseMaxOpenConns,
		MaxIdleConns:    cfg.DatabaseMaxIdleConns,
		ConnMaxLifetime: cfg.DatabaseConnMaxLifetime,
	}
}

func migrationConfig(cfg config.Config) *database.MigrationConfig {
	return &database.MigrationConfig{
		MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
		DatabaseName:        cfg.DatabaseName,
		Version:             uint(cfg.DatabaseMigrationVersion),
		Force:               cfg.DatabaseMigrationForce,
		AutoRollback:        cfg.DatabaseMigrationAutoRollback,
	}
}

// infrastructure owns the long-lived clients. Fields are set as their startup
// dependency comes up.
type infrastructure struct {
	db       database.DB
	redis    *redis.Client
	rabbit   *broker.Connection
	producer *kafka.Producer
}

// dependencies returns the startup graph and the names to start, in order.
func (in *infrastructure) dependencies(cfg config.Config, logger ectologger.Logger) ([]startup.Dependency, []string) {
	deps := []startup.Dependency{
		&startup.Component{
			Name: depPostgres,
			StartFn: func(ctx context.Context) error {
				db, err := database.Open(ctx, cfg.DatabaseDSN(), poolConfig(cfg), logger)
				if err != nil {
					return err
				}
				in.db = db
				return nil
			},
			StopFn: func(context.Context) error {
				return in.db.Close()
			},
		},
		&startup.Component{
			Name:     depMigrations,
			Requires: []string{depPostgres},
			StartFn: func(context.Context) error {
				return database.NewMigrationService(logger, migrationConfig(cfg)).Migrate(in.db.SQL())
			},
		},
		&startup.Component{
			Name: depRedis,
			StartFn: func(ctx context.Context) error {
				client, err := redis.NewClient(ctx, redis.Config{
					Host:     cfg.RedisHost,
					Port:     cfg.RedisPort,
					Password: cfg.RedisPassword,
					DB:       cfg.RedisDB,
				}, logger)
				if err != nil {
					return err
				}
				in.redis = client
				return nil
			},
			StopFn: func(context.Context) error {
				return in.redis.Close()
			},
		},
		&startup.Component{
			Name: depRabbitMQ,
			StartFn: func(ctx context.Context) error {
				conn := broker.NewConnection(cfg.RabbitURL(), cfg.AppName, logger)
				if err := conn.Connect(ctx); err != nil {
					return err
				}
				in.rabbit = conn
				return nil
			},
			StopFn: func(context.Context) error {
				return in.rabbit.Close()
			},
		},
	}
	order := []string{depMigrations, depRedis, depRabbitMQ}

	if cfg.KafkaEventsEnabled {
		deps = append(deps, &startup.Component{
			Name: depKafka,
			StartFn: func(context.Context) error {
				in.producer = kafka.NewProducer(kafka.ProducerConfig{
					Brokers:      cfg.KafkaBrokers,
					Topic:        cfg.KafkaMergeEventsTopic,
					BatchTimeout: time.Duration(cfg.KafkaBatchTimeoutMs) * time.Millisecond,
					RequiredAcks: cfg.KafkaRequiredAcks,
					Compression:  cfg.KafkaCompression,
				}, logger)
				return nil
			},
			StopFn: func(context.Context) error {
				return in.producer.Close()
			},
		})
		order = append(order, depKafka)
	}

	return deps, order
}
