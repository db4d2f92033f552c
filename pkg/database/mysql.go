// Copyright 2025 Vesta Team
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package database

import (
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
	"gorm.io/plugin/dbresolver"

	"github.com/go-vesta/vesta/pkg/log"
)

// IDatabase defines the database surface the repo layer depends on.
type IDatabase interface {
	// Database returns the underlying *gorm.DB
	Database() *gorm.DB
}

// GormDB implements IDatabase on a gorm connection.
type GormDB struct {
	db *gorm.DB
}

// NewGormDB wraps db as an IDatabase.
func NewGormDB(db *gorm.DB) IDatabase {
	return &GormDB{db: db}
}

// Database returns the underlying *gorm.DB.
func (g *GormDB) Database() *gorm.DB {
	return g.db
}

// Database holds connection options for the relational store.
type Database struct {
	Type         string   `mapstructure:"type"`
	Host         string   `mapstructure:"host"`
	Port         string   `mapstructure:"port"`
	User         string   `mapstructure:"user"`
	Password     string   `mapstructure:"password"`
	DB           string   `mapstructure:"db"`
	Replicas     []string `mapstructure:"replicas"` // host:port of read replicas
	OutPut       bool     `mapstructure:"output"`   // log SQL statements
	MaxOpenConns int      `mapstructure:"maxOpenConns"`
	MaxIdleConns int      `mapstructure:"maxIdleConns"`
	MaxLifetime  int      `mapstructure:"maxLifeTime"`
	MaxIdleTime  int      `mapstructure:"maxIdleTime"`
}

const (
	defaultTablePrefix = "t_"
	defaultSlowSQL     = time.Second
)

func (cfg Database) dsn(hostPort string) string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		cfg.User, cfg.Password, hostPort, cfg.DB)
}

// NewDatabase opens the MySQL connection, registers read replicas when
// configured, and verifies the connection with a ping.
func NewDatabase(cfg Database) (*gorm.DB, error) {
	if cfg.Type != "mysql" {
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	dsn := cfg.dsn(fmt.Sprintf("%s:%s", cfg.Host, cfg.Port))

	logConfig := logger.Config{
		SlowThreshold:             defaultSlowSQL,
		LogLevel:                  logger.Info,
		Colorful:                  false,
		IgnoreRecordNotFoundError: true,
		ParameterizedQueries:      true,
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NamingStrategy: schema.NamingStrategy{
			TablePrefix:   defaultTablePrefix,
			SingularTable: true,
		},
	}
	if cfg.OutPut {
		gormConfig.Logger = NewGormLoggerAdapter(logConfig, logger.Info)
	}

	db, err := gorm.Open(mysql.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if len(cfg.Replicas) > 0 {
		replicas := make([]gorm.Dialector, 0, len(cfg.Replicas))
		for _, hostPort := range cfg.Replicas {
			replicas = append(replicas, mysql.Open(cfg.dsn(hostPort)))
		}
		if err := db.Use(dbresolver.Register(dbresolver.Config{
			Replicas: replicas,
			Policy:   dbresolver.RandomPolicy{},
		})); err != nil {
			return nil, fmt.Errorf("failed to register read replicas: %w", err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB handle: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.MaxLifetime) * time.Second)
	sqlDB.SetConnMaxIdleTime(time.Duration(cfg.MaxIdleTime) * time.Second)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("database connected successfully")

	return db, nil
}

// ReadDB routes the query to a read replica when one is registered.
func ReadDB(db *gorm.DB) *gorm.DB {
	return db.Clauses(dbresolver.Read)
}

// WriteDB forces the query to the primary.
func WriteDB(db *gorm.DB) *gorm.DB {
	return db.Clauses(dbresolver.Write)
}
