package db

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"peer-wan-console/pkg/model"
)

// Params are the MySQL connection parts used when no DSN is given.
type Params struct {
	Host string
	Port string
	User string
	Pass string
	Name string
}

// ParamsFromEnv reads MYSQL_HOST, MYSQL_PORT, MYSQL_USER, MYSQL_PASS, MYSQL_DB.
func ParamsFromEnv() Params {
	return Params{
		Host: getenv("MYSQL_HOST", "127.0.0.1"),
		Port: getenv("MYSQL_PORT", "3306"),
		User: getenv("MYSQL_USER", "root"),
		Pass: getenv("MYSQL_PASS", ""),
		Name: getenv("MYSQL_DB", "peer_wan"),
	}
}

// DSN renders the go-sql-driver DSN.
func (p Params) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local", p.User, p.Pass, p.Host, p.Port, p.Name)
}

// Init connects to MySQL and migrates the audit table. An empty dsn is built
// from the MYSQL_* variables; the database is created when missing.
func Init(dsn string) (*gorm.DB, error) {
	params := ParamsFromEnv()
	if dsn == "" {
		dsn = params.DSN()
	}

	cfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}
	db, err := gorm.Open(mysql.Open(dsn), cfg)
	if err != nil {
		if !strings.Contains(err.Error(), "Unknown database") {
			return nil, err
		}
		if cerr := createDatabase(params); cerr != nil {
			return nil, fmt.Errorf("create database failed: %w", cerr)
		}
		if db, err = gorm.Open(mysql.Open(dsn), cfg); err != nil {
			return nil, err
		}
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(5)
	if err := db.AutoMigrate(&model.AuditEntry{}); err != nil {
		return nil, err
	}
	return db, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func createDatabase(p Params) error {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/", p.User, p.Pass, p.Host, p.Port)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = db.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` DEFAULT CHARACTER SET utf8mb4", p.Name))
	return err
}
