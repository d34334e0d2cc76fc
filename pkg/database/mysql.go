package database

import (
	"time"

	"knowpipe-go/internal/model"
	"knowpipe-go/pkg/log"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

var DB *gorm.DB

// InitMySQL 初始化 MySQL 数据库连接并迁移检查点相关的表结构。
func InitMySQL(dsn string) {
	var err error
	DB, err = gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect database", err)
	}

	// 配置连接池
	sqlDB, err := DB.DB()
	if err != nil {
		log.Fatal("failed to get sql.DB", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	// 检查点存储的两张表：file_record 长期保留，chunk_progress 仅存在于处理期间
	if err := DB.AutoMigrate(&model.FileRecord{}, &model.ChunkProgress{}); err != nil {
		log.Fatal("failed to migrate checkpoint tables", err)
	}

	log.Info("MySQL database connected successfully")
}
