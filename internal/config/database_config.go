package config

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// 允许被数据库覆盖的配置段
var overridableSections = map[string]bool{
	"chain":          true,
	"relay":          true,
	"price_feed":     true,
	"status_channel": true,
	"executor":       true,
	"wallet":         true,
	"events":         true,
	"api":            true,
	"logging":        true,
}

// DatabaseConfig 数据库配置管理器
type DatabaseConfig struct {
	DB     *sql.DB
	logger *logrus.Logger
}

// NewDatabaseConfig 创建数据库配置管理器
func NewDatabaseConfig(dsn string, logger *logrus.Logger) (*DatabaseConfig, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	// 测试连接
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	return NewDatabaseConfigWithDB(db, logger), nil
}

// NewDatabaseConfigWithDB 使用已有连接创建配置管理器
func NewDatabaseConfigWithDB(db *sql.DB, logger *logrus.Logger) *DatabaseConfig {
	return &DatabaseConfig{DB: db, logger: logger}
}

// ApplyOverrides 将 config_overrides 表中的有效配置叠加到 config。
// 键为 section + "." + config_key，例如 executor.display_delay = "3s"。
func (dc *DatabaseConfig) ApplyOverrides(config *Config) error {
	query := `SELECT section, config_key, config_value FROM config_overrides WHERE is_active = true ORDER BY section, config_key`
	rows, err := dc.DB.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()

	overrides := make(map[string]string)
	for rows.Next() {
		var section, key, value string
		if err := rows.Scan(&section, &key, &value); err != nil {
			return err
		}
		if !overridableSections[section] {
			dc.logger.Warnf("忽略不支持的配置段: %s", section)
			continue
		}
		overrides[section+"."+key] = value
	}
	if err := rows.Err(); err != nil {
		return err
	}

	return applyOverrides(config, overrides)
}

// applyOverrides 通过 viper 解码，字符串值按目标字段类型转换
func applyOverrides(config *Config, overrides map[string]string) error {
	if len(overrides) == 0 {
		return nil
	}
	v := viper.New()
	for key, value := range overrides {
		v.Set(key, value)
	}
	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("解析覆盖配置失败: %w", err)
	}
	return nil
}

// UpdateConfig 更新配置
func (dc *DatabaseConfig) UpdateConfig(section, key, value string) error {
	if !overridableSections[section] {
		return fmt.Errorf("不支持的配置类型: %s", section)
	}

	query := `
		INSERT INTO config_overrides (section, config_key, config_value, is_active, updated_at)
		VALUES ($1, $2, $3, true, CURRENT_TIMESTAMP)
		ON CONFLICT (section, config_key)
		DO UPDATE SET config_value = $3, is_active = true, updated_at = CURRENT_TIMESTAMP
	`
	_, err := dc.DB.Exec(query, section, key, value)
	return err
}

// GetConfig 获取配置值
func (dc *DatabaseConfig) GetConfig(section, key string) (string, error) {
	if !overridableSections[section] {
		return "", fmt.Errorf("不支持的配置类型: %s", section)
	}

	query := `SELECT config_value FROM config_overrides WHERE section = $1 AND config_key = $2 AND is_active = true`
	var value string
	err := dc.DB.QueryRow(query, section, key).Scan(&value)
	return value, err
}

// ListConfigs 列出某配置段的全部覆盖项
func (dc *DatabaseConfig) ListConfigs(section string) (map[string]string, error) {
	if !overridableSections[section] {
		return nil, fmt.Errorf("不支持的配置类型: %s", section)
	}

	query := `SELECT config_key, config_value FROM config_overrides WHERE section = $1 AND is_active = true`
	rows, err := dc.DB.Query(query, section)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	configs := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		configs[key] = value
	}
	return configs, rows.Err()
}

// Close 关闭数据库连接
func (dc *DatabaseConfig) Close() error {
	if dc.DB != nil {
		return dc.DB.Close()
	}
	return nil
}
